package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/ledger"
	"tradepost/internal/market"
	"tradepost/internal/notify"
	"tradepost/internal/session"
	"tradepost/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	SID  string
	UUID string
}

// Server routes already-parsed client commands into the two stores and the
// trade engine. It owns no domain state of its own.
type Server struct {
	cfg      config.ServerConfig
	log      *slog.Logger
	registry *session.Registry
	ledger   *ledger.Store
	market   *market.Store
	sessions *trade.Sessions
	engine   *trade.Engine
	mux      *chi.Mux
}

func New(cfg config.ServerConfig, logger *slog.Logger, registry *session.Registry, l *ledger.Store, m *market.Store, sessions *trade.Sessions, engine *trade.Engine) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		ledger:   l,
		market:   m,
		sessions: sessions,
		engine:   engine,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/session/hello", s.handleHello)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/session/bye", s.handleBye)
			r.Get("/messages", s.handleMessages)
			r.Get("/balance", s.handleBalance)

			r.Get("/market", s.handleMarketSnapshot)
			r.Post("/market/listings", s.handleMarketList)
			r.Post("/market/listings/{id}/buy", s.handleMarketBuy)
			r.Delete("/market/listings/{id}", s.handleMarketCancel)

			r.Post("/trades", s.handleTradeOpen)
			r.Post("/trades/{id}/offer", s.handleTradeOffer)
			r.Post("/trades/{id}/validate", s.handleTradeValidate)
			r.Post("/trades/{id}/execute", s.handleTradeExecute)
			r.Post("/trades/{id}/rollback", s.handleTradeRollback)
			r.Delete("/trades/{id}", s.handleTradeClose)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := bearerToken(r.Header.Get("Authorization"))
		if sid == "" {
			writeError(w, http.StatusUnauthorized, "missing session id")
			return
		}
		id, ok := s.registry.Resolve(sid)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown session")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{SID: sid, UUID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	user, ok := ctx.Value(userContextKey).(UserContext)
	if !ok || user.UUID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

// handleHello associates a connection with an account. A known token resumes
// the existing account; otherwise a new one is created with the starter
// balance.
func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token     string `json:"token"`
		Name      string `json:"name"`
		TrainerID string `json:"trainer_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	acct, err := s.ledger.Register(in.Name, strings.TrimSpace(in.TrainerID), strings.TrimSpace(in.Token), s.cfg.StarterBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sid := s.registry.Connect(acct.UUID)
	if err := s.market.TouchUser(acct.UUID, acct.Name, sid); err != nil {
		s.registry.Disconnect(sid)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sid":     sid,
		"uuid":    acct.UUID,
		"token":   acct.Token,
		"balance": acct.Balance,
	})
}

func (s *Server) handleBye(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.registry.Disconnect(user.SID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	msgs := s.registry.Drain(user.SID)
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": s.ledger.Balance(user.UUID)})
}

func (s *Server) handleMarketSnapshot(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	writeJSON(w, http.StatusOK, s.market.SnapshotSince(since))
}

func (s *Server) handleMarketList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Payload market.Payload `json:"payload"`
		Price   int64          `json:"price"`
		TTL     string         `json:"ttl"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ttl := s.cfg.DefaultListingTTL
	if strings.TrimSpace(in.TTL) != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a duration like 24h, or 0 for no expiry")
			return
		}
		ttl = d
	}
	if s.cfg.MaxListingTTL > 0 && ttl > s.cfg.MaxListingTTL {
		ttl = s.cfg.MaxListingTTL
	}

	listing, err := s.market.List(user.UUID, in.Payload, in.Price, ttl)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"listing": listing, "revision": s.market.Revision()})
}

// handleMarketBuy settles the price through the ledger inside the purchase
// window, then delivers the escrowed payload in the response. Lock order is
// market then ledger, never the reverse.
func (s *Server) handleMarketBuy(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad listing id")
		return
	}

	var sellerUUID string
	payload, err := s.market.Purchase(id, user.UUID, func(price int64, seller string) error {
		sellerUUID = seller
		if price == 0 {
			return nil
		}
		return s.ledger.Update(func(tx *ledger.Tx) error {
			if _, err := tx.Add(user.UUID, -price); err != nil {
				return err
			}
			_, err := tx.Add(seller, price)
			return err
		})
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.registry.Notify(user.SID, notify.Balance(s.ledger.Balance(user.UUID)))
	if sellerSID, ok := s.registry.SIDFor(sellerUUID); ok {
		s.registry.Notify(sellerSID, notify.Balance(s.ledger.Balance(sellerUUID)))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payload":  payload,
		"balance":  s.ledger.Balance(user.UUID),
		"revision": s.market.Revision(),
	})
}

func (s *Server) handleMarketCancel(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad listing id")
		return
	}
	payload, err := s.market.Cancel(id, user.UUID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload, "revision": s.market.Revision()})
}

func (s *Server) handleTradeOpen(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ResponderSID string `json:"responder_sid"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.registry.Alive(in.ResponderSID) {
		writeError(w, http.StatusNotFound, "responder is not connected")
		return
	}
	sess := s.sessions.Open(user.SID, in.ResponderSID)
	writeJSON(w, http.StatusCreated, map[string]any{"trade_id": sess.ID})
}

func (s *Server) handleTradeOffer(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Coins int64 `json:"coins"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sessions.SetOffer(chi.URLParam(r, "id"), user.SID, in.Coins); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requireTradeParty rejects saga commands from connections that are not one
// of the two participants. Knowing a trade id must not be enough to drive or
// reverse someone else's trade.
func (s *Server) requireTradeParty(w http.ResponseWriter, r *http.Request, id string) bool {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeDomainError(w, &trade.Fault{Code: trade.CodeNoTrade})
		return false
	}
	if user.SID != sess.Initiator.SID && user.SID != sess.Responder.SID {
		writeDomainError(w, trade.ErrNotParty)
		return false
	}
	return true
}

func (s *Server) handleTradeValidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireTradeParty(w, r, id) {
		return
	}
	if err := s.engine.Validate(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": true})
}

func (s *Server) handleTradeExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireTradeParty(w, r, id) {
		return
	}
	if err := s.engine.Execute(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transferred": true})
}

func (s *Server) handleTradeRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireTradeParty(w, r, id) {
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Rollback(id, in.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rolled_back": true})
}

func (s *Server) handleTradeClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.requireTradeParty(w, r, id) {
		return
	}
	s.sessions.Close(id)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var fault *trade.Fault
	if errors.As(err, &fault) {
		switch fault.Code {
		case trade.CodeAuthRequired:
			writeFault(w, http.StatusUnauthorized, fault)
		case trade.CodeNoTrade:
			writeFault(w, http.StatusNotFound, fault)
		case trade.CodeSaveFailed:
			writeFault(w, http.StatusInternalServerError, fault)
		default:
			writeFault(w, http.StatusConflict, fault)
		}
		return
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrAccountMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, market.ErrEmptyPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrListingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrListingLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrListingExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, trade.ErrSessionClosed):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, trade.ErrOfferLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, trade.ErrNotParty):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrSaveFailed), errors.Is(err, market.ErrSaveFailed):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeFault(w http.ResponseWriter, status int, fault *trade.Fault) {
	writeJSON(w, status, map[string]any{"error": fault.Tag()})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
