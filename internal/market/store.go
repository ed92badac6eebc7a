package market

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradepost/internal/codec"
	"tradepost/internal/notify"
)

var (
	ErrNotOwner        = errors.New("not the listing owner")
	ErrListingLocked   = errors.New("listing is locked")
	ErrListingExpired  = errors.New("listing expired")
	ErrListingNotFound = errors.New("listing not found")
	ErrEmptyPayload    = errors.New("listing payload is empty")
	ErrSaveFailed      = errors.New("market save failed")
)

type Item struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// Payload is what a listing holds in escrow: items, coins, or both.
type Payload struct {
	Items []Item `json:"items,omitempty"`
	Coins int64  `json:"coins,omitempty"`
}

func (p Payload) Empty() bool {
	return len(p.Items) == 0 && p.Coins <= 0
}

func (p Payload) String() string {
	parts := make([]string, 0, len(p.Items)+1)
	for _, it := range p.Items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Qty, it.ID))
	}
	if p.Coins > 0 {
		parts = append(parts, fmt.Sprintf("%d coins", p.Coins))
	}
	return strings.Join(parts, ", ")
}

// Listing describes one escrowed offer on the board. Locked is set for the
// duration of a purchase or cancel so the sweeper cannot expire a listing
// mid-flight.
type Listing struct {
	ID        int64  `json:"id"`
	Seller    string `json:"seller"`
	Desc      string `json:"desc"`
	Price     int64  `json:"price"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds, 0 = never
	Locked    bool   `json:"locked"`
}

func (l *Listing) expired(now time.Time) bool {
	return l.ExpiresAt != 0 && now.Unix() >= l.ExpiresAt
}

// User is the market's view of a seller: display name for snapshot
// enrichment, last-known connection for expiry returns.
type User struct {
	Name    string `json:"name"`
	LastSID string `json:"sid,omitempty"`
}

// state is the persisted market file layout.
type state struct {
	Revision int64             `json:"revision"`
	NextID   int64             `json:"next_id"`
	Users    map[string]User   `json:"users"`
	Listings []*Listing        `json:"listings"`
	Escrow   map[int64]Payload `json:"escrow"`
}

// Presence is the transport-side view the sweeper needs: whether a seller
// still has a live connection, and the push primitive to reach it.
type Presence interface {
	Alive(sid string) bool
	Notify(sid, message string)
}

// Store holds the whole market in memory behind one lock and flushes the
// file after every mutation batch, before the lock is released.
type Store struct {
	mu       sync.Mutex
	log      *slog.Logger
	codec    *codec.Codec
	path     string
	presence Presence
	st       state
}

func Open(path string, c *codec.Codec, presence Presence, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{log: logger, codec: c, path: path, presence: presence}
	err := c.Load(path, &s.st)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("market file absent, starting empty", "path", path)
	case errors.Is(err, codec.ErrCorrupt):
		logger.Error("market file unreadable, starting empty", "path", path, "err", err)
		s.st = state{}
	default:
		return nil, fmt.Errorf("open market: %w", err)
	}
	if s.st.Users == nil {
		s.st.Users = map[string]User{}
	}
	if s.st.Escrow == nil {
		s.st.Escrow = map[int64]Payload{}
	}
	// Stale lock flags from a crash mid-purchase must not pin listings
	// forever.
	for _, l := range s.st.Listings {
		l.Locked = false
	}
	return s, nil
}

// Revision returns the current mutation counter.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Revision
}

// TouchUser records a seller's display name and live connection. Called on
// every session hello so snapshot enrichment and expiry returns stay fresh.
func (s *Store) TouchUser(uuid, name, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.st.Users[uuid]
	if ok && prev.Name == name && prev.LastSID == sid {
		return nil
	}
	s.st.Users[uuid] = User{Name: name, LastSID: sid}
	s.st.Revision++
	if err := s.flushLocked(); err != nil {
		return ErrSaveFailed
	}
	return nil
}

// List escrows payload and puts it on the board. ttl == 0 means the listing
// never expires.
func (s *Store) List(seller string, payload Payload, price int64, ttl time.Duration) (Listing, error) {
	if payload.Empty() {
		return Listing{}, ErrEmptyPayload
	}
	if price < 0 {
		price = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.st.NextID++
	l := &Listing{
		ID:        s.st.NextID,
		Seller:    seller,
		Desc:      payload.String(),
		Price:     price,
		CreatedAt: now.Unix(),
	}
	if ttl > 0 {
		l.ExpiresAt = now.Add(ttl).Unix()
	}
	s.st.Escrow[l.ID] = payload
	s.st.Listings = append(s.st.Listings, l)
	s.st.Revision++
	if err := s.flushLocked(); err != nil {
		return Listing{}, ErrSaveFailed
	}
	s.log.Info("listing created", "id", l.ID, "seller", seller, "price", price, "desc", l.Desc)
	return *l, nil
}

// Purchase removes listing id and hands its escrowed payload to the buyer.
// pay runs while the listing is flag-locked and is where the caller settles
// the price through the ledger; if it fails the listing stays active and
// nothing changed. Once pay settles the payload is always delivered, with
// ErrSaveFailed alongside when the removal could not be flushed.
func (s *Store) Purchase(id int64, buyer string, pay func(price int64, seller string) error) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLocked(id)
	if l == nil {
		return Payload{}, ErrListingNotFound
	}
	if l.Locked {
		return Payload{}, ErrListingLocked
	}
	if l.expired(time.Now()) {
		return Payload{}, ErrListingExpired
	}

	l.Locked = true
	defer func() { l.Locked = false }()

	if pay != nil {
		if err := pay(l.Price, l.Seller); err != nil {
			return Payload{}, err
		}
	}

	payload := s.st.Escrow[id]
	s.removeLocked(id)
	s.st.Revision++
	// A failed flush keeps the in-memory removal, same policy as the ledger.
	// The buyer was already charged inside pay, so the payload is delivered
	// alongside ErrSaveFailed rather than stranded in a removed escrow entry;
	// the next successful flush persists the removal.
	if err := s.flushLocked(); err != nil {
		return payload, ErrSaveFailed
	}
	s.log.Info("listing sold", "id", id, "seller", l.Seller, "buyer", buyer, "price", l.Price)
	return payload, nil
}

// Cancel returns the escrowed payload to the seller. Only the original
// seller may cancel.
func (s *Store) Cancel(id int64, requester string) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.findLocked(id)
	if l == nil {
		return Payload{}, ErrListingNotFound
	}
	if l.Locked {
		return Payload{}, ErrListingLocked
	}
	if l.Seller != requester {
		return Payload{}, ErrNotOwner
	}

	payload := s.st.Escrow[id]
	s.removeLocked(id)
	s.st.Revision++
	// Same delivery-despite-save-failure policy as Purchase.
	if err := s.flushLocked(); err != nil {
		return payload, ErrSaveFailed
	}
	s.log.Info("listing cancelled", "id", id, "seller", l.Seller)
	return payload, nil
}

// ListingView is a listing enriched with the seller's display name.
type ListingView struct {
	Listing
	SellerName string `json:"seller_name"`
}

// Snapshot is either the full board (Full true, Listings set) or a delta
// envelope anchored at Since. The delta always carries the full active set
// in Added with nothing in Updated/RemovedIDs; clients must key off the
// revision numbers, not the envelope shape.
type Snapshot struct {
	Revision   int64         `json:"revision"`
	Full       bool          `json:"full"`
	Since      int64         `json:"since,omitempty"`
	Listings   []ListingView `json:"listings,omitempty"`
	Added      []ListingView `json:"added,omitempty"`
	Updated    []ListingView `json:"updated,omitempty"`
	RemovedIDs []int64       `json:"removed_ids,omitempty"`
}

// SnapshotSince returns the board for a client that last synced at
// sinceRev. sinceRev <= 0 or >= the current revision yields the full form.
func (s *Store) SnapshotSince(sinceRev int64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]ListingView, 0, len(s.st.Listings))
	for _, l := range s.st.Listings {
		views = append(views, ListingView{Listing: *l, SellerName: s.st.Users[l.Seller].Name})
	}
	if sinceRev <= 0 || sinceRev >= s.st.Revision {
		return Snapshot{Revision: s.st.Revision, Full: true, Listings: views}
	}
	return Snapshot{Revision: s.st.Revision, Since: sinceRev, Added: views}
}

// SweepExpired removes every expired, unlocked listing. Sellers with a live
// connection get the escrowed payload pushed back; for offline sellers the
// payload is discarded for good. Returns how many listings were removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Listing
	for _, l := range s.st.Listings {
		if l.Locked || !l.expired(now) {
			continue
		}
		expired = append(expired, l)
	}
	if len(expired) == 0 {
		return 0
	}

	for _, l := range expired {
		payload := s.st.Escrow[l.ID]
		sid := s.st.Users[l.Seller].LastSID
		if sid != "" && s.presence != nil && s.presence.Alive(sid) {
			s.presence.Notify(sid, notify.ListingReturn(l.ID, payload, notify.ReasonExpired))
			s.log.Info("expired listing returned", "id", l.ID, "seller", l.Seller)
		} else {
			s.log.Warn("expired listing discarded, seller offline", "id", l.ID, "seller", l.Seller, "desc", l.Desc)
		}
		s.removeLocked(l.ID)
	}
	s.st.Revision++
	if err := s.flushLocked(); err != nil {
		s.log.Error("sweep flush failed", "path", s.path, "err", err)
	}
	return len(expired)
}

func (s *Store) findLocked(id int64) *Listing {
	for _, l := range s.st.Listings {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (s *Store) removeLocked(id int64) {
	for i, l := range s.st.Listings {
		if l.ID == id {
			s.st.Listings = append(s.st.Listings[:i], s.st.Listings[i+1:]...)
			break
		}
	}
	delete(s.st.Escrow, id)
}

func (s *Store) flushLocked() error {
	if err := s.codec.Save(s.path, &s.st); err != nil {
		s.log.Error("market flush failed", "path", s.path, "listings", len(s.st.Listings), "revision", s.st.Revision, "err", err)
		return err
	}
	return nil
}
