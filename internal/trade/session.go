package trade

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionClosed = errors.New("trade session closed")
	ErrOfferLocked   = errors.New("offer is locked by validation")
	ErrNotParty      = errors.New("connection is not part of this trade")
)

// Offer is one participant's half of a trade session. UUID and PrevBalance
// are populated by Validate; PrevBalance is the rollback anchor and is never
// re-read after a transfer.
type Offer struct {
	SID         string
	UUID        string
	Coins       int64
	PrevBalance int64
}

// Session is the currency leg of one two-party barter trade. The surrounding
// orchestrator serializes commands per session; the engine additionally
// serializes balance access through the ledger lock.
type Session struct {
	ID          string
	Initiator   Offer
	Responder   Offer
	Locked      bool
	Transferred bool
	CreatedAt   time.Time
}

// Sessions holds the live trade sessions. Discarding a session discards the
// ledger fields with it; balances themselves live only in the ledger.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{m: map[string]*Session{}}
}

func (s *Sessions) Open(initiatorSID, responderSID string) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		Initiator: Offer{SID: initiatorSID},
		Responder: Offer{SID: responderSID},
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.m[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	return sess, ok
}

func (s *Sessions) Close(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// SetOffer records how many coins the connection sid is giving. Refused once
// validation has frozen the amounts.
func (s *Sessions) SetOffer(id, sid string, coins int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	if !ok {
		return ErrSessionClosed
	}
	if sess.Locked {
		return ErrOfferLocked
	}
	if coins < 0 {
		coins = 0
	}
	switch sid {
	case sess.Initiator.SID:
		sess.Initiator.Coins = coins
	case sess.Responder.SID:
		sess.Responder.Coins = coins
	default:
		return ErrNotParty
	}
	return nil
}
