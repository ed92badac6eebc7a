package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"tradepost/internal/codec"
)

var (
	ErrSaveFailed        = errors.New("ledger save failed")
	ErrAccountMissing    = errors.New("account missing")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Account is one player's durable currency record. Accounts are created on
// the first currency-earning event and never deleted.
type Account struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	TrainerID string `json:"tid"`
	Balance   int64  `json:"balance"`
	Token     string `json:"token"`
}

// Store is the authoritative UUID -> balance map. One exclusive lock covers
// every read, every mutation, and the durable flush that follows it, so a
// balance a caller observed as saved really is on disk.
type Store struct {
	mu       sync.Mutex
	log      *slog.Logger
	codec    *codec.Codec
	path     string
	accounts map[string]*Account
	byToken  map[string]string
}

// Open loads the ledger file at path. A missing file is first boot; a corrupt
// one is logged and replaced by an empty ledger rather than refusing to start.
func Open(path string, c *codec.Codec, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		log:      logger,
		codec:    c,
		path:     path,
		accounts: map[string]*Account{},
		byToken:  map[string]string{},
	}
	err := c.Load(path, &s.accounts)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("ledger file absent, starting empty", "path", path)
	case errors.Is(err, codec.ErrCorrupt):
		logger.Error("ledger file unreadable, starting empty", "path", path, "err", err)
		s.accounts = map[string]*Account{}
	default:
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// The token index is never persisted; rebuilding it here keeps it from
	// drifting out of sync with the account records.
	for id, acct := range s.accounts {
		acct.UUID = id
		if acct.Token != "" {
			s.byToken[acct.Token] = id
		}
	}
	return s, nil
}

// Balance returns 0 for unknown UUIDs, never an error.
func (s *Store) Balance(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[id]; ok {
		return acct.Balance
	}
	return 0
}

// ResolveToken maps a session token back to its account UUID.
func (s *Store) ResolveToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}

// Account returns a copy of the record for id.
func (s *Store) Account(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acct, true
}

// Register creates an account with a fresh UUID and token, or refreshes the
// display name on the account the token already maps to.
func (s *Store) Register(name, trainerID, token string, starterBalance int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != "" {
		if id, ok := s.byToken[token]; ok {
			acct := s.accounts[id]
			acct.Name = name
			if err := s.flushLocked(); err != nil {
				return Account{}, ErrSaveFailed
			}
			return *acct, nil
		}
	}

	acct := &Account{
		UUID:      uuid.NewString(),
		Name:      name,
		TrainerID: trainerID,
		Balance:   starterBalance,
		Token:     uuid.NewString(),
	}
	s.accounts[acct.UUID] = acct
	s.byToken[acct.Token] = acct.UUID
	if err := s.flushLocked(); err != nil {
		return Account{}, ErrSaveFailed
	}
	s.log.Info("account created", "uuid", acct.UUID, "name", name)
	return *acct, nil
}

// Credit adds amount to id's balance, creating the account record on first
// earn, and flushes before returning.
func (s *Store) Credit(id string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.Update(func(tx *Tx) error {
		var err error
		balance, err = tx.Add(id, amount)
		return err
	})
	return balance, err
}

// Update runs fn under the ledger lock and flushes durably before releasing
// it. When the flush fails the in-memory mutation is kept (last known good
// for readers, and idempotent retries stay safe) but ErrSaveFailed tells the
// caller the operation did not succeed.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&Tx{s: s}); err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		return ErrSaveFailed
	}
	return nil
}

// View runs fn under the ledger lock without flushing. fn must not mutate.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// TotalSupply sums every account balance.
func (s *Store) TotalSupply() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, acct := range s.accounts {
		total += acct.Balance
	}
	return total
}

func (s *Store) flushLocked() error {
	if err := s.codec.Save(s.path, s.accounts); err != nil {
		s.log.Error("ledger flush failed", "path", s.path, "accounts", len(s.accounts), "err", err)
		return err
	}
	return nil
}

// Tx is the view handed to Update/View callbacks. It bypasses the public
// locking entry points, so rollback and transfer paths never re-acquire the
// store lock they already hold.
type Tx struct {
	s *Store
}

func (t *Tx) Balance(id string) int64 {
	if acct, ok := t.s.accounts[id]; ok {
		return acct.Balance
	}
	return 0
}

// Set overwrites id's balance. Used for snapshot restores; the account must
// already exist.
func (t *Tx) Set(id string, balance int64) error {
	acct, ok := t.s.accounts[id]
	if !ok {
		return ErrAccountMissing
	}
	if balance < 0 {
		return ErrInsufficientFunds
	}
	acct.Balance = balance
	return nil
}

// Add applies a signed delta. A positive delta to an unknown UUID creates the
// account (first earning event); a delta that would go negative is refused.
func (t *Tx) Add(id string, delta int64) (int64, error) {
	acct, ok := t.s.accounts[id]
	if !ok {
		if delta < 0 {
			return 0, ErrInsufficientFunds
		}
		acct = &Account{UUID: id}
		t.s.accounts[id] = acct
	}
	next := acct.Balance + delta
	if next < 0 {
		return 0, ErrInsufficientFunds
	}
	acct.Balance = next
	return next, nil
}
