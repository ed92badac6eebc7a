package ledger

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"tradepost/internal/codec"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	c, err := codec.New(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ledger.dat")
	s, err := Open(path, c, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestUnknownBalanceIsZero(t *testing.T) {
	s, _ := newTestStore(t)
	if got := s.Balance("nobody"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestCreditCreatesAccount(t *testing.T) {
	s, _ := newTestStore(t)
	balance, err := s.Credit("uuid-1", 250)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 250 || s.Balance("uuid-1") != 250 {
		t.Fatalf("expected balance 250, got %d", balance)
	}
	if _, err := s.Credit("uuid-1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRegisterAndTokenIndexSurviveReload(t *testing.T) {
	c, _ := codec.New(nil)
	path := filepath.Join(t.TempDir(), "ledger.dat")
	s, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	acct, err := s.Register("Red", "t-01", "", 3000)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.Balance != 3000 || acct.Token == "" || acct.UUID == "" {
		t.Fatalf("unexpected account: %+v", acct)
	}

	reloaded, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	id, ok := reloaded.ResolveToken(acct.Token)
	if !ok || id != acct.UUID {
		t.Fatalf("token index not rebuilt: ok=%v id=%q want %q", ok, id, acct.UUID)
	}
	if reloaded.Balance(acct.UUID) != 3000 {
		t.Fatalf("balance lost across reload")
	}
}

func TestRegisterExistingTokenRefreshesName(t *testing.T) {
	s, _ := newTestStore(t)
	first, err := s.Register("Red", "t-01", "", 3000)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := s.Register("Blue", "t-01", first.Token, 3000)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.UUID != first.UUID {
		t.Fatalf("expected same account, got %q and %q", first.UUID, second.UUID)
	}
	if second.Name != "Blue" {
		t.Fatalf("expected refreshed name, got %q", second.Name)
	}
	if second.Balance != 3000 {
		t.Fatalf("re-register must not grant a second starter balance, got %d", second.Balance)
	}
}

func TestUpdateRefusesNegative(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Credit("a", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := s.Update(func(tx *Tx) error {
		_, err := tx.Add("a", -150)
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if s.Balance("a") != 100 {
		t.Fatalf("failed update must not change balance, got %d", s.Balance("a"))
	}
}

func TestSetRequiresExistingAccount(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.View(func(tx *Tx) error {
		return tx.Set("ghost", 10)
	})
	if !errors.Is(err, ErrAccountMissing) {
		t.Fatalf("expected ErrAccountMissing, got %v", err)
	}
}

func TestUpdateFlushesBeforeReturn(t *testing.T) {
	c, _ := codec.New(nil)
	path := filepath.Join(t.TempDir(), "ledger.dat")
	s, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Credit("a", 42); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// A second handle opened from the same file must already see the credit.
	other, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if other.Balance("a") != 42 {
		t.Fatalf("credit was not durable before return")
	}
}

func TestCorruptFileFallsBackEmpty(t *testing.T) {
	c, _ := codec.New(nil)
	path := filepath.Join(t.TempDir(), "ledger.dat")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Open(path, c, nil)
	if err != nil {
		t.Fatalf("open should fall back, got %v", err)
	}
	if s.TotalSupply() != 0 {
		t.Fatalf("expected empty ledger")
	}
}
