package market

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradepost/internal/codec"
)

type fakePresence struct {
	alive map[string]bool
	sent  map[string][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{alive: map[string]bool{}, sent: map[string][]string{}}
}

func (f *fakePresence) Alive(sid string) bool { return f.alive[sid] }

func (f *fakePresence) Notify(sid, message string) {
	f.sent[sid] = append(f.sent[sid], message)
}

func newTestStore(t *testing.T) (*Store, *fakePresence, string) {
	t.Helper()
	c, err := codec.New(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	path := filepath.Join(t.TempDir(), "market.dat")
	presence := newFakePresence()
	s, err := Open(path, c, presence, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, presence, path
}

func TestListAssignsUniqueIDs(t *testing.T) {
	s, _, _ := newTestStore(t)
	a, err := s.List("seller-1", Payload{Items: []Item{{ID: "potion", Qty: 3}}}, 50, 0)
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	b, err := s.List("seller-1", Payload{Coins: 200}, 0, 0)
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("ids collide: %d", a.ID)
	}
	if a.Desc != "3x potion" {
		t.Fatalf("desc: %q", a.Desc)
	}
	if b.Desc != "200 coins" {
		t.Fatalf("desc: %q", b.Desc)
	}
}

func TestListRejectsEmptyPayload(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.List("seller-1", Payload{}, 10, 0); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestPurchaseDeliversEscrow(t *testing.T) {
	s, _, _ := newTestStore(t)
	l, err := s.List("seller-1", Payload{Items: []Item{{ID: "potion", Qty: 3}}}, 50, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	var paidPrice int64
	var paidSeller string
	got, err := s.Purchase(l.ID, "buyer-1", func(price int64, seller string) error {
		paidPrice, paidSeller = price, seller
		return nil
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if paidPrice != 50 || paidSeller != "seller-1" {
		t.Fatalf("pay callback got price=%d seller=%q", paidPrice, paidSeller)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "potion" || got.Items[0].Qty != 3 {
		t.Fatalf("payload: %+v", got)
	}
	if _, err := s.Purchase(l.ID, "buyer-2", nil); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("sold listing must be gone, got %v", err)
	}
}

func TestPurchaseFailedPayKeepsListing(t *testing.T) {
	s, _, _ := newTestStore(t)
	l, err := s.List("seller-1", Payload{Coins: 100}, 50, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	broke := errors.New("insufficient funds")
	if _, err := s.Purchase(l.ID, "buyer-1", func(int64, string) error { return broke }); !errors.Is(err, broke) {
		t.Fatalf("expected pay error, got %v", err)
	}

	// Listing stays purchasable.
	if _, err := s.Purchase(l.ID, "buyer-2", nil); err != nil {
		t.Fatalf("listing should still be active: %v", err)
	}
}

func TestPurchaseFlushFailureStillDeliversEscrow(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	path := filepath.Join(dir, "market.dat")
	c, err := codec.New(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	s, err := Open(path, c, newFakePresence(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l, err := s.List("seller-1", Payload{Coins: 42}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// A regular file where the data directory was makes every flush fail.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if err := os.WriteFile(dir, []byte("x"), 0o600); err != nil {
		t.Fatalf("block dir: %v", err)
	}

	got, err := s.Purchase(l.ID, "buyer", nil)
	if !errors.Is(err, ErrSaveFailed) {
		t.Fatalf("expected ErrSaveFailed, got %v", err)
	}
	if got.Coins != 42 {
		t.Fatalf("payload must be delivered despite the save failure: %+v", got)
	}
	if _, err := s.Purchase(l.ID, "buyer-2", nil); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("removal must stick in memory, got %v", err)
	}

	// Once the disk recovers, the next mutation persists the removal.
	if err := os.Remove(dir); err != nil {
		t.Fatalf("unblock dir: %v", err)
	}
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	reopened, err := Open(path, c, newFakePresence(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Purchase(l.ID, "buyer-3", nil); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("removal must be on disk after recovery, got %v", err)
	}
}

func TestCancelRequiresOwner(t *testing.T) {
	s, _, _ := newTestStore(t)
	l, err := s.List("seller-1", Payload{Coins: 100}, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := s.Cancel(l.ID, "someone-else"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	got, err := s.Cancel(l.ID, "seller-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Coins != 100 {
		t.Fatalf("payload: %+v", got)
	}
	if _, err := s.Cancel(l.ID, "seller-1"); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestRevisionIsMonotonic(t *testing.T) {
	s, _, _ := newTestStore(t)
	prev := s.Revision()

	bump := func(label string) {
		t.Helper()
		cur := s.Revision()
		if cur <= prev {
			t.Fatalf("%s: revision did not advance: %d -> %d", label, prev, cur)
		}
		prev = cur
	}

	l, err := s.List("seller-1", Payload{Coins: 10}, 5, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	bump("list")
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	bump("touch")
	if _, err := s.Purchase(l.ID, "buyer-1", nil); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	bump("purchase")
}

func TestTouchUserUnchangedIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.TouchUser("u-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	rev := s.Revision()
	if err := s.TouchUser("u-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch again: %v", err)
	}
	if s.Revision() != rev {
		t.Fatalf("unchanged touch bumped revision")
	}
}

func TestSnapshotFullAndDelta(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	afterTouch := s.Revision()
	if _, err := s.List("seller-1", Payload{Coins: 10}, 5, 0); err != nil {
		t.Fatalf("list: %v", err)
	}

	full := s.SnapshotSince(0)
	if !full.Full || len(full.Listings) != 1 || len(full.Added) != 0 {
		t.Fatalf("full snapshot wrong: %+v", full)
	}
	if full.Listings[0].SellerName != "Ash" {
		t.Fatalf("seller name not enriched: %+v", full.Listings[0])
	}

	delta := s.SnapshotSince(afterTouch)
	if delta.Full || delta.Since != afterTouch || len(delta.Added) != 1 || len(delta.Listings) != 0 {
		t.Fatalf("delta snapshot wrong: %+v", delta)
	}

	caughtUp := s.SnapshotSince(s.Revision())
	if !caughtUp.Full {
		t.Fatalf("client at current revision must get the full form: %+v", caughtUp)
	}
}

func TestSweepReturnsToOnlineSeller(t *testing.T) {
	s, presence, _ := newTestStore(t)
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	presence.alive["sid-1"] = true

	l, err := s.List("seller-1", Payload{Items: []Item{{ID: "potion", Qty: 2}}}, 10, time.Second)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if n := s.SweepExpired(time.Now()); n != 0 {
		t.Fatalf("swept a live listing: %d", n)
	}
	if n := s.SweepExpired(time.Now().Add(2 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}

	msgs := presence.sent["sid-1"]
	if len(msgs) != 1 {
		t.Fatalf("expected one return notification, got %v", msgs)
	}
	if !strings.HasPrefix(msgs[0], "market_return|") || !strings.HasSuffix(msgs[0], "|expired") {
		t.Fatalf("notification shape wrong: %q", msgs[0])
	}
	if _, err := s.Purchase(l.ID, "buyer", nil); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expired listing must be gone, got %v", err)
	}
}

func TestSweepDiscardsForOfflineSeller(t *testing.T) {
	s, presence, _ := newTestStore(t)
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// sid-1 is not alive.
	if _, err := s.List("seller-1", Payload{Coins: 42}, 10, time.Second); err != nil {
		t.Fatalf("list: %v", err)
	}
	if n := s.SweepExpired(time.Now().Add(2 * time.Second)); n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if len(presence.sent["sid-1"]) != 0 {
		t.Fatalf("offline seller must not be notified: %v", presence.sent)
	}
}

func TestSweepSkipsLockedListing(t *testing.T) {
	s, _, _ := newTestStore(t)
	l, err := s.List("seller-1", Payload{Coins: 42}, 10, time.Second)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	expiredAt := time.Now().Add(2 * time.Second)

	setLocked := func(v bool) {
		s.mu.Lock()
		s.findLocked(l.ID).Locked = v
		s.mu.Unlock()
	}

	setLocked(true)
	if n := s.SweepExpired(expiredAt); n != 0 {
		t.Fatalf("swept a locked listing: %d", n)
	}
	setLocked(false)
	if n := s.SweepExpired(expiredAt); n != 1 {
		t.Fatalf("expected one expiry after unlock, got %d", n)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	s, presence, path := newTestStore(t)
	if err := s.TouchUser("seller-1", "Ash", "sid-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	l, err := s.List("seller-1", Payload{Items: []Item{{ID: "potion", Qty: 1}}}, 25, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	rev := s.Revision()

	c, err := codec.New(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	reopened, err := Open(path, c, presence, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Revision() != rev {
		t.Fatalf("revision lost on reload: %d != %d", reopened.Revision(), rev)
	}
	got, err := reopened.Purchase(l.ID, "buyer", nil)
	if err != nil {
		t.Fatalf("purchase after reload: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].ID != "potion" {
		t.Fatalf("escrow lost on reload: %+v", got)
	}
}

func TestCorruptFileFallsBackEmpty(t *testing.T) {
	c, err := codec.New(nil)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	path := filepath.Join(t.TempDir(), "market.dat")
	if err := os.WriteFile(path, []byte("not a market file"), 0o600); err != nil {
		t.Fatalf("garbage: %v", err)
	}
	s, err := Open(path, c, newFakePresence(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Revision() != 0 {
		t.Fatalf("corrupt file must yield an empty store")
	}
}
