package trade

import (
	"errors"
	"log/slog"

	"tradepost/internal/ledger"
	"tradepost/internal/notify"
)

// Resolver maps a live connection to its account UUID. Provided by the
// transport layer.
type Resolver interface {
	Resolve(sid string) (string, bool)
}

// Notifier pushes a message to a live connection. Fire-and-forget: it must
// not fail for a disconnected sid.
type Notifier interface {
	Notify(sid, message string)
}

// Engine runs the currency leg of a barter trade as a validate/execute/
// rollback saga over one session. Balance reads and writes happen inside a
// single ledger lock acquisition per operation; the flush happens before
// that lock is released.
type Engine struct {
	ledger   *ledger.Store
	sessions *Sessions
	resolver Resolver
	notifier Notifier
	log      *slog.Logger
}

func NewEngine(l *ledger.Store, sessions *Sessions, r Resolver, n Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: l, sessions: sessions, resolver: r, notifier: n, log: logger}
}

// Validate resolves both identities, checks each side can cover its offer,
// and freezes UUIDs, offers, and pre-trade balances into the session. A pure
// check-and-stage step: no balance moves here. A session that already passed
// validation is refused, otherwise re-validation after execute would replace
// the rollback anchor with post-trade balances.
func (e *Engine) Validate(id string) error {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return &Fault{Code: CodeNoTrade}
	}
	if sess.Locked {
		return &Fault{Code: CodeAlreadyLocked}
	}
	iUUID, ok := e.resolver.Resolve(sess.Initiator.SID)
	if !ok {
		return &Fault{Code: CodeAuthRequired, Side: SideInitiator}
	}
	rUUID, ok := e.resolver.Resolve(sess.Responder.SID)
	if !ok {
		return &Fault{Code: CodeAuthRequired, Side: SideResponder}
	}
	return e.ledger.View(func(tx *ledger.Tx) error {
		iBal := tx.Balance(iUUID)
		rBal := tx.Balance(rUUID)
		if iBal < sess.Initiator.Coins {
			return &Fault{Code: CodeInsufficient, Side: SideInitiator}
		}
		if rBal < sess.Responder.Coins {
			return &Fault{Code: CodeInsufficient, Side: SideResponder}
		}
		sess.Initiator.UUID, sess.Initiator.PrevBalance = iUUID, iBal
		sess.Responder.UUID, sess.Responder.PrevBalance = rUUID, rBal
		sess.Locked = true
		return nil
	})
}

// Execute applies the crossed transfer: each side ends at its current
// balance minus its own offer plus the counterpart's. Balances are re-read
// under the lock because another trade may have moved them since Validate.
// Safe to call again after a retried acknowledgment: once transferred it
// leaves the balances alone but still flushes, so a retry after SAVE_FAILED
// only reports success once the ledger file really holds the transfer.
func (e *Engine) Execute(id string) error {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return &Fault{Code: CodeNoTrade}
	}
	if !sess.Locked {
		return &Fault{Code: CodeNotLocked}
	}

	var iBal, rBal int64
	err := e.ledger.Update(func(tx *ledger.Tx) error {
		if sess.Transferred {
			iBal, rBal = tx.Balance(sess.Initiator.UUID), tx.Balance(sess.Responder.UUID)
			return nil
		}
		cur1 := tx.Balance(sess.Initiator.UUID)
		cur2 := tx.Balance(sess.Responder.UUID)
		if cur1 < sess.Initiator.Coins {
			return &Fault{Code: CodeInsufficientConcurrent, Side: SideInitiator}
		}
		if cur2 < sess.Responder.Coins {
			return &Fault{Code: CodeInsufficientConcurrent, Side: SideResponder}
		}
		if err := tx.Set(sess.Initiator.UUID, cur1-sess.Initiator.Coins+sess.Responder.Coins); err != nil {
			return &Fault{Code: CodeAccountMissing, Side: SideInitiator}
		}
		if err := tx.Set(sess.Responder.UUID, cur2-sess.Responder.Coins+sess.Initiator.Coins); err != nil {
			return &Fault{Code: CodeAccountMissing, Side: SideResponder}
		}
		iBal = cur1 - sess.Initiator.Coins + sess.Responder.Coins
		rBal = cur2 - sess.Responder.Coins + sess.Initiator.Coins
		sess.Transferred = true
		return nil
	})
	switch {
	case errors.Is(err, ledger.ErrSaveFailed):
		// In-memory state advanced and stays advanced, but the caller must
		// not act on the trade and must not tell the players it went through.
		return &Fault{Code: CodeSaveFailed}
	case err != nil:
		return err
	}

	e.notifier.Notify(sess.Initiator.SID, notify.Balance(iBal))
	e.notifier.Notify(sess.Responder.SID, notify.Balance(rBal))
	e.log.Info("trade executed", "trade", sess.ID,
		"initiator", sess.Initiator.UUID, "responder", sess.Responder.UUID,
		"gave", sess.Initiator.Coins, "got", sess.Responder.Coins)
	return nil
}

// Rollback restores both balances to the validated snapshot after the wider
// barter trade failed past the currency commit. A no-op unless the session
// was locked and actually transferred, so a stray second call changes
// nothing.
func (e *Engine) Rollback(id, reason string) error {
	sess, ok := e.sessions.Get(id)
	if !ok {
		return &Fault{Code: CodeNoTrade}
	}
	if !sess.Locked || !sess.Transferred {
		return nil
	}

	err := e.ledger.Update(func(tx *ledger.Tx) error {
		if err := tx.Set(sess.Initiator.UUID, sess.Initiator.PrevBalance); err != nil {
			return &Fault{Code: CodeAccountMissing, Side: SideInitiator}
		}
		if err := tx.Set(sess.Responder.UUID, sess.Responder.PrevBalance); err != nil {
			return &Fault{Code: CodeAccountMissing, Side: SideResponder}
		}
		sess.Transferred = false
		sess.Locked = false
		return nil
	})
	if errors.Is(err, ledger.ErrSaveFailed) {
		return &Fault{Code: CodeSaveFailed}
	}
	if err != nil {
		return err
	}

	e.notifier.Notify(sess.Initiator.SID, notify.Balance(sess.Initiator.PrevBalance))
	e.notifier.Notify(sess.Responder.SID, notify.Balance(sess.Responder.PrevBalance))
	e.log.Warn("trade rolled back", "trade", sess.ID, "reason", reason)
	return nil
}
