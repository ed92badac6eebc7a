package trade

import "fmt"

// Code identifies why a trade operation was refused.
type Code string

const (
	CodeAuthRequired           Code = "AUTH_REQUIRED"
	CodeInsufficient           Code = "INSUFFICIENT"
	CodeInsufficientConcurrent Code = "INSUFFICIENT_CONCURRENT"
	CodeNoTrade                Code = "NO_TRADE"
	CodeNotLocked              Code = "NOT_LOCKED"
	CodeAlreadyLocked          Code = "ALREADY_LOCKED"
	CodeAccountMissing         Code = "ACCOUNT_MISSING"
	CodeSaveFailed             Code = "SAVE_FAILED"
)

// Side names the participant a fault is about, when it is about one.
type Side string

const (
	SideInitiator Side = "INITIATOR"
	SideResponder Side = "RESPONDER"
)

// Fault is the typed refusal returned by the engine instead of a free-form
// reason string. The orchestrator switches on Code to decide between retry,
// surfacing to the player, and rollback.
type Fault struct {
	Code Code
	Side Side
}

func (f *Fault) Error() string {
	return "trade: " + f.Tag()
}

// Tag renders the wire form, e.g. INSUFFICIENT_INITIATOR_CONCURRENT.
func (f *Fault) Tag() string {
	switch f.Code {
	case CodeInsufficient:
		return fmt.Sprintf("INSUFFICIENT_%s", f.Side)
	case CodeInsufficientConcurrent:
		return fmt.Sprintf("INSUFFICIENT_%s_CONCURRENT", f.Side)
	default:
		return string(f.Code)
	}
}

// Is matches any *Fault with the same code, so callers can write
// errors.Is(err, &trade.Fault{Code: trade.CodeNoTrade}).
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Code == t.Code && (t.Side == "" || f.Side == t.Side)
}
