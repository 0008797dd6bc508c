package unlock

import (
	"errors"
	"fmt"
)

// Kind classifies workflow failures so callers can pick wording and retry behaviour.
type Kind string

const (
	KindPreconditionFailed    Kind = "precondition_failed"
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindPaymentDeclined       Kind = "payment_declined"
	KindReconciliationTimeout Kind = "reconciliation_timeout"
	KindCapReached            Kind = "cap_reached"
	KindNotFound              Kind = "not_found"
)

// Retryable reports whether the same request may succeed later.
func (k Kind) Retryable() bool {
	return k == KindProviderUnavailable || k == KindReconciliationTimeout
}

// Condition names the failed check of a precondition error.
type Condition string

const (
	CondNotAuthenticated     Condition = "not_authenticated"
	CondCapReached           Condition = "cap_reached"
	CondTierGrantsFullAccess Condition = "tier_grants_full_access"
	CondPriceNotApplicable   Condition = "price_not_applicable"
	CondInvalidTransition    Condition = "invalid_transition"
	CondNotUpgrade           Condition = "subscription_not_upgrade"
)

type Error struct {
	Kind      Kind
	Condition Condition
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Condition != "" {
		msg += "(" + string(e.Condition) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on kind, and on condition when the target names one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Condition == "" || t.Condition == e.Condition
}

// Sentinels for errors.Is.
var (
	ErrPreconditionFailed    = &Error{Kind: KindPreconditionFailed}
	ErrProviderUnavailable   = &Error{Kind: KindProviderUnavailable}
	ErrPaymentDeclined       = &Error{Kind: KindPaymentDeclined}
	ErrReconciliationTimeout = &Error{Kind: KindReconciliationTimeout}
	ErrCapReached            = &Error{Kind: KindCapReached}
	ErrNotFound              = &Error{Kind: KindNotFound}

	// ErrNotAuthenticated is the precondition failure for anonymous callers.
	ErrNotAuthenticated = &Error{Kind: KindPreconditionFailed, Condition: CondNotAuthenticated, Message: "viewer is not authenticated"}
)

func precondition(cond Condition, format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Condition: cond, Message: fmt.Sprintf(format, args...)}
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the workflow kind carried by err, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ConditionOf returns the precondition carried by err, or "".
func ConditionOf(err error) Condition {
	var e *Error
	if errors.As(err, &e) {
		return e.Condition
	}
	return ""
}
