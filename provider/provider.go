// Package provider defines the payment-provider handshake used by the unlock
// workflow: create a payment, query its settlement, cancel or refund it.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/PaulFidika/unlockkit/money"
)

// SettlementStatus is the provider's server-side view of a payment.
type SettlementStatus string

const (
	Pending  SettlementStatus = "pending"
	Settled  SettlementStatus = "settled"
	Declined SettlementStatus = "declined"
	Canceled SettlementStatus = "canceled"
)

// Terminal reports whether the payment can no longer change.
func (s SettlementStatus) Terminal() bool { return s == Settled || s == Declined || s == Canceled }

type PaymentRequest struct {
	// IdempotencyKey makes repeated creation for one intent return one payment.
	IdempotencyKey string
	Amount         money.Money
	Description    string
	Metadata       map[string]string
}

// Payment is a freshly created payment handle.
type Payment struct {
	ID           string
	ClientSecret string
	Status       SettlementStatus
}

type Settlement struct {
	PaymentID     string
	Status        SettlementStatus
	Amount        money.Money
	DeclineReason string
	ObservedAt    time.Time
}

// Provider is implemented by payment backends.
type Provider interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
	Settlement(ctx context.Context, paymentID string) (Settlement, error)
	Cancel(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, paymentID, reason string) error
}

var (
	// ErrUnavailable marks transient failures worth retrying.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrDeclined marks a payment the provider refused.
	ErrDeclined = errors.New("provider: payment declined")
	ErrNotFound = errors.New("provider: payment not found")
)
