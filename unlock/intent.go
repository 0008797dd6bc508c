// Package unlock orchestrates one-time unlock and subscription purchases:
// intent creation, client and server confirmation, settlement, reconciliation
// and refunds.
package unlock

import (
	"context"
	"errors"
	"time"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/provider"
	"github.com/PaulFidika/unlockkit/tiers"
)

type Status string

const (
	StatusCreated         Status = "created"
	StatusClientConfirmed Status = "confirmed_client_side"
	StatusServerConfirmed Status = "confirmed_server_side"
	StatusFailed          Status = "failed"
	StatusExpired         Status = "expired"
)

var transitions = map[Status][]Status{
	StatusCreated:         {StatusClientConfirmed, StatusFailed, StatusExpired},
	StatusClientConfirmed: {StatusServerConfirmed, StatusFailed},
}

// CanTransition reports whether from -> to is a legal intent transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusServerConfirmed || s == StatusFailed || s == StatusExpired
}

type Purpose string

const (
	PurposeUnlock       Purpose = "unlock"
	PurposeSubscription Purpose = "subscription"
)

type RefundState string

const (
	RefundNone         RefundState = ""
	RefundPending      RefundState = "pending"
	RefundRefunded     RefundState = "refunded"
	RefundManualReview RefundState = "manual_review"
)

// Failure reasons recorded on failed intents.
const (
	ReasonCapReached     = "cap_reached"
	ReasonDeclined       = "declined"
	ReasonCanceled       = "canceled"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonSettledLate    = "settled_after_expiry"
)

// Intent is an in-flight payment attempt.
type Intent struct {
	ID            string            `json:"id"`
	Purpose       Purpose           `json:"purpose"`
	OpportunityID string            `json:"opportunity_id,omitempty"`
	ViewerID      string            `json:"viewer_id"`
	Kind          entitlements.Kind `json:"kind,omitempty"`
	TargetTier    tiers.Tier        `json:"target_tier,omitempty"`
	Amount        money.Money       `json:"amount"`
	PaymentID     string            `json:"payment_id"`
	ClientSecret  string            `json:"client_secret,omitempty"`
	Status        Status            `json:"status"`
	ClientStatus  string            `json:"client_status,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	// Settlement is the last provider status recorded by a webhook.
	Settlement     provider.SettlementStatus `json:"settlement,omitempty"`
	SettledAt      *time.Time                `json:"settled_at,omitempty"`
	RefundState    RefundState               `json:"refund_state,omitempty"`
	RefundAttempts int                       `json:"refund_attempts,omitempty"`
	EntitlementID  string                    `json:"entitlement_id,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

func (in *Intent) transition(to Status, now time.Time) error {
	if !CanTransition(in.Status, to) {
		return precondition(CondInvalidTransition, "intent %s cannot move from %s to %s", in.ID, in.Status, to)
	}
	in.Status = to
	in.UpdatedAt = now
	return nil
}

// advanceToServer walks created -> confirmed_client_side -> confirmed_server_side.
// A webhook may report settlement before the client confirmation is recorded.
func (in *Intent) advanceToServer(now time.Time) error {
	if in.Status == StatusCreated {
		if err := in.transition(StatusClientConfirmed, now); err != nil {
			return err
		}
	}
	return in.transition(StatusServerConfirmed, now)
}

// fail moves a live intent to failed. Terminal intents keep their status.
func (in *Intent) fail(reason string, now time.Time) {
	if in.transition(StatusFailed, now) == nil {
		in.FailureReason = reason
	}
}

// Handle is returned to the caller to complete payment client-side.
type Handle struct {
	IntentID     string            `json:"intent_id"`
	PaymentID    string            `json:"payment_id"`
	ClientSecret string            `json:"client_secret"`
	Amount       money.Money       `json:"amount"`
	Kind         entitlements.Kind `json:"kind,omitempty"`
	TargetTier   *tiers.Tier       `json:"target_tier,omitempty"`
	Status       Status            `json:"status"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

var ErrIntentNotFound = errors.New("unlock: intent not found")

// IntentFilter selects intents for maintenance sweeps. Zero fields match all.
type IntentFilter struct {
	Statuses      []Status
	RefundState   RefundState
	ViewerID      string
	OpportunityID string
	CreatedBefore time.Time
	Limit         int
}

// Match reports whether in satisfies f.
func (f IntentFilter) Match(in Intent) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == in.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RefundState != RefundNone && in.RefundState != f.RefundState {
		return false
	}
	if f.ViewerID != "" && in.ViewerID != f.ViewerID {
		return false
	}
	if f.OpportunityID != "" && in.OpportunityID != f.OpportunityID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !in.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// IntentStore persists intents. Get and ByPaymentID return ErrIntentNotFound.
type IntentStore interface {
	Put(ctx context.Context, in Intent) error
	Get(ctx context.Context, id string) (Intent, error)
	ByPaymentID(ctx context.Context, paymentID string) (Intent, error)
	List(ctx context.Context, f IntentFilter) ([]Intent, error)
}

var ErrOpportunityNotFound = errors.New("unlock: opportunity not found")

// OpportunityReader loads published opportunities.
type OpportunityReader interface {
	Opportunity(ctx context.Context, id string) (access.Opportunity, error)
}

// ViewerSource reads the current subscription state of a viewer.
type ViewerSource interface {
	Viewer(ctx context.Context, viewerID string) (access.Viewer, error)
}

// SubscriptionSink receives settled subscription purchases. Activation must
// be idempotent per payment id.
type SubscriptionSink interface {
	ActivateSubscription(ctx context.Context, viewerID string, tier tiers.Tier, paymentID string, now time.Time) error
}
