package unlock

import (
	"context"
	"time"
)

type EventType string

const (
	EventIntentCreated         EventType = "intent_created"
	EventClientConfirmed       EventType = "client_confirmed"
	EventEntitlementGranted    EventType = "entitlement_granted"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventPaymentDeclined       EventType = "payment_declined"
	EventCapRaceLost           EventType = "cap_race_lost"
	EventRefundIssued          EventType = "refund_issued"
	EventRefundFailed          EventType = "refund_failed"
	EventIntentExpired         EventType = "intent_expired"
)

type Event struct {
	Type          EventType
	IntentID      string
	ViewerID      string
	OpportunityID string
	PaymentID     string
	Status        Status
	Reason        string
	At            time.Time
}

// EventLogger records workflow events to an external sink. Implementations
// should be non-blocking and best-effort.
type EventLogger interface {
	LogUnlockEvent(ctx context.Context, ev Event) error
}

func eventFor(t EventType, in Intent, now time.Time) Event {
	return Event{
		Type:          t,
		IntentID:      in.ID,
		ViewerID:      in.ViewerID,
		OpportunityID: in.OpportunityID,
		PaymentID:     in.PaymentID,
		Status:        in.Status,
		Reason:        in.FailureReason,
		At:            now,
	}
}
