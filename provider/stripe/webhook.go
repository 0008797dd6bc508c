package stripeprovider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PaulFidika/unlockkit/provider"
)

// ErrBadSignature is returned when the Stripe-Signature header does not
// verify against the endpoint secret.
var ErrBadSignature = errors.New("stripe: webhook signature verification failed")

// ParseWebhook verifies a webhook delivery and extracts the settlement it
// reports. ok is false for event types that carry no settlement.
func ParseWebhook(payload []byte, sigHeader, secret string, now time.Time) (s provider.Settlement, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return provider.Settlement{}, false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
	default:
		return provider.Settlement{}, false, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return provider.Settlement{}, false, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return provider.Settlement{}, false, errors.New("stripe: payment intent without id")
	}

	s = SettlementOf(&pi, now)
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		s.Status = provider.Settled
	case stripe.EventTypePaymentIntentPaymentFailed:
		s.Status = provider.Declined
		s.DeclineReason = "declined"
		if pi.LastPaymentError != nil {
			s.DeclineReason = declineReason(pi.LastPaymentError)
		}
	case stripe.EventTypePaymentIntentCanceled:
		s.Status = provider.Canceled
	}
	return s, true, nil
}
