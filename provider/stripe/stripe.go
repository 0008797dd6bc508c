// Package stripeprovider implements provider.Provider on Stripe PaymentIntents.
package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"

	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/provider"
)

type Config struct {
	SecretKey string
	// Backend overrides the Stripe API backend; nil uses the default.
	Backend stripe.Backend
}

// Provider talks to Stripe with a per-instance key; it never touches the
// package-level stripe.Key.
type Provider struct {
	intents paymentintent.Client
	refunds refund.Client
	now     func() time.Time
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	b := cfg.Backend
	if b == nil {
		b = stripe.GetBackend(stripe.APIBackend)
	}
	return &Provider{
		intents: paymentintent.Client{B: b, Key: cfg.SecretKey},
		refunds: refund.Client{B: b, Key: cfg.SecretKey},
		now:     time.Now,
	}, nil
}

func (p *Provider) CreatePayment(ctx context.Context, req provider.PaymentRequest) (provider.Payment, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount.Minor()),
		Currency: stripe.String(req.Amount.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := p.intents.New(params)
	if err != nil {
		return provider.Payment{}, mapError("create payment intent", err)
	}
	return provider.Payment{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: statusOf(pi)}, nil
}

func (p *Provider) Settlement(ctx context.Context, paymentID string) (provider.Settlement, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.intents.Get(paymentID, params)
	if err != nil {
		return provider.Settlement{}, mapError("get payment intent", err)
	}
	return SettlementOf(pi, p.now()), nil
}

// Cancel cancels a payment intent. Intents that already reached a terminal
// state are not an error.
func (p *Provider) Cancel(ctx context.Context, paymentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, err := p.intents.Cancel(paymentID, params)
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		return nil
	}
	if err != nil {
		return mapError("cancel payment intent", err)
	}
	return nil
}

// Refund refunds the full captured amount. The payment id doubles as the
// idempotency key so retries never refund twice.
func (p *Provider) Refund(ctx context.Context, paymentID, reason string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund:" + paymentID)
	if reason != "" {
		params.AddMetadata("unlock_reason", reason)
	}
	_, err := p.refunds.New(params)
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
		return nil
	}
	if err != nil {
		return mapError("refund payment intent", err)
	}
	return nil
}

// SettlementOf converts a payment intent into the provider-neutral view.
func SettlementOf(pi *stripe.PaymentIntent, observed time.Time) provider.Settlement {
	return provider.Settlement{
		PaymentID:  pi.ID,
		Status:     statusOf(pi),
		Amount:     money.FromMinor(pi.Amount, string(pi.Currency)),
		ObservedAt: observed,
	}
}

func statusOf(pi *stripe.PaymentIntent) provider.SettlementStatus {
	// requires_payment_method after a failed attempt is still pending: the
	// buyer may retry with another card. Only payment_failed events decline.
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return provider.Settled
	case stripe.PaymentIntentStatusCanceled:
		return provider.Canceled
	default:
		return provider.Pending
	}
}

func declineReason(e *stripe.Error) string {
	if e.DeclineCode != "" {
		return string(e.DeclineCode)
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "declined"
}

func mapError(op string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		// Transport failures never reached Stripe.
		return fmt.Errorf("stripe: %s: %w: %v", op, provider.ErrUnavailable, err)
	}
	switch {
	case serr.Type == stripe.ErrorTypeCard:
		return fmt.Errorf("stripe: %s: %w: %s", op, provider.ErrDeclined, declineReason(serr))
	case serr.Code == stripe.ErrorCodeResourceMissing:
		return fmt.Errorf("stripe: %s: %w", op, provider.ErrNotFound)
	case serr.HTTPStatusCode == http.StatusTooManyRequests,
		serr.HTTPStatusCode >= http.StatusInternalServerError,
		serr.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("stripe: %s: %w: %s", op, provider.ErrUnavailable, serr.Msg)
	default:
		return fmt.Errorf("stripe: %s: %w", op, serr)
	}
}
