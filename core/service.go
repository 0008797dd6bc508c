// Package core binds the unlock workflow to the outside world: viewer
// resolution, ownership checks, settlement delivery and bounded
// reconciliation for HTTP callers.
package core

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/provider"
	"github.com/PaulFidika/unlockkit/tiers"
	"github.com/PaulFidika/unlockkit/unlock"
)

// SettlementQueue defers settlement application to a worker.
type SettlementQueue interface {
	EnqueueSettlement(ctx context.Context, st provider.Settlement) error
}

type Options struct {
	// Viewers supplies stored subscription state; nil trusts the token.
	Viewers unlock.ViewerSource
	// Queue receives webhook settlements; nil applies them inline.
	Queue  SettlementQueue
	Logger logrus.FieldLogger
}

type Service struct {
	cfg     Config
	wf      *unlock.Workflow
	viewers unlock.ViewerSource
	queue   SettlementQueue
	log     logrus.FieldLogger
}

func NewService(cfg Config, wf *unlock.Workflow, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Service{
		cfg:     cfg.defaulted(),
		wf:      wf,
		viewers: opts.Viewers,
		queue:   opts.Queue,
		log:     log.WithField("component", "core"),
	}
}

// Workflow exposes the underlying workflow for background jobs.
func (s *Service) Workflow() *unlock.Workflow { return s.wf }

// ResolveViewer merges the token's claims with stored subscription state.
// The higher tier wins so a purchase shows up before the next token refresh.
func (s *Service) ResolveViewer(ctx context.Context, v access.Viewer) (access.Viewer, error) {
	if !v.Authenticated || v.ID == "" || s.viewers == nil || s.cfg.TrustTokenTier {
		return v, nil
	}
	stored, err := s.viewers.Viewer(ctx, v.ID)
	if err != nil {
		return access.Viewer{}, err
	}
	if stored.Tier > v.Tier {
		v.Tier = stored.Tier
	}
	if stored.PaidThrough != nil && (v.PaidThrough == nil || stored.PaidThrough.After(*v.PaidThrough)) {
		v.PaidThrough = stored.PaidThrough
	}
	if stored.GrandfatheredUntil != nil && stored.GrandfatheredTier > v.GrandfatheredTier {
		v.GrandfatheredTier, v.GrandfatheredUntil = stored.GrandfatheredTier, stored.GrandfatheredUntil
	}
	return v, nil
}

func (s *Service) Decide(ctx context.Context, opportunityID string, v access.Viewer) (access.Decision, error) {
	v, err := s.ResolveViewer(ctx, v)
	if err != nil {
		return access.Decision{}, err
	}
	return s.wf.Decide(ctx, opportunityID, v)
}

func (s *Service) CreateUnlockIntent(ctx context.Context, opportunityID string, v access.Viewer) (unlock.Handle, error) {
	v, err := s.ResolveViewer(ctx, v)
	if err != nil {
		return unlock.Handle{}, err
	}
	return s.wf.CreateIntent(ctx, opportunityID, v)
}

func (s *Service) CreateSubscriptionIntent(ctx context.Context, v access.Viewer, tier tiers.Tier) (unlock.Handle, error) {
	v, err := s.ResolveViewer(ctx, v)
	if err != nil {
		return unlock.Handle{}, err
	}
	return s.wf.CreateSubscriptionIntent(ctx, v, tier)
}

func (s *Service) RecordClientConfirmation(ctx context.Context, intentID string, v access.Viewer, clientStatus, paymentID string) (unlock.Intent, error) {
	if !v.Authenticated {
		return unlock.Intent{}, unlock.ErrNotAuthenticated
	}
	return s.wf.RecordClientConfirmation(ctx, intentID, v.ID, clientStatus, paymentID)
}

// ConfirmUnlock runs server confirmation for a payment the viewer owns.
func (s *Service) ConfirmUnlock(ctx context.Context, paymentID string, v access.Viewer) (entitlements.Entitlement, error) {
	if err := s.owns(ctx, paymentID, v); err != nil {
		return entitlements.Entitlement{}, err
	}
	return s.wf.ConfirmUnlock(ctx, paymentID)
}

// ConfirmSubscription confirms a subscription payment and returns the tier it
// activated.
func (s *Service) ConfirmSubscription(ctx context.Context, paymentID string, v access.Viewer) (tiers.Tier, error) {
	if err := s.owns(ctx, paymentID, v); err != nil {
		return tiers.None, err
	}
	in, err := s.wf.ConfirmSubscription(ctx, paymentID)
	if err != nil {
		return tiers.None, err
	}
	return in.TargetTier, nil
}

// Reconcile polls for the effect of a payment for at most ReconcileWait. A
// caller that goes away cancels the poll, never the payment.
func (s *Service) Reconcile(ctx context.Context, paymentID string, v access.Viewer) (unlock.ReconcileResult, error) {
	if err := s.owns(ctx, paymentID, v); err != nil {
		return unlock.ReconcileResult{}, err
	}
	task := s.wf.StartReconciliation(ctx, paymentID)
	wait, cancel := context.WithTimeout(ctx, s.cfg.ReconcileWait)
	defer cancel()
	res, err := task.Wait(wait)
	if err == nil {
		return res, nil
	}
	task.Cancel()
	<-task.Done()
	if ctx.Err() != nil {
		return unlock.ReconcileResult{}, ctx.Err()
	}
	return unlock.ReconcileResult{Outcome: unlock.ReconcileNotReflected, Err: unlock.ErrReconciliationTimeout}, nil
}

// HandleSettlement accepts a verified webhook settlement. Settlements for
// unknown payments or closed intents are acknowledged; terminal business
// outcomes are not errors.
func (s *Service) HandleSettlement(ctx context.Context, st provider.Settlement) error {
	log := s.log.WithFields(logrus.Fields{"payment_id": st.PaymentID, "status": st.Status})
	if s.queue != nil {
		return s.queue.EnqueueSettlement(ctx, st)
	}
	in, err := s.wf.RecordSettlement(ctx, st)
	switch {
	case err == nil:
		log.WithField("intent_id", in.ID).Debug("settlement applied")
		return nil
	case errors.Is(err, unlock.ErrNotFound):
		log.Warn("settlement for unknown payment ignored")
		return nil
	case errors.Is(err, unlock.ErrCapReached), errors.Is(err, unlock.ErrPaymentDeclined):
		log.WithError(err).Info("settlement closed intent")
		return nil
	case unlock.KindOf(err) == unlock.KindPreconditionFailed:
		log.WithError(err).Warn("settlement for closed intent acknowledged")
		return nil
	default:
		return err
	}
}

func (s *Service) owns(ctx context.Context, paymentID string, v access.Viewer) error {
	if !v.Authenticated || v.ID == "" {
		return unlock.ErrNotAuthenticated
	}
	_, err := s.wf.IntentForPayment(ctx, paymentID, v.ID)
	return err
}
