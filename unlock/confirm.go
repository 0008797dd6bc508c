package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/provider"
)

// ConfirmUnlock confirms server-side that the payment settled and returns the
// resulting entitlement. Repeated calls for one payment return the same grant.
// While the provider reports the payment pending it polls until the reconcile
// timeout and then returns a ReconciliationTimeout; a later webhook or call
// can still complete the grant.
func (w *Workflow) ConfirmUnlock(ctx context.Context, paymentID string) (entitlements.Entitlement, error) {
	if ent, err := w.deps.Entitlements.ByPaymentID(ctx, paymentID); err == nil {
		return ent, nil
	} else if !errors.Is(err, entitlements.ErrNotFound) {
		return entitlements.Entitlement{}, fmt.Errorf("unlock: load entitlement: %w", err)
	}
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		return entitlements.Entitlement{}, w.intentErr(err, paymentID)
	}
	if in.Purpose != PurposeUnlock {
		return entitlements.Entitlement{}, precondition(CondInvalidTransition, "payment %s is not an unlock", paymentID)
	}
	_, ent, err := w.confirm(ctx, paymentID)
	if err != nil {
		return entitlements.Entitlement{}, err
	}
	if ent == nil {
		return entitlements.Entitlement{}, fmt.Errorf("unlock: payment %s settled without entitlement", paymentID)
	}
	return *ent, nil
}

// ConfirmSubscription confirms a subscription payment and forwards it to the
// subscription sink.
func (w *Workflow) ConfirmSubscription(ctx context.Context, paymentID string) (Intent, error) {
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		return Intent{}, w.intentErr(err, paymentID)
	}
	if in.Purpose != PurposeSubscription {
		return Intent{}, precondition(CondInvalidTransition, "payment %s is not a subscription", paymentID)
	}
	in, _, err = w.confirm(ctx, paymentID)
	return in, err
}

// RecordSettlement applies a provider-reported settlement, typically from a
// webhook. It completes entitlement creation through the same path as the
// server confirmation, so repeated deliveries are harmless.
func (w *Workflow) RecordSettlement(ctx context.Context, st provider.Settlement) (Intent, error) {
	release := w.keys.Lock("pay:" + st.PaymentID)
	defer release()
	in, err := w.deps.Intents.ByPaymentID(ctx, st.PaymentID)
	if err != nil {
		return Intent{}, w.intentErr(err, st.PaymentID)
	}
	in, _, _, err = w.apply(ctx, in, st)
	return in, err
}

func (w *Workflow) confirm(ctx context.Context, paymentID string) (Intent, *entitlements.Entitlement, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.ReconcileTimeout)
	defer cancel()
	timer := time.NewTimer(w.cfg.ReconcileInterval)
	defer timer.Stop()
	for {
		in, ent, pending, err := w.confirmOnce(ctx, paymentID)
		if err != nil || !pending {
			return in, ent, err
		}
		timer.Reset(w.cfg.ReconcileInterval)
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return in, nil, ctx.Err()
			}
			w.deps.Metrics.UnlockOutcome(string(in.Purpose), "reconciliation_timeout")
			return in, nil, newError(KindReconciliationTimeout, nil, "payment %s confirmed but not yet settled", paymentID)
		case <-timer.C:
		}
	}
}

func (w *Workflow) confirmOnce(ctx context.Context, paymentID string) (Intent, *entitlements.Entitlement, bool, error) {
	release := w.keys.Lock("pay:" + paymentID)
	defer release()
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		return Intent{}, nil, false, w.intentErr(err, paymentID)
	}
	if in.Status == StatusServerConfirmed {
		ent, err := w.existingGrant(ctx, in)
		return in, ent, false, err
	}
	if in.Status == StatusFailed {
		return in, nil, false, w.failureErr(in)
	}
	st, err := w.settlementFor(ctx, in)
	if err != nil {
		return in, nil, false, err
	}
	return w.apply(ctx, in, st)
}

func (w *Workflow) settlementFor(ctx context.Context, in Intent) (provider.Settlement, error) {
	if in.Settlement.Terminal() {
		return provider.Settlement{PaymentID: in.PaymentID, Status: in.Settlement}, nil
	}
	return retryProvider(ctx, w, "query settlement", func() (provider.Settlement, error) {
		return w.deps.Provider.Settlement(ctx, in.PaymentID)
	})
}

// apply moves the intent according to st. Callers hold the payment lock.
// pending is true when the provider has not reached a terminal status.
func (w *Workflow) apply(ctx context.Context, in Intent, st provider.Settlement) (Intent, *entitlements.Entitlement, bool, error) {
	now := w.now()
	log := w.log.WithFields(logrus.Fields{
		"intent_id":  in.ID,
		"payment_id": in.PaymentID,
		"viewer_id":  in.ViewerID,
		"status":     st.Status,
	})

	switch st.Status {
	case provider.Pending, "":
		return in, nil, true, nil
	case provider.Declined, provider.Canceled:
		if !in.Status.Terminal() {
			reason := ReasonDeclined
			if st.Status == provider.Canceled {
				reason = ReasonCanceled
			}
			in.Settlement = st.Status
			in.fail(reason, now)
			if err := w.deps.Intents.Put(ctx, in); err != nil {
				return in, nil, false, fmt.Errorf("unlock: save intent: %w", err)
			}
			w.deps.Metrics.UnlockOutcome(string(in.Purpose), reason)
			w.emit(ctx, EventPaymentDeclined, in)
			log.WithField("reason", st.DeclineReason).Info("payment not settled")
		}
		return in, nil, false, w.failureErr(in)
	}

	if in.Status == StatusServerConfirmed {
		ent, err := w.existingGrant(ctx, in)
		return in, ent, false, err
	}
	in.Settlement = provider.Settled
	if in.SettledAt == nil {
		in.SettledAt = &now
	}

	// The provider took money for an intent we already gave up on.
	if in.Status == StatusFailed || in.Status == StatusExpired {
		if in.RefundState == RefundNone {
			if in.Status == StatusExpired {
				in.FailureReason = ReasonSettledLate
			}
			in.RefundState = RefundPending
			log.Warn("payment settled on closed intent; refunding")
			w.refund(ctx, &in)
			if err := w.deps.Intents.Put(ctx, in); err != nil {
				return in, nil, false, fmt.Errorf("unlock: save intent: %w", err)
			}
		}
		return in, nil, false, w.failureErr(in)
	}

	if !st.Amount.IsZero() && !st.Amount.Equal(in.Amount) {
		in.fail(ReasonAmountMismatch, now)
		in.RefundState = RefundPending
		log.WithField("settled_amount", st.Amount.String()).Error("settled amount differs from intent amount")
		w.refund(ctx, &in)
		if err := w.deps.Intents.Put(ctx, in); err != nil {
			return in, nil, false, fmt.Errorf("unlock: save intent: %w", err)
		}
		w.deps.Metrics.UnlockOutcome(string(in.Purpose), ReasonAmountMismatch)
		return in, nil, false, w.failureErr(in)
	}

	if in.Purpose == PurposeSubscription {
		in, err := w.activateSubscription(ctx, in, now)
		return in, nil, false, err
	}
	return w.grant(ctx, in, now)
}

func (w *Workflow) grant(ctx context.Context, in Intent, now time.Time) (Intent, *entitlements.Entitlement, bool, error) {
	log := w.log.WithFields(logrus.Fields{
		"intent_id":      in.ID,
		"payment_id":     in.PaymentID,
		"viewer_id":      in.ViewerID,
		"opportunity_id": in.OpportunityID,
		"kind":           in.Kind,
	})
	opp, err := w.deps.Opportunities.Opportunity(ctx, in.OpportunityID)
	if err != nil {
		w.saveSettled(ctx, in)
		return in, nil, false, fmt.Errorf("unlock: load opportunity: %w", err)
	}
	ent := entitlements.Entitlement{
		ID:            uuid.NewString(),
		ViewerID:      in.ViewerID,
		OpportunityID: in.OpportunityID,
		Kind:          in.Kind,
		PricePaid:     in.Amount.Ptr(),
		PaymentID:     in.PaymentID,
		ExpiresAt:     w.expiryFor(in.Kind, now),
		CreatedAt:     now,
		Source:        "unlock",
	}
	granted, created, err := w.deps.Entitlements.GrantWithinCap(ctx, ent, opp.ScarcityCap, now)
	if errors.Is(err, entitlements.ErrCapReached) {
		in.fail(ReasonCapReached, now)
		in.RefundState = RefundPending
		log.WithField("scarcity_cap", opp.ScarcityCap).Warn("cap race lost after settlement; refunding")
		w.emit(ctx, EventCapRaceLost, in)
		w.deps.Metrics.UnlockOutcome(string(in.Purpose), ReasonCapReached)
		if !w.cfg.DisableAutoRefund {
			w.refund(ctx, &in)
		}
		if err := w.deps.Intents.Put(ctx, in); err != nil {
			return in, nil, false, fmt.Errorf("unlock: save intent: %w", err)
		}
		return in, nil, false, w.failureErr(in)
	}
	if err != nil {
		w.saveSettled(ctx, in)
		return in, nil, false, fmt.Errorf("unlock: grant entitlement: %w", err)
	}

	if err := in.advanceToServer(now); err != nil {
		return in, &granted, false, err
	}
	in.EntitlementID = granted.ID
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		// The grant stands; the next confirmation finds it by payment id.
		log.WithError(err).Error("save confirmed intent failed")
	}
	if created {
		w.deps.Metrics.UnlockOutcome(string(in.Purpose), "granted")
		w.emit(ctx, EventEntitlementGranted, in)
		log.WithField("entitlement_id", granted.ID).Info("entitlement granted")
	}
	return in, &granted, false, nil
}

func (w *Workflow) activateSubscription(ctx context.Context, in Intent, now time.Time) (Intent, error) {
	if w.deps.Subscriptions == nil {
		w.saveSettled(ctx, in)
		return in, errors.New("unlock: no subscription sink configured")
	}
	if err := w.deps.Subscriptions.ActivateSubscription(ctx, in.ViewerID, in.TargetTier, in.PaymentID, now); err != nil {
		w.saveSettled(ctx, in)
		return in, fmt.Errorf("unlock: activate subscription: %w", err)
	}
	if err := in.advanceToServer(now); err != nil {
		return in, err
	}
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		return in, fmt.Errorf("unlock: save intent: %w", err)
	}
	w.deps.Metrics.UnlockOutcome(string(in.Purpose), "activated")
	w.emit(ctx, EventSubscriptionActivated, in)
	w.log.WithFields(logrus.Fields{
		"intent_id":  in.ID,
		"payment_id": in.PaymentID,
		"viewer_id":  in.ViewerID,
		"tier":       in.TargetTier.String(),
	}).Info("subscription activated")
	return in, nil
}

// saveSettled persists the recorded settlement so a retry skips the provider.
func (w *Workflow) saveSettled(ctx context.Context, in Intent) {
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		w.log.WithError(err).WithField("intent_id", in.ID).Warn("save settled intent failed")
	}
}

func (w *Workflow) existingGrant(ctx context.Context, in Intent) (*entitlements.Entitlement, error) {
	if in.Purpose != PurposeUnlock {
		return nil, nil
	}
	ent, err := w.deps.Entitlements.ByPaymentID(ctx, in.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("unlock: load entitlement: %w", err)
	}
	return &ent, nil
}

func (w *Workflow) expiryFor(kind entitlements.Kind, now time.Time) *time.Time {
	var exp time.Time
	switch kind {
	case entitlements.FastPass:
		exp = now.Add(w.cfg.FastPassWindow)
	case entitlements.PayPerUnlock:
		exp = now.Add(w.cfg.PayPerUnlockWindow)
	default:
		return nil
	}
	return &exp
}

func (w *Workflow) failureErr(in Intent) error {
	switch {
	case in.FailureReason == ReasonSettledLate:
		return precondition(CondInvalidTransition, "intent %s expired before payment settled; refund %s", in.ID, in.RefundState)
	case in.Status == StatusExpired:
		return precondition(CondInvalidTransition, "intent %s expired", in.ID)
	case in.FailureReason == ReasonCapReached:
		return newError(KindCapReached, nil, "opportunity %s filled before payment %s settled; refund %s", in.OpportunityID, in.PaymentID, in.RefundState)
	default:
		return newError(KindPaymentDeclined, nil, "payment %s %s", in.PaymentID, in.FailureReason)
	}
}

// refund issues a refund for in and records the attempt. It runs detached
// from ctx cancellation.
func (w *Workflow) refund(ctx context.Context, in *Intent) {
	ctx = context.WithoutCancel(ctx)
	_, err := retryProvider(ctx, w, "refund", func() (struct{}, error) {
		return struct{}{}, w.deps.Provider.Refund(ctx, in.PaymentID, in.FailureReason)
	})
	in.RefundAttempts++
	in.UpdatedAt = w.now()
	log := w.log.WithFields(logrus.Fields{
		"intent_id":  in.ID,
		"payment_id": in.PaymentID,
		"attempts":   in.RefundAttempts,
	})
	if err == nil {
		in.RefundState = RefundRefunded
		w.deps.Metrics.Refund("refunded")
		w.emit(ctx, EventRefundIssued, *in)
		log.Info("refund issued")
		return
	}
	if in.RefundAttempts >= w.cfg.RefundMaxAttempts {
		in.RefundState = RefundManualReview
		w.deps.Metrics.Refund("manual_review")
		log.WithError(err).Error("refund attempts exhausted; manual review required")
	} else {
		w.deps.Metrics.Refund("failed")
		log.WithError(err).Warn("refund failed; will retry")
	}
	w.emit(ctx, EventRefundFailed, *in)
}
