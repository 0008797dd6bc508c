package unlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/tiers"
)

// ReconcileOutcome is the terminal result of a reconciliation task.
type ReconcileOutcome string

const (
	// ReconcileActive means the entitlement or tier is now in effect.
	ReconcileActive ReconcileOutcome = "active"
	// ReconcileNotReflected means the deadline passed before the state
	// changed. The payment may still complete; this is not a failure.
	ReconcileNotReflected ReconcileOutcome = "confirmed_not_reflected"
	ReconcileFailed       ReconcileOutcome = "failed"
	ReconcileCanceled     ReconcileOutcome = "canceled"
)

type ReconcileResult struct {
	Outcome     ReconcileOutcome          `json:"outcome"`
	Entitlement *entitlements.Entitlement `json:"entitlement,omitempty"`
	Tier        *tiers.Tier               `json:"tier,omitempty"`
	Intent      *Intent                   `json:"-"`
	Err         error                     `json:"-"`
}

// Task is a cancellable reconciliation poll with a deadline. Cancel stops the
// poll only; the payment itself keeps going and is completed by webhooks.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result ReconcileResult
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (ReconcileResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return ReconcileResult{}, ctx.Err()
	}
}

// Result returns the terminal result; valid after Done is closed.
func (t *Task) Result() ReconcileResult { return t.result }

// StartReconciliation polls for the effect of paymentID at the configured
// interval until it is active, fails, the reconcile timeout elapses, or the
// task is cancelled. Each poll also attempts a one-shot settlement so a lost
// webhook does not stall the grant.
func (w *Workflow) StartReconciliation(ctx context.Context, paymentID string) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		start := time.Now()
		t.result = w.reconcile(ctx, paymentID)
		w.deps.Metrics.Reconciled(string(t.result.Outcome), time.Since(start))
	}()
	return t
}

func (w *Workflow) reconcile(ctx context.Context, paymentID string) ReconcileResult {
	deadline, cancel := context.WithTimeout(ctx, w.cfg.ReconcileTimeout)
	defer cancel()
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		if res, done := w.poll(deadline, paymentID); done {
			return res
		}
		select {
		case <-deadline.Done():
			if ctx.Err() != nil {
				return ReconcileResult{Outcome: ReconcileCanceled, Err: ctx.Err()}
			}
			return ReconcileResult{
				Outcome: ReconcileNotReflected,
				Err:     newError(KindReconciliationTimeout, nil, "payment %s not yet reflected", paymentID),
			}
		case <-ticker.C:
		}
	}
}

func (w *Workflow) poll(ctx context.Context, paymentID string) (ReconcileResult, bool) {
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, ErrIntentNotFound) {
			return ReconcileResult{Outcome: ReconcileFailed, Err: w.intentErr(err, paymentID)}, true
		}
		w.log.WithError(err).WithField("payment_id", paymentID).Warn("reconcile: load intent failed")
		return ReconcileResult{}, false
	}

	if res, ok := w.reflected(ctx, in); ok {
		return res, true
	}
	if in.Status == StatusFailed || in.Status == StatusExpired {
		return ReconcileResult{Outcome: ReconcileFailed, Intent: &in, Err: w.failureErr(in)}, true
	}

	// Settlement runs detached so cancelling the poll never interrupts a grant.
	settleCtx := context.WithoutCancel(ctx)
	release := w.keys.Lock("pay:" + paymentID)
	in, err = w.deps.Intents.ByPaymentID(settleCtx, paymentID)
	if err == nil && !in.Status.Terminal() {
		st, serr := w.settlementFor(settleCtx, in)
		if serr == nil {
			in, _, _, err = w.apply(settleCtx, in, st)
		} else {
			err = serr
		}
	}
	release()

	switch KindOf(err) {
	case KindPaymentDeclined, KindCapReached:
		return ReconcileResult{Outcome: ReconcileFailed, Intent: &in, Err: err}, true
	}
	if err != nil {
		w.log.WithError(err).WithField("payment_id", paymentID).Debug("reconcile: settlement attempt failed")
	}
	if res, ok := w.reflected(ctx, in); ok {
		return res, true
	}
	return ReconcileResult{}, false
}

// reflected checks the externally visible state: the entitlement for unlocks
// and the viewer's tier for subscriptions.
func (w *Workflow) reflected(ctx context.Context, in Intent) (ReconcileResult, bool) {
	if in.Purpose == PurposeSubscription {
		if w.deps.Viewers == nil {
			if in.Status == StatusServerConfirmed {
				t := in.TargetTier
				return ReconcileResult{Outcome: ReconcileActive, Tier: &t, Intent: &in}, true
			}
			return ReconcileResult{}, false
		}
		v, err := w.deps.Viewers.Viewer(ctx, in.ViewerID)
		if err != nil {
			w.log.WithError(err).WithField("viewer_id", in.ViewerID).Debug("reconcile: load viewer failed")
			return ReconcileResult{}, false
		}
		// A downgrade is only visible once the confirmed tier is current.
		if v.Tier == in.TargetTier || (v.Tier > in.TargetTier && in.Status == StatusServerConfirmed) {
			t := v.Tier
			return ReconcileResult{Outcome: ReconcileActive, Tier: &t, Intent: &in}, true
		}
		return ReconcileResult{}, false
	}
	ent, err := w.deps.Entitlements.ByPaymentID(ctx, in.PaymentID)
	if err != nil {
		if !errors.Is(err, entitlements.ErrNotFound) {
			w.log.WithError(err).WithField("payment_id", in.PaymentID).Debug("reconcile: load entitlement failed")
		}
		return ReconcileResult{}, false
	}
	if !ent.ActiveAt(w.now()) {
		return ReconcileResult{Outcome: ReconcileFailed, Intent: &in, Err: fmt.Errorf("unlock: entitlement %s already expired", ent.ID)}, true
	}
	return ReconcileResult{Outcome: ReconcileActive, Entitlement: &ent, Intent: &in}, true
}
