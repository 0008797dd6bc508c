package unlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/provider"
)

// ExpireAbandoned expires created intents older than the intent TTL and
// cancels their provider payments. An intent whose payment already settled is
// settled instead. It returns the number of intents expired.
func (w *Workflow) ExpireAbandoned(ctx context.Context, limit int) (int, error) {
	now := w.now()
	stale, err := w.deps.Intents.List(ctx, IntentFilter{
		Statuses:      []Status{StatusCreated},
		CreatedBefore: now.Add(-w.cfg.IntentTTL),
		Limit:         limit,
	})
	if err != nil {
		return 0, fmt.Errorf("unlock: list stale intents: %w", err)
	}
	expired := 0
	var errs []error
	for _, in := range stale {
		ok, err := w.expireOne(ctx, in.PaymentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (w *Workflow) expireOne(ctx context.Context, paymentID string) (bool, error) {
	release := w.keys.Lock("pay:" + paymentID)
	defer release()
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		return false, w.intentErr(err, paymentID)
	}
	if in.Status != StatusCreated {
		return false, nil
	}
	log := w.log.WithFields(logrus.Fields{"intent_id": in.ID, "payment_id": in.PaymentID})

	st, err := w.settlementFor(ctx, in)
	if err != nil && KindOf(err) != KindNotFound {
		return false, err
	}
	if st.Status == provider.Settled {
		log.Info("abandoned intent already settled; completing")
		_, _, _, err := w.apply(ctx, in, st)
		if KindOf(err) == KindCapReached {
			err = nil
		}
		return false, err
	}
	if st.Status != provider.Canceled && KindOf(err) != KindNotFound {
		if _, err := retryProvider(ctx, w, "cancel payment", func() (struct{}, error) {
			return struct{}{}, w.deps.Provider.Cancel(ctx, in.PaymentID)
		}); err != nil && KindOf(err) != KindNotFound {
			log.WithError(err).Warn("cancel abandoned payment failed")
			return false, err
		}
	}
	now := w.now()
	if err := in.transition(StatusExpired, now); err != nil {
		return false, err
	}
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		return false, fmt.Errorf("unlock: save intent: %w", err)
	}
	w.emit(ctx, EventIntentExpired, in)
	w.deps.Metrics.UnlockOutcome(string(in.Purpose), "expired")
	log.Info("intent expired")
	return true, nil
}

// RetryRefunds re-attempts pending refunds. Intents exceeding the attempt
// budget move to manual review. It returns the number refunded.
func (w *Workflow) RetryRefunds(ctx context.Context, limit int) (int, error) {
	pending, err := w.deps.Intents.List(ctx, IntentFilter{RefundState: RefundPending, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("unlock: list pending refunds: %w", err)
	}
	refunded := 0
	var errs []error
	for _, p := range pending {
		release := w.keys.Lock("pay:" + p.PaymentID)
		in, err := w.deps.Intents.ByPaymentID(ctx, p.PaymentID)
		if err == nil && in.RefundState == RefundPending {
			w.refund(ctx, &in)
			if err = w.deps.Intents.Put(ctx, in); err == nil && in.RefundState == RefundRefunded {
				refunded++
			}
		}
		release()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return refunded, errors.Join(errs...)
}
