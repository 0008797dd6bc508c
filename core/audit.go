package core

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/unlock"
)

// LogEventLogger writes unlock events as structured log lines.
type LogEventLogger struct {
	Log logrus.FieldLogger
}

func (l LogEventLogger) LogUnlockEvent(ctx context.Context, ev unlock.Event) error {
	_ = ctx
	entry := l.Log.WithFields(logrus.Fields{
		"event":          ev.Type,
		"intent_id":      ev.IntentID,
		"viewer_id":      ev.ViewerID,
		"opportunity_id": ev.OpportunityID,
		"payment_id":     ev.PaymentID,
		"status":         ev.Status,
		"at":             ev.At,
	})
	if ev.Reason != "" {
		entry = entry.WithField("reason", ev.Reason)
	}
	switch ev.Type {
	case unlock.EventRefundFailed:
		entry.Error("unlock event")
	case unlock.EventCapRaceLost, unlock.EventPaymentDeclined:
		entry.Warn("unlock event")
	default:
		entry.Info("unlock event")
	}
	return nil
}

// MultiEventLogger fans an event out to every logger and joins their errors.
type MultiEventLogger []unlock.EventLogger

func (m MultiEventLogger) LogUnlockEvent(ctx context.Context, ev unlock.Event) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.LogUnlockEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
