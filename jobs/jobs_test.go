package jobs

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/provider"
	"github.com/PaulFidika/unlockkit/unlock"
)

type fakeRecorder struct {
	err  error
	seen []provider.Settlement
}

func (f *fakeRecorder) RecordSettlement(ctx context.Context, st provider.Settlement) (unlock.Intent, error) {
	f.seen = append(f.seen, st)
	return unlock.Intent{ID: "intent-1", PaymentID: st.PaymentID}, f.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func job(args ConfirmSettlementArgs) *river.Job[ConfirmSettlementArgs] {
	return &river.Job[ConfirmSettlementArgs]{JobRow: &rivertype.JobRow{ID: 7, Attempt: 1}, Args: args}
}

func TestConfirmSettlementWorkerOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantErr   bool
		wantCause error
	}{
		{"applied", nil, false, nil},
		{"declined is terminal", unlock.ErrPaymentDeclined, false, nil},
		{"cap race is terminal", unlock.ErrCapReached, false, nil},
		{"unknown payment cancels", unlock.ErrNotFound, true, unlock.ErrNotFound},
		{"outage retries", unlock.ErrProviderUnavailable, true, unlock.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		rec := &fakeRecorder{err: tc.err}
		w := &ConfirmSettlementWorker{Recorder: rec, Log: quietLogger()}
		err := w.Work(context.Background(), job(ConfirmSettlementArgs{PaymentID: "pi_1", Status: provider.Settled}))
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if tc.wantCause != nil && !errors.Is(err, tc.wantCause) {
			t.Fatalf("%s: %v does not wrap %v", tc.name, err, tc.wantCause)
		}
		if len(rec.seen) != 1 || rec.seen[0].PaymentID != "pi_1" || rec.seen[0].Status != provider.Settled {
			t.Fatalf("%s: settlement not forwarded: %+v", tc.name, rec.seen)
		}
	}
}

func TestArgsKindIsStable(t *testing.T) {
	if (ConfirmSettlementArgs{}).Kind() != "unlock_confirm_settlement" {
		t.Fatalf("job kind changed; queued jobs would be orphaned")
	}
	if !(ConfirmSettlementArgs{}).InsertOpts().UniqueOpts.ByArgs {
		t.Fatalf("settlement jobs must be unique by args")
	}
}

type fakeMaintainer struct {
	expired, refunded atomic.Int32
	err               error
}

func (f *fakeMaintainer) ExpireAbandoned(ctx context.Context, limit int) (int, error) {
	f.expired.Add(1)
	return limit, f.err
}

func (f *fakeMaintainer) RetryRefunds(ctx context.Context, limit int) (int, error) {
	f.refunded.Add(1)
	return 0, f.err
}

func TestSchedulerSweeps(t *testing.T) {
	m := &fakeMaintainer{}
	s, err := NewScheduler(m, SchedulerConfig{BatchSize: 5, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	s.sweep("expire_intents", m.ExpireAbandoned)()
	s.sweep("retry_refunds", m.RetryRefunds)()
	m.err = errors.New("db down")
	s.sweep("expire_intents", m.ExpireAbandoned)()
	if m.expired.Load() != 2 || m.refunded.Load() != 1 {
		t.Fatalf("unexpected sweep counts %d %d", m.expired.Load(), m.refunded.Load())
	}
	if len(s.cron.Entries()) != 2 {
		t.Fatalf("expected two scheduled entries")
	}
	s.Start()
	s.Stop(context.Background())
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(&fakeMaintainer{}, SchedulerConfig{ExpireSpec: "every minute", Logger: quietLogger()}); err == nil {
		t.Fatalf("expected invalid cron spec to fail")
	}
}
