// Package jobs runs the background side of the unlock workflow: a River queue
// for webhook-reported settlements and a cron scheduler for sweeps.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/provider"
	"github.com/PaulFidika/unlockkit/unlock"
)

// ConfirmSettlementArgs carries one provider settlement observation.
type ConfirmSettlementArgs struct {
	PaymentID     string                    `json:"payment_id" river:"unique"`
	Status        provider.SettlementStatus `json:"status" river:"unique"`
	Amount        money.Money               `json:"amount"`
	DeclineReason string                    `json:"decline_reason,omitempty"`
	ObservedAt    time.Time                 `json:"observed_at"`
}

func (ConfirmSettlementArgs) Kind() string { return "unlock_confirm_settlement" }

func (ConfirmSettlementArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 12,
		// Stripe redelivers webhooks; one job per payment and status is enough.
		UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: 24 * time.Hour},
	}
}

func (a ConfirmSettlementArgs) settlement() provider.Settlement {
	return provider.Settlement{
		PaymentID:     a.PaymentID,
		Status:        a.Status,
		Amount:        a.Amount,
		DeclineReason: a.DeclineReason,
		ObservedAt:    a.ObservedAt,
	}
}

// SettlementRecorder applies a settlement to its intent.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, st provider.Settlement) (unlock.Intent, error)
}

type ConfirmSettlementWorker struct {
	river.WorkerDefaults[ConfirmSettlementArgs]
	Recorder SettlementRecorder
	Log      logrus.FieldLogger
}

func (w *ConfirmSettlementWorker) Work(ctx context.Context, job *river.Job[ConfirmSettlementArgs]) error {
	log := w.Log.WithFields(logrus.Fields{
		"payment_id": job.Args.PaymentID,
		"status":     job.Args.Status,
		"attempt":    job.Attempt,
	})
	in, err := w.Recorder.RecordSettlement(ctx, job.Args.settlement())
	if err == nil {
		log.WithField("intent_id", in.ID).Debug("settlement applied")
		return nil
	}
	switch unlock.KindOf(err) {
	case unlock.KindNotFound:
		log.Warn("settlement for unknown payment")
		return river.JobCancel(err)
	case unlock.KindCapReached, unlock.KindPaymentDeclined:
		// Terminal outcomes already recorded on the intent.
		log.WithField("intent_id", in.ID).WithError(err).Info("settlement closed intent")
		return nil
	case unlock.KindPreconditionFailed:
		log.WithError(err).Warn("settlement rejected")
		return river.JobCancel(err)
	default:
		log.WithError(err).Warn("settlement failed; will retry")
		return err
	}
}

func (w *ConfirmSettlementWorker) Timeout(*river.Job[ConfirmSettlementArgs]) time.Duration {
	return time.Minute
}

// Queue owns a River client that executes settlement jobs.
type Queue struct {
	client *river.Client[pgx.Tx]
	log    logrus.FieldLogger
}

type QueueConfig struct {
	MaxWorkers int
	Logger     logrus.FieldLogger
}

func NewQueue(pool *pgxpool.Pool, recorder SettlementRecorder, cfg QueueConfig) (*Queue, error) {
	if pool == nil || recorder == nil {
		return nil, errors.New("jobs: pool and recorder required")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	log := cfg.Logger.WithField("component", "jobs")
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, &ConfirmSettlementWorker{Recorder: recorder, Log: log}); err != nil {
		return nil, fmt.Errorf("jobs: register worker: %w", err)
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: cfg.MaxWorkers}},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: river client: %w", err)
	}
	return &Queue{client: client, log: log}, nil
}

func (q *Queue) Start(ctx context.Context) error { return q.client.Start(ctx) }

func (q *Queue) Stop(ctx context.Context) error { return q.client.Stop(ctx) }

// EnqueueSettlement schedules st for application. Duplicate deliveries of the
// same settlement collapse into one job.
func (q *Queue) EnqueueSettlement(ctx context.Context, st provider.Settlement) error {
	res, err := q.client.Insert(ctx, ConfirmSettlementArgs{
		PaymentID:     st.PaymentID,
		Status:        st.Status,
		Amount:        st.Amount,
		DeclineReason: st.DeclineReason,
		ObservedAt:    st.ObservedAt,
	}, nil)
	if err != nil {
		return fmt.Errorf("jobs: enqueue settlement: %w", err)
	}
	q.logInsert(res, st)
	return nil
}

func (q *Queue) logInsert(res *rivertype.JobInsertResult, st provider.Settlement) {
	entry := q.log.WithFields(logrus.Fields{"payment_id": st.PaymentID, "status": st.Status})
	if res.UniqueSkippedAsDuplicate {
		entry.Debug("settlement already queued")
		return
	}
	entry.WithField("job_id", res.Job.ID).Debug("settlement queued")
}
