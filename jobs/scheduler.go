package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Maintainer is the part of the workflow the scheduler drives.
type Maintainer interface {
	ExpireAbandoned(ctx context.Context, limit int) (int, error)
	RetryRefunds(ctx context.Context, limit int) (int, error)
}

type SchedulerConfig struct {
	ExpireSpec string // default "@every 1m"
	RefundSpec string // default "@every 5m"
	BatchSize  int
	RunTimeout time.Duration
	Logger     logrus.FieldLogger
}

func (c SchedulerConfig) defaulted() SchedulerConfig {
	if c.ExpireSpec == "" {
		c.ExpireSpec = "@every 1m"
	}
	if c.RefundSpec == "" {
		c.RefundSpec = "@every 5m"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 45 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Scheduler runs the intent expiry and refund retry sweeps. Overlapping runs
// of the same sweep are skipped.
type Scheduler struct {
	cron *cron.Cron
	cfg  SchedulerConfig
	log  logrus.FieldLogger
}

func NewScheduler(m Maintainer, cfg SchedulerConfig) (*Scheduler, error) {
	cfg = cfg.defaulted()
	log := cfg.Logger.WithField("component", "scheduler")
	cl := cronLogger{log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s := &Scheduler{cron: c, cfg: cfg, log: log}

	if _, err := c.AddFunc(cfg.ExpireSpec, s.sweep("expire_intents", m.ExpireAbandoned)); err != nil {
		return nil, fmt.Errorf("jobs: schedule expiry %q: %w", cfg.ExpireSpec, err)
	}
	if _, err := c.AddFunc(cfg.RefundSpec, s.sweep("retry_refunds", m.RetryRefunds)); err != nil {
		return nil, fmt.Errorf("jobs: schedule refunds %q: %w", cfg.RefundSpec, err)
	}
	return s, nil
}

func (s *Scheduler) sweep(name string, fn func(context.Context, int) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		n, err := fn(ctx, s.cfg.BatchSize)
		log := s.log.WithFields(logrus.Fields{"job": name, "count": n})
		if err != nil {
			log.WithError(err).Error("sweep failed")
			return
		}
		if n > 0 {
			log.Info("sweep done")
		}
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running sweeps until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

type cronLogger struct{ log logrus.FieldLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.WithFields(kvFields(kv)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
