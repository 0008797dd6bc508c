package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	unlockgin "github.com/PaulFidika/unlockkit/adapters/gin"
	"github.com/PaulFidika/unlockkit/config"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/jobs"
	jwtkit "github.com/PaulFidika/unlockkit/jwt"
	memorylimiter "github.com/PaulFidika/unlockkit/ratelimit/memory"
)

const shutdownGrace = 20 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the unlock API with settlement workers and maintenance sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides UNLOCKKIT_HTTP_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := newLogger(cfg)
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.JWKSURL == "" {
		return errors.New("UNLOCKKIT_JWKS_URL is required")
	}
	verifier, err := jwtkit.NewVerifier(ctx, jwtkit.VerifierConfig{
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		JWKSURL:         cfg.JWKSURL,
		Skew:            cfg.TokenSkew,
		MinRefreshEvery: cfg.JWKSRefresh,
	})
	if err != nil {
		return err
	}

	opts := core.Options{Viewers: a.viewers, Logger: log}
	var queue *jobs.Queue
	if a.pool != nil {
		queue, err = jobs.NewQueue(a.pool, a.workflow, jobs.QueueConfig{MaxWorkers: cfg.QueueWorkers, Logger: log})
		if err != nil {
			return err
		}
		if err := queue.Start(ctx); err != nil {
			return fmt.Errorf("jobs: start: %w", err)
		}
		opts.Queue = queue
	}

	sched, err := jobs.NewScheduler(a.workflow, jobs.SchedulerConfig{
		ExpireSpec: cfg.ExpireSchedule,
		RefundSpec: cfg.RefundSchedule,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	sched.Start()

	if ml, ok := a.limiter.(*memorylimiter.Limiter); ok {
		go sweepLimiter(ctx, ml)
	}

	svc := core.NewService(core.Config{}, a.workflow, opts)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	unlockgin.Register(r, svc, unlockgin.Options{
		Verifier:      verifier,
		RateLimiter:   a.limiter,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("unlockd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sched.Stop(shutdownCtx)
	if queue != nil {
		if err := queue.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("jobs shutdown")
		}
	}
	return nil
}

func sweepLimiter(ctx context.Context, l *memorylimiter.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
