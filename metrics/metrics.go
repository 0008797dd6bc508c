// Package metrics exposes Prometheus collectors for access decisions and the
// unlock workflow. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unlockkit"

type Recorder struct {
	gatherer prometheus.Gatherer

	decisions       *prometheus.CounterVec
	intentsCreated  *prometheus.CounterVec
	unlockOutcomes  *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	reconciles      *prometheus.CounterVec
	reconcileTiming *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Access decisions by content state and freshness tier",
		}, []string{"content_state", "freshness"}),
		intentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unlock",
			Name:      "intents_created_total",
			Help:      "Unlock and subscription intents created",
		}, []string{"purpose", "kind"}),
		unlockOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unlock",
			Name:      "outcomes_total",
			Help:      "Server-side settlement outcomes",
		}, []string{"purpose", "outcome"}),
		refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unlock",
			Name:      "refunds_total",
			Help:      "Refund attempts by result",
		}, []string{"result"}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "results_total",
			Help:      "Reconciliation polling results",
		}, []string{"outcome"}),
		reconcileTiming: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Time from reconciliation start to its terminal result",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
	}
}

func (r *Recorder) Decision(contentState, freshness string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(contentState, freshness).Inc()
}

func (r *Recorder) IntentCreated(purpose, kind string) {
	if r == nil {
		return
	}
	r.intentsCreated.WithLabelValues(purpose, kind).Inc()
}

func (r *Recorder) UnlockOutcome(purpose, outcome string) {
	if r == nil {
		return
	}
	r.unlockOutcomes.WithLabelValues(purpose, outcome).Inc()
}

func (r *Recorder) Refund(result string) {
	if r == nil {
		return
	}
	r.refunds.WithLabelValues(result).Inc()
}

func (r *Recorder) Reconciled(outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.reconciles.WithLabelValues(outcome).Inc()
	r.reconcileTiming.WithLabelValues(outcome).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
