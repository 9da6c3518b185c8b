// Package metrics exposes Prometheus instruments for pipeline activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_items_processed_total",
		Help: "Job targets finished, by outcome",
	}, []string{"outcome"})

	SpendUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curator_spend_usd_total",
		Help: "Provider spend recorded against the monthly budget",
	})

	BudgetSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curator_budget_skips_total",
		Help: "Targets skipped because the estimate exceeded the remaining budget",
	})

	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_provider_failures_total",
		Help: "Swallowed or fatal provider failures, by provider",
	}, []string{"provider"})

	ChangesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_changes_detected_total",
		Help: "Field changes persisted for review, by change type",
	}, []string{"change_type"})

	ChangesDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_changes_decided_total",
		Help: "Review decisions applied to changes, by resulting status",
	}, []string{"status"})

	StaleChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curator_stale_changes_total",
		Help: "Approvals refused because the field changed since the diff",
	})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curator_rollbacks_total",
		Help: "Rollback executions, by result",
	}, []string{"result"})

	SynthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curator_synthesis_duration_seconds",
		Help:    "Candidate synthesis latency, by enhancement mode",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"mode"})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curator_items_in_flight",
		Help: "Job targets currently being processed",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
