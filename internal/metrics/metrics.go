// Package metrics holds the Prometheus collectors for stages, quota tiers
// and batches.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"linkdigest/internal/model"
)

const Namespace = "linkdigest"

// Metrics implements stage.Observer and scheduler.Observer, and its
// QuotaObserver method plugs into quota.WithObserver.
type Metrics struct {
	registry *prometheus.Registry

	StageAttemptsTotal   *prometheus.CounterVec
	StageDurationSeconds *prometheus.HistogramVec
	QuotaRequestsTotal   *prometheus.CounterVec
	ItemsInFlight        prometheus.Gauge
	ItemsFinishedTotal   *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StageAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stage",
			Name:      "attempts_total",
			Help:      "Stage attempts by outcome.",
		}, []string{"stage", "status", "tier"}),
		StageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Duration of one stage attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		}, []string{"stage"}),
		QuotaRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "requests_total",
			Help:      "Tier acquisition attempts by result.",
		}, []string{"tier", "result"}),
		ItemsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "items_in_flight",
			Help:      "Items currently inside the pipeline.",
		}),
		ItemsFinishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "items_finished_total",
			Help:      "Items finished by final status.",
		}, []string{"platform", "final_status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveAttempt(stage string, status model.StageStatus, tier string, elapsed time.Duration) {
	m.StageAttemptsTotal.WithLabelValues(stage, string(status), tier).Inc()
	m.StageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) QuotaObserver(tier string, acquired bool) {
	result := "rejected"
	if acquired {
		result = "acquired"
	}
	m.QuotaRequestsTotal.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) ItemStarted(string) {
	m.ItemsInFlight.Inc()
}

func (m *Metrics) ItemFinished(summary model.ItemSummary) {
	m.ItemsInFlight.Dec()
	status := string(summary.FinalStatus)
	if summary.Skipped {
		status = "skipped"
	}
	m.ItemsFinishedTotal.WithLabelValues(string(summary.Platform), status).Inc()
}
