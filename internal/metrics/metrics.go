// Package metrics exposes extraction counters and latencies to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zombor/expense-agent/internal/scanning"
)

const metricPrefix = "expense_agent_"

// Metrics records one observation per extraction. It satisfies
// extraction.Observer.
type Metrics struct {
	registry *prometheus.Registry

	extractions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	matches     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, so separate instances
// never collide
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "extractions_total",
				Help: "Total receipt extractions by backend and resulting status",
			},
			[]string{"backend", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "extraction_duration_seconds",
				Help:    "Extraction latency in seconds by backend",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		matches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "match_rankings_total",
				Help: "Total match rankings by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(m.extractions, m.latency, m.matches)
	return m
}

func (m *Metrics) ObserveExtraction(backend scanning.Backend, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(string(backend), status).Inc()
	m.latency.WithLabelValues(string(backend)).Observe(elapsed.Seconds())
}

// ObserveRanking counts a ranking as suggested, unmatched or excluded
func (m *Metrics) ObserveRanking(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
