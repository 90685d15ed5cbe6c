// Package observability holds rowguard's metrics and tracing wiring —
// the ambient instrumentation stack every handler goroutine and the
// audit worker report into (§10.4).
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus instrument rowguard records into,
// registered against a dedicated registry rather than the global default
// so tests can spin up independent instances.
type Metrics struct {
	StatementsTotal    *prometheus.CounterVec
	StatementDuration  *prometheus.HistogramVec
	ActiveSessions     prometheus.Gauge
	PolicyReloadsTotal prometheus.Counter
	AuditDropsTotal    prometheus.Gauge
}

// NewMetrics creates and registers rowguard's metrics against reg,
// including the standard Go runtime and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		StatementsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rowguard",
				Name:      "statements_total",
				Help:      "Total number of SQL statements evaluated by the rewriter.",
			},
			[]string{"kind", "decision"}, // kind=query/insert/update/copy, decision=forwarded/rejected
		),
		StatementDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rowguard",
				Name:      "statement_duration_seconds",
				Help:      "Time spent parsing and rewriting one statement.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rowguard",
				Name:      "active_sessions",
				Help:      "Number of client sessions currently relaying.",
			},
		),
		PolicyReloadsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "rowguard",
				Name:      "policy_reloads_total",
				Help:      "Total number of times a session rebuilt its evaluator after a policy version change.",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rowguard",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped because the worker's channel was full, sampled from AuditWorker.Dropped.",
			},
		),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
