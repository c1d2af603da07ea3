// Package metrics holds the Prometheus collectors shared by the engine, the
// dispatcher and the observability server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "weibobot"

// Metrics is a private registry plus the collectors registered on it.
// Using a private registry keeps tests independent of the global one.
type Metrics struct {
	Registry *prometheus.Registry

	Fetches       *prometheus.CounterVec   // kind, result
	NewPosts      *prometheus.CounterVec   // kind
	Deliveries    *prometheus.CounterVec   // result
	TickDuration  *prometheus.HistogramVec // kind
	GuardFailures prometheus.Gauge
	ActivePollers prometheus.Gauge
	PersistErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Upstream fetches by source kind and result.",
		}, []string{"kind", "result"}),
		NewPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_posts_total",
			Help:      "Posts ingested for the first time.",
		}, []string{"kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-channel post deliveries by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one fetch-ingest-dispatch cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		GuardFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guard_consecutive_failures",
			Help:      "Consecutive fetch failures since the last success.",
		}),
		ActivePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pollers",
			Help:      "Sources with a running poller.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed durable state writes.",
		}),
	}
	m.Registry.MustRegister(
		m.Fetches, m.NewPosts, m.Deliveries, m.TickDuration,
		m.GuardFailures, m.ActivePollers, m.PersistErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

const (
	ResultOK    = "ok"
	ResultError = "error"
)
