package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A nil *Metrics is a
// valid no-op collector, so engine code never guards its calls.
type Metrics struct {
	config MetricsConfig

	unitsCompleted *prometheus.CounterVec
	actionsApplied *prometheus.CounterVec
	memoHits       prometheus.Counter
	memoMisses     prometheus.Counter
	runsCompleted  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		unitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_completed_total",
				Help:      "Total number of processing units completed",
			},
			[]string{"status"},
		),
		actionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_applied_total",
				Help:      "Total number of external-system actions applied",
			},
			[]string{"op"},
		),
		memoHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memo_hits_total",
				Help:      "Total number of memoized calls served from cache",
			},
		),
		memoMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memo_misses_total",
				Help:      "Total number of memoized calls that re-executed",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of application runs completed",
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.unitsCompleted, m.actionsApplied, m.memoHits, m.memoMisses, m.runsCompleted,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// UnitCompleted records a processing unit completion.
func (m *Metrics) UnitCompleted(status string) {
	if m == nil {
		return
	}
	m.unitsCompleted.WithLabelValues(status).Inc()
}

// ActionApplied records one applied external-system action.
func (m *Metrics) ActionApplied(op string) {
	if m == nil {
		return
	}
	m.actionsApplied.WithLabelValues(op).Inc()
}

// MemoHit records a memoized call served from cache.
func (m *Metrics) MemoHit() {
	if m == nil {
		return
	}
	m.memoHits.Inc()
}

// MemoMiss records a memoized call that re-executed.
func (m *Metrics) MemoMiss() {
	if m == nil {
		return
	}
	m.memoMisses.Inc()
}

// RunCompleted records one application run completion.
func (m *Metrics) RunCompleted(status string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on the configured listen address, blocking until
// the server stops.
func (m *Metrics) Serve() error {
	if m == nil || m.config.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(m.config.ListenAddr, mux)
}
