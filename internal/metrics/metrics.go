// Package metrics holds the Prometheus collectors for the artifact cache and
// the calculation pipeline.
//
// Every collector is registered on a private registry owned by Metrics, so
// tests and parallel engines never collide on the global default registerer.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formulabench"

// Eviction reasons.
const (
	EvictExpired      = "expired"
	EvictHashMismatch = "hash_mismatch"
	EvictCapacity     = "capacity"
	EvictForced       = "forced"
)

// Metrics bundles the collectors.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	compilations   *prometheus.CounterVec

	calculations        *prometheus.CounterVec
	calculationDuration *prometheus.HistogramVec
	staleResults        prometheus.Counter
	debounceResets      prometheus.Counter
	rowsTotal           prometheus.Gauge
	rowsCalculated      prometheus.Gauge
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are registered alongside.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Artifact cache lookups that returned a fresh artifact",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Artifact cache lookups that missed (absent, expired or hash mismatch)",
		}),
		cacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Artifacts evicted from the cache by reason",
		}, []string{"reason"}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Artifacts currently cached",
		}),
		compilations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "compilations_total",
			Help:      "Formula compilations by status",
		}, []string{"status"}),

		calculations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "calculations_total",
			Help:      "Row calculation attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		calculationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invocation_duration_seconds",
			Help:      "Wall-clock duration of formula invocations",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"trigger"}),
		staleResults: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stale_results_total",
			Help:      "Invocation results discarded because the row was edited meanwhile",
		}),
		debounceResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "debounce_resets_total",
			Help:      "Pending debounce timers replaced by a newer edit",
		}),
		rowsTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rows",
			Help:      "Rows of the active formula",
		}),
		rowsCalculated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rows_calculated",
			Help:      "Rows of the active formula with a recorded execution time",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheHit counts a fresh lookup.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts a failed lookup.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// CacheEvicted counts n evictions for reason.
func (m *Metrics) CacheEvicted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// CacheSize records the number of cached artifacts.
func (m *Metrics) CacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// Compiled counts a compilation attempt.
func (m *Metrics) Compiled(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.compilations.WithLabelValues(status).Inc()
}

// Calculated counts a calculation attempt. Duration is observed only for
// attempts that reached the artifact.
func (m *Metrics) Calculated(trigger, outcome string, invoked bool, d time.Duration) {
	if m == nil {
		return
	}
	m.calculations.WithLabelValues(trigger, outcome).Inc()
	if invoked {
		m.calculationDuration.WithLabelValues(trigger).Observe(d.Seconds())
	}
}

// StaleResult counts a discarded result.
func (m *Metrics) StaleResult() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

// DebounceReset counts a replaced debounce timer.
func (m *Metrics) DebounceReset() {
	if m == nil {
		return
	}
	m.debounceResets.Inc()
}

// Rows records the row gauges.
func (m *Metrics) Rows(total, calculated int) {
	if m == nil {
		return
	}
	m.rowsTotal.Set(float64(total))
	m.rowsCalculated.Set(float64(calculated))
}
