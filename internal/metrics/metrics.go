// Package metrics exposes lifecycle and loop telemetry as Prometheus
// collectors. All methods are safe on a nil *PrometheusMetrics, which
// turns recording off.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/sinap/internal/loop"
)

// Lifecycle state names, as exported in the "state" label.
var lifecycleStates = []string{"created", "starting", "running", "draining", "restarting", "exited"}

type PrometheusMetrics struct {
	registry       prometheus.Registerer
	lifecycleState *prometheus.GaugeVec
	restartsTotal  *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	drainTimeouts  prometheus.Counter
	tokenBytes     prometheus.Gauge
	unitsTotal     *prometheus.CounterVec
	unitFailures   *prometheus.CounterVec
	inFlight       prometheus.Gauge
	generation     prometheus.Gauge
	heartbeats     prometheus.Counter
}

func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		registry: reg,
		lifecycleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycle_state",
				Help:      "Current lifecycle state (1 for the active state)",
			},
			[]string{"state"},
		),
		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restarts_total",
				Help:      "Restart attempts by outcome",
			},
			[]string{"outcome"},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drain_duration_seconds",
				Help:      "Time spent draining before a restart",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
			},
		),
		drainTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drain_timeouts_total",
				Help:      "Drains that timed out with work in flight (partial snapshot)",
			},
		),
		tokenBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state_token_bytes",
				Help:      "Size of the last encoded state token",
			},
		),
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_units_total",
				Help:      "Units of work run by the loop",
			},
			[]string{"unit"},
		),
		unitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_unit_failures_total",
				Help:      "Failed units of work by kind",
			},
			[]string{"unit", "kind"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loop_in_flight",
				Help:      "Units queued, running or offloaded",
			},
		),
		generation: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "restart_generation",
				Help:      "Number of hand-offs this instance descends from",
			},
		),
		heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeats since the first instance started, restored across restarts",
			},
		),
	}

	reg.MustRegister(
		m.lifecycleState,
		m.restartsTotal,
		m.drainDuration,
		m.drainTimeouts,
		m.tokenBytes,
		m.unitsTotal,
		m.unitFailures,
		m.inFlight,
		m.generation,
		m.heartbeats,
	)

	return m
}

// SetLifecycleState marks state as the only active lifecycle state.
func (m *PrometheusMetrics) SetLifecycleState(state string) {
	if m == nil {
		return
	}
	for _, s := range lifecycleStates {
		if s == state {
			m.lifecycleState.WithLabelValues(s).Set(1)
		} else {
			m.lifecycleState.WithLabelValues(s).Set(0)
		}
	}
}

func (m *PrometheusMetrics) RestartFinished(outcome string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) DrainFinished(d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.drainDuration.Observe(d.Seconds())
	if timedOut {
		m.drainTimeouts.Inc()
	}
}

func (m *PrometheusMetrics) TokenEncoded(size int) {
	if m == nil {
		return
	}
	m.tokenBytes.Set(float64(size))
}

// UnitFinished implements loop.Recorder.
func (m *PrometheusMetrics) UnitFinished(name string, f *loop.Failure) {
	if m == nil {
		return
	}
	m.unitsTotal.WithLabelValues(name).Inc()
	if f != nil {
		m.unitFailures.WithLabelValues(name, f.Kind.String()).Inc()
	}
}

// InFlight implements loop.Recorder.
func (m *PrometheusMetrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *PrometheusMetrics) SetGeneration(n int) {
	if m == nil {
		return
	}
	m.generation.Set(float64(n))
}

// AddHeartbeats adds n heartbeats; a restored instance adds its inherited
// total once at start.
func (m *PrometheusMetrics) AddHeartbeats(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.heartbeats.Add(float64(n))
}
