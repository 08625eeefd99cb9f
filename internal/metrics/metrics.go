// Package metrics is the concrete stand-in for the broker's JMX-style
// management surface: a small set of named counters/gauges covering barrier
// latency, active SPU count, and notifications emitted by tag, exported as
// Prometheus text on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sepabroker/internal/fanout"
	"sepabroker/internal/manager"
)

// Registry owns the broker's Prometheus collectors and implements
// manager.MetricsSink. A nil *Registry is valid and simply drops every
// observation, matching manager.Option's nil-safe collaborator contract.
type Registry struct {
	reg       *prometheus.Registry
	unitScale string

	barrierDuration *prometheus.HistogramVec
	barrierTimeouts *prometheus.CounterVec
	barrierLast     *prometheus.GaugeVec
	activeSPUs      prometheus.Gauge
	notifications   *prometheus.CounterVec
}

// Option customises a Registry at construction.
type Option func(*Registry)

// WithUnitScale selects the rendering unit for the last-barrier-duration
// gauge: "ms" (default), "us", or "ns". Histograms stay in seconds per
// Prometheus convention; the gauge is the human-facing admin reading.
func WithUnitScale(scale string) Option {
	return func(m *Registry) {
		switch scale {
		case "ms", "us", "ns":
			m.unitScale = scale
		}
	}
}

// New constructs a Registry with its own prometheus.Registry, so tests can
// spin up independent instances without colliding on the global default
// registry.
func New(opts ...Option) *Registry {
	m := &Registry{unitScale: "ms"}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	reg := prometheus.NewRegistry()
	m.reg = reg
	m.barrierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sepabroker_barrier_duration_seconds",
			Help:    "Time spent waiting on a pre/post-update processing barrier",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	m.barrierTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sepabroker_barrier_timeouts_total",
			Help: "Total number of barriers that did not drain before their deadline",
		},
		[]string{"phase"},
	)
	m.barrierLast = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "sepabroker_barrier_last_duration",
			Help:        "Duration of the most recent barrier, in the configured unit scale",
			ConstLabels: prometheus.Labels{"unit": m.unitScale},
		},
		[]string{"phase"},
	)
	m.activeSPUs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sepabroker_active_spus",
			Help: "Number of live Subscription Processing Units",
		},
	)
	m.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sepabroker_notifications_total",
			Help: "Total number of notifications emitted by tag",
		},
		[]string{"tag"},
	)
	reg.MustRegister(m.barrierDuration, m.barrierTimeouts, m.barrierLast, m.activeSPUs, m.notifications)
	return m
}

// ObserveBarrier implements manager.MetricsSink.
func (m *Registry) ObserveBarrier(phase manager.Phase, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.barrierDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
	m.barrierLast.WithLabelValues(string(phase)).Set(float64(d) / float64(m.unitDivisor()))
	if timedOut {
		m.barrierTimeouts.WithLabelValues(string(phase)).Inc()
	}
}

// ObserveActiveSPUs implements manager.MetricsSink.
func (m *Registry) ObserveActiveSPUs(n int) {
	if m == nil {
		return
	}
	m.activeSPUs.Set(float64(n))
}

// ObserveNotification implements manager.MetricsSink.
func (m *Registry) ObserveNotification(tag fanout.Tag) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(tag)).Inc()
}

// Handler returns the /metrics HTTP handler for this Registry's collectors.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// unitDivisor maps the configured unit scale to its time.Duration base.
func (m *Registry) unitDivisor() time.Duration {
	switch m.unitScale {
	case "us":
		return time.Microsecond
	case "ns":
		return time.Nanosecond
	default:
		return time.Millisecond
	}
}
