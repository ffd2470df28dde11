// Package metrics exposes Prometheus collectors for the agent's control loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "farm_agent"

// Metrics reports frames, handler latency and connection churn.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Registerer

	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	sendsDropped    prometheus.Counter
	reconnects      prometheus.Counter
}

// MustNewMetrics registers the collectors on reg and panics on conflicts.
// Tests pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		reg: reg,
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "frames_received_total",
				Help:      "Inbound frames by kind.",
			},
			[]string{"kind"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "frames_dropped_total",
				Help:      "Inbound frames that were not dispatched, by reason.",
			},
			[]string{"reason"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in each command handler.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		sendsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "sends_dropped_total",
				Help:      "Outbound frames dropped because no connection was open.",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts after the control connection closed.",
			},
		),
	}

	reg.MustRegister(m.framesReceived, m.framesDropped, m.handlerDuration, m.sendsDropped, m.reconnects)
	return m
}

// TrackActiveTasks exports a gauge read from fn on every scrape.
func (m *Metrics) TrackActiveTasks(fn func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "active",
			Help:      "Suite and step jobs currently registered.",
		},
		func() float64 { return float64(fn()) },
	))
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

// FrameDropped counts a frame that was discarded before dispatch.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ObserveHandler records how long a handler ran.
func (m *Metrics) ObserveHandler(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SendDropped counts an outbound frame that could not be written.
func (m *Metrics) SendDropped() {
	if m == nil {
		return
	}
	m.sendsDropped.Inc()
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
