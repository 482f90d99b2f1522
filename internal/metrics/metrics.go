// Package metrics exposes per-session Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/energizer-project/botlink/internal/protocol"
	"github.com/energizer-project/botlink/internal/router"
)

// Config configures the collector.
type Config struct {
	// Namespace prefixes every metric name (default: "botlink").
	Namespace string

	// Registry receives the metrics. Default: a fresh registry.
	Registry *prometheus.Registry

	// Buckets for handler latency. Default: prometheus.DefBuckets.
	Buckets []float64
}

// Collector owns the metric vectors. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	framesIn       *prometheus.CounterVec
	framesOut      *prometheus.CounterVec
	bytesIn        *prometheus.CounterVec
	bytesOut       *prometheus.CounterVec
	framingErrors  *prometheus.CounterVec
	routed         *prometheus.CounterVec
	handlerLatency *prometheus.HistogramVec
	reconnects     *prometheus.CounterVec
	connected      *prometheus.GaugeVec
}

// New registers the botlink metrics on cfg.Registry.
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = "botlink"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prometheus.DefBuckets
	}

	factory := promauto.With(cfg.Registry)
	sessionLabel := []string{"session"}

	return &Collector{
		registry: cfg.Registry,

		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_received_total",
			Help:      "Complete frames popped from the inbound stream",
		}, sessionLabel),

		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the channel",
		}, sessionLabel),

		bytesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "bytes_received_total",
			Help:      "Raw bytes received from the channel",
		}, sessionLabel),

		bytesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "bytes_sent_total",
			Help:      "Raw bytes written to the channel, headers included",
		}, sessionLabel),

		framingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "framing_errors_total",
			Help:      "Oversized headers and payloads too short for an opcode",
		}, []string{"session", "type"}),

		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_routed_total",
			Help:      "Routed messages by outcome",
		}, []string{"session", "outcome"}),

		handlerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   cfg.Buckets,
		}, []string{"session", "handler"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}, sessionLabel),

		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "session_connected",
			Help:      "1 while the session is connected",
		}, sessionLabel),
	}
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Session returns the recorder for one session.
func (c *Collector) Session(name string) *SessionMetrics {
	if c == nil {
		return nil
	}
	return &SessionMetrics{c: c, name: name}
}

// SessionMetrics records metrics for one session. It implements
// router.Observer. A nil *SessionMetrics records nothing.
type SessionMetrics struct {
	c    *Collector
	name string
}

var _ router.Observer = (*SessionMetrics)(nil)

func (s *SessionMetrics) FrameReceived() {
	if s == nil {
		return
	}
	s.c.framesIn.WithLabelValues(s.name).Inc()
}

func (s *SessionMetrics) FrameSent(size int) {
	if s == nil {
		return
	}
	s.c.framesOut.WithLabelValues(s.name).Inc()
	s.c.bytesOut.WithLabelValues(s.name).Add(float64(size))
}

func (s *SessionMetrics) BytesReceived(n int) {
	if s == nil {
		return
	}
	s.c.bytesIn.WithLabelValues(s.name).Add(float64(n))
}

// FramingError counts a framing failure of the given type
// ("oversize" or "short").
func (s *SessionMetrics) FramingError(kind string) {
	if s == nil {
		return
	}
	s.c.framingErrors.WithLabelValues(s.name, kind).Inc()
}

func (s *SessionMetrics) ReconnectAttempt() {
	if s == nil {
		return
	}
	s.c.reconnects.WithLabelValues(s.name).Inc()
}

func (s *SessionMetrics) SetConnected(up bool) {
	if s == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	s.c.connected.WithLabelValues(s.name).Set(v)
}

// ObserveRoute implements router.Observer.
func (s *SessionMetrics) ObserveRoute(_ protocol.Opcode, handler string, outcome router.Outcome, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.c.routed.WithLabelValues(s.name, string(outcome)).Inc()
	if outcome != router.OutcomeUnroutable {
		s.c.handlerLatency.WithLabelValues(s.name, handler).Observe(elapsed.Seconds())
	}
}
