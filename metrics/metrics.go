// Package metrics exposes Prometheus collectors for connections, frames, streams
// and handlers. A nil *Collector is valid and records nothing, so components can
// call it unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups every metric the RPC core records.
type Collector struct {
	connsOpen    *prometheus.GaugeVec
	connsTotal   *prometheus.CounterVec
	frames       *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	streamsOpen  *prometheus.GaugeVec
	streamsTotal *prometheus.CounterVec
	faults       *prometheus.CounterVec
	handled      *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// Option configures a Collector.
type Option func(*config)

type config struct {
	namespace   string
	constLabels prometheus.Labels
	buckets     []float64
}

// WithNamespace sets the metrics namespace (default: "esrpc").
func WithNamespace(namespace string) Option {
	return func(c *config) { c.namespace = namespace }
}

// WithConstLabels adds constant labels to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *config) { c.constLabels = labels }
}

// WithBuckets sets the handler duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *config) { c.buckets = buckets }
}

// New creates a Collector and registers it with reg. A nil reg skips registration.
func New(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	cfg := config{namespace: "esrpc", buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&cfg)
	}
	ns, cl := cfg.namespace, cfg.constLabels

	c := &Collector{
		connsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "connection", Name: "open",
			Help: "Connections currently open.", ConstLabels: cl,
		}, []string{"role"}),
		connsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "connection", Name: "closed_total",
			Help: "Connections closed, by final state.", ConstLabels: cl,
		}, []string{"role", "state"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "frame", Name: "total",
			Help: "Frames sent and received, by message type.", ConstLabels: cl,
		}, []string{"direction", "type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "frame", Name: "bytes_total",
			Help: "Encoded frame bytes sent and received.", ConstLabels: cl,
		}, []string{"direction"}),
		streamsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "stream", Name: "open",
			Help: "Streams currently open.", ConstLabels: cl,
		}, []string{"role"}),
		streamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "opened_total",
			Help: "Streams opened.", ConstLabels: cl,
		}, []string{"role"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "connection", Name: "faults_total",
			Help: "Protocol faults, by kind.", ConstLabels: cl,
		}, []string{"kind"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "handler", Name: "messages_total",
			Help: "Stream messages handled, by operation and status.", ConstLabels: cl,
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "handler", Name: "duration_seconds",
			Help: "Handler duration in seconds.", ConstLabels: cl, Buckets: cfg.buckets,
		}, []string{"operation"}),
	}

	if reg != nil {
		for _, col := range c.collectors() {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.connsOpen, c.connsTotal, c.frames, c.bytes,
		c.streamsOpen, c.streamsTotal, c.faults, c.handled, c.duration,
	}
}

func (c *Collector) ConnOpened(role string) {
	if c == nil {
		return
	}
	c.connsOpen.WithLabelValues(role).Inc()
}

func (c *Collector) ConnClosed(role, state string) {
	if c == nil {
		return
	}
	c.connsOpen.WithLabelValues(role).Dec()
	c.connsTotal.WithLabelValues(role, state).Inc()
}

// FrameIn records a received frame of n encoded bytes.
func (c *Collector) FrameIn(typ string, n int) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("in", typ).Inc()
	c.bytes.WithLabelValues("in").Add(float64(n))
}

// FrameOut records a sent frame of n encoded bytes.
func (c *Collector) FrameOut(typ string, n int) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("out", typ).Inc()
	c.bytes.WithLabelValues("out").Add(float64(n))
}

func (c *Collector) StreamOpened(role string) {
	if c == nil {
		return
	}
	c.streamsOpen.WithLabelValues(role).Inc()
	c.streamsTotal.WithLabelValues(role).Inc()
}

func (c *Collector) StreamClosed(role string) {
	if c == nil {
		return
	}
	c.streamsOpen.WithLabelValues(role).Dec()
}

// Fault records a protocol fault. kind is one of "decode", "sequence",
// "correlation", "peer" or "transport".
func (c *Collector) Fault(kind string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(kind).Inc()
}

// Handled records one handler invocation.
func (c *Collector) Handled(operation, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.handled.WithLabelValues(operation, status).Inc()
	c.duration.WithLabelValues(operation).Observe(d.Seconds())
}
