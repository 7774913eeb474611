package transport

import (
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/metrics"
	"eventstream-rpc/protocol"
)

// Option configures a Conn.
type Option func(*options)

type options struct {
	logger               *zap.Logger
	metrics              *metrics.Collector
	limits               protocol.Limits
	maxCorrelationFaults int
	faultHandler         func(error)
	writeTimeout         time.Duration
	rejectLinger         time.Duration
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		limits:       protocol.DefaultLimits(),
		writeTimeout: 10 * time.Second,
		rejectLinger: time.Second,
	}
}

// WithLogger sets the connection logger. Connection fields are added to it.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records connection, frame and stream metrics into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithLimits overrides the frame size limits applied in both directions.
func WithLimits(l protocol.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithMaxCorrelationFaults sets how many correlation faults (messages for
// unknown or finished streams) are tolerated before the connection is killed.
// The default of 0 kills the connection on the first one.
func WithMaxCorrelationFaults(n int) Option {
	return func(o *options) { o.maxCorrelationFaults = n }
}

// WithFaultHandler registers fn to observe every correlation fault, whether or
// not it is fatal. fn runs on the reader goroutine.
func WithFaultHandler(fn func(error)) Option {
	return func(o *options) { o.faultHandler = fn }
}

// WithWriteTimeout bounds each frame write when the channel supports write
// deadlines. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithRejectLinger bounds how long a server waits for the client to hang up
// after sending a rejecting ConnectAck.
func WithRejectLinger(d time.Duration) Option {
	return func(o *options) { o.rejectLinger = d }
}
