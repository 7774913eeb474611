package client

import (
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/message"
	"eventstream-rpc/metrics"
	"eventstream-rpc/protocol"
	"eventstream-rpc/transport"
)

type Option func(*options)

type options struct {
	logger      *zap.Logger
	metrics     *metrics.Collector
	connOpts    []transport.Option
	headers     protocol.Headers
	payload     []byte
	contentType string

	keepAlive time.Duration
	deadAfter time.Duration
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		contentType: message.ContentTypeJSON,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithConnOptions passes options to the underlying transport.Conn.
func WithConnOptions(opts ...transport.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithConnectHeaders sets the application headers of the Connect message,
// typically credentials for the server's Authenticator.
func WithConnectHeaders(h protocol.Headers) Option {
	return func(o *options) { o.headers = h }
}

func WithConnectPayload(p []byte) Option {
	return func(o *options) { o.payload = p }
}

// WithContentType sets the :content-type of messages sent through Invoke and
// Continuation.Send. The default is JSON.
func WithContentType(ct string) Option {
	return func(o *options) { o.contentType = ct }
}

// WithKeepAlive pings the server every interval and closes the connection once
// nothing has been received for deadAfter. A zero deadAfter means three intervals.
func WithKeepAlive(interval, deadAfter time.Duration) Option {
	return func(o *options) {
		o.keepAlive = interval
		o.deadAfter = deadAfter
		if deadAfter <= 0 {
			o.deadAfter = 3 * interval
		}
	}
}

// CallOption adjusts the initial message of one Invoke.
type CallOption func(*message.Message)

// Terminal marks the initial message as the client's last one, for calls that
// send a single request.
func Terminal() CallOption {
	return func(m *message.Message) { m.Flags |= message.FlagTerminal }
}

func ContentType(ct string) CallOption {
	return func(m *message.Message) { m.ContentType = ct }
}
