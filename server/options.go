package server

import (
	"go.uber.org/zap"

	"eventstream-rpc/metrics"
	"eventstream-rpc/registry"
	"eventstream-rpc/transport"
)

type Option func(*options)

type options struct {
	logger        *zap.Logger
	metrics       *metrics.Collector
	authenticator Authenticator
	authorizer    Authorizer
	queueSize     int
	connOpts      []transport.Option

	registry      registry.Registry
	service       string
	advertiseAddr string
	transport     string
	weight        int
}

func defaultOptions() options {
	return options{
		logger:    zap.NewNop(),
		queueSize: 16,
		transport: registry.TransportTCP,
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records connection metrics for every served connection.
// Handler metrics come from middleware.MetricsMiddleware.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

func WithAuthenticator(a Authenticator) Option {
	return func(o *options) { o.authenticator = a }
}

func WithAuthorizer(a Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

// WithStreamQueue bounds how many inbound messages may wait for a busy
// handler before the connection's reader blocks.
func WithStreamQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithConnOptions passes options to every transport.Conn the server creates.
func WithConnOptions(opts ...transport.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithRegistry announces advertiseAddr under service while the server runs.
// advertiseAddr differs from the listen address: ":8080" is not routable.
func WithRegistry(reg registry.Registry, service, advertiseAddr string) Option {
	return func(o *options) {
		o.registry = reg
		o.service = service
		o.advertiseAddr = advertiseAddr
	}
}

// WithAdvertisedTransport sets the Endpoint.Transport announced in the
// registry, registry.TransportTCP by default.
func WithAdvertisedTransport(transport string, weight int) Option {
	return func(o *options) {
		o.transport = transport
		o.weight = weight
	}
}
