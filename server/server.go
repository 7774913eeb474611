// Package server serves event-stream RPC connections: it accepts transport
// channels, runs the handshake, and dispatches every client stream to the
// Handler registered for its operation.
//
// Connection pipeline:
//
//	Accept conn → transport.Conn.Serve (single reader goroutine per connection)
//	  → Dispatcher.Accept (version check done by transport, then authn/authz)
//	  → for each new stream: Dispatcher.NewStream → worker goroutine
//	    → middleware chain → Handler
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/message"
	"eventstream-rpc/middleware"
	"eventstream-rpc/registry"
	"eventstream-rpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

// registryTTL is the lease a server's registry entry lives on; it is renewed
// in the background while the server runs.
const registryTTL = 10 * time.Second

type Server struct {
	opts options
	log  *zap.Logger
	d    *Dispatcher

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*transport.Conn]struct{}
	announced bool
	connWG    sync.WaitGroup
	shutdown  atomic.Bool
}

func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		opts:      o,
		log:       o.logger,
		d:         newDispatcher(o),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*transport.Conn]struct{}),
	}
}

// Register binds h to operation.
func (svr *Server) Register(operation string, h Handler) error {
	return svr.d.Register(operation, h)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.d.Use(mw)
}

// Dispatcher returns the server's Dispatcher.
func (svr *Server) Dispatcher() *Dispatcher { return svr.d }

// ListenAndServe listens on the TCP address and calls Serve.
func (svr *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// Serve accepts connections on l until Shutdown, announcing the server in the
// registry first when one is configured. It returns ErrServerClosed after
// Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	if svr.shutdown.Load() {
		l.Close()
		return ErrServerClosed
	}
	svr.mu.Lock()
	svr.listeners[l] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.listeners, l)
		svr.mu.Unlock()
	}()

	if err := svr.announce(); err != nil {
		l.Close()
		return err
	}
	svr.log.Info("serving", zap.String("addr", l.Addr().String()))

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				svr.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go svr.ServeConn(conn)
	}
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// ServeConn serves one already-established channel until it closes.
func (svr *Server) ServeConn(rwc io.ReadWriteCloser) error {
	opts := append([]transport.Option{
		transport.WithLogger(svr.log),
		transport.WithMetrics(svr.opts.metrics),
	}, svr.opts.connOpts...)
	c := transport.NewConn(rwc, transport.RoleServer, opts...)

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		rwc.Close()
		return ErrServerClosed
	}
	svr.conns[c] = struct{}{}
	svr.connWG.Add(1)
	svr.mu.Unlock()

	defer func() {
		svr.mu.Lock()
		delete(svr.conns, c)
		svr.mu.Unlock()
		svr.connWG.Done()
	}()

	err := c.Serve(svr.d)
	if err != nil && !errors.Is(err, transport.ErrHandshakeRejected) {
		c.Logger().Warn("connection ended", zap.Error(err), zap.Stringer("state", c.State()))
	}
	return err
}

func (svr *Server) announce() error {
	if svr.opts.registry == nil {
		return nil
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.announced {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep := registry.Endpoint{
		Addr:      svr.opts.advertiseAddr,
		Transport: svr.opts.transport,
		Weight:    svr.opts.weight,
		Version:   message.ProtocolVersion,
	}
	if err := svr.opts.registry.Register(ctx, svr.opts.service, ep, registryTTL); err != nil {
		return err
	}
	svr.announced = true
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry, so clients stop picking this server
//  2. Close the listeners
//  3. Close each connection as soon as it has no open streams
//  4. Wait for connections and stream workers to finish
//
// When ctx expires first, the remaining connections are closed, which fails
// their open streams, and ctx's error is returned.
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mu.Lock()
	svr.shutdown.Store(true)
	announced := svr.announced
	svr.announced = false
	for l := range svr.listeners {
		l.Close()
	}
	svr.mu.Unlock()

	if announced {
		if err := svr.opts.registry.Deregister(ctx, svr.opts.service, svr.opts.advertiseAddr); err != nil {
			svr.log.Warn("deregister failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		svr.connWG.Wait()
		svr.d.Wait()
		close(done)
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		svr.closeIdle()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			svr.closeAll()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (svr *Server) closeIdle() {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for c := range svr.conns {
		if c.OpenStreams() == 0 {
			c.Close()
		}
	}
}

func (svr *Server) closeAll() {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	for c := range svr.conns {
		c.Close()
	}
}
