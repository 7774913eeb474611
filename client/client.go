// Package client is the calling side of event-stream RPC: it connects to a
// server, opens one stream per call, and hands back a Continuation for the
// rest of the exchange.
package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eventstream-rpc/loadbalance"
	"eventstream-rpc/message"
	"eventstream-rpc/protocol"
	"eventstream-rpc/registry"
	"eventstream-rpc/transport"
)

// Client owns one connection. Calls are multiplexed over it as streams, so a
// single Client serves any number of concurrent calls.
type Client struct {
	conn *transport.Conn
	opts options
	log  *zap.Logger

	keepAliveDone chan struct{}
}

// NewClient runs the handshake over rwc. On failure rwc is closed.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	connOpts := append([]transport.Option{
		transport.WithLogger(o.logger),
		transport.WithMetrics(o.metrics),
	}, o.connOpts...)
	conn := transport.NewConn(rwc, transport.RoleClient, connOpts...)
	if err := conn.Connect(ctx, o.headers, o.payload); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{conn: conn, opts: o, log: conn.Logger()}
	if o.keepAlive > 0 {
		c.keepAliveDone = make(chan struct{})
		go c.keepAliveLoop(o.keepAlive, o.deadAfter)
	}
	return c, nil
}

// Dial connects over TCP.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, nc, opts...)
}

// DialWebSocket connects to a server's WebSocket endpoint, e.g. "ws://host:8081/ws".
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, transport.NewWebSocketChannel(ws), opts...)
}

// DialService looks service up in reg, lets bal pick one endpoint, and dials
// it over the transport the endpoint announced.
func DialService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) (*Client, error) {
	eps, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	ep, err := bal.Pick(ctx, eps)
	if err != nil {
		return nil, err
	}
	if ep.Transport == registry.TransportWebSocket {
		return DialWebSocket(ctx, ep.Addr, opts...)
	}
	return Dial(ctx, ep.Addr, opts...)
}

func (c *Client) Conn() *transport.Conn { return c.conn }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Close closes the connection, failing every open call with a connection-closed error.
func (c *Client) Close() error {
	err := c.conn.Close()
	if c.keepAliveDone != nil {
		<-c.keepAliveDone
	}
	return err
}

// Ping measures a round trip to the server.
func (c *Client) Ping(ctx context.Context, payload []byte) (time.Duration, error) {
	return c.conn.Ping(ctx, payload)
}

// Invoke opens a stream for operation with the given initial headers and
// payload. The returned Continuation resolves with the server's first message.
func (c *Client) Invoke(operation string, headers protocol.Headers, payload []byte, opts ...CallOption) (*Continuation, error) {
	m := &message.Message{
		Type:        message.TypeApplicationMessage,
		Operation:   operation,
		ContentType: c.opts.contentType,
		Headers:     headers,
		Payload:     payload,
	}
	for _, opt := range opts {
		opt(m)
	}

	cont := newContinuation(c.opts.contentType)
	s, err := c.conn.OpenStream(m, cont)
	if err != nil {
		return nil, err
	}
	cont.mu.Lock()
	cont.stream = s
	cont.mu.Unlock()
	return cont, nil
}

// keepAliveLoop sends a Ping every interval. Pings keep idle intermediaries
// from dropping the connection; a server that stops answering for deadAfter
// is considered gone and the connection is closed.
func (c *Client) keepAliveLoop(interval, deadAfter time.Duration) {
	defer close(c.keepAliveDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.conn.Done():
			return
		case <-ticker.C:
		}

		if idle := c.conn.IdleFor(); idle > deadAfter {
			c.log.Warn("server unresponsive, closing", zap.Duration("idle", idle))
			c.conn.Close()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		rtt, err := c.conn.Ping(ctx, nil)
		cancel()
		if err != nil {
			c.log.Debug("keep-alive ping failed", zap.Error(err))
			continue
		}
		c.log.Debug("keep-alive", zap.Duration("rtt", rtt))
	}
}
