// Package transport implements the event-stream connection: the handshake and
// keep-alive state machine, and the stream multiplexer that correlates frames
// belonging to one RPC call.
//
// A Conn owns one duplex byte channel. A single reader goroutine decodes frames
// and processes them one at a time; writes from any goroutine are serialized by
// a per-connection writer lock so frames never interleave on the wire.
//
//	stream-1 ──Send──┐
//	stream-2 ──Send──┼──writeMu──→ channel ──→ peer
//	Ping     ────────┘
//
//	readLoop: ←── frame(stream-id=2) → streams[2] → StreamHandler.OnMessage
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/message"
	"eventstream-rpc/protocol"
)

// Role says which side of the handshake a Conn plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is a connection lifecycle phase.
type State int32

const (
	StateAwaitingConnect State = iota
	StateAwaitingConnectAck
	StateConnected
	StateClosing
	StateClosed
	StateFault
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "AwaitingConnect"
	case StateAwaitingConnectAck:
		return "AwaitingConnectAck"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFault:
		return "Fault"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StreamHandler receives the inbound side of one stream.
//
// OnMessage is called from the connection's reader goroutine in wire order; a
// handler that blocks stalls every stream on the connection. OnClosed is called
// exactly once, from whichever goroutine finished the stream, and must not block.
type StreamHandler interface {
	OnMessage(s *Stream, m *message.Message)
	OnClosed(s *Stream, err error)
}

// Acceptor is the server side of a connection.
type Acceptor interface {
	// Accept validates a Connect message. A non-nil error rejects the
	// connection; an *message.ApplicationError controls the ConnectAck payload.
	// The returned context becomes the parent of every stream context and must
	// derive from ctx.
	Accept(ctx context.Context, c *Conn, connect *message.Message) (context.Context, error)
	// NewStream returns the handler for a stream opened by the peer. The first
	// message is delivered to it through OnMessage right after.
	NewStream(s *Stream, first *message.Message) StreamHandler
}

var connSeq atomic.Uint64

// Conn is one event-stream connection over a duplex channel.
type Conn struct {
	id   uint64
	role Role
	rwc  io.ReadWriteCloser
	opts options
	log  *zap.Logger

	acceptor Acceptor
	started  atomic.Bool

	// writeMu serializes frame writes, and with them outbound stream id
	// allocation and ping registration.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	err        error
	streams    map[int32]*Stream
	halfClosed map[int32]struct{}
	nextID     int32
	lastPeerID int32
	pings      []*pendingPing
	faults     int
	streamCtx  context.Context

	ctx          context.Context
	cancel       context.CancelFunc
	lastActivity atomic.Int64
	connected    chan struct{}
	done         chan struct{}
}

type pendingPing struct {
	ch chan []byte
}

// NewConn wraps rwc. Nothing is read or written until Connect (client) or
// Serve (server) is called.
func NewConn(rwc io.ReadWriteCloser, role Role, opts ...Option) *Conn {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         connSeq.Add(1),
		role:       role,
		rwc:        rwc,
		opts:       o,
		streams:    make(map[int32]*Stream),
		halfClosed: make(map[int32]struct{}),
		streamCtx:  ctx,
		ctx:        ctx,
		cancel:     cancel,
		connected:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.state = StateAwaitingConnectAck
	if role == RoleServer {
		c.state = StateAwaitingConnect
	}
	fields := []zap.Field{zap.Uint64("conn_id", c.id), zap.Stringer("role", role)}
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		fields = append(fields, zap.String("remote", nc.RemoteAddr().String()))
	}
	c.log = o.logger.With(fields...)
	c.touch()
	return c
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) Role() Role { return c.role }

// Logger returns the connection logger, carrying conn_id and role fields.
func (c *Conn) Logger() *zap.Logger { return c.log }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the reason the connection shut down, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has reached Closed or Fault.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Connected is closed when the handshake completes successfully.
func (c *Conn) Connected() <-chan struct{} { return c.connected }

// LastActivity returns when the last frame was received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// IdleFor returns the time since the last frame was received.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(c.LastActivity())
}

// OpenStreams returns the number of streams currently open.
func (c *Conn) OpenStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// Connect performs the client handshake: it sends Connect with the given
// headers and payload, starts the reader, and waits for the ConnectAck.
// A rejection is returned as a *HandshakeError and closes the connection.
func (c *Conn) Connect(ctx context.Context, headers protocol.Headers, payload []byte) error {
	if c.role != RoleClient {
		return fmt.Errorf("%w: Connect on a server connection", ErrProtocolViolation)
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: Connect called twice", ErrProtocolViolation)
	}
	c.opts.metrics.ConnOpened(c.role.String())
	go c.readLoop()

	connect := &message.Message{
		Type:    message.TypeConnect,
		Version: message.ProtocolVersion,
		Headers: headers,
		Payload: payload,
	}
	if err := c.send(connect, nil); err != nil {
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, err), StateClosed, nil)
		return err
	}

	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, ctx.Err()), StateClosed, nil)
		return ctx.Err()
	}
}

// Serve runs the server side of the connection on the calling goroutine until
// it shuts down. It returns nil when the peer hung up with no open streams or
// the connection was closed locally.
func (c *Conn) Serve(a Acceptor) error {
	if c.role != RoleServer {
		return fmt.Errorf("%w: Serve on a client connection", ErrProtocolViolation)
	}
	if a == nil {
		return errors.New("transport: nil acceptor")
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: Serve called twice", ErrProtocolViolation)
	}
	c.acceptor = a
	c.opts.metrics.ConnOpened(c.role.String())
	c.readLoop()

	err := c.Err()
	if err == ErrConnectionClosed || err == errPeerHungUp {
		return nil
	}
	return err
}

// Close shuts the connection down, failing every open stream with ErrConnectionClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionClosed, StateClosed, nil)
	return nil
}

// OpenStream allocates a new stream id, registers h for it and sends m as the
// stream's first message, all while holding the writer lock, so ids appear on
// the wire in increasing order and a response can never beat the registration.
// m must carry an operation name; its StreamID is overwritten.
func (c *Conn) OpenStream(m *message.Message, h StreamHandler) (*Stream, error) {
	if c.role != RoleClient {
		return nil, fmt.Errorf("%w: server-initiated streams are not supported", ErrProtocolViolation)
	}
	if m.Operation == "" {
		return nil, ErrMissingOperation
	}
	if m.Type != message.TypeApplicationMessage {
		return nil, fmt.Errorf("%w: stream cannot start with %s", message.ErrMalformedMessage, m.Type)
	}

	var s *Stream
	err := c.send(m, func() error {
		if c.nextID == math.MaxInt32 {
			return ErrStreamIDsExhausted
		}
		c.nextID++
		s = newStream(c, c.nextID, m.Operation, h)
		s.seqOut = 1
		s.sentTerminal = m.Terminal()
		m.StreamID = s.id
		c.streams[s.id] = s
		c.opts.metrics.StreamOpened(c.role.String())
		return nil
	})
	if err != nil {
		if s != nil {
			// The id stays burned; h still sees exactly one OnClosed.
			s.finish(err)
		}
		return nil, err
	}
	s.log.Debug("stream opened")
	return s, nil
}

// Ping sends a Ping carrying payload and waits for the matching PingResponse.
// It returns the round-trip time.
func (c *Conn) Ping(ctx context.Context, payload []byte) (time.Duration, error) {
	p := &pendingPing{ch: make(chan []byte, 1)}
	start := time.Now()
	err := c.send(&message.Message{Type: message.TypePing, Payload: payload}, func() error {
		c.pings = append(c.pings, p)
		return nil
	})
	if err != nil {
		c.mu.Lock()
		if n := len(c.pings); n > 0 && c.pings[n-1] == p {
			c.pings = c.pings[:n-1]
		}
		c.mu.Unlock()
		return 0, err
	}

	select {
	case got := <-p.ch:
		if !bytes.Equal(got, payload) {
			return 0, fmt.Errorf("%w: PingResponse payload does not match Ping", ErrProtocolViolation)
		}
		return time.Since(start), nil
	case <-c.done:
		return 0, c.closedErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var errPeerHungUp = fmt.Errorf("%w: peer closed the channel", ErrConnectionClosed)

// readLoop is the only reader of the channel. It processes one decoded frame
// at a time until the connection shuts down.
func (c *Conn) readLoop() {
	r := protocol.NewReader(c.rwc, c.opts.limits)
	var consumed int64
	for {
		f, err := r.ReadFrame()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.touch()
		n := r.Consumed() - consumed
		consumed = r.Consumed()

		m, err := message.FromFrame(f)
		if err != nil {
			c.fault(err)
			return
		}
		c.opts.metrics.FrameIn(m.Type.String(), int(n))
		if ce := c.log.Check(zap.DebugLevel, "frame received"); ce != nil {
			ce.Write(zap.Stringer("type", m.Type), zap.Int32("stream_id", m.StreamID), zap.Int("payload", len(m.Payload)))
		}

		if err := c.handle(m); err != nil {
			c.fault(err)
			return
		}
		if c.State() >= StateClosing {
			return
		}
	}
}

func (c *Conn) readFailed(err error) {
	if c.State() >= StateClosing {
		return
	}
	switch {
	case errors.Is(err, protocol.ErrCorruptFrame):
		c.fault(err)
	case err == io.EOF:
		if n := c.OpenStreams(); n > 0 {
			c.shutdown(fmt.Errorf("%w: channel closed with %d open streams", ErrConnectionClosed, n), StateClosed, nil)
			return
		}
		c.shutdown(errPeerHungUp, StateClosed, nil)
	default:
		c.opts.metrics.Fault("transport")
		c.shutdown(fmt.Errorf("%w: read: %w", ErrConnectionClosed, err), StateClosed, nil)
	}
}

// handle applies one inbound message to the state machine. A returned error is
// fatal to the connection.
func (c *Conn) handle(m *message.Message) error {
	switch c.State() {
	case StateAwaitingConnect:
		if m.Type != message.TypeConnect || m.StreamID != 0 {
			return fmt.Errorf("%w: expected Connect, got %s on stream %d", ErrProtocolViolation, m.Type, m.StreamID)
		}
		return c.handleConnect(m)
	case StateAwaitingConnectAck:
		if m.Type != message.TypeConnectAck || m.StreamID != 0 {
			return fmt.Errorf("%w: expected ConnectAck, got %s on stream %d", ErrProtocolViolation, m.Type, m.StreamID)
		}
		return c.handleConnectAck(m)
	case StateConnected:
	default:
		// Closing: further receives are discarded.
		return nil
	}

	if m.Type == message.TypeApplicationMessage || m.Type == message.TypeApplicationError {
		if m.StreamID == 0 {
			return fmt.Errorf("%w: %s on stream 0", ErrProtocolViolation, m.Type)
		}
		return c.route(m)
	}
	if m.StreamID != 0 {
		return fmt.Errorf("%w: %s on stream %d", ErrProtocolViolation, m.Type, m.StreamID)
	}
	switch m.Type {
	case message.TypePing:
		// A failed write shuts the connection down by itself.
		_ = c.send(&message.Message{Type: message.TypePingResponse, Payload: m.Payload}, nil)
		return nil
	case message.TypePingResponse:
		c.handlePingResponse(m)
		return nil
	case message.TypeProtocolError:
		return fmt.Errorf("%w: %s", ErrPeerProtocolError, describePayload(m))
	default:
		return fmt.Errorf("%w: %s after handshake", ErrProtocolViolation, m.Type)
	}
}

func (c *Conn) handleConnect(m *message.Message) error {
	ctx := c.ctx
	var rejectErr error
	if m.Version != message.ProtocolVersion {
		rejectErr = message.NewApplicationError(message.CodeUnsupportedVersion,
			fmt.Sprintf("unsupported protocol version %q, want %q", m.Version, message.ProtocolVersion))
	} else {
		ctx, rejectErr = c.acceptor.Accept(c.ctx, c, m)
	}
	if rejectErr != nil {
		c.reject(rejectErr)
		return nil
	}
	if ctx == nil {
		ctx = c.ctx
	}

	ack := &message.Message{Type: message.TypeConnectAck, Flags: message.FlagConnectionAccepted}
	if err := c.send(ack, nil); err != nil {
		return nil
	}
	c.mu.Lock()
	if c.state == StateAwaitingConnect {
		c.state = StateConnected
		c.streamCtx = ctx
	}
	c.mu.Unlock()
	close(c.connected)
	c.log.Debug("connection accepted", zap.String("version", m.Version))
	return nil
}

// reject sends a ConnectAck without the accepted flag, half-closes the channel
// so the ack is flushed ahead of the close, waits briefly for the peer to hang
// up, and closes.
func (c *Conn) reject(cause error) {
	var ae *message.ApplicationError
	if !errors.As(cause, &ae) {
		ae = message.NewApplicationError(message.CodeAccessDenied, cause.Error())
	}
	c.log.Info("rejecting connection", zap.Error(cause))

	ack := &message.Message{
		Type:             message.TypeConnectAck,
		ContentType:      ae.ContentType,
		ServiceModelType: ae.ServiceModelType,
		Payload:          ae.Payload,
	}
	if err := c.send(ack, nil); err == nil {
		c.linger()
	}
	c.shutdown(fmt.Errorf("%w: %v", ErrHandshakeRejected, cause), StateClosed, nil)
}

func (c *Conn) linger() {
	if cw, ok := c.rwc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	rd, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error })
	if !ok || c.opts.rejectLinger <= 0 {
		return
	}
	if rd.SetReadDeadline(time.Now().Add(c.opts.rejectLinger)) == nil {
		_, _ = io.Copy(io.Discard, c.rwc)
	}
}

func (c *Conn) handleConnectAck(m *message.Message) error {
	if !m.Flags.Has(message.FlagConnectionAccepted) {
		c.shutdown(&HandshakeError{ContentType: m.ContentType, Payload: m.Payload}, StateClosed, nil)
		return nil
	}
	c.mu.Lock()
	if c.state == StateAwaitingConnectAck {
		c.state = StateConnected
	}
	c.mu.Unlock()
	close(c.connected)
	c.log.Debug("connection established")
	return nil
}

func (c *Conn) handlePingResponse(m *message.Message) {
	c.mu.Lock()
	if len(c.pings) == 0 {
		c.mu.Unlock()
		c.log.Debug("unsolicited PingResponse")
		return
	}
	p := c.pings[0]
	c.pings = c.pings[1:]
	c.mu.Unlock()
	p.ch <- m.Payload
}

// route is the stream multiplexer's inbound path.
func (c *Conn) route(m *message.Message) error {
	c.mu.Lock()
	s, ok := c.streams[m.StreamID]
	if ok {
		c.mu.Unlock()
		return s.receive(m)
	}
	if _, half := c.halfClosed[m.StreamID]; half && m.Operation == "" {
		if m.Terminal() {
			delete(c.halfClosed, m.StreamID)
		}
		c.mu.Unlock()
		c.log.Debug("dropped message on half-closed stream",
			zap.Int32("stream_id", m.StreamID), zap.Stringer("type", m.Type), zap.Bool("terminal", m.Terminal()))
		return nil
	}

	if c.role == RoleClient || m.Operation == "" {
		c.mu.Unlock()
		return c.correlationFault(fmt.Errorf("%w: stream %d", ErrUnknownStream, m.StreamID))
	}
	if m.StreamID <= c.lastPeerID {
		last := c.lastPeerID
		c.mu.Unlock()
		return c.correlationFault(fmt.Errorf("%w: stream %d, last opened %d", ErrStreamIDReused, m.StreamID, last))
	}
	if m.Type != message.TypeApplicationMessage {
		c.mu.Unlock()
		return fmt.Errorf("%w: stream %d opened with %s", ErrProtocolViolation, m.StreamID, m.Type)
	}
	c.lastPeerID = m.StreamID
	c.mu.Unlock()

	s = newStream(c, m.StreamID, m.Operation, nil)
	c.opts.metrics.StreamOpened(c.role.String())
	s.handler = c.acceptor.NewStream(s, m)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		s.finish(c.closedErr())
		return nil
	}
	c.streams[s.id] = s
	c.mu.Unlock()
	s.log.Debug("stream opened")
	return s.receive(m)
}

// correlationFault reports err and returns it when the tolerance is exhausted.
func (c *Conn) correlationFault(err error) error {
	c.mu.Lock()
	c.faults++
	n := c.faults
	c.mu.Unlock()

	c.opts.metrics.Fault("correlation")
	c.log.Warn("correlation fault", zap.Error(err), zap.Int("count", n))
	if c.opts.faultHandler != nil {
		c.opts.faultHandler(err)
	}
	if n > c.opts.maxCorrelationFaults {
		return err
	}
	return nil
}

// removeStream takes s out of the open set. A stream that ended its side
// before the peer did stays half-closed until the peer's terminal message:
// whatever the peer sent in the meantime is dropped.
func (c *Conn) removeStream(s *Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[s.id] != s {
		return
	}
	delete(c.streams, s.id)

	s.mu.Lock()
	half := s.sentTerminal && !s.recvTerminal
	s.mu.Unlock()
	if half && c.state == StateConnected {
		c.halfClosed[s.id] = struct{}{}
	}
}

// peerEnded forgets a half-closed stream once the peer's terminal reached it.
func (c *Conn) peerEnded(id int32) {
	c.mu.Lock()
	delete(c.halfClosed, id)
	c.mu.Unlock()
}

// HalfClosed returns the number of streams waiting for the peer's terminal
// message after the local side ended them.
func (c *Conn) HalfClosed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.halfClosed)
}

// send encodes and writes m under the writer lock. prepare, when non-nil, runs
// after the state check with c.mu held, so whatever it registers is ordered
// with the write and can not outlive a concurrent shutdown.
func (c *Conn) send(m *message.Message, prepare func() error) error {
	c.writeMu.Lock()

	c.mu.Lock()
	err := c.canSendLocked(m.Type)
	if err == nil && prepare != nil {
		err = prepare()
	}
	c.mu.Unlock()
	if err != nil {
		c.writeMu.Unlock()
		return err
	}

	buf, err := encode(m, c.opts.limits)
	if err != nil {
		c.writeMu.Unlock()
		return err
	}
	werr := c.writeLocked(buf)
	c.writeMu.Unlock()

	if werr != nil {
		c.opts.metrics.Fault("transport")
		cause := fmt.Errorf("%w: write: %w", ErrConnectionClosed, werr)
		c.shutdown(cause, StateClosed, nil)
		return cause
	}
	c.opts.metrics.FrameOut(m.Type.String(), len(buf))
	return nil
}

func encode(m *message.Message, limits protocol.Limits) ([]byte, error) {
	f, err := m.ToFrame()
	if err != nil {
		return nil, err
	}
	return protocol.Encode(f, limits)
}

func (c *Conn) canSendLocked(t message.Type) error {
	switch c.state {
	case StateConnected:
		if t == message.TypeConnect || t == message.TypeConnectAck {
			return fmt.Errorf("%w: %s after handshake", ErrProtocolViolation, t)
		}
		return nil
	case StateAwaitingConnectAck:
		if t == message.TypeConnect {
			return nil
		}
		return ErrNotConnected
	case StateAwaitingConnect:
		if t == message.TypeConnectAck {
			return nil
		}
		return ErrNotConnected
	default:
		return c.closedErrLocked()
	}
}

func (c *Conn) writeLocked(buf []byte) error {
	if c.opts.writeTimeout > 0 {
		if wd, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = wd.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
		}
	}
	_, err := c.rwc.Write(buf)
	return err
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedErrLocked()
}

func (c *Conn) closedErrLocked() error {
	if c.err == nil || errors.Is(c.err, ErrConnectionClosed) {
		if c.err == nil {
			return ErrConnectionClosed
		}
		return c.err
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, c.err)
}

// fault shuts the connection down after a decode or protocol-sequence fault.
// The peer is told why with a best-effort ProtocolError message, unless the
// fault is the peer's own ProtocolError.
func (c *Conn) fault(err error) {
	kind := faultKind(err)
	if kind != "correlation" {
		c.opts.metrics.Fault(kind)
	}
	c.log.Warn("connection fault", zap.String("kind", kind), zap.Error(err))

	var notify *message.Message
	if kind != "peer" {
		ae := message.NewApplicationError(message.CodeProtocol, err.Error())
		notify = &message.Message{
			Type:        message.TypeProtocolError,
			ContentType: ae.ContentType,
			Payload:     ae.Payload,
		}
	}
	c.shutdown(err, StateFault, notify)
}

func faultKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrCorruptFrame), errors.Is(err, message.ErrMalformedMessage):
		return "decode"
	case errors.Is(err, ErrPeerProtocolError):
		return "peer"
	case isCorrelationFault(err):
		return "correlation"
	default:
		return "sequence"
	}
}

// shutdown moves the connection to Closing, fails every open stream, flushes
// notify if the writer is free, closes the channel and settles in final.
// Only the first call has any effect.
func (c *Conn) shutdown(cause error, final State, notify *message.Message) {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.err = cause
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[int32]*Stream)
	c.halfClosed = make(map[int32]struct{})
	c.pings = nil
	streamErr := c.closedErrLocked()
	c.mu.Unlock()

	c.cancel()
	for _, s := range streams {
		s.finish(streamErr)
	}
	if notify != nil {
		c.flush(notify)
	}
	_ = c.rwc.Close()

	if c.started.Load() {
		c.opts.metrics.ConnClosed(c.role.String(), final.String())
	}
	c.log.Debug("connection closed", zap.Stringer("state", final), zap.Int("open_streams", len(streams)), zap.Error(cause))

	c.mu.Lock()
	c.state = final
	c.mu.Unlock()
	close(c.done)
}

// flush writes m only if no other write is in progress.
func (c *Conn) flush(m *message.Message) {
	if !c.writeMu.TryLock() {
		return
	}
	defer c.writeMu.Unlock()
	buf, err := encode(m, c.opts.limits)
	if err != nil {
		return
	}
	if c.writeLocked(buf) == nil {
		c.opts.metrics.FrameOut(m.Type.String(), len(buf))
	}
}

func describePayload(m *message.Message) string {
	ae := message.ApplicationError{ContentType: m.ContentType, Payload: m.Payload}
	if b, ok := ae.Body(); ok {
		return b.Message
	}
	return fmt.Sprintf("%d byte payload", len(m.Payload))
}
