package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"eventstream-rpc/message"
)

// Stream is the correlation context of one RPC call on a Conn.
//
// Either side ends its direction with a terminal message. The responder's
// terminal ends the call: a server stream finishes when it sends its terminal
// message, a client stream when it receives the server's and answers with its
// own terminal message if it has not sent one. A client that sends its own
// terminal message only half-closes and keeps receiving.
//
// A stream that finished before the peer's terminal arrived is half-closed:
// the peer's messages up to and including its terminal are dropped. Any
// message after the peer's terminal is a correlation fault.
type Stream struct {
	conn      *Conn
	id        int32
	operation string
	handler   StreamHandler
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps a terminal message from racing ahead of another send on the
	// same stream. Lock order: sendMu, then Conn.writeMu, then Conn.mu, then mu.
	sendMu sync.Mutex

	mu           sync.Mutex
	seqIn        uint64
	seqOut       uint64
	sentTerminal bool
	recvTerminal bool
	finished     bool
	err          error
}

func newStream(c *Conn, id int32, operation string, h StreamHandler) *Stream {
	ctx, cancel := context.WithCancel(c.streamCtx)
	return &Stream{
		conn:      c,
		id:        id,
		operation: operation,
		handler:   h,
		log:       c.log.With(zap.Int32("stream_id", id), zap.String("operation", operation)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Stream) ID() int32 { return s.id }

func (s *Stream) Operation() string { return s.operation }

func (s *Stream) Conn() *Conn { return s.conn }

func (s *Stream) Logger() *zap.Logger { return s.log }

// Context is cancelled when the stream finishes or the connection closes.
// On the server it carries whatever the Acceptor attached at handshake time.
func (s *Stream) Context() context.Context { return s.ctx }

// Seq returns the number of messages received and sent on the stream so far.
func (s *Stream) Seq() (in, out uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqIn, s.seqOut
}

// Err returns why the stream finished: nil after a normal terminal exchange,
// ErrStreamClosed after Cancel, an error wrapping ErrConnectionClosed when the
// connection went away.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finished reports whether the stream has left the connection's open set.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Send writes m on the stream. The stream id is filled in; m must be an
// ApplicationMessage or ApplicationError without an operation name.
// Sending after the stream sent its terminal message or finished returns
// ErrStreamClosed without touching the wire.
func (s *Stream) Send(m *message.Message) error {
	if m.Type != message.TypeApplicationMessage && m.Type != message.TypeApplicationError {
		return fmt.Errorf("%w: %s on a stream", message.ErrMalformedMessage, m.Type)
	}
	if m.Operation != "" {
		return fmt.Errorf("%w: operation on a continuation message", message.ErrMalformedMessage)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed := s.finished || s.sentTerminal
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}

	m.StreamID = s.id
	if err := s.conn.send(m, nil); err != nil {
		return err
	}

	terminal := m.Terminal()
	s.mu.Lock()
	s.seqOut++
	if terminal {
		s.sentTerminal = true
	}
	s.mu.Unlock()

	if terminal && s.conn.role == RoleServer {
		s.finish(nil)
	}
	return nil
}

// SendError sends e as the stream's terminal ApplicationError.
func (s *Stream) SendError(e *message.ApplicationError) error {
	m := e.Message(s.id)
	return s.Send(m)
}

// Close sends an empty terminal message unless the stream already sent one or
// has finished.
func (s *Stream) Close() error {
	s.mu.Lock()
	done := s.finished || s.sentTerminal
	s.mu.Unlock()
	if done {
		return nil
	}
	err := s.Send(&message.Message{Type: message.TypeApplicationMessage, Flags: message.FlagTerminal})
	if err == ErrStreamClosed {
		return nil
	}
	return err
}

// Cancel ends the stream locally without waiting for the peer: it sends the
// terminal message if none was sent yet and finishes with ErrStreamClosed.
func (s *Stream) Cancel() error {
	err := s.Close()
	s.finish(ErrStreamClosed)
	return err
}

// closeSend answers the peer's terminal message with an empty one so the peer
// can forget the stream.
func (s *Stream) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.sentTerminal {
		s.mu.Unlock()
		return
	}
	s.sentTerminal = true
	s.mu.Unlock()

	m := &message.Message{Type: message.TypeApplicationMessage, StreamID: s.id, Flags: message.FlagTerminal}
	if err := s.conn.send(m, nil); err != nil {
		s.log.Debug("closing terminal not sent", zap.Error(err))
	}
}

// receive delivers an inbound message. It runs on the reader goroutine.
func (s *Stream) receive(m *message.Message) error {
	s.mu.Lock()
	if s.recvTerminal {
		s.mu.Unlock()
		return s.conn.correlationFault(fmt.Errorf("%w: stream %d", ErrMessageAfterTerminal, s.id))
	}
	terminal := m.Terminal()
	if terminal {
		s.recvTerminal = true
	}
	if s.finished || (s.sentTerminal && s.conn.role == RoleServer) {
		// Half-closed: the local side already ended the call.
		s.mu.Unlock()
		if terminal {
			s.conn.peerEnded(s.id)
		}
		s.log.Debug("dropped message on half-closed stream", zap.Bool("terminal", terminal))
		return nil
	}
	s.seqIn++
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h.OnMessage(s, m)
	}
	if terminal && s.conn.role == RoleClient {
		s.finish(nil)
		s.closeSend()
	}
	return nil
}

// finish removes the stream from the open set and notifies the handler. Only
// the first call has any effect.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	h := s.handler
	in, out := s.seqIn, s.seqOut
	s.mu.Unlock()

	s.cancel()
	s.conn.removeStream(s)
	s.conn.opts.metrics.StreamClosed(s.conn.role.String())
	s.log.Debug("stream finished", zap.Uint64("seq_in", in), zap.Uint64("seq_out", out), zap.Error(err))
	if h != nil {
		h.OnClosed(s, err)
	}
}
