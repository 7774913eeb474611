package client

import (
	"context"
	"errors"
	"sync"

	"eventstream-rpc/message"
	"eventstream-rpc/protocol"
	"eventstream-rpc/transport"
)

// Continuation is the client's handle on one call.
//
// The server's first message settles Response: an ApplicationMessage resolves
// it, an ApplicationError rejects it with a *message.ApplicationError. Every
// later message is delivered in order on Messages, which is closed once the
// stream has finished. A caller that stops reading Messages early must call
// Cancel.
type Continuation struct {
	contentType string

	mu       sync.Mutex
	stream   *transport.Stream
	settled  bool
	resp     *message.Message
	respErr  error
	queue    []*message.Message
	finished bool
	err      error

	first   chan struct{}
	done    chan struct{}
	signal  chan struct{}
	out     chan *message.Message
	abandon chan struct{}
	once    sync.Once
}

func newContinuation(contentType string) *Continuation {
	c := &Continuation{
		contentType: contentType,
		first:       make(chan struct{}),
		done:        make(chan struct{}),
		signal:      make(chan struct{}, 1),
		out:         make(chan *message.Message),
		abandon:     make(chan struct{}),
	}
	go c.pump()
	return c
}

// StreamID returns the stream the call runs on.
func (c *Continuation) StreamID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return 0
	}
	return c.stream.ID()
}

// Response waits for the server's first message.
func (c *Continuation) Response(ctx context.Context) (*message.Message, error) {
	select {
	case <-c.first:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.resp, c.respErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages delivers the server's messages after the first one.
func (c *Continuation) Messages() <-chan *message.Message { return c.out }

// Done is closed when the stream has finished.
func (c *Continuation) Done() <-chan struct{} { return c.done }

// Err returns why the stream finished: nil after the server's terminal
// message, a *message.ApplicationError if that terminal message was an
// error, or the connection error.
func (c *Continuation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send sends a continuation message with the client's content type.
func (c *Continuation) Send(headers protocol.Headers, payload []byte) error {
	return c.SendMessage(&message.Message{
		Type:        message.TypeApplicationMessage,
		ContentType: c.contentType,
		Headers:     headers,
		Payload:     payload,
	})
}

// SendMessage sends m on the call's stream. It fails with
// transport.ErrStreamClosed after Close or once the server has ended the call.
func (c *Continuation) SendMessage(m *message.Message) error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return transport.ErrStreamClosed
	}
	return s.Send(m)
}

// Close ends the client's side of the call with an empty terminal message.
// The server may keep sending until it ends its side.
func (c *Continuation) Close() error {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

// Cancel abandons the call: it sends the client's terminal message if Close
// has not, finishes the stream with transport.ErrStreamClosed and stops
// delivery on Messages. A pending Response fails with the same error.
func (c *Continuation) Cancel() {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		_ = s.Cancel()
	}
	c.once.Do(func() { close(c.abandon) })
}

// OnMessage implements transport.StreamHandler.
func (c *Continuation) OnMessage(s *transport.Stream, m *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		c.stream = s
	}
	if m.Type == message.TypeApplicationError && m.Terminal() {
		c.err = message.ErrorFromMessage(m)
	}
	if !c.settled {
		c.settled = true
		if m.Type == message.TypeApplicationError {
			c.respErr = message.ErrorFromMessage(m)
		} else {
			c.resp = m
		}
		close(c.first)
		return
	}
	c.queue = append(c.queue, m)
	c.wake()
}

// OnClosed implements transport.StreamHandler.
func (c *Continuation) OnClosed(s *transport.Stream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		c.stream = s
	}
	if err != nil {
		c.err = err
	}
	if !c.settled {
		c.settled = true
		c.respErr = err
		if err == nil {
			c.respErr = transport.ErrStreamClosed
		}
		close(c.first)
	}
	c.finished = true
	close(c.done)
	c.wake()
}

func (c *Continuation) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// pump moves queued messages to Messages, so the connection's reader never
// waits on the application.
func (c *Continuation) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			finished := c.finished
			c.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-c.signal:
			case <-c.abandon:
				return
			}
			continue
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		select {
		case c.out <- m:
		case <-c.abandon:
			return
		}
	}
}

// IsApplicationError reports whether err is a server-sent ApplicationError.
func IsApplicationError(err error) (*message.ApplicationError, bool) {
	var ae *message.ApplicationError
	ok := errors.As(err, &ae)
	return ae, ok
}
