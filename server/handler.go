package server

import (
	"context"

	"eventstream-rpc/message"
	"eventstream-rpc/transport"
)

// Handler implements one operation. For every stream the dispatcher opens for
// the operation, OnStreamStart receives the initial message, OnStreamMessage
// each later one (including the client's terminal message), and
// OnStreamClosed runs once when the stream is gone. All three run on the
// stream's own goroutine, one at a time.
//
// Returning an error ends the stream with an ApplicationError: a
// *message.ApplicationError is sent as is, anything else as InternalError.
// The handler ends the stream normally by sending a terminal message.
type Handler interface {
	OnStreamStart(ctx context.Context, s *transport.Stream, initial *message.Message) error
	OnStreamMessage(ctx context.Context, s *transport.Stream, m *message.Message) error
	OnStreamClosed(s *transport.Stream, err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Start   func(ctx context.Context, s *transport.Stream, initial *message.Message) error
	Message func(ctx context.Context, s *transport.Stream, m *message.Message) error
	Closed  func(s *transport.Stream, err error)
}

func (h HandlerFuncs) OnStreamStart(ctx context.Context, s *transport.Stream, initial *message.Message) error {
	if h.Start == nil {
		return nil
	}
	return h.Start(ctx, s, initial)
}

func (h HandlerFuncs) OnStreamMessage(ctx context.Context, s *transport.Stream, m *message.Message) error {
	if h.Message == nil {
		return nil
	}
	return h.Message(ctx, s, m)
}

func (h HandlerFuncs) OnStreamClosed(s *transport.Stream, err error) {
	if h.Closed != nil {
		h.Closed(s, err)
	}
}
