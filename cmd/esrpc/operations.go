package main

import (
	"context"
	"time"

	"eventstream-rpc/message"
	"eventstream-rpc/server"
	"eventstream-rpc/transport"
)

// echo returns every message it receives with the same payload and content
// type, and ends the stream when the client ends its side.
func echo() server.Handler {
	reply := func(_ context.Context, s *transport.Stream, m *message.Message) error {
		return s.Send(&message.Message{
			Type:        message.TypeApplicationMessage,
			Flags:       m.Flags & message.FlagTerminal,
			ContentType: m.ContentType,
			Headers:     m.Headers,
			Payload:     m.Payload,
		})
	}
	return server.HandlerFuncs{Start: reply, Message: reply}
}

type AddRequest struct {
	A int64 `json:"a" cbor:"a"`
	B int64 `json:"b" cbor:"b"`
}

type AddResponse struct {
	Sum int64 `json:"sum" cbor:"sum"`
}

type TimeResponse struct {
	Now time.Time `json:"now" cbor:"now"`
}

func registerOperations(r server.Registrar) error {
	if err := r.Register("Echo", echo()); err != nil {
		return err
	}
	if err := server.HandleUnary(r, "Add", nil, func(_ context.Context, req AddRequest) (AddResponse, error) {
		return AddResponse{Sum: req.A + req.B}, nil
	}); err != nil {
		return err
	}
	return server.HandleUnary(r, "Time", nil, func(context.Context, struct{}) (TimeResponse, error) {
		return TimeResponse{Now: time.Now().UTC()}, nil
	})
}
