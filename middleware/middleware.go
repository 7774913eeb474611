// Package middleware wraps the server dispatcher's per-message handling.
//
// Every message delivered to an operation handler (the initial one and each
// continuation) passes through the chain. An error returned by the chain is
// sent back to the client as the stream's terminal ApplicationError.
package middleware

import (
	"context"

	"eventstream-rpc/message"
)

type HandlerFunc func(ctx context.Context, msg *message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// CallInfo describes the message being handled.
type CallInfo struct {
	ConnID    uint64
	StreamID  int32
	Operation string
	// Seq counts messages received on the stream, starting at 1 for the initial one.
	Seq uint64
}

func (c CallInfo) Initial() bool { return c.Seq == 1 }

type callInfoKey struct{}

func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the CallInfo the dispatcher attached to ctx.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
