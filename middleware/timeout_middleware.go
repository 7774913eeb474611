package middleware

import (
	"context"
	"time"

	"eventstream-rpc/message"
)

const CodeTimeout = "Timeout"

// TimeOutMiddleware fails a message whose handler does not return within
// timeout. The handler keeps running with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, msg)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return message.NewApplicationError(CodeTimeout, "request timed out")
			}
		}
	}
}
