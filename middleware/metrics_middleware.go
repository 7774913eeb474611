package middleware

import (
	"context"
	"time"

	"eventstream-rpc/message"
	"eventstream-rpc/metrics"
)

// MetricsMiddleware records a count and duration per handled message.
func MetricsMiddleware(c *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) error {
			start := time.Now()
			err := next(ctx, msg)
			info, _ := CallInfoFromContext(ctx)
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.Handled(info.Operation, status, time.Since(start))
			return err
		}
	}
}
