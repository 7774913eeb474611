package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"eventstream-rpc/message"
)

const CodeThrottled = "Throttled"

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) error {
			if !limiter.Allow() {
				return message.NewApplicationError(CodeThrottled, "rate limit exceeded")
			}
			return next(ctx, msg)
		}
	}
}
