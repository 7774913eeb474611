package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"eventstream-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) error {
			start := time.Now()
			err := next(ctx, msg)

			info, _ := CallInfoFromContext(ctx)
			fields := []zap.Field{
				zap.String("operation", info.Operation),
				zap.Int32("stream_id", info.StreamID),
				zap.Uint64("seq", info.Seq),
				zap.Int("payload", len(msg.Payload)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Info("handled", fields...)
			return nil
		}
	}
}
