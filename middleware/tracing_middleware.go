package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"eventstream-rpc/message"
)

const defaultTracerName = "eventstream-rpc"

// TracingMiddleware starts a server span per handled message. A nil tracer
// uses the global provider.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *message.Message) error {
			info, _ := CallInfoFromContext(ctx)
			ctx, span := tracer.Start(ctx, "esrpc/"+info.Operation,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "eventstream"),
					attribute.String("rpc.method", info.Operation),
					attribute.Int("esrpc.stream_id", int(info.StreamID)),
					attribute.Int64("esrpc.seq", int64(info.Seq)),
					attribute.Bool("esrpc.terminal", msg.Terminal()),
				),
			)
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				var ae *message.ApplicationError
				if errors.As(err, &ae) {
					span.SetAttributes(attribute.String("esrpc.error_type", ae.ServiceModelType))
				}
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}
