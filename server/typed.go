package server

import (
	"context"
	"errors"

	"eventstream-rpc/codec"
	"eventstream-rpc/message"
	"eventstream-rpc/transport"
)

// CodeBadRequest is sent when a request payload can not be decoded.
const CodeBadRequest = "BadRequest"

// Registrar is implemented by Server and Dispatcher.
type Registrar interface {
	Register(operation string, h Handler) error
}

// HandleUnary registers a request/response operation: the initial message
// carries the request and the handler answers with one terminal message.
//
// The request is decoded with the codec named by its :content-type, and the
// response is encoded with the same one. A nil fallback means JSON for
// requests that carry no content type.
func HandleUnary[Req, Resp any](r Registrar, operation string, fallback codec.Codec,
	fn func(ctx context.Context, req Req) (Resp, error)) error {
	if fallback == nil {
		fallback = &codec.JSONCodec{}
	}
	return r.Register(operation, HandlerFuncs{
		Start: func(ctx context.Context, s *transport.Stream, initial *message.Message) error {
			cd := fallback
			if initial.ContentType != "" {
				var err error
				if cd, err = codec.GetCodec(initial.ContentType); err != nil {
					return message.NewApplicationError(CodeBadRequest, err.Error())
				}
			}

			var req Req
			if err := cd.Decode(initial.Payload, &req); err != nil {
				return message.NewApplicationError(CodeBadRequest, err.Error())
			}
			resp, err := fn(ctx, req)
			if err != nil {
				return err
			}
			data, err := cd.Encode(resp)
			if err != nil {
				return err
			}
			err = s.Send(&message.Message{
				Type:        message.TypeApplicationMessage,
				Flags:       message.FlagTerminal,
				ContentType: cd.ContentType(),
				Payload:     data,
			})
			if errors.Is(err, transport.ErrStreamClosed) {
				return nil
			}
			return err
		},
	})
}
