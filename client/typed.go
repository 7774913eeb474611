package client

import (
	"context"

	"eventstream-rpc/codec"
)

// Unary calls a request/response operation: req is encoded with cd (JSON when
// nil) and sent as the only client message, and the server's first message is
// decoded into the result with the codec its :content-type names.
// A server error comes back as a *message.ApplicationError.
func Unary[Req, Resp any](ctx context.Context, c *Client, operation string, req Req, cd codec.Codec) (Resp, error) {
	var resp Resp
	if cd == nil {
		cd = &codec.JSONCodec{}
	}
	payload, err := cd.Encode(req)
	if err != nil {
		return resp, err
	}

	cont, err := c.Invoke(operation, nil, payload, Terminal(), ContentType(cd.ContentType()))
	if err != nil {
		return resp, err
	}
	defer cont.Cancel()

	m, err := cont.Response(ctx)
	if err != nil {
		return resp, err
	}
	rc := cd
	if m.ContentType != "" && m.ContentType != cd.ContentType() {
		if rc, err = codec.GetCodec(m.ContentType); err != nil {
			return resp, err
		}
	}
	if err := rc.Decode(m.Payload, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

