package server

import (
	"context"
	"errors"

	"eventstream-rpc/message"
	"eventstream-rpc/protocol"
)

// AuthenticationData is what an Authenticator learned about the peer.
type AuthenticationData interface {
	Identity() string
}

// Authenticator inspects the Connect message's application headers and payload.
type Authenticator interface {
	Authenticate(headers protocol.Headers, payload []byte) (AuthenticationData, error)
}

type AuthenticatorFunc func(headers protocol.Headers, payload []byte) (AuthenticationData, error)

func (f AuthenticatorFunc) Authenticate(headers protocol.Headers, payload []byte) (AuthenticationData, error) {
	return f(headers, payload)
}

// Authorizer decides whether an authenticated peer may connect.
type Authorizer interface {
	Authorize(data AuthenticationData) bool
}

type AuthorizerFunc func(data AuthenticationData) bool

func (f AuthorizerFunc) Authorize(data AuthenticationData) bool { return f(data) }

// Identity is the AuthenticationData of StaticTokens.
type Identity string

func (i Identity) Identity() string { return string(i) }

var ErrUnknownToken = errors.New("server: unknown token")

// StaticTokens authenticates a peer by the string value of header, mapping
// each known token to an identity.
func StaticTokens(header string, tokens map[string]string) Authenticator {
	return AuthenticatorFunc(func(headers protocol.Headers, _ []byte) (AuthenticationData, error) {
		v, ok := headers.Get(header)
		if !ok {
			return nil, ErrUnknownToken
		}
		token, err := v.AsString()
		if err != nil {
			return nil, ErrUnknownToken
		}
		id, ok := tokens[token]
		if !ok {
			return nil, ErrUnknownToken
		}
		return Identity(id), nil
	})
}

type authKey struct{}

// AuthFromContext returns the AuthenticationData of the connection a stream
// context belongs to.
func AuthFromContext(ctx context.Context) (AuthenticationData, bool) {
	data, ok := ctx.Value(authKey{}).(AuthenticationData)
	return data, ok
}

// authenticate runs the handshake checks and returns the context every stream
// on the connection derives from.
func (d *Dispatcher) authenticate(ctx context.Context, connect *message.Message) (context.Context, error) {
	if d.opts.authenticator == nil {
		return ctx, nil
	}
	data, err := d.opts.authenticator.Authenticate(connect.Headers, connect.Payload)
	if err != nil {
		var ae *message.ApplicationError
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, message.NewApplicationError(message.CodeAccessDenied, err.Error())
	}
	if d.opts.authorizer != nil && !d.opts.authorizer.Authorize(data) {
		return nil, message.NewApplicationError(message.CodeAccessDenied, "not authorized")
	}
	if data == nil {
		return ctx, nil
	}
	return context.WithValue(ctx, authKey{}, data), nil
}
