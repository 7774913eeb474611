package transport

import (
	"errors"
	"fmt"

	"eventstream-rpc/message"
)

var (
	// ErrConnectionClosed is reported to every open stream when the connection
	// shuts down, and returned by sends once shutdown has begun.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrNotConnected is returned by OpenStream and Ping before the handshake completes.
	ErrNotConnected = errors.New("transport: handshake not complete")
	// ErrStreamClosed is returned by sends on a stream that has sent its terminal
	// message, received the peer's, or been torn down.
	ErrStreamClosed = errors.New("transport: stream closed")
	// ErrStreamIDsExhausted is returned once the connection has used every positive int32 stream id.
	ErrStreamIDsExhausted = errors.New("transport: stream ids exhausted")
	// ErrMissingOperation is returned by OpenStream for a message without :operation.
	ErrMissingOperation = errors.New("transport: initial message has no operation")

	// ErrProtocolViolation is a message that is invalid for the current connection state.
	ErrProtocolViolation = errors.New("transport: protocol violation")
	// ErrUnknownStream is a message for a stream id that is not open.
	ErrUnknownStream = errors.New("transport: message for unknown stream")
	// ErrMessageAfterTerminal is a message on a stream whose peer already sent its terminal message.
	ErrMessageAfterTerminal = errors.New("transport: message after terminal")
	// ErrStreamIDReused is a new operation on a stream id at or below one already seen.
	ErrStreamIDReused = errors.New("transport: stream id reused")
	// ErrPeerProtocolError is reported when the peer sends a ProtocolError message.
	ErrPeerProtocolError = errors.New("transport: peer reported protocol error")

	// ErrHandshakeRejected is wrapped by HandshakeError.
	ErrHandshakeRejected = errors.New("transport: connection rejected")
)

// HandshakeError is returned by Connect when the server answers with a
// ConnectAck that does not carry the connection-accepted flag.
type HandshakeError struct {
	ContentType string
	Payload     []byte
}

func (e *HandshakeError) Error() string {
	ae := message.ApplicationError{ContentType: e.ContentType, Payload: e.Payload}
	if b, ok := ae.Body(); ok {
		return fmt.Sprintf("%v: %s: %s", ErrHandshakeRejected, b.Code, b.Message)
	}
	return fmt.Sprintf("%v (%d byte payload)", ErrHandshakeRejected, len(e.Payload))
}

func (e *HandshakeError) Unwrap() error { return ErrHandshakeRejected }

// isCorrelationFault reports whether err counts against the correlation fault tolerance.
func isCorrelationFault(err error) bool {
	return errors.Is(err, ErrUnknownStream) ||
		errors.Is(err, ErrMessageAfterTerminal) ||
		errors.Is(err, ErrStreamIDReused)
}
