// Package message defines the semantic view of an event-stream frame.
//
// A Message is what the connection state machine and the stream multiplexer
// work with. Reserved headers (names starting with ':') are lifted into typed
// fields on decode and written back on encode; everything else travels in
// Headers untouched.
package message

import (
	"errors"
	"fmt"
	"strings"

	"eventstream-rpc/protocol"
)

// Type is the value of the :message-type header.
type Type int32

const (
	TypeApplicationMessage Type = 0
	TypeApplicationError   Type = 1
	TypeConnect            Type = 2
	TypeConnectAck         Type = 3
	TypePing               Type = 4
	TypePingResponse       Type = 5
	TypeProtocolError      Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeApplicationMessage:
		return "ApplicationMessage"
	case TypeApplicationError:
		return "ApplicationError"
	case TypeConnect:
		return "Connect"
	case TypeConnectAck:
		return "ConnectAck"
	case TypePing:
		return "Ping"
	case TypePingResponse:
		return "PingResponse"
	case TypeProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(t))
	}
}

func (t Type) valid() bool {
	return t >= TypeApplicationMessage && t <= TypeProtocolError
}

// ConnectionLevel reports whether t is only valid on stream 0.
func (t Type) ConnectionLevel() bool {
	switch t {
	case TypeConnect, TypeConnectAck, TypePing, TypePingResponse, TypeProtocolError:
		return true
	}
	return false
}

// Flags is the value of the :message-flags header.
type Flags int32

const (
	// FlagTerminal marks the last message of a stream in one direction.
	FlagTerminal Flags = 1 << 0
	// FlagConnectionAccepted is set on a successful ConnectAck.
	FlagConnectionAccepted Flags = 1 << 1
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Reserved header names.
const (
	HeaderMessageType      = ":message-type"
	HeaderMessageFlags     = ":message-flags"
	HeaderStreamID         = ":stream-id"
	HeaderOperation        = ":operation"
	HeaderContentType      = ":content-type"
	HeaderServiceModelType = ":service-model-type"
	HeaderVersion          = ":version"
)

// ProtocolVersion is sent in the :version header of every Connect message.
const ProtocolVersion = "0.1.0"

const ContentTypeJSON = "application/json"

var (
	ErrMalformedMessage = errors.New("message: malformed message")
	ErrReservedHeader   = errors.New("message: reserved header name in application headers")
)

var reserved = map[string]struct{}{
	HeaderMessageType:      {},
	HeaderMessageFlags:     {},
	HeaderStreamID:         {},
	HeaderOperation:        {},
	HeaderContentType:      {},
	HeaderServiceModelType: {},
	HeaderVersion:          {},
}

// IsReserved reports whether name is one of the headers owned by the protocol engine.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Message is a decoded frame. StreamID 0 is reserved for connection-level messages.
type Message struct {
	Type             Type
	Flags            Flags
	StreamID         int32
	Operation        string
	ContentType      string
	ServiceModelType string
	Version          string
	Headers          protocol.Headers
	Payload          []byte
}

func New(typ Type, payload []byte) *Message {
	return &Message{Type: typ, Payload: payload}
}

func (m *Message) Terminal() bool { return m.Flags.Has(FlagTerminal) }

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message{Type=%s, Flags=%d, StreamID=%d", m.Type, m.Flags, m.StreamID)
	if m.Operation != "" {
		fmt.Fprintf(&b, ", Operation=%s", m.Operation)
	}
	fmt.Fprintf(&b, ", Payload=%dB}", len(m.Payload))
	return b.String()
}

// ToFrame lays out the reserved headers first, followed by the application headers.
func (m *Message) ToFrame() (protocol.Frame, error) {
	if !m.Type.valid() {
		return protocol.Frame{}, fmt.Errorf("%w: message type %d", ErrMalformedMessage, int32(m.Type))
	}
	if m.StreamID < 0 {
		return protocol.Frame{}, fmt.Errorf("%w: negative stream id %d", ErrMalformedMessage, m.StreamID)
	}

	h := make(protocol.Headers, 0, 6+len(m.Headers))
	h = append(h,
		protocol.Header{Name: HeaderMessageType, Value: protocol.Int(int32(m.Type))},
		protocol.Header{Name: HeaderMessageFlags, Value: protocol.Int(int32(m.Flags))},
		protocol.Header{Name: HeaderStreamID, Value: protocol.Int(m.StreamID)},
	)
	for _, opt := range []struct{ name, value string }{
		{HeaderVersion, m.Version},
		{HeaderOperation, m.Operation},
		{HeaderContentType, m.ContentType},
		{HeaderServiceModelType, m.ServiceModelType},
	} {
		if opt.value != "" {
			h = append(h, protocol.Header{Name: opt.name, Value: protocol.String(opt.value)})
		}
	}
	for _, hdr := range m.Headers {
		if IsReserved(hdr.Name) {
			return protocol.Frame{}, fmt.Errorf("%w: %q", ErrReservedHeader, hdr.Name)
		}
		h = append(h, hdr)
	}
	return protocol.Frame{Headers: h, Payload: m.Payload}, nil
}

// FromFrame lifts the reserved headers out of f. A missing or mistyped
// :message-type is a malformed message.
func FromFrame(f protocol.Frame) (*Message, error) {
	m := &Message{Payload: f.Payload}
	haveType := false
	for _, hdr := range f.Headers {
		var err error
		switch hdr.Name {
		case HeaderMessageType:
			var v int32
			v, err = int32Header(hdr)
			m.Type = Type(v)
			haveType = true
		case HeaderMessageFlags:
			var v int32
			v, err = int32Header(hdr)
			m.Flags = Flags(v)
		case HeaderStreamID:
			m.StreamID, err = int32Header(hdr)
		case HeaderOperation:
			m.Operation, err = hdr.Value.AsString()
		case HeaderContentType:
			m.ContentType, err = hdr.Value.AsString()
		case HeaderServiceModelType:
			m.ServiceModelType, err = hdr.Value.AsString()
		case HeaderVersion:
			m.Version, err = hdr.Value.AsString()
		default:
			m.Headers = append(m.Headers, hdr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: header %s: %v", ErrMalformedMessage, hdr.Name, err)
		}
	}
	if !haveType {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedMessage, HeaderMessageType)
	}
	if !m.Type.valid() {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, int32(m.Type))
	}
	if m.StreamID < 0 {
		return nil, fmt.Errorf("%w: negative stream id %d", ErrMalformedMessage, m.StreamID)
	}
	return m, nil
}

func int32Header(hdr protocol.Header) (int32, error) {
	if hdr.Value.Type() != protocol.TypeInt {
		return 0, protocol.ErrHeaderTypeMismatch
	}
	v, err := hdr.Value.AsInt()
	return int32(v), err
}
