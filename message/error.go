package message

import (
	"encoding/json"
	"fmt"
)

// Well-known error codes carried in ErrorBody.Code.
const (
	CodeUnsupportedOperation = "UnsupportedOperation"
	CodeUnsupportedVersion   = "UnsupportedVersion"
	CodeAccessDenied         = "AccessDenied"
	CodeInternal             = "InternalError"
	CodeProtocol             = "ProtocolError"
)

// ErrorBody is the JSON payload the core itself produces for errors.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b ErrorBody) Marshal() []byte {
	data, _ := json.Marshal(b)
	return data
}

// ApplicationError is a stream-level failure: a handler rejected or failed an
// operation. Handlers may return one to control the exact error payload; the
// client receives one when the peer answers with an ApplicationError message.
type ApplicationError struct {
	ServiceModelType string
	ContentType      string
	Payload          []byte
}

// NewApplicationError builds an error whose payload is a JSON ErrorBody.
func NewApplicationError(code, msg string) *ApplicationError {
	return &ApplicationError{
		ServiceModelType: code,
		ContentType:      ContentTypeJSON,
		Payload:          ErrorBody{Code: code, Message: msg}.Marshal(),
	}
}

// ErrorFromMessage converts an ApplicationError message into an error value.
func ErrorFromMessage(m *Message) *ApplicationError {
	return &ApplicationError{
		ServiceModelType: m.ServiceModelType,
		ContentType:      m.ContentType,
		Payload:          m.Payload,
	}
}

// Body decodes the payload as an ErrorBody when it is JSON.
func (e *ApplicationError) Body() (ErrorBody, bool) {
	var b ErrorBody
	if e.ContentType != ContentTypeJSON || json.Unmarshal(e.Payload, &b) != nil {
		return ErrorBody{}, false
	}
	return b, b.Code != "" || b.Message != ""
}

func (e *ApplicationError) Error() string {
	if b, ok := e.Body(); ok {
		return fmt.Sprintf("message: application error: %s: %s", b.Code, b.Message)
	}
	return fmt.Sprintf("message: application error (%s, %d bytes)", e.ServiceModelType, len(e.Payload))
}

// Message builds the terminal ApplicationError message for streamID.
func (e *ApplicationError) Message(streamID int32) *Message {
	return &Message{
		Type:             TypeApplicationError,
		Flags:            FlagTerminal,
		StreamID:         streamID,
		ContentType:      e.ContentType,
		ServiceModelType: e.ServiceModelType,
		Payload:          e.Payload,
	}
}
