package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNeedMoreBytes is returned by the incremental decoder until a whole frame is buffered.
	ErrNeedMoreBytes = errors.New("protocol: need more bytes")

	ErrCorruptFrame       = errors.New("protocol: corrupt frame")
	ErrUnknownHeaderType  = errors.New("protocol: unknown header type")
	ErrInvalidHeader      = errors.New("protocol: invalid header")
	ErrDuplicateHeader    = errors.New("protocol: duplicate header")
	ErrHeaderTypeMismatch = errors.New("protocol: header type mismatch")
	ErrFrameTooLarge      = errors.New("protocol: frame too large")
)

// CorruptFrameError is a decode fault. The byte boundary between frames can no
// longer be trusted once one is returned.
type CorruptFrameError struct {
	Reason string
	Err    error
}

func corrupt(reason string, err error) *CorruptFrameError {
	return &CorruptFrameError{Reason: reason, Err: err}
}

func (e *CorruptFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: corrupt frame: %s: %v", e.Reason, e.Err)
	}
	return "protocol: corrupt frame: " + e.Reason
}

// Unwrap lets errors.Is match both ErrCorruptFrame and the underlying cause.
func (e *CorruptFrameError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorruptFrame, e.Err}
	}
	return []error{ErrCorruptFrame}
}
