// Package protocol implements the event-stream wire codec.
//
// Every frame is length-prefixed and carries two CRC32 (IEEE) checksums: one over
// the 8-byte prelude and one over everything before the trailing checksum.
//
// Frame format (all integers big-endian):
//
//	0          4          8          12                 12+H           T-4        T
//	┌──────────┬──────────┬──────────┬──────────────────┬──────────────┬──────────┐
//	│ total(T) │ hdrs(H)  │ prelude  │ headers          │ payload      │ message  │
//	│ uint32   │ uint32   │ crc32    │ H bytes          │ T-H-16 bytes │ crc32    │
//	└──────────┴──────────┴──────────┴──────────────────┴──────────────┴──────────┘
//
// Each header is encoded as name-len(u8) name type(u8) value, where the value
// layout depends on the type tag (see HeaderType).
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

const (
	PreludeLen  = 12
	CRCLen      = 4
	MinFrameLen = PreludeLen + CRCLen

	// MaxFrameLen is the largest total length accepted in either direction.
	MaxFrameLen = math.MaxInt32
)

// Frame is one decoded wire unit: an ordered header block and an opaque payload.
type Frame struct {
	Headers Headers
	Payload []byte
}

// Limits constrains frame encode/decode memory use. A zero field means no
// limit other than MaxFrameLen.
type Limits struct {
	MaxHeadersLen int
	MaxPayloadLen int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeadersLen: 128 * 1024,
		MaxPayloadLen: 16 * 1024 * 1024,
	}
}

func (l Limits) check(headersLen, payloadLen int) error {
	if l.MaxHeadersLen > 0 && headersLen > l.MaxHeadersLen {
		return fmt.Errorf("%w: header block %d > %d", ErrFrameTooLarge, headersLen, l.MaxHeadersLen)
	}
	if l.MaxPayloadLen > 0 && payloadLen > l.MaxPayloadLen {
		return fmt.Errorf("%w: payload %d > %d", ErrFrameTooLarge, payloadLen, l.MaxPayloadLen)
	}
	return nil
}

// Encode serializes f. It fails only on locally invalid input: a malformed or
// duplicate header, or a frame exceeding limits or the 32-bit length field.
func Encode(f Frame, limits Limits) ([]byte, error) {
	headersLen, err := f.Headers.encodedLen()
	if err != nil {
		return nil, err
	}
	if err := limits.check(headersLen, len(f.Payload)); err != nil {
		return nil, err
	}
	total := MinFrameLen + headersLen + len(f.Payload)
	if total > MaxFrameLen {
		return nil, fmt.Errorf("%w: total length %d", ErrFrameTooLarge, total)
	}

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, uint32(headersLen))
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[0:8]))
	buf = appendHeaders(buf, f.Headers)
	buf = append(buf, f.Payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// WriteFrame encodes f and writes it with a single Write call. The caller must
// hold the connection's write lock so frames never interleave on the wire.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode parses the first frame in b and returns it together with the number of
// bytes it occupied. It returns ErrNeedMoreBytes while b holds only part of the
// frame and never looks past the declared total length.
//
// The prelude checksum is verified before either length field is trusted; the
// message checksum is verified after the header block has been parsed.
func Decode(b []byte, limits Limits) (Frame, int, error) {
	if len(b) < PreludeLen {
		return Frame{}, 0, ErrNeedMoreBytes
	}
	if got, want := crc32.ChecksumIEEE(b[0:8]), binary.BigEndian.Uint32(b[8:12]); got != want {
		return Frame{}, 0, corrupt(fmt.Sprintf("prelude checksum mismatch: got %08x want %08x", got, want), nil)
	}

	total := binary.BigEndian.Uint32(b[0:4])
	headersLen := binary.BigEndian.Uint32(b[4:8])
	if total < MinFrameLen || total > MaxFrameLen {
		return Frame{}, 0, corrupt(fmt.Sprintf("invalid total length %d", total), nil)
	}
	if headersLen > total-MinFrameLen {
		return Frame{}, 0, corrupt(fmt.Sprintf("header length %d exceeds total length %d", headersLen, total), nil)
	}
	payloadLen := int(total) - MinFrameLen - int(headersLen)
	if err := limits.check(int(headersLen), payloadLen); err != nil {
		return Frame{}, 0, corrupt("limit exceeded", err)
	}
	if len(b) < int(total) {
		return Frame{}, 0, ErrNeedMoreBytes
	}

	msg := b[:total]
	headerEnd := PreludeLen + int(headersLen)
	headers, err := parseHeaders(msg[PreludeLen:headerEnd])
	if err != nil {
		return Frame{}, 0, err
	}

	crcAt := int(total) - CRCLen
	if got, want := crc32.ChecksumIEEE(msg[:crcAt]), binary.BigEndian.Uint32(msg[crcAt:]); got != want {
		return Frame{}, 0, corrupt(fmt.Sprintf("message checksum mismatch: got %08x want %08x", got, want), nil)
	}

	return Frame{
		Headers: headers,
		Payload: bytes.Clone(msg[headerEnd:crcAt]),
	}, int(total), nil
}
