package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// HeaderType is the one-byte type tag that precedes every header value on the wire.
type HeaderType byte

const (
	TypeBoolTrue  HeaderType = 0
	TypeBoolFalse HeaderType = 1
	TypeByte      HeaderType = 2
	TypeShort     HeaderType = 3
	TypeInt       HeaderType = 4
	TypeLong      HeaderType = 5
	TypeByteBuf   HeaderType = 6
	TypeString    HeaderType = 7
	TypeTimestamp HeaderType = 8
	TypeUUID      HeaderType = 9
)

func (t HeaderType) String() string {
	switch t {
	case TypeBoolTrue:
		return "bool_true"
	case TypeBoolFalse:
		return "bool_false"
	case TypeByte:
		return "byte"
	case TypeShort:
		return "short"
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeByteBuf:
		return "byte_buf"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	case TypeUUID:
		return "uuid"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

const (
	maxHeaderNameLen  = math.MaxUint8
	maxHeaderValueLen = math.MaxUint16
)

// Value is a typed header value. The zero Value is invalid and is rejected by the encoder.
type Value struct {
	typ HeaderType
	set bool
	num int64
	buf []byte
	id  uuid.UUID
}

func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBoolTrue, set: true}
	}
	return Value{typ: TypeBoolFalse, set: true}
}

func Byte(v int8) Value   { return Value{typ: TypeByte, set: true, num: int64(v)} }
func Short(v int16) Value { return Value{typ: TypeShort, set: true, num: int64(v)} }
func Int(v int32) Value   { return Value{typ: TypeInt, set: true, num: int64(v)} }
func Long(v int64) Value  { return Value{typ: TypeLong, set: true, num: v} }

// ByteBuf copies v.
func ByteBuf(v []byte) Value {
	return Value{typ: TypeByteBuf, set: true, buf: bytes.Clone(v)}
}

func String(v string) Value {
	return Value{typ: TypeString, set: true, buf: []byte(v)}
}

// Timestamp is carried with millisecond precision.
func Timestamp(v time.Time) Value {
	return Value{typ: TypeTimestamp, set: true, num: v.UnixMilli()}
}

func UUID(v uuid.UUID) Value {
	return Value{typ: TypeUUID, set: true, id: v}
}

// Type returns the wire type tag of v.
func (v Value) Type() HeaderType { return v.typ }

// IsValid reports whether v was built by one of the constructors.
func (v Value) IsValid() bool { return v.set }

func (v Value) AsBool() (bool, error) {
	switch {
	case !v.set:
		return false, ErrHeaderTypeMismatch
	case v.typ == TypeBoolTrue:
		return true, nil
	case v.typ == TypeBoolFalse:
		return false, nil
	}
	return false, ErrHeaderTypeMismatch
}

// AsInt returns any of the integer types widened to int64.
func (v Value) AsInt() (int64, error) {
	if !v.set {
		return 0, ErrHeaderTypeMismatch
	}
	switch v.typ {
	case TypeByte, TypeShort, TypeInt, TypeLong:
		return v.num, nil
	}
	return 0, ErrHeaderTypeMismatch
}

func (v Value) AsBytes() ([]byte, error) {
	if !v.set || v.typ != TypeByteBuf {
		return nil, ErrHeaderTypeMismatch
	}
	return bytes.Clone(v.buf), nil
}

func (v Value) AsString() (string, error) {
	if !v.set || v.typ != TypeString {
		return "", ErrHeaderTypeMismatch
	}
	return string(v.buf), nil
}

func (v Value) AsTime() (time.Time, error) {
	if !v.set || v.typ != TypeTimestamp {
		return time.Time{}, ErrHeaderTypeMismatch
	}
	return time.UnixMilli(v.num).UTC(), nil
}

func (v Value) AsUUID() (uuid.UUID, error) {
	if !v.set || v.typ != TypeUUID {
		return uuid.UUID{}, ErrHeaderTypeMismatch
	}
	return v.id, nil
}

// Equal compares type and value.
func (v Value) Equal(o Value) bool {
	if v.set != o.set || v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeByteBuf, TypeString:
		return bytes.Equal(v.buf, o.buf)
	case TypeUUID:
		return v.id == o.id
	}
	return v.num == o.num
}

func (v Value) String() string {
	if !v.set {
		return "<invalid>"
	}
	switch v.typ {
	case TypeBoolTrue:
		return "true"
	case TypeBoolFalse:
		return "false"
	case TypeByteBuf:
		return fmt.Sprintf("%x", v.buf)
	case TypeString:
		return string(v.buf)
	case TypeTimestamp:
		return time.UnixMilli(v.num).UTC().Format(time.RFC3339Nano)
	case TypeUUID:
		return v.id.String()
	}
	return fmt.Sprintf("%d", v.num)
}

// Header is one named, typed entry of a frame's header block.
type Header struct {
	Name  string
	Value Value
}

// Headers keeps insertion order; lookup is by exact (case-sensitive) name.
type Headers []Header

func (h Headers) Get(name string) (Value, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value of an existing header in place or appends a new one,
// so Set never produces duplicate names.
func (h *Headers) Set(name string, v Value) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Value = v
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: v})
}

func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if hdr.Name != name {
			out = append(out, hdr)
		}
	}
	*h = out
}

func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// encodedLen validates every header and returns the size of the header block.
func (h Headers) encodedLen() (int, error) {
	seen := make(map[string]struct{}, len(h))
	total := 0
	for _, hdr := range h {
		if _, dup := seen[hdr.Name]; dup {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateHeader, hdr.Name)
		}
		seen[hdr.Name] = struct{}{}
		n, err := hdr.encodedLen()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (hdr Header) encodedLen() (int, error) {
	if len(hdr.Name) == 0 || len(hdr.Name) > maxHeaderNameLen {
		return 0, fmt.Errorf("%w: name length %d", ErrInvalidHeader, len(hdr.Name))
	}
	if !hdr.Value.set {
		return 0, fmt.Errorf("%w: %q has no value", ErrInvalidHeader, hdr.Name)
	}
	n := 1 + len(hdr.Name) + 1
	switch hdr.Value.typ {
	case TypeBoolTrue, TypeBoolFalse:
	case TypeByte:
		n++
	case TypeShort:
		n += 2
	case TypeInt:
		n += 4
	case TypeLong, TypeTimestamp:
		n += 8
	case TypeByteBuf, TypeString:
		if len(hdr.Value.buf) > maxHeaderValueLen {
			return 0, fmt.Errorf("%w: %q value length %d", ErrInvalidHeader, hdr.Name, len(hdr.Value.buf))
		}
		n += 2 + len(hdr.Value.buf)
	case TypeUUID:
		n += 16
	default:
		return 0, fmt.Errorf("%w: %q has type %s", ErrInvalidHeader, hdr.Name, hdr.Value.typ)
	}
	return n, nil
}

// appendHeaders assumes encodedLen already accepted h.
func appendHeaders(dst []byte, h Headers) []byte {
	for _, hdr := range h {
		dst = append(dst, byte(len(hdr.Name)))
		dst = append(dst, hdr.Name...)
		dst = append(dst, byte(hdr.Value.typ))
		v := hdr.Value
		switch v.typ {
		case TypeByte:
			dst = append(dst, byte(int8(v.num)))
		case TypeShort:
			dst = binary.BigEndian.AppendUint16(dst, uint16(int16(v.num)))
		case TypeInt:
			dst = binary.BigEndian.AppendUint32(dst, uint32(int32(v.num)))
		case TypeLong, TypeTimestamp:
			dst = binary.BigEndian.AppendUint64(dst, uint64(v.num))
		case TypeByteBuf, TypeString:
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(v.buf)))
			dst = append(dst, v.buf...)
		case TypeUUID:
			dst = append(dst, v.id[:]...)
		}
	}
	return dst
}

func parseHeaders(b []byte) (Headers, error) {
	var out Headers
	for off := 0; off < len(b); {
		nameLen := int(b[off])
		off++
		if nameLen == 0 || off+nameLen+1 > len(b) {
			return nil, corrupt("header name overruns header block", nil)
		}
		name := string(b[off : off+nameLen])
		off += nameLen
		typ := HeaderType(b[off])
		off++

		v := Value{typ: typ, set: true}
		need := 0
		switch typ {
		case TypeBoolTrue, TypeBoolFalse:
		case TypeByte:
			need = 1
		case TypeShort:
			need = 2
		case TypeInt:
			need = 4
		case TypeLong, TypeTimestamp:
			need = 8
		case TypeByteBuf, TypeString:
			if off+2 > len(b) {
				return nil, corrupt("header value length overruns header block", nil)
			}
			need = int(binary.BigEndian.Uint16(b[off : off+2]))
			off += 2
		case TypeUUID:
			need = 16
		default:
			return nil, corrupt(fmt.Sprintf("header %q", name), fmt.Errorf("%w: %d", ErrUnknownHeaderType, byte(typ)))
		}
		if off+need > len(b) {
			return nil, corrupt(fmt.Sprintf("header %q value overruns header block", name), nil)
		}
		raw := b[off : off+need]
		off += need

		switch typ {
		case TypeByte:
			v.num = int64(int8(raw[0]))
		case TypeShort:
			v.num = int64(int16(binary.BigEndian.Uint16(raw)))
		case TypeInt:
			v.num = int64(int32(binary.BigEndian.Uint32(raw)))
		case TypeLong, TypeTimestamp:
			v.num = int64(binary.BigEndian.Uint64(raw))
		case TypeByteBuf, TypeString:
			v.buf = bytes.Clone(raw)
		case TypeUUID:
			copy(v.id[:], raw)
		}
		out = append(out, Header{Name: name, Value: v})
	}
	return out, nil
}
