package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValueAccessors(t *testing.T) {
	if v, err := Bool(true).AsBool(); err != nil || !v {
		t.Errorf("Bool(true): got %v err=%v", v, err)
	}
	if v, err := Bool(false).AsBool(); err != nil || v {
		t.Errorf("Bool(false): got %v err=%v", v, err)
	}
	for _, tc := range []struct {
		v    Value
		want int64
	}{
		{Byte(-8), -8},
		{Short(300), 300},
		{Int(-70000), -70000},
		{Long(1 << 50), 1 << 50},
	} {
		got, err := tc.v.AsInt()
		if err != nil || got != tc.want {
			t.Errorf("%s: got %d err=%v, want %d", tc.v.Type(), got, err, tc.want)
		}
	}

	now := time.UnixMilli(1760000000456).UTC()
	if got, err := Timestamp(now).AsTime(); err != nil || !got.Equal(now) {
		t.Errorf("timestamp: got %v err=%v, want %v", got, err, now)
	}
	id := uuid.New()
	if got, err := UUID(id).AsUUID(); err != nil || got != id {
		t.Errorf("uuid: got %v err=%v", got, err)
	}
	if got, err := String("hi").AsString(); err != nil || got != "hi" {
		t.Errorf("string: got %q err=%v", got, err)
	}
}

func TestValueTypeMismatch(t *testing.T) {
	if _, err := String("1").AsInt(); !errors.Is(err, ErrHeaderTypeMismatch) {
		t.Errorf("expect type mismatch for string as int, got %v", err)
	}
	if _, err := Int(1).AsString(); !errors.Is(err, ErrHeaderTypeMismatch) {
		t.Errorf("expect type mismatch for int as string, got %v", err)
	}
	if _, err := (Value{}).AsBool(); !errors.Is(err, ErrHeaderTypeMismatch) {
		t.Errorf("expect type mismatch for zero value, got %v", err)
	}
}

func TestByteBufCopiesInput(t *testing.T) {
	raw := []byte{1, 2, 3}
	v := ByteBuf(raw)
	raw[0] = 9
	got, _ := v.AsBytes()
	if got[0] != 1 {
		t.Fatalf("ByteBuf must not alias its input, got %v", got)
	}
}

func TestHeadersSetReplacesInPlace(t *testing.T) {
	var h Headers
	h.Set("a", Int(1))
	h.Set("b", Int(2))
	h.Set("a", Int(3))

	if len(h) != 2 {
		t.Fatalf("expect 2 headers, got %d", len(h))
	}
	if h[0].Name != "a" {
		t.Fatalf("Set must keep insertion order, got %q first", h[0].Name)
	}
	if v, _ := h.Get("a"); !v.Equal(Int(3)) {
		t.Fatalf("expect a=3, got %s", v)
	}

	h.Del("a")
	if _, ok := h.Get("a"); ok || len(h) != 1 {
		t.Fatalf("Del failed: %+v", h)
	}
}

func TestHeaderNamesAreCaseSensitive(t *testing.T) {
	var h Headers
	h.Set("Key", String("upper"))
	h.Set("key", String("lower"))
	if len(h) != 2 {
		t.Fatalf("expect two distinct headers, got %d", len(h))
	}
	if _, err := Encode(Frame{Headers: h}, DefaultLimits()); err != nil {
		t.Fatalf("names differing only by case are not duplicates: %v", err)
	}
}
