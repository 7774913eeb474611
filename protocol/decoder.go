package protocol

import (
	"errors"
	"io"
)

// Decoder reassembles frames from arbitrarily split byte chunks.
type Decoder struct {
	buf      []byte
	off      int
	limits   Limits
	consumed int64
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Write buffers p. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed by Next.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next returns the next complete frame, or ErrNeedMoreBytes. Any other error is
// a decode fault and the decoder must be discarded.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf[d.off:], d.limits)
	if err != nil {
		return Frame{}, err
	}
	// Compaction waits for the next Write.
	d.off += n
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	d.consumed += int64(n)
	return f, nil
}

// Consumed returns the total number of bytes of all frames returned by Next.
func (d *Decoder) Consumed() int64 { return d.consumed }

// Reader reads whole frames from a byte stream. It is not safe for concurrent use;
// each connection owns exactly one.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
	err   error
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(limits),
		chunk: make([]byte, 32*1024),
	}
}

// Consumed returns the total number of frame bytes read so far.
func (r *Reader) Consumed() int64 { return r.dec.Consumed() }

// ReadFrame blocks until a whole frame has arrived. A stream that ends in the
// middle of a frame yields io.ErrUnexpectedEOF; a clean end yields io.EOF.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		f, err := r.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNeedMoreBytes) {
			return Frame{}, err
		}
		if r.err != nil {
			if r.err == io.EOF && r.dec.Buffered() > 0 {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, r.err
		}
		n, err := r.r.Read(r.chunk)
		r.dec.Write(r.chunk[:n])
		if err != nil {
			r.err = err
		}
	}
}
