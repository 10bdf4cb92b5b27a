package codec

import (
	"encoding/binary"

	"github.com/hupe1980/mvstore/internal/storeerr"
)

// WriteBuffer is a growable big-endian write buffer.
type WriteBuffer struct {
	buf []byte
}

// NewWriteBuffer returns a buffer with the given initial capacity.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{buf: make([]byte, 0, capacity)}
}

func (w *WriteBuffer) Len() int      { return len(w.buf) }
func (w *WriteBuffer) Bytes() []byte { return w.buf }
func (w *WriteBuffer) Reset()        { w.buf = w.buf[:0] }

// Truncate discards everything after the first n bytes.
func (w *WriteBuffer) Truncate(n int) { w.buf = w.buf[:n] }

func (w *WriteBuffer) PutByte(b byte)     { w.buf = append(w.buf, b) }
func (w *WriteBuffer) Put(p []byte)       { w.buf = append(w.buf, p...) }
func (w *WriteBuffer) PutUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *WriteBuffer) PutUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *WriteBuffer) PutUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *WriteBuffer) PutVarInt(v int32)  { w.buf = AppendVarInt(w.buf, v) }
func (w *WriteBuffer) PutVarLong(v int64) { w.buf = AppendVarLong(w.buf, v) }

// PutString writes a length-prefixed string.
func (w *WriteBuffer) PutString(s string) {
	w.PutVarInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutBytes writes a length-prefixed byte slice.
func (w *WriteBuffer) PutBytes(p []byte) {
	w.PutVarInt(int32(len(p)))
	w.buf = append(w.buf, p...)
}

// Fill appends n copies of b.
func (w *WriteBuffer) Fill(n int, b byte) {
	for range n {
		w.buf = append(w.buf, b)
	}
}

// SetUint16 overwrites two bytes at off.
func (w *WriteBuffer) SetUint16(off int, v uint16) { binary.BigEndian.PutUint16(w.buf[off:], v) }

// SetUint32 overwrites four bytes at off.
func (w *WriteBuffer) SetUint32(off int, v uint32) { binary.BigEndian.PutUint32(w.buf[off:], v) }

// SetByte overwrites the byte at off.
func (w *WriteBuffer) SetByte(off int, b byte) { w.buf[off] = b }

// ReadBuffer reads the encodings written by WriteBuffer.
// The first decoding failure is sticky: later reads return zero values and
// Err reports the failure.
type ReadBuffer struct {
	buf []byte
	off int
	err error
}

// NewReadBuffer returns a reader over b.
func NewReadBuffer(b []byte) *ReadBuffer {
	return &ReadBuffer{buf: b}
}

// Err returns the first decoding error.
func (r *ReadBuffer) Err() error { return r.err }

// Offset returns the number of bytes consumed.
func (r *ReadBuffer) Offset() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *ReadBuffer) Remaining() int { return len(r.buf) - r.off }

func (r *ReadBuffer) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = storeerr.Encoding("need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *ReadBuffer) Byte() byte {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *ReadBuffer) Uint16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (r *ReadBuffer) Uint32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (r *ReadBuffer) Uint64() uint64 {
	if p := r.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (r *ReadBuffer) VarInt() int32 {
	if r.err != nil {
		return 0
	}
	v, n, err := VarInt(r.buf[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	r.off += n
	return v
}

func (r *ReadBuffer) VarLong() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := VarLong(r.buf[r.off:])
	if err != nil {
		r.err = err
		return 0
	}
	r.off += n
	return v
}

// Next returns the next n bytes without copying.
func (r *ReadBuffer) Next(n int) []byte { return r.take(n) }

// ReadString reads a length-prefixed string.
func (r *ReadBuffer) ReadString() string {
	return string(r.take(int(r.VarInt())))
}

// ReadBytes reads a length-prefixed byte slice into a fresh copy.
func (r *ReadBuffer) ReadBytes() []byte {
	p := r.take(int(r.VarInt()))
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}
