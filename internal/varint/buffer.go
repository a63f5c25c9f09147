package varint

import (
	"github.com/valyala/bytebufferpool"
)

// Buffer is a pooled append buffer used by the record encoders.
type Buffer struct {
	bb *bytebufferpool.ByteBuffer
}

var pool bytebufferpool.Pool

// GetBuffer returns an empty buffer from the pool. Release it with Free.
func GetBuffer() *Buffer {
	return &Buffer{bb: pool.Get()}
}

// Free returns the buffer to the pool. Bytes obtained from it must not be
// used afterwards.
func (b *Buffer) Free() {
	if b.bb != nil {
		pool.Put(b.bb)
		b.bb = nil
	}
}

// Bytes returns the encoded bytes.
func (b *Buffer) Bytes() []byte { return b.bb.B }

// Len returns the number of encoded bytes.
func (b *Buffer) Len() int { return len(b.bb.B) }

// Reset empties the buffer but keeps its storage.
func (b *Buffer) Reset() { b.bb.Reset() }

// WriteByte appends one byte.
func (b *Buffer) WriteByte(c byte) error {
	return b.bb.WriteByte(c)
}

// Write appends p.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.bb.Write(p)
}

// WriteUInt appends an unsigned varint.
func (b *Buffer) WriteUInt(v uint64) {
	b.bb.B = AppendVarUInt(b.bb.B, v)
}

// WriteInt appends a signed varint.
func (b *Buffer) WriteInt(v int64) {
	b.bb.B = AppendVarInt(b.bb.B, v)
}

// WriteBlock appends a length-prefixed byte slice.
func (b *Buffer) WriteBlock(p []byte) {
	b.bb.B = AppendVarUInt(b.bb.B, uint64(len(p)))
	b.bb.B = append(b.bb.B, p...)
}

// Reader decodes values written by Buffer. The first decoding failure sticks;
// check Err after a sequence of reads.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err reports the first decoding failure.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// ReadByte returns the next byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.off >= len(r.buf) {
		r.err = ErrTruncated
		return 0, r.err
	}
	c := r.buf[r.off]
	r.off++
	return c, nil
}

// UInt reads an unsigned varint.
func (r *Reader) UInt() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := UnpackVarUInt(r.buf[r.off:])
	if n == 0 {
		r.err = ErrTruncated
		return 0
	}
	r.off += n
	return v
}

// Int reads a signed varint.
func (r *Reader) Int() int64 {
	if r.err != nil {
		return 0
	}
	v, n := UnpackVarInt(r.buf[r.off:])
	if n == 0 {
		r.err = ErrTruncated
		return 0
	}
	r.off += n
	return v
}

// Block reads a length-prefixed byte slice. The result aliases the input.
func (r *Reader) Block() []byte {
	l := r.UInt()
	if r.err != nil {
		return nil
	}
	if uint64(r.Remaining()) < l {
		r.err = ErrTruncated
		return nil
	}
	p := r.buf[r.off : r.off+int(l)]
	r.off += int(l)
	return p
}

// Next returns the next n raw bytes. The result aliases the input.
func (r *Reader) Next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = ErrTruncated
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}
