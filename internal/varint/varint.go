// Package varint implements order-preserving variable-length integer
// encodings.
//
// Unlike encoding/binary's LEB128 varints, the encodings here sort as raw
// bytes in the same order as the integers they encode, so they can be
// embedded in B-tree keys.
//
// Unsigned layout: the count of leading one bits in the first byte gives the
// number of extra bytes; the remaining bits are the big-endian payload.
//
//	0xxxxxxx                      7 bits
//	10xxxxxx +1 byte             14 bits
//	110xxxxx +2 bytes            21 bits
//	...
//	11111110 +7 bytes            56 bits
//	11111111 +8 bytes            64 bits
package varint

import "math/bits"

// MaxLen is the longest encoding of any 64-bit integer.
const MaxLen = 9

// LenVarUInt returns the number of bytes PackVarUInt writes for v.
func LenVarUInt(v uint64) int {
	switch {
	case v < 1<<7:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<21:
		return 3
	case v < 1<<28:
		return 4
	case v < 1<<35:
		return 5
	case v < 1<<42:
		return 6
	case v < 1<<49:
		return 7
	case v < 1<<56:
		return 8
	default:
		return 9
	}
}

// PackVarUInt writes v into buf and returns the number of bytes written.
// buf must have room for LenVarUInt(v) bytes.
func PackVarUInt(buf []byte, v uint64) int {
	n := LenVarUInt(v)
	_ = buf[n-1]
	if n == MaxLen {
		buf[0] = 0xff
		for i := 8; i >= 1; i-- {
			buf[i] = byte(v)
			v >>= 8
		}
		return n
	}
	for i := n - 1; i >= 1; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	// n-1 leading ones followed by a zero, then the top payload bits.
	prefix := byte(0xff << (9 - n))
	buf[0] = prefix | byte(v)
	return n
}

// UnpackVarUInt decodes a value from the start of buf. It returns the value
// and the number of bytes consumed; n == 0 means buf is empty or truncated.
func UnpackVarUInt(buf []byte) (v uint64, n int) {
	if len(buf) == 0 {
		return 0, 0
	}
	first := buf[0]
	n = bits.LeadingZeros8(^first) + 1
	if len(buf) < n {
		return 0, 0
	}
	if n == MaxLen {
		for i := 1; i <= 8; i++ {
			v = v<<8 | uint64(buf[i])
		}
		return v, n
	}
	v = uint64(first & (0x7f >> (n - 1)))
	for i := 1; i < n; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, n
}

// AppendVarUInt appends the encoding of v to dst.
func AppendVarUInt(dst []byte, v uint64) []byte {
	var tmp [MaxLen]byte
	n := PackVarUInt(tmp[:], v)
	return append(dst, tmp[:n]...)
}

// Signed values use the same length classes as unsigned ones shifted by one
// sign bit. Non-negative values start with a one bit, negative values are the
// bitwise complement of the encoding of ^v, which reverses their order and
// places them below every non-negative value.
//
//	1 0xxxxxx                    6 bits
//	1 10xxxxx +1 byte           13 bits
//	...
//	1 1111110 +6 bytes          48 bits
//	11111111 +8 bytes           64 bits (two's complement of the value)

// LenVarInt returns the number of bytes PackVarInt writes for v.
func LenVarInt(v int64) int {
	u := uint64(v)
	if v < 0 {
		u = ^u
	}
	switch {
	case u < 1<<6:
		return 1
	case u < 1<<13:
		return 2
	case u < 1<<20:
		return 3
	case u < 1<<27:
		return 4
	case u < 1<<34:
		return 5
	case u < 1<<41:
		return 6
	case u < 1<<48:
		return 7
	default:
		return 9
	}
}

// PackVarInt writes v into buf and returns the number of bytes written.
func PackVarInt(buf []byte, v int64) int {
	n := LenVarInt(v)
	_ = buf[n-1]
	neg := v < 0
	u := uint64(v)
	if neg {
		u = ^u
	}
	if n == MaxLen {
		buf[0] = 0xff
		// Two's complement keeps order within the class once the sign bit
		// is flipped.
		w := uint64(v) ^ (1 << 63)
		for i := 8; i >= 1; i-- {
			buf[i] = byte(w)
			w >>= 8
		}
		if neg {
			buf[0] = 0x00
		}
		return n
	}
	for i := n - 1; i >= 1; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	prefix := byte(0xff << (8 - n))
	buf[0] = prefix | byte(u)
	if neg {
		for i := 0; i < n; i++ {
			buf[i] = ^buf[i]
		}
	}
	return n
}

// UnpackVarInt decodes a signed value from the start of buf; n == 0 means
// buf is empty or truncated.
func UnpackVarInt(buf []byte) (v int64, n int) {
	if len(buf) == 0 {
		return 0, 0
	}
	first := buf[0]
	neg := first&0x80 == 0
	if neg {
		first = ^first
	}
	if first == 0xff {
		if len(buf) < MaxLen {
			return 0, 0
		}
		var w uint64
		for i := 1; i <= 8; i++ {
			w = w<<8 | uint64(buf[i])
		}
		return int64(w ^ (1 << 63)), MaxLen
	}
	n = bits.LeadingZeros8(^first)
	if len(buf) < n {
		return 0, 0
	}
	u := uint64(first & (0x7f >> n))
	for i := 1; i < n; i++ {
		b := buf[i]
		if neg {
			b = ^b
		}
		u = u<<8 | uint64(b)
	}
	if neg {
		return int64(^u), n
	}
	return int64(u), n
}

// AppendVarInt appends the encoding of v to dst.
func AppendVarInt(dst []byte, v int64) []byte {
	var tmp [MaxLen]byte
	n := PackVarInt(tmp[:], v)
	return append(dst, tmp[:n]...)
}
