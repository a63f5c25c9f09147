package varint

import (
	"bytes"
	"math"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestVarUIntBoundaries(t *testing.T) {
	var values []uint64
	for shift := 0; shift < 64; shift++ {
		v := uint64(1) << shift
		values = append(values, v-1, v, v+1)
	}
	values = append(values, math.MaxUint64-1, math.MaxUint64)

	for _, v := range values {
		var buf [MaxLen]byte
		n := PackVarUInt(buf[:], v)
		if n != LenVarUInt(v) {
			t.Fatalf("value %d: packed %d bytes, LenVarUInt says %d", v, n, LenVarUInt(v))
		}
		got, m := UnpackVarUInt(buf[:n])
		if m != n || got != v {
			t.Fatalf("value %d: round trip gave %d (%d bytes of %d)", v, got, m, n)
		}
	}
}

func TestVarUIntOrder(t *testing.T) {
	check := func(v uint64) {
		if v == 0 {
			return
		}
		a := AppendVarUInt(nil, v-1)
		b := AppendVarUInt(nil, v)
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("encode(%d)=%x not below encode(%d)=%x", v-1, a, v, b)
		}
		if len(a) > len(b) {
			t.Fatalf("encode(%d) longer than encode(%d)", v-1, v)
		}
	}
	for shift := 0; shift < 64; shift++ {
		v := uint64(1) << shift
		check(v)
		check(v + 1)
		check(v - 1)
	}
	check(math.MaxUint64)

	f := fuzz.New().NilChance(0)
	for i := 0; i < 10000; i++ {
		var v uint64
		f.Fuzz(&v)
		check(v)
	}
}

func TestVarUIntRandomPairs(t *testing.T) {
	f := fuzz.New().NilChance(0)
	for i := 0; i < 10000; i++ {
		var a, b uint64
		f.Fuzz(&a)
		f.Fuzz(&b)
		ea, eb := AppendVarUInt(nil, a), AppendVarUInt(nil, b)
		want := 0
		if a < b {
			want = -1
		} else if a > b {
			want = 1
		}
		if got := bytes.Compare(ea, eb); got != want {
			t.Fatalf("compare(%d, %d): bytes say %d", a, b, got)
		}
	}
}

func TestVarUIntTruncated(t *testing.T) {
	buf := AppendVarUInt(nil, 1<<40)
	for i := 0; i < len(buf); i++ {
		if _, n := UnpackVarUInt(buf[:i]); n != 0 {
			t.Fatalf("prefix of %d bytes decoded as %d bytes", i, n)
		}
	}
}

func TestVarIntOrderAndRoundTrip(t *testing.T) {
	var values []int64
	for shift := 0; shift < 63; shift++ {
		v := int64(1) << shift
		values = append(values, v-1, v, v+1, -v-1, -v, -v+1)
	}
	values = append(values, math.MinInt64, math.MinInt64+1, math.MaxInt64-1, math.MaxInt64, 0, -1)

	f := fuzz.New().NilChance(0)
	for i := 0; i < 5000; i++ {
		var v int64
		f.Fuzz(&v)
		values = append(values, v)
	}

	for _, v := range values {
		enc := AppendVarInt(nil, v)
		if len(enc) != LenVarInt(v) {
			t.Fatalf("value %d: %d bytes, LenVarInt says %d", v, len(enc), LenVarInt(v))
		}
		got, n := UnpackVarInt(enc)
		if n != len(enc) || got != v {
			t.Fatalf("value %d: round trip gave %d (%d of %d bytes)", v, got, n, len(enc))
		}
		if v == math.MinInt64 {
			continue
		}
		prev := AppendVarInt(nil, v-1)
		if bytes.Compare(prev, enc) >= 0 {
			t.Fatalf("encode(%d)=%x not below encode(%d)=%x", v-1, prev, v, enc)
		}
	}
}

func TestBufferReader(t *testing.T) {
	b := GetBuffer()
	defer b.Free()

	b.WriteUInt(300)
	b.WriteInt(-5)
	b.WriteBlock([]byte("hello"))
	b.WriteByte(7)

	r := NewReader(b.Bytes())
	if v := r.UInt(); v != 300 {
		t.Fatalf("UInt: got %d", v)
	}
	if v := r.Int(); v != -5 {
		t.Fatalf("Int: got %d", v)
	}
	if v := r.Block(); string(v) != "hello" {
		t.Fatalf("Block: got %q", v)
	}
	if c, err := r.ReadByte(); err != nil || c != 7 {
		t.Fatalf("ReadByte: got %d, %v", c, err)
	}
	if _, err := r.ReadByte(); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if r.Err() != ErrTruncated {
		t.Fatalf("error should stick")
	}
}
