package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"cowkv/internal/hashing"
	"cowkv/internal/varint"
)

// Record tags. Every record is [tag][payload][8-byte checksum of tag+payload].
const (
	TagLeaf   byte = 1
	TagBranch byte = 2
	TagBlob   byte = 3
)

const (
	valueInline byte = 0
	valueBlob   byte = 1

	blobRaw byte = 1 << 0
)

// RecordOverhead is the framing added around a payload.
const RecordOverhead = 1 + hashing.Size

func seal(b *varint.Buffer) []byte {
	sum := hashing.Checksum(b.Bytes())
	var trailer [hashing.Size]byte
	binary.BigEndian.PutUint64(trailer[:], sum)
	b.Write(trailer[:])
	return append([]byte(nil), b.Bytes()...)
}

// Open checks a record's checksum and returns its tag and payload.
func Open(rec []byte) (byte, []byte, error) {
	if len(rec) < RecordOverhead {
		return 0, nil, errors.Wrapf(ErrCorrupted, "record of %d bytes", len(rec))
	}
	body := rec[:len(rec)-hashing.Size]
	want := binary.BigEndian.Uint64(rec[len(body):])
	if got := hashing.Checksum(body); got != want {
		return 0, nil, errors.Wrapf(ErrCorrupted, "checksum %016x, want %016x", got, want)
	}
	return body[0], body[1:], nil
}

func writeAddr(b *varint.Buffer, a Addr) {
	b.WriteUInt(uint64(a.File))
	b.WriteUInt(a.Offset)
	b.WriteUInt(uint64(a.Length))
}

func readAddr(r *varint.Reader) Addr {
	return Addr{
		File:   uint32(r.UInt()),
		Offset: r.UInt(),
		Length: uint32(r.UInt()),
	}
}

// writeKey stores key as the length of the prefix shared with prev plus the
// remaining suffix.
func writeKey(b *varint.Buffer, prev, key []byte) {
	shared := 0
	for shared < len(prev) && shared < len(key) && prev[shared] == key[shared] {
		shared++
	}
	b.WriteUInt(uint64(shared))
	b.WriteBlock(key[shared:])
}

func readKey(r *varint.Reader, prev []byte) []byte {
	shared := r.UInt()
	suffix := r.Block()
	if r.Err() != nil {
		return nil
	}
	if shared > uint64(len(prev)) {
		return nil
	}
	key := make([]byte, 0, int(shared)+len(suffix))
	key = append(key, prev[:shared]...)
	return append(key, suffix...)
}

// EncodeNode serializes a node whose children are all persisted.
func EncodeNode(n *Node) ([]byte, error) {
	b := varint.GetBuffer()
	defer b.Free()

	if n.leaf {
		b.WriteByte(TagLeaf)
	} else {
		b.WriteByte(TagBranch)
	}
	b.WriteUInt(uint64(len(n.keys)))

	var prev []byte
	for i, key := range n.keys {
		writeKey(b, prev, key)
		prev = key
		if n.leaf {
			v := n.values[i]
			if v.IsBlob() {
				b.WriteByte(valueBlob)
				writeAddr(b, v.Blob.Addr)
				var h [8]byte
				binary.BigEndian.PutUint64(h[:], v.Blob.Hash)
				b.Write(h[:])
				b.WriteUInt(uint64(v.Blob.Size))
			} else {
				b.WriteByte(valueInline)
				b.WriteBlock(v.Inline)
			}
			continue
		}
		c := n.children[i]
		if c.Addr.InArena() || c.Addr.IsZero() {
			return nil, errors.AssertionFailedf("btree: encoding branch with unpersisted child %s", c.Addr)
		}
		writeAddr(b, c.Addr)
		b.WriteUInt(c.Count)
	}
	return seal(b), nil
}

// DecodeNode parses a record produced by EncodeNode. The result does not
// alias rec.
func DecodeNode(rec []byte) (*Node, error) {
	tag, payload, err := Open(rec)
	if err != nil {
		return nil, err
	}
	if tag != TagLeaf && tag != TagBranch {
		return nil, errors.Wrapf(ErrCorrupted, "unexpected record tag %d", tag)
	}

	r := varint.NewReader(payload)
	count := r.UInt()
	if count == 0 || count > uint64(len(payload)) {
		return nil, errors.Wrapf(ErrCorrupted, "node with %d entries", count)
	}

	keys := make([][]byte, 0, count)
	var values []Value
	var children []Child
	var prev []byte
	for i := uint64(0); i < count; i++ {
		key := readKey(r, prev)
		if r.Err() != nil || key == nil {
			return nil, errors.Wrapf(ErrCorrupted, "entry %d key", i)
		}
		if i > 0 && bytes.Compare(prev, key) >= 0 {
			return nil, errors.Wrapf(ErrCorrupted, "keys out of order at entry %d", i)
		}
		keys = append(keys, key)
		prev = key

		if tag == TagLeaf {
			kind, _ := r.ReadByte()
			switch kind {
			case valueInline:
				values = append(values, Value{Inline: append([]byte{}, r.Block()...)})
			case valueBlob:
				ref := BlobRef{Addr: readAddr(r)}
				if h := r.Next(8); h != nil {
					ref.Hash = binary.BigEndian.Uint64(h)
				}
				ref.Size = uint32(r.UInt())
				values = append(values, Value{Blob: ref})
			default:
				return nil, errors.Wrapf(ErrCorrupted, "entry %d value kind %d", i, kind)
			}
		} else {
			c := Child{Addr: readAddr(r), Count: r.UInt()}
			children = append(children, c)
		}
		if r.Err() != nil {
			return nil, errors.Wrapf(ErrCorrupted, "entry %d: %v", i, r.Err())
		}
	}
	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrCorrupted, "%d trailing bytes in node", r.Remaining())
	}

	if tag == TagLeaf {
		return newLeaf(keys, values), nil
	}
	return newBranch(keys, children), nil
}

// EncodeBlob frames a blob's stored bytes. raw means data is uncompressed.
func EncodeBlob(data []byte, raw bool) []byte {
	b := varint.GetBuffer()
	defer b.Free()

	b.WriteByte(TagBlob)
	var flags byte
	if raw {
		flags |= blobRaw
	}
	b.WriteByte(flags)
	b.Write(data)
	return seal(b)
}

// DecodeBlob verifies a blob record. data aliases rec.
func DecodeBlob(rec []byte) (data []byte, raw bool, err error) {
	tag, payload, err := Open(rec)
	if err != nil {
		return nil, false, err
	}
	if tag != TagBlob || len(payload) < 1 {
		return nil, false, errors.Wrapf(ErrCorrupted, "unexpected record tag %d", tag)
	}
	return payload[1:], payload[0]&blobRaw != 0, nil
}
