package manifest

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cowkv/btree"
	"cowkv/compression"
	"cowkv/freespace"
	"cowkv/internal/hashing"
	"cowkv/internal/varint"
)

var ErrInvalidRecord = errors.New("invalid root log record")

// Segment is the allocation state of one data segment.
type Segment struct {
	Index  uint32
	Extent uint64
	Free   *freespace.Set
}

// State is everything needed to reopen a store. Each record carries a full
// state, so recovery only needs the last valid one.
type State struct {
	StoreID     uuid.UUID
	Generation  uint64
	Root        btree.Addr
	Count       uint64
	Compression compression.Strategy
	Active      uint32
	Segments    []Segment
}

// Record is a decoded root log entry.
type Record struct {
	Type  uint8
	State State
}

// Clean reports whether the record marks an orderly shutdown.
func (r Record) Clean() bool { return r.Type == RecordTypeClose }

// EncodeRecord frames rec as [hash u64][length u32][payload]. The hash covers
// length and payload.
func EncodeRecord(rec Record) ([]byte, error) {
	switch rec.Type {
	case RecordTypeCommit, RecordTypeCheckpoint, RecordTypeClose:
	default:
		return nil, errors.Wrapf(ErrInvalidRecord, "type %d", rec.Type)
	}

	b := varint.GetBuffer()
	defer b.Free()

	b.Write(make([]byte, headerSize))
	b.WriteByte(rec.Type)
	b.WriteByte(formatVersion)

	s := rec.State
	b.Write(s.StoreID[:])
	b.WriteUInt(s.Generation)
	b.WriteUInt(uint64(s.Root.File))
	b.WriteUInt(s.Root.Offset)
	b.WriteUInt(uint64(s.Root.Length))
	b.WriteUInt(s.Count)
	b.WriteByte(byte(s.Compression))
	b.WriteUInt(uint64(s.Active))
	b.WriteUInt(uint64(len(s.Segments)))
	for _, seg := range s.Segments {
		b.WriteUInt(uint64(seg.Index))
		b.WriteUInt(seg.Extent)
		free := seg.Free
		if free == nil {
			free = freespace.New()
		}
		b.WriteBlock(free.AppendBinary(nil))
	}

	raw := append([]byte(nil), b.Bytes()...)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(raw)-headerSize))
	binary.LittleEndian.PutUint64(raw[0:8], hashing.Checksum(raw[8:]))
	return raw, nil
}

// DecodeRecord parses the record at the start of data and returns its total
// length.
func DecodeRecord(data []byte) (Record, int, error) {
	if len(data) < headerSize {
		return Record{}, 0, errors.Wrap(ErrInvalidRecord, "short header")
	}

	want := binary.LittleEndian.Uint64(data[0:8])
	length := binary.LittleEndian.Uint32(data[8:12])
	total := headerSize + int(length)
	if length == 0 || len(data) < total {
		return Record{}, 0, errors.Wrapf(ErrInvalidRecord, "length %d", length)
	}
	if hashing.Checksum(data[8:total]) != want {
		return Record{}, 0, errors.Wrap(ErrInvalidRecord, "checksum mismatch")
	}

	r := varint.NewReader(data[headerSize:total])
	var rec Record
	rec.Type, _ = r.ReadByte()
	if v, _ := r.ReadByte(); v != formatVersion {
		return Record{}, 0, errors.Wrapf(ErrInvalidRecord, "format version %d", v)
	}

	s := &rec.State
	copy(s.StoreID[:], r.Next(len(s.StoreID)))
	s.Generation = r.UInt()
	s.Root = btree.Addr{File: uint32(r.UInt()), Offset: r.UInt(), Length: uint32(r.UInt())}
	s.Count = r.UInt()
	strategy, _ := r.ReadByte()
	s.Compression = compression.Strategy(strategy)
	s.Active = uint32(r.UInt())

	n := r.UInt()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		seg := Segment{Index: uint32(r.UInt()), Extent: r.UInt(), Free: freespace.New()}
		enc := r.Block()
		if r.Err() != nil {
			break
		}
		if err := seg.Free.UnmarshalBinary(enc); err != nil {
			return Record{}, 0, errors.Mark(errors.Wrapf(err, "segment %d free set", seg.Index), ErrInvalidRecord)
		}
		s.Segments = append(s.Segments, seg)
	}
	if err := r.Err(); err != nil {
		return Record{}, 0, errors.Mark(errors.Wrap(err, "root log record"), ErrInvalidRecord)
	}
	if r.Remaining() != 0 {
		return Record{}, 0, errors.Wrapf(ErrInvalidRecord, "%d trailing bytes", r.Remaining())
	}
	switch rec.Type {
	case RecordTypeCommit, RecordTypeCheckpoint, RecordTypeClose:
	default:
		return Record{}, 0, errors.Wrapf(ErrInvalidRecord, "type %d", rec.Type)
	}
	if !s.Compression.Valid() {
		return Record{}, 0, errors.Wrapf(ErrInvalidRecord, "compression %d", strategy)
	}
	return rec, total, nil
}
