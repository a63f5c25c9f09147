package engine

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"cowkv/btree"
	"cowkv/compression"
	"cowkv/files"
	"cowkv/internal/cache"
	"cowkv/internal/hashing"
)

// store reads persisted records. It is the btree.Loader every snapshot uses
// and is safe for concurrent use.
type store struct {
	files    files.Collection
	strategy compression.Strategy

	nodes  *cache.LRU[btree.Addr, *btree.Node]
	values *cache.BytesLRU[[]byte]
}

func newStore(c files.Collection, s compression.Strategy, cfg *Config) *store {
	return &store{
		files:    c,
		strategy: s,
		nodes:    cache.NewLRU[btree.Addr, *btree.Node](cfg.NodeCacheSize),
		values:   cache.NewBytesLRU[[]byte](cfg.ValueCacheSize),
	}
}

type addrKey [16]byte

func keyOf(a btree.Addr) addrKey {
	var k addrKey
	binary.BigEndian.PutUint32(k[0:], a.File)
	binary.BigEndian.PutUint64(k[4:], a.Offset)
	binary.BigEndian.PutUint32(k[12:], a.Length)
	return k
}

// read returns the raw record at a.
func (s *store) read(a btree.Addr) ([]byte, error) {
	f, ok := s.files.File(a.File)
	if !ok {
		return nil, corruptf("record %s: segment missing", a)
	}
	if a.End() > f.Size() {
		return nil, corruptf("record %s: beyond segment end %d", a, f.Size())
	}
	buf := make([]byte, a.Length)
	if _, err := f.ReadAt(buf, int64(a.Offset)); err != nil {
		return nil, errors.Wrapf(err, "read record %s", a)
	}
	return buf, nil
}

// Load implements btree.Loader.
func (s *store) Load(a btree.Addr) (*btree.Node, error) {
	if n, ok := s.nodes.Get(a); ok {
		return n, nil
	}
	rec, err := s.read(a)
	if err != nil {
		return nil, err
	}
	n, err := btree.DecodeNode(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", a)
	}
	s.nodes.Set(a, n)
	return n, nil
}

// blob returns the uncompressed content of ref. The result is shared with
// the cache and must not be modified.
func (s *store) blob(ref btree.BlobRef) ([]byte, error) {
	k := keyOf(ref.Addr)
	if v, ok := s.values.Get(k[:]); ok {
		return v, nil
	}
	rec, err := s.read(ref.Addr)
	if err != nil {
		return nil, err
	}
	data, raw, err := btree.DecodeBlob(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "blob %s", ref.Addr)
	}
	if !raw {
		if data, err = s.strategy.Decompress(data); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "blob %s", ref.Addr), ErrCorrupted)
		}
	}
	if uint64(len(data)) != uint64(ref.Size) {
		return nil, corruptf("blob %s: size %d, want %d", ref.Addr, len(data), ref.Size)
	}
	s.values.Set(k[:], data)
	return data, nil
}

// value resolves v to its bytes, copied so callers may keep and modify them.
func (s *store) value(v btree.Value) ([]byte, error) {
	if !v.IsBlob() {
		return append([]byte{}, v.Inline...), nil
	}
	data, err := s.blob(v.Blob)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, data...), nil
}

// encodeBlob builds the blob record for value. It is stored raw unless
// compression makes it smaller.
func (s *store) encodeBlob(value []byte) (rec []byte, ref btree.BlobRef) {
	ref = btree.BlobRef{Hash: hashing.Checksum(value), Size: uint32(len(value))}
	if s.strategy != compression.None && len(value) > 1 {
		dst := make([]byte, len(value)-1)
		if n, err := s.strategy.CompressTo(dst, value); err == nil {
			return btree.EncodeBlob(dst[:n], false), ref
		}
	}
	return btree.EncodeBlob(value, true), ref
}

// forget drops cached entries for a range that became free.
func (s *store) forget(a btree.Addr) {
	s.nodes.Remove(a)
	k := keyOf(a)
	s.values.Remove(k[:])
}

// forgetSegment drops the cached nodes of a retired segment.
func (s *store) forgetSegment(idx uint32) int {
	return s.nodes.RemoveFunc(func(a btree.Addr) bool { return a.File == idx })
}

func (s *store) clearCaches() {
	s.nodes.Clear()
	s.values.Clear()
}
