package engine

import (
	"context"

	"github.com/cockroachdb/errors"

	"cowkv/btree"
	"cowkv/freespace"
	"cowkv/internal/hashing"
)

// marking is the result of walking every live version.
type marking struct {
	used     map[uint32]*freespace.Set
	headUses map[uint32]bool
	blobs    map[uint64]btree.Addr // by content hash
	blobAt   map[btree.Addr]uint64

	keys     uint64 // in the current version
	nodes    int
	blobRefs int
}

func (m *marking) use(a btree.Addr) bool {
	s, ok := m.used[a.File]
	if !ok {
		s = freespace.New()
		m.used[a.File] = s
	}
	return s.TryInclude(a.Offset, uint64(a.Length))
}

// uncached loads nodes straight from their segments, so that every
// checksum is checked.
type uncached struct{ s *store }

func (u uncached) Load(a btree.Addr) (*btree.Node, error) {
	rec, err := u.s.read(a)
	if err != nil {
		return nil, err
	}
	n, err := btree.DecodeNode(rec)
	return n, errors.Wrapf(err, "node %s", a)
}

// mark walks the current version and every version pinned by a reader,
// recording the ranges they use. l defaults to the cached store. The caller
// holds the write slot.
func (db *DB) mark(ctx context.Context, l btree.Loader) (*marking, error) {
	if l == nil {
		l = db.store
	}
	m := &marking{
		used:     make(map[uint32]*freespace.Set),
		headUses: make(map[uint32]bool),
		blobs:    make(map[uint64]btree.Addr),
		blobAt:   make(map[btree.Addr]uint64),
	}
	seen := make(map[btree.Addr]struct{})
	skip := func(a btree.Addr) bool {
		_, ok := seen[a]
		return ok
	}

	walk := func(root btree.Addr, current bool) error {
		return btree.Walk(l, root, skip, func(a btree.Addr, n *btree.Node) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			seen[a] = struct{}{}
			m.nodes++
			if !m.use(a) {
				return corruptf("node %s overlaps another reachable record", a)
			}
			if current {
				m.headUses[a.File] = true
			}
			if !n.IsLeaf() {
				return nil
			}
			if current {
				m.keys += uint64(n.Len())
			}
			for i := 0; i < n.Len(); i++ {
				v := n.Value(i)
				if !v.IsBlob() {
					continue
				}
				m.blobRefs++
				if current {
					m.headUses[v.Blob.Addr.File] = true
				}
				// Shared blobs are marked once per reference.
				m.use(v.Blob.Addr)
				m.blobs[v.Blob.Hash] = v.Blob.Addr
				m.blobAt[v.Blob.Addr] = v.Blob.Hash
			}
			return nil
		})
	}

	if err := walk(db.head.Load().Root, true); err != nil {
		return nil, err
	}
	for _, root := range db.readerRoots() {
		if err := walk(root, false); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// unreachable returns the ranges of segment idx that are neither used nor
// pending.
func (db *DB) unreachable(idx uint32, seg *segment, m *marking) (*freespace.Set, error) {
	out := freespace.New()
	if size := seg.file.Size(); size > 0 {
		out.TryInclude(0, size)
	}
	if u := m.used[idx]; u != nil && !out.UnmergeInPlace(u) {
		return nil, corruptf("segment %d: reachable record beyond extent %d", idx, seg.file.Size())
	}
	for _, p := range db.space.pendingIn(idx) {
		out.TryExclude(p.Offset, uint64(p.Length))
	}
	return out, nil
}

// applySweep makes every unreachable range free and rebuilds the dedup
// index. It returns the bytes reclaimed.
func (db *DB) applySweep(m *marking) (uint64, error) {
	var reclaimed uint64
	for _, idx := range db.space.indices() {
		seg, ok := db.space.segment(idx)
		if !ok {
			continue
		}
		free, err := db.unreachable(idx, seg, m)
		if err != nil {
			return reclaimed, err
		}
		if !free.Clone().UnmergeInPlace(seg.free) {
			return reclaimed, corruptf("segment %d: free range is reachable", idx)
		}
		reclaimed += free.TotalFree() - seg.free.TotalFree()

		db.space.mu.Lock()
		seg.free = free
		db.space.mu.Unlock()
	}

	db.dedup = m.blobs
	db.blobGarbage = 0
	db.compaction.needSweep = false
	// Moved copies may have become unreachable themselves.
	db.compaction.moved = nil
	if reclaimed > 0 {
		db.store.clearCaches()
		db.logger.Info("swept unreachable records", "bytes", reclaimed)
	}
	return reclaimed, nil
}

// Report is the result of Verify.
type Report struct {
	Generation uint64
	Keys       uint64
	Nodes      int
	Blobs      int // distinct
	BlobRefs   int
	Segments   int

	TotalBytes     uint64
	ReachableBytes uint64
	FreeBytes      uint64
	PendingBytes   uint64

	// LeakedBytes are neither reachable, free nor pending. Overwritten
	// blobs stay leaked until the next sweep.
	LeakedBytes  uint64
	LeakedRanges int
}

// Verify checks every reachable node and blob against its checksum,
// compares the key count with the published one, and accounts for every
// byte of every segment. Integrity failures return an error marked
// ErrCorrupted. It holds the write slot while it runs.
func (db *DB) Verify(ctx context.Context) (Report, error) {
	if err := db.acquire(ctx); err != nil {
		return Report{}, err
	}
	defer db.releaseSlot()
	db.releasePending()

	h := db.head.Load()
	m, err := db.mark(ctx, uncached{db.store})
	if err != nil {
		return Report{}, err
	}
	r := Report{Generation: h.Generation, Keys: m.keys, Nodes: m.nodes, Blobs: len(m.blobAt), BlobRefs: m.blobRefs}
	if m.keys != h.Count {
		return r, corruptf("tree holds %d keys, head records %d", m.keys, h.Count)
	}
	for a, hash := range m.blobAt {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		rec, err := db.store.read(a)
		if err != nil {
			return r, err
		}
		data, raw, err := btree.DecodeBlob(rec)
		if err != nil {
			return r, errors.Wrapf(err, "blob %s", a)
		}
		if !raw {
			if data, err = db.store.strategy.Decompress(data); err != nil {
				return r, errors.Mark(errors.Wrapf(err, "blob %s", a), ErrCorrupted)
			}
		}
		if hashing.Checksum(data) != hash {
			return r, corruptf("blob %s: content hash mismatch", a)
		}
	}

	for _, idx := range db.space.indices() {
		seg, ok := db.space.segment(idx)
		if !ok {
			continue
		}
		r.Segments++
		r.TotalBytes += seg.file.Size()
		if u := m.used[idx]; u != nil {
			r.ReachableBytes += u.TotalFree()
			overlap := false
			u.Ascend(func(off, n uint64) bool {
				overlap = seg.free.Overlaps(off, n)
				return !overlap
			})
			if overlap {
				return r, corruptf("segment %d: reachable range marked free", idx)
			}
		}
		for _, p := range db.space.pendingIn(idx) {
			r.PendingBytes += uint64(p.Length)
		}
		r.FreeBytes += seg.free.TotalFree()

		leaked, err := db.unreachable(idx, seg, m)
		if err != nil {
			return r, err
		}
		leaked.UnmergeInPlace(seg.free)
		r.LeakedBytes += leaked.TotalFree()
		r.LeakedRanges += leaked.Len()
	}
	return r, nil
}
