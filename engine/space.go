package engine

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"cowkv/btree"
	"cowkv/files"
	"cowkv/freespace"
	"cowkv/manifest"
)

// segment is a data segment and its free ranges below the file extent.
type segment struct {
	file files.File
	free *freespace.Set
}

// pendingFree is a range the tree stopped referencing at gen. Readers older
// than gen may still use it.
type pendingFree struct {
	addr btree.Addr
	gen  uint64
}

// space tracks allocation across data segments. Mutations happen only while
// holding the write slot; mu lets Stats read concurrently.
type space struct {
	logger *slog.Logger

	mu      sync.Mutex
	segs    map[uint32]*segment
	active  uint32
	pending []pendingFree
}

func newSpace(logger *slog.Logger) *space {
	return &space{logger: logger, segs: make(map[uint32]*segment)}
}

func (sp *space) add(f files.File, free *freespace.Set) {
	sp.mu.Lock()
	sp.segs[f.Index()] = &segment{file: f, free: free}
	sp.mu.Unlock()
}

func (sp *space) setActive(idx uint32) {
	sp.mu.Lock()
	sp.active = idx
	sp.mu.Unlock()
}

func (sp *space) activeIndex() uint32 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.active
}

func (sp *space) drop(idx uint32) {
	sp.mu.Lock()
	delete(sp.segs, idx)
	sp.mu.Unlock()
}

// indices returns the data segment indices in ascending order.
func (sp *space) indices() []uint32 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]uint32, 0, len(sp.segs))
	for idx := range sp.segs {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

func (sp *space) segment(idx uint32) (*segment, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	s, ok := sp.segs[idx]
	return s, ok
}

// write stores rec in the active segment, reusing a free range when one is
// large enough and appending otherwise.
func (sp *space) write(rec []byte) (btree.Addr, error) {
	sp.mu.Lock()
	seg := sp.segs[sp.active]
	off, ok := seg.free.TryFindLenAndRemove(uint64(len(rec)))
	sp.mu.Unlock()

	a := btree.Addr{File: seg.file.Index(), Length: uint32(len(rec))}
	if ok {
		if _, err := seg.file.WriteAt(rec, int64(off)); err != nil {
			sp.release(btree.Addr{File: a.File, Offset: off, Length: a.Length})
			return btree.Addr{}, errors.Wrapf(err, "write segment %d", a.File)
		}
		a.Offset = off
		return a, nil
	}
	off, err := seg.file.Append(rec)
	if err != nil {
		return btree.Addr{}, errors.Wrapf(err, "append segment %d", a.File)
	}
	a.Offset = off
	return a, nil
}

// release returns a range to its segment's free set.
func (sp *space) release(a btree.Addr) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	seg, ok := sp.segs[a.File]
	if !ok {
		return
	}
	if !seg.free.TryInclude(a.Offset, uint64(a.Length)) {
		sp.logger.Error("released range overlaps free space", "addr", a.String())
	}
}

func (sp *space) addPending(addrs []btree.Addr, gen uint64) {
	sp.mu.Lock()
	for _, a := range addrs {
		sp.pending = append(sp.pending, pendingFree{addr: a, gen: gen})
	}
	sp.mu.Unlock()
}

// dropPending forgets the ranges tagged gen, for a commit that failed.
func (sp *space) dropPending(gen uint64) {
	sp.mu.Lock()
	sp.pending = slices.DeleteFunc(sp.pending, func(p pendingFree) bool { return p.gen == gen })
	sp.mu.Unlock()
}

// releasePending frees every pending range no reader can reach: those
// tagged at or below oldest, the oldest generation still being read.
func (sp *space) releasePending(oldest uint64) []btree.Addr {
	sp.mu.Lock()
	var freed []btree.Addr
	keep := sp.pending[:0]
	for _, p := range sp.pending {
		if p.gen <= oldest {
			freed = append(freed, p.addr)
		} else {
			keep = append(keep, p)
		}
	}
	clear(sp.pending[len(keep):])
	sp.pending = keep
	sp.mu.Unlock()

	for _, a := range freed {
		sp.release(a)
	}
	return freed
}

// pendingIn returns the pending ranges of segment idx.
func (sp *space) pendingIn(idx uint32) []btree.Addr {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	var out []btree.Addr
	for _, p := range sp.pending {
		if p.addr.File == idx {
			out = append(out, p.addr)
		}
	}
	return out
}

// state returns the persisted view of every segment. Pending ranges are
// recorded as free: once the store reopens no reader can reach them.
func (sp *space) state() (uint32, []manifest.Segment) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	segs := make([]manifest.Segment, 0, len(sp.segs))
	for idx, s := range sp.segs {
		free := s.free.Clone()
		for _, p := range sp.pending {
			if p.addr.File == idx {
				free.TryInclude(p.addr.Offset, uint64(p.addr.Length))
			}
		}
		segs = append(segs, manifest.Segment{Index: idx, Extent: s.file.Size(), Free: free})
	}
	slices.SortFunc(segs, func(a, b manifest.Segment) int { return cmp.Compare(a.Index, b.Index) })
	return sp.active, segs
}

type spaceTotals struct {
	segments int
	total    uint64
	free     uint64
	pending  uint64
}

func (sp *space) totals() spaceTotals {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	t := spaceTotals{segments: len(sp.segs)}
	for _, s := range sp.segs {
		t.total += s.file.Size()
		t.free += s.free.TotalFree()
	}
	for _, p := range sp.pending {
		t.pending += uint64(p.addr.Length)
	}
	return t
}

// trimTails cuts free runs off the end of every segment and reports whether
// any segment shrank.
func (sp *space) trimTails() (bool, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	shrank := false
	for idx, s := range sp.segs {
		size := s.file.Size()
		ext := s.free.TrimTail(size)
		if ext == size {
			continue
		}
		if err := s.file.Truncate(ext); err != nil {
			// Keep the accounting consistent with the file.
			s.free.TryInclude(ext, size-ext)
			return shrank, errors.Wrapf(err, "truncate segment %d", idx)
		}
		shrank = true
	}
	return shrank, nil
}
