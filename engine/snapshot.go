package engine

import (
	"math"
	"sync/atomic"

	"cowkv/btree"
	"cowkv/internal/seqlock"
)

// Head is the published state of the store.
type Head struct {
	Root       btree.Addr
	Generation uint64
	Count      uint64
}

// head publishes the current root. Every field is an atomic so that Load
// can read it without a lock; the seqlock makes the group consistent.
type head struct {
	seq seqlock.SeqLock

	file   atomic.Uint32
	offset atomic.Uint64
	length atomic.Uint32
	gen    atomic.Uint64
	count  atomic.Uint64
}

func (h *head) Store(v Head) {
	h.seq.BeginWrite()
	h.file.Store(v.Root.File)
	h.offset.Store(v.Root.Offset)
	h.length.Store(v.Root.Length)
	h.gen.Store(v.Generation)
	h.count.Store(v.Count)
	h.seq.EndWrite()
}

func (h *head) Load() Head {
	var v Head
	h.seq.Read(func() {
		v = Head{
			Root:       btree.Addr{File: h.file.Load(), Offset: h.offset.Load(), Length: h.length.Load()},
			Generation: h.gen.Load(),
			Count:      h.count.Load(),
		}
	})
	return v
}

//
// Reader registry
//

type readerRef struct {
	root btree.Addr
	refs int
}

// pin registers a reader of the current head. The head is read under mu so
// that a commit cannot release the nodes between the read and the
// registration.
func (db *DB) pin() Head {
	db.mu.Lock()
	defer db.mu.Unlock()
	h := db.head.Load()
	r, ok := db.readers[h.Generation]
	if !ok {
		r = &readerRef{root: h.Root}
		db.readers[h.Generation] = r
	}
	r.refs++
	return h
}

func (db *DB) unpin(gen uint64) {
	db.mu.Lock()
	if r, ok := db.readers[gen]; ok {
		r.refs--
		if r.refs == 0 {
			delete(db.readers, gen)
		}
	}
	db.mu.Unlock()
}

// oldestReader returns the oldest generation being read, or MaxUint64 when
// there are no readers.
func (db *DB) oldestReader() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	oldest := uint64(math.MaxUint64)
	for gen := range db.readers {
		oldest = min(oldest, gen)
	}
	return oldest
}

// readerRoots returns the distinct roots pinned by readers.
func (db *DB) readerRoots() []btree.Addr {
	db.mu.Lock()
	defer db.mu.Unlock()
	roots := make([]btree.Addr, 0, len(db.readers))
	for _, r := range db.readers {
		roots = append(roots, r.root)
	}
	return roots
}

func (db *DB) readerCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, r := range db.readers {
		n += r.refs
	}
	return n
}
