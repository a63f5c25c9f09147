package engine

import (
	"bytes"
	"context"
	"slices"
	"sync/atomic"

	"cowkv/btree"
	"cowkv/internal/hashing"
)

// IterOptions bounds an iteration. LowerBound is inclusive unless
// LowerExclusive; UpperBound is exclusive unless UpperInclusive.
type IterOptions = btree.IterOptions

// Tx is the read API both transaction kinds share.
type Tx interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIterator(opts *IterOptions) *Iterator
	Count() (uint64, error)
	CountRange(opts *IterOptions) (uint64, error)
	KeyIndex(key []byte) (uint64, bool, error)
	GetAt(i uint64) (key, value []byte, err error)
	Generation() uint64
}

var (
	_ Tx = (*ReadTx)(nil)
	_ Tx = (*WriteTx)(nil)
)

type snapshotter interface {
	snapshot() (btree.Snapshot, error)
}

// view implements Tx over whatever snapshot src currently exposes.
type view struct {
	db  *DB
	src snapshotter
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (v view) Get(key []byte) ([]byte, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return nil, err
	}
	val, ok, err := s.Find(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return v.db.store.value(val)
}

func (v view) Has(key []byte) (bool, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return false, err
	}
	_, ok, err := s.Find(key)
	return ok, err
}

// NewIterator returns an unpositioned iterator over the transaction's
// snapshot. It must not be used after the transaction ends.
func (v view) NewIterator(opts *IterOptions) *Iterator {
	s, err := v.src.snapshot()
	return &Iterator{v: v, it: s.NewIterator(opts), err: err}
}

func (v view) Count() (uint64, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return 0, err
	}
	return s.Count, nil
}

// CountRange returns the number of keys inside the bounds of opts.
func (v view) CountRange(opts *IterOptions) (uint64, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return 0, err
	}
	return s.CountRange(opts)
}

// KeyIndex returns the position key has, or would have, in ascending order,
// and whether it is present.
func (v view) KeyIndex(key []byte) (uint64, bool, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return 0, false, err
	}
	return s.KeyIndex(key)
}

// GetAt returns the i-th entry in ascending key order, or ErrNotFound.
func (v view) GetAt(i uint64) ([]byte, []byte, error) {
	s, err := v.src.snapshot()
	if err != nil {
		return nil, nil, err
	}
	key, val, ok, err := s.SeekIndex(i)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrNotFound
	}
	value, err := v.db.store.value(val)
	if err != nil {
		return nil, nil, err
	}
	return slices.Clone(key), value, nil
}

//
// Read transactions
//

// ReadTx is a snapshot of one committed version. It stays unchanged while
// later transactions commit. It may be shared between goroutines.
type ReadTx struct {
	view
	head   Head
	closed atomic.Bool
}

// BeginRead starts a read transaction over the latest committed version.
func (db *DB) BeginRead() (*ReadTx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	tx := &ReadTx{head: db.pin()}
	tx.view = view{db: db, src: tx}
	return tx, nil
}

func (tx *ReadTx) snapshot() (btree.Snapshot, error) {
	if tx.closed.Load() {
		return btree.Snapshot{}, ErrTxClosed
	}
	if tx.db.closed.Load() {
		return btree.Snapshot{}, ErrClosed
	}
	return btree.Snapshot{Root: tx.head.Root, Count: tx.head.Count, Loader: tx.db.store}, nil
}

// Generation returns the version the transaction reads.
func (tx *ReadTx) Generation() uint64 { return tx.head.Generation }

// Upsert always fails: the transaction is read-only.
func (tx *ReadTx) Upsert(key, value []byte) error { return ErrReadOnlyTx }

// Delete always fails: the transaction is read-only.
func (tx *ReadTx) Delete(key []byte) (bool, error) { return false, ErrReadOnlyTx }

// Close ends the transaction. Closing twice is a no-op.
func (tx *ReadTx) Close() error {
	if tx.closed.Swap(true) {
		return nil
	}
	tx.db.unpin(tx.head.Generation)
	tx.db.advise()
	return nil
}

//
// Write transactions
//

// WriteTx is the single writer. It reads its own writes. It must be used by
// one goroutine at a time and ended with Commit or Rollback.
type WriteTx struct {
	view
	base Head
	w    *btree.Writer
	done bool

	// blobs written by this transaction, released on rollback
	carved   []btree.Addr
	newDedup []uint64
	garbage  uint64
}

// BeginWrite starts a write transaction. It blocks while another write
// transaction or a compaction batch is active.
func (db *DB) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	db.releasePending()
	return db.newWriteTx(), nil
}

// newWriteTx starts a transaction for a caller already holding the slot.
func (db *DB) newWriteTx() *WriteTx {
	h := db.head.Load()
	tx := &WriteTx{
		base: h,
		w:    btree.NewWriter(db.store, h.Root, h.Count, btree.Config{MaxEntries: db.cfg.NodeMaxEntries}),
	}
	tx.view = view{db: db, src: tx}
	return tx
}

func (tx *WriteTx) snapshot() (btree.Snapshot, error) {
	if tx.done {
		return btree.Snapshot{}, ErrTxClosed
	}
	return tx.w.Snapshot(), nil
}

// Generation returns the version the transaction started from.
func (tx *WriteTx) Generation() uint64 { return tx.base.Generation }

func (tx *WriteTx) checkSizes(key, value []byte) error {
	if len(key) > tx.db.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > tx.db.cfg.MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Upsert stores value under key, replacing any previous value.
func (tx *WriteTx) Upsert(key, value []byte) error {
	if tx.done {
		return ErrTxClosed
	}
	if err := tx.checkSizes(key, value); err != nil {
		return err
	}
	var v btree.Value
	if len(value) <= tx.db.cfg.InlineValueLimit {
		v = btree.InlineValue(slices.Clone(value))
	} else {
		ref, err := tx.putBlob(value)
		if err != nil {
			return err
		}
		v = btree.BlobValue(ref)
	}
	inserted, old, err := tx.w.Upsert(slices.Clone(key), v)
	if err != nil {
		return err
	}
	if !inserted && old.IsBlob() && !old.Equal(v) {
		tx.garbage += uint64(old.Blob.Addr.Length)
	}
	return nil
}

// putBlob stores value as a blob, reusing an identical stored blob when one
// is known.
func (tx *WriteTx) putBlob(value []byte) (btree.BlobRef, error) {
	db := tx.db
	hash := hashing.Checksum(value)
	if a, ok := db.dedup[hash]; ok && a.File != db.compaction.victim {
		ref := btree.BlobRef{Addr: a, Hash: hash, Size: uint32(len(value))}
		if data, err := db.store.blob(ref); err == nil && bytes.Equal(data, value) {
			return ref, nil
		}
	}

	rec, ref := db.store.encodeBlob(value)
	a, err := db.space.write(rec)
	if err != nil {
		return btree.BlobRef{}, err
	}
	ref.Addr = a
	tx.carved = append(tx.carved, a)
	if _, ok := db.dedup[hash]; !ok {
		db.dedup[hash] = a
		tx.newDedup = append(tx.newDedup, hash)
	}
	return ref, nil
}

// Delete removes key and reports whether it was present.
func (tx *WriteTx) Delete(key []byte) (bool, error) {
	if tx.done {
		return false, ErrTxClosed
	}
	ok, old, err := tx.w.Delete(key)
	if err != nil {
		return false, err
	}
	if ok && old.IsBlob() {
		tx.garbage += uint64(old.Blob.Addr.Length)
	}
	return ok, nil
}

// DeleteRange removes every key inside the bounds of opts and returns how
// many were removed.
func (tx *WriteTx) DeleteRange(opts *IterOptions) (uint64, error) {
	if tx.done {
		return 0, ErrTxClosed
	}
	return tx.w.DeleteRange(opts, func(_ []byte, old btree.Value) {
		if old.IsBlob() {
			tx.garbage += uint64(old.Blob.Addr.Length)
		}
	})
}
