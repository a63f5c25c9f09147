package engine

import (
	"slices"

	"cowkv/btree"
)

// Iterator walks a transaction's snapshot in key order, or in reverse order
// when IterOptions.Reverse is set. Calling SeekToFirst after exhaustion
// replays the same snapshot.
type Iterator struct {
	v   view
	it  *btree.Iterator
	err error
}

// alive fails the iterator once its transaction has ended.
func (it *Iterator) alive() bool {
	if it.err != nil {
		return false
	}
	if _, err := it.v.src.snapshot(); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *Iterator) SeekToFirst() {
	if it.alive() {
		it.it.SeekToFirst()
	}
}

// Seek positions at the first key at or after key in iteration order: at or
// below key when iterating in reverse.
func (it *Iterator) Seek(key []byte) {
	if it.alive() {
		it.it.Seek(key)
	}
}

func (it *Iterator) Next() {
	if it.alive() {
		it.it.Next()
	}
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.it.Valid()
}

// Key returns a copy of the current key.
func (it *Iterator) Key() []byte {
	return slices.Clone(it.it.Key())
}

// Value returns a copy of the current value. A blob that cannot be read
// ends the iteration; see Err.
func (it *Iterator) Value() []byte {
	v, err := it.v.db.store.value(it.it.Value())
	if err != nil {
		it.err = err
		return nil
	}
	return v
}

// Err returns the failure that ended the iteration, if any.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Err()
}
