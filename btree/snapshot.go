package btree

import (
	"bytes"
	"slices"
)

// Snapshot is a read-only view of one tree version.
type Snapshot struct {
	Root   Addr
	Count  uint64
	Loader Loader
}

// Find returns the value stored under key.
func (s Snapshot) Find(key []byte) (Value, bool, error) {
	a := s.Root
	for !a.IsZero() {
		n, err := s.Loader.Load(a)
		if err != nil {
			return Value{}, false, err
		}
		if n.leaf {
			i, found := slices.BinarySearchFunc(n.keys, key, bytes.Compare)
			if !found {
				return Value{}, false, nil
			}
			return n.values[i], true, nil
		}
		a = n.children[childIndex(n.keys, key)].Addr
	}
	return Value{}, false, nil
}

// rank returns the number of keys below key, or at most key when inclusive.
func (s Snapshot) rank(key []byte, inclusive bool) (uint64, error) {
	var r uint64
	a := s.Root
	for !a.IsZero() {
		n, err := s.Loader.Load(a)
		if err != nil {
			return 0, err
		}
		if n.leaf {
			i, found := slices.BinarySearchFunc(n.keys, key, bytes.Compare)
			if found && inclusive {
				i++
			}
			return r + uint64(i), nil
		}
		ci := childIndex(n.keys, key)
		for _, c := range n.children[:ci] {
			r += c.Count
		}
		a = n.children[ci].Addr
	}
	return r, nil
}

// KeyIndex returns the position key has, or would have, in ascending order,
// and whether it is present.
func (s Snapshot) KeyIndex(key []byte) (uint64, bool, error) {
	below, err := s.rank(key, false)
	if err != nil {
		return 0, false, err
	}
	upTo, err := s.rank(key, true)
	if err != nil {
		return 0, false, err
	}
	return below, upTo > below, nil
}

// SeekIndex returns the entry at ascending position i.
func (s Snapshot) SeekIndex(i uint64) ([]byte, Value, bool, error) {
	if i >= s.Count {
		return nil, Value{}, false, nil
	}
	a := s.Root
	for {
		n, err := s.Loader.Load(a)
		if err != nil {
			return nil, Value{}, false, err
		}
		if n.leaf {
			if i >= uint64(n.Len()) {
				return nil, Value{}, false, ErrCorrupted
			}
			return n.keys[i], n.values[i], true, nil
		}
		next := -1
		for ci, c := range n.children {
			if i < c.Count {
				next = ci
				break
			}
			i -= c.Count
		}
		if next < 0 {
			return nil, Value{}, false, ErrCorrupted
		}
		a = n.children[next].Addr
	}
}

// CountRange returns the number of keys inside the bounds of opts.
func (s Snapshot) CountRange(opts *IterOptions) (uint64, error) {
	if opts == nil {
		return s.Count, nil
	}
	lo, hi := uint64(0), s.Count
	var err error
	if opts.LowerBound != nil {
		if lo, err = s.rank(opts.LowerBound, opts.LowerExclusive); err != nil {
			return 0, err
		}
	}
	if opts.UpperBound != nil {
		if hi, err = s.rank(opts.UpperBound, opts.UpperInclusive); err != nil {
			return 0, err
		}
	}
	if hi <= lo {
		return 0, nil
	}
	return hi - lo, nil
}
