package btree

import (
	"bytes"
	"slices"
)

// IterOptions bounds an iteration. LowerBound is inclusive unless
// LowerExclusive; UpperBound is exclusive unless UpperInclusive. A nil bound
// is open.
type IterOptions struct {
	LowerBound     []byte
	LowerExclusive bool
	UpperBound     []byte
	UpperInclusive bool
	Reverse        bool
}

func (o *IterOptions) aboveLower(key []byte) bool {
	if o.LowerBound == nil {
		return true
	}
	c := bytes.Compare(key, o.LowerBound)
	return c > 0 || (c == 0 && !o.LowerExclusive)
}

func (o *IterOptions) belowUpper(key []byte) bool {
	if o.UpperBound == nil {
		return true
	}
	c := bytes.Compare(key, o.UpperBound)
	return c < 0 || (c == 0 && o.UpperInclusive)
}

type frame struct {
	node *Node
	idx  int
}

// Iterator walks a snapshot in key order, or in reverse order when
// IterOptions.Reverse is set. It is restartable: SeekToFirst after
// exhaustion replays the same snapshot.
type Iterator struct {
	snap  Snapshot
	opts  IterOptions
	stack []frame
	valid bool
	err   error
}

// NewIterator returns an unpositioned iterator. Call SeekToFirst or Seek
// before reading.
func (s Snapshot) NewIterator(opts *IterOptions) *Iterator {
	it := &Iterator{snap: s}
	if opts != nil {
		it.opts = *opts
	}
	return it
}

func (it *Iterator) Valid() bool { return it.valid }

// Err returns the load or decode failure that ended the iteration.
func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Key() []byte {
	f := it.stack[len(it.stack)-1]
	return f.node.keys[f.idx]
}

func (it *Iterator) Value() Value {
	f := it.stack[len(it.stack)-1]
	return f.node.values[f.idx]
}

// SeekToFirst positions at the first entry in iteration order.
func (it *Iterator) SeekToFirst() {
	o := &it.opts
	if !o.Reverse {
		switch {
		case o.LowerBound == nil:
			it.edge(false)
		case o.LowerExclusive:
			it.seek(o.LowerBound, seekGT)
		default:
			it.seek(o.LowerBound, seekGE)
		}
	} else {
		switch {
		case o.UpperBound == nil:
			it.edge(true)
		case o.UpperInclusive:
			it.seek(o.UpperBound, seekLE)
		default:
			it.seek(o.UpperBound, seekLT)
		}
	}
	it.checkBounds()
}

// Seek positions at the first entry at or after key in iteration order: the
// smallest key >= key going forward, the largest key <= key in reverse.
func (it *Iterator) Seek(key []byte) {
	o := &it.opts
	if !o.Reverse {
		if !o.aboveLower(key) {
			it.SeekToFirst()
			return
		}
		it.seek(key, seekGE)
	} else {
		if !o.belowUpper(key) {
			it.SeekToFirst()
			return
		}
		it.seek(key, seekLE)
	}
	it.checkBounds()
}

// Next advances in iteration order.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	if it.opts.Reverse {
		it.step(-1)
	} else {
		it.step(1)
	}
	it.checkBounds()
}

func (it *Iterator) checkBounds() {
	if !it.valid {
		return
	}
	key := it.Key()
	if it.opts.Reverse {
		it.valid = it.opts.aboveLower(key)
	} else {
		it.valid = it.opts.belowUpper(key)
	}
}

type seekMode int

const (
	seekGE seekMode = iota
	seekGT
	seekLE
	seekLT
)

func (it *Iterator) reset() bool {
	it.stack = it.stack[:0]
	it.valid = false
	it.err = nil
	return !it.snap.Root.IsZero()
}

func (it *Iterator) load(a Addr) *Node {
	n, err := it.snap.Loader.Load(a)
	if err != nil {
		it.err = err
		it.valid = false
	}
	return n
}

// edge positions at the first entry, or the last when last is set.
func (it *Iterator) edge(last bool) {
	if !it.reset() {
		return
	}
	it.descendEdge(it.snap.Root, last)
}

func (it *Iterator) descendEdge(a Addr, last bool) {
	for {
		n := it.load(a)
		if n == nil {
			return
		}
		idx := 0
		if last {
			idx = n.Len() - 1
		}
		it.stack = append(it.stack, frame{node: n, idx: idx})
		if n.leaf {
			it.valid = idx >= 0 && idx < n.Len()
			return
		}
		a = n.children[idx].Addr
	}
}

func (it *Iterator) seek(key []byte, mode seekMode) {
	if !it.reset() {
		return
	}
	a := it.snap.Root
	for {
		n := it.load(a)
		if n == nil {
			return
		}
		if !n.leaf {
			ci := childIndex(n.keys, key)
			it.stack = append(it.stack, frame{node: n, idx: ci})
			a = n.children[ci].Addr
			continue
		}

		i, found := slices.BinarySearchFunc(n.keys, key, bytes.Compare)
		switch mode {
		case seekGT:
			if found {
				i++
			}
		case seekLE:
			if !found {
				i--
			}
		case seekLT:
			i--
		}
		it.stack = append(it.stack, frame{node: n, idx: i})
		switch {
		case i >= n.Len():
			it.stack[len(it.stack)-1].idx = n.Len() - 1
			it.valid = true
			it.step(1)
		case i < 0:
			it.stack[len(it.stack)-1].idx = 0
			it.valid = true
			it.step(-1)
		default:
			it.valid = true
		}
		return
	}
}

// step moves one entry forward (dir 1) or backward (dir -1), climbing to
// the nearest ancestor with a sibling in that direction.
func (it *Iterator) step(dir int) {
	leaf := &it.stack[len(it.stack)-1]
	leaf.idx += dir
	if leaf.idx >= 0 && leaf.idx < leaf.node.Len() {
		return
	}

	it.stack = it.stack[:len(it.stack)-1]
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		f.idx += dir
		if f.idx >= 0 && f.idx < f.node.Len() {
			it.descendEdge(f.node.children[f.idx].Addr, dir < 0)
			return
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	it.valid = false
}
