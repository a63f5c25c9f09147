package btree

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"
)

// Loader resolves persisted node addresses.
type Loader interface {
	Load(a Addr) (*Node, error)
}

// Config bounds node sizes.
type Config struct {
	// MaxEntries is the largest number of entries a node may hold. A node
	// that grows past it splits; one that shrinks below MaxEntries/4 merges
	// with or borrows from a sibling.
	MaxEntries int
}

// DefaultConfig returns the node limits used when none are given.
func DefaultConfig() Config {
	return Config{MaxEntries: 64}
}

func (c Config) maxEntries() int {
	if c.MaxEntries < 4 {
		return 4
	}
	return c.MaxEntries
}

func (c Config) minEntries() int {
	return max(c.maxEntries()/4, 1)
}

// entry is a freshly stored node as its parent sees it.
type entry struct {
	key   []byte
	child Child
}

// Written is a node persisted by Flush.
type Written struct {
	Addr Addr
	Node *Node
}

// Writer builds a new tree version on top of a persisted root. New nodes live
// in an arena until Flush writes them out. A Writer is not safe for
// concurrent use, but snapshots taken from it stay valid while it keeps
// writing.
type Writer struct {
	base  Loader
	cfg   Config
	root  Addr
	count uint64

	arena    []*Node
	replaced []Addr
}

// NewWriter starts a new version from root, which holds count keys.
func NewWriter(base Loader, root Addr, count uint64, cfg Config) *Writer {
	return &Writer{base: base, cfg: cfg, root: root, count: count}
}

// Load resolves arena addresses itself and delegates the rest.
func (w *Writer) Load(a Addr) (*Node, error) {
	if a.InArena() {
		i := a.Offset - 1
		if i >= uint64(len(w.arena)) {
			return nil, errors.AssertionFailedf("btree: arena slot %d out of range", i)
		}
		return w.arena[i], nil
	}
	return w.base.Load(a)
}

// Root returns the current root and key count.
func (w *Writer) Root() (Addr, uint64) { return w.root, w.count }

// Snapshot returns a read view of the current state. Later writes do not
// affect it.
func (w *Writer) Snapshot() Snapshot {
	return Snapshot{Root: w.root, Count: w.count, Loader: w}
}

// Dirty reports whether the tree changed since the writer was created.
func (w *Writer) Dirty() bool { return len(w.arena) > 0 || len(w.replaced) > 0 }

// Replaced returns the persisted nodes that the new version no longer
// references.
func (w *Writer) Replaced() []Addr { return w.replaced }

func (w *Writer) put(n *Node) entry {
	w.arena = append(w.arena, n)
	return entry{
		key:   n.minKey(),
		child: Child{Addr: Addr{Offset: uint64(len(w.arena))}, Count: n.count},
	}
}

func (w *Writer) obsolete(a Addr) {
	if !a.InArena() && !a.IsZero() {
		w.replaced = append(w.replaced, a)
	}
}

// store puts n into the arena, splitting it in two if it is too large.
func (w *Writer) store(n *Node) []entry {
	if n.Len() <= w.cfg.maxEntries() {
		return []entry{w.put(n)}
	}
	mid := n.Len() / 2
	if n.leaf {
		return []entry{
			w.put(newLeaf(n.keys[:mid:mid], n.values[:mid:mid])),
			w.put(newLeaf(n.keys[mid:], n.values[mid:])),
		}
	}
	return []entry{
		w.put(newBranch(n.keys[:mid:mid], n.children[:mid:mid])),
		w.put(newBranch(n.keys[mid:], n.children[mid:])),
	}
}

func (w *Writer) setRoot(parts []entry) {
	var count uint64
	for _, p := range parts {
		count += p.child.Count
	}
	w.count = count
	if len(parts) == 1 {
		w.root = parts[0].child.Addr
		return
	}
	keys := make([][]byte, len(parts))
	children := make([]Child, len(parts))
	for i, p := range parts {
		keys[i], children[i] = p.key, p.child
	}
	w.root = w.put(newBranch(keys, children)).child.Addr
}

// childIndex returns the child whose range holds key.
func childIndex(keys [][]byte, key []byte) int {
	i, found := slices.BinarySearchFunc(keys, key, bytes.Compare)
	if found || i == 0 {
		return i
	}
	return i - 1
}

func insertAt[T any](s []T, i int, v T) []T {
	out := make([]T, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	return append(out, s[i:]...)
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// spliceEntries replaces n's entries [i, i+drop) with parts.
func spliceEntries(n *Node, i, drop int, parts []entry) ([][]byte, []Child) {
	keys := make([][]byte, 0, len(n.keys)-drop+len(parts))
	children := make([]Child, 0, cap(keys))
	keys = append(keys, n.keys[:i]...)
	children = append(children, n.children[:i]...)
	for _, p := range parts {
		keys = append(keys, p.key)
		children = append(children, p.child)
	}
	keys = append(keys, n.keys[i+drop:]...)
	children = append(children, n.children[i+drop:]...)
	return keys, children
}

type upsertResult struct {
	parts    []entry
	changed  bool
	inserted bool
	old      Value
}

// Upsert sets key to v. It reports whether the key is new and returns the
// previous value otherwise. key and v are retained.
func (w *Writer) Upsert(key []byte, v Value) (inserted bool, old Value, err error) {
	if w.root.IsZero() {
		w.setRoot([]entry{w.put(newLeaf([][]byte{key}, []Value{v}))})
		return true, Value{}, nil
	}
	res, err := w.upsert(w.root, key, v)
	if err != nil || !res.changed {
		return false, res.old, err
	}
	w.setRoot(res.parts)
	return res.inserted, res.old, nil
}

func (w *Writer) upsert(a Addr, key []byte, v Value) (upsertResult, error) {
	n, err := w.Load(a)
	if err != nil {
		return upsertResult{}, err
	}

	if n.leaf {
		i, found := slices.BinarySearchFunc(n.keys, key, bytes.Compare)
		if found {
			old := n.values[i]
			if old.Equal(v) {
				return upsertResult{old: old}, nil
			}
			values := slices.Clone(n.values)
			values[i] = v
			w.obsolete(a)
			return upsertResult{parts: w.store(newLeaf(n.keys, values)), changed: true, old: old}, nil
		}
		w.obsolete(a)
		leaf := newLeaf(insertAt(n.keys, i, key), insertAt(n.values, i, v))
		return upsertResult{parts: w.store(leaf), changed: true, inserted: true}, nil
	}

	i := childIndex(n.keys, key)
	res, err := w.upsert(n.children[i].Addr, key, v)
	if err != nil || !res.changed {
		return res, err
	}
	w.obsolete(a)
	keys, children := spliceEntries(n, i, 1, res.parts)
	res.parts = w.store(newBranch(keys, children))
	return res, nil
}

type deleteResult struct {
	node  *Node
	found bool
	old   Value
}

// Delete removes key. It reports whether the key existed and returns its
// value.
func (w *Writer) Delete(key []byte) (bool, Value, error) {
	if w.root.IsZero() {
		return false, Value{}, nil
	}
	res, err := w.del(w.root, key)
	if err != nil || !res.found {
		return false, Value{}, err
	}

	n := res.node
	switch {
	case n.Len() == 0:
		w.root, w.count = Addr{}, 0
	case !n.leaf && n.Len() == 1:
		// Collapse single-child roots.
		root := n.children[0].Addr
		for {
			c, err := w.Load(root)
			if err != nil {
				return false, Value{}, err
			}
			if c.leaf || c.Len() != 1 {
				break
			}
			w.obsolete(root)
			root = c.children[0].Addr
		}
		w.root = root
		w.count--
	default:
		w.setRoot(w.store(n))
	}
	return true, res.old, nil
}

func (w *Writer) del(a Addr, key []byte) (deleteResult, error) {
	n, err := w.Load(a)
	if err != nil {
		return deleteResult{}, err
	}

	if n.leaf {
		i, found := slices.BinarySearchFunc(n.keys, key, bytes.Compare)
		if !found {
			return deleteResult{}, nil
		}
		w.obsolete(a)
		return deleteResult{
			node:  newLeaf(removeAt(n.keys, i), removeAt(n.values, i)),
			found: true,
			old:   n.values[i],
		}, nil
	}

	i := childIndex(n.keys, key)
	res, err := w.del(n.children[i].Addr, key)
	if err != nil || !res.found {
		return res, err
	}
	w.obsolete(a)
	res.node, err = w.rebalance(n, i, res.node)
	return res, err
}

// rebalance builds n with child i replaced by c, merging c with a sibling or
// borrowing from it when c is too small.
func (w *Writer) rebalance(n *Node, i int, c *Node) (*Node, error) {
	if c.Len() >= w.cfg.minEntries() || n.Len() == 1 {
		if c.Len() == 0 {
			return newBranch(removeAt(n.keys, i), removeAt(n.children, i)), nil
		}
		keys, children := spliceEntries(n, i, 1, []entry{w.put(c)})
		return newBranch(keys, children), nil
	}

	j := i + 1
	if j == n.Len() {
		j = i - 1
	}
	sib, err := w.Load(n.children[j].Addr)
	if err != nil {
		return nil, err
	}
	w.obsolete(n.children[j].Addr)

	left, right, first := c, sib, i
	if j < i {
		left, right, first = sib, c, j
	}
	merged := concat(left, right)

	var parts []entry
	if merged.Len() > 0 {
		parts = w.store(merged)
	}
	keys, children := spliceEntries(n, first, 2, parts)
	return newBranch(keys, children), nil
}

func concat(a, b *Node) *Node {
	keys := append(slices.Clip(a.keys), b.keys...)
	if a.leaf {
		return newLeaf(keys, append(slices.Clip(a.values), b.values...))
	}
	return newBranch(keys, append(slices.Clip(a.children), b.children...))
}

// deleteRangeChunk bounds the keys collected per pass of DeleteRange.
const deleteRangeChunk = 1024

// DeleteRange removes every key inside the bounds of opts and returns how
// many were removed. Reverse is ignored. If removed is not nil it is called
// with each deleted entry.
func (w *Writer) DeleteRange(opts *IterOptions, removed func(key []byte, old Value)) (uint64, error) {
	var bounds IterOptions
	if opts != nil {
		bounds = *opts
	}
	bounds.Reverse = false

	var n uint64
	for {
		it := w.Snapshot().NewIterator(&bounds)
		var batch [][]byte
		for it.SeekToFirst(); it.Valid() && len(batch) < deleteRangeChunk; it.Next() {
			batch = append(batch, it.Key())
		}
		if err := it.Err(); err != nil {
			return n, err
		}
		for _, key := range batch {
			ok, old, err := w.Delete(key)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				if removed != nil {
					removed(key, old)
				}
			}
		}
		if len(batch) < deleteRangeChunk {
			return n, nil
		}
		bounds.LowerBound = batch[len(batch)-1]
		bounds.LowerExclusive = true
	}
}

// Flush persists every arena node reachable from the root, children before
// parents, through alloc. It returns the written nodes; afterwards the
// writer's root is persisted and the arena is empty. On error the writer is
// left unchanged.
func (w *Writer) Flush(alloc func(rec []byte) (Addr, error)) ([]Written, error) {
	if !w.root.InArena() {
		w.arena = nil
		return nil, nil
	}
	var out []Written
	root, err := w.flush(w.root, alloc, &out)
	if err != nil {
		return out, err
	}
	w.root = root
	w.arena = nil
	return out, nil
}

func (w *Writer) flush(a Addr, alloc func([]byte) (Addr, error), out *[]Written) (Addr, error) {
	if !a.InArena() {
		return a, nil
	}
	n := w.arena[a.Offset-1]
	if !n.leaf {
		children := make([]Child, len(n.children))
		for i, c := range n.children {
			addr, err := w.flush(c.Addr, alloc, out)
			if err != nil {
				return Addr{}, err
			}
			children[i] = Child{Addr: addr, Count: c.Count}
		}
		n = newBranch(n.keys, children)
	}
	rec, err := EncodeNode(n)
	if err != nil {
		return Addr{}, err
	}
	addr, err := alloc(rec)
	if err != nil {
		return Addr{}, err
	}
	*out = append(*out, Written{Addr: addr, Node: n})
	return addr, nil
}
