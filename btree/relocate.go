package btree

import (
	"slices"

	"github.com/cockroachdb/errors"
)

// Walk visits every node reachable from root, parents before children. If
// skip returns true for an address, that subtree is not loaded; mark phases
// use it to avoid re-walking subtrees shared between roots.
func Walk(l Loader, root Addr, skip func(Addr) bool, visit func(Addr, *Node) error) error {
	if root.IsZero() || (skip != nil && skip(root)) {
		return nil
	}
	n, err := l.Load(root)
	if err != nil {
		return errors.Wrapf(err, "load %s", root)
	}
	if err := visit(root, n); err != nil {
		return err
	}
	if n.leaf {
		return nil
	}
	for _, c := range n.children {
		if err := Walk(l, c.Addr, skip, visit); err != nil {
			return err
		}
	}
	return nil
}

// Relocate rewrites the nodes stored in segment from, and the leaves holding
// blobs stored there, so the new version no longer references that segment.
// Work starts at the leaf holding start (nil for the beginning) and stops
// after budget leaves. moveBlob copies one blob out of the segment and
// returns its new reference.
//
// It returns the key to resume from, or done when the rest of the tree was
// covered.
func (w *Writer) Relocate(from uint32, start []byte, budget int, moveBlob func(BlobRef) (BlobRef, error)) (next []byte, done bool, err error) {
	if w.root.IsZero() {
		return nil, true, nil
	}
	r := relocation{w: w, from: from, budget: budget, moveBlob: moveBlob}
	n, changed, err := r.visit(w.root, start)
	if err != nil {
		return nil, false, err
	}
	if changed {
		w.setRoot(w.store(n))
	}
	return r.next, !r.stopped, nil
}

type relocation struct {
	w        *Writer
	from     uint32
	budget   int
	moveBlob func(BlobRef) (BlobRef, error)

	stopped bool
	next    []byte
}

// visit returns the rebuilt node, unallocated, when a had to change.
func (r *relocation) visit(a Addr, start []byte) (*Node, bool, error) {
	n, err := r.w.Load(a)
	if err != nil {
		return nil, false, err
	}
	moved := !a.InArena() && a.File == r.from

	if n.leaf {
		r.budget--
		var values []Value
		for i, v := range n.values {
			if !v.IsBlob() || v.Blob.Addr.File != r.from {
				continue
			}
			ref, err := r.moveBlob(v.Blob)
			if err != nil {
				return nil, false, err
			}
			if values == nil {
				values = slices.Clone(n.values)
			}
			values[i] = BlobValue(ref)
		}
		if values == nil {
			if !moved {
				return nil, false, nil
			}
			values = n.values
		}
		r.w.obsolete(a)
		return newLeaf(n.keys, values), true, nil
	}

	i := 0
	if start != nil {
		i = childIndex(n.keys, start)
	}
	var children []Child
	for ; i < n.Len() && !r.stopped; i++ {
		if r.budget <= 0 {
			r.stopped, r.next = true, n.keys[i]
			break
		}
		c, changed, err := r.visit(n.children[i].Addr, start)
		if err != nil {
			return nil, false, err
		}
		// Only the first child visited can hold start.
		start = nil
		if !changed {
			continue
		}
		if children == nil {
			children = slices.Clone(n.children)
		}
		children[i] = r.w.put(c).child
	}
	if children == nil {
		if !moved {
			return nil, false, nil
		}
		children = n.children
	}
	r.w.obsolete(a)
	return newBranch(n.keys, children), true, nil
}
