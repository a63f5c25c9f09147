// Package btree implements an immutable copy-on-write B+tree.
//
// Nodes are never modified once created. A mutation copies the path from
// the root to the affected leaf and shares every other node with the
// previous version, so any number of roots can be read concurrently while a
// single Writer builds the next one. Nodes are addressed by Addr, never by
// pointer: persisted nodes by segment position, nodes created by the current
// Writer by their slot in its arena.
//
// Every branch keeps, per child, the exact minimum key and the number of
// keys below it. That makes counting, ranking and positional access
// logarithmic.
package btree

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrCorrupted marks decoding and integrity failures.
var ErrCorrupted = errors.New("btree: corrupted data")

// Addr locates a node or blob. File 0 is the arena of a Writer; there Offset
// is the slot number plus one. The zero Addr refers to nothing.
type Addr struct {
	File   uint32
	Offset uint64
	Length uint32
}

// IsZero reports whether a refers to nothing.
func (a Addr) IsZero() bool { return a == Addr{} }

// InArena reports whether a is an unpersisted node of a Writer.
func (a Addr) InArena() bool { return a.File == 0 && a.Offset != 0 }

// End is the offset one past the last byte of a.
func (a Addr) End() uint64 { return a.Offset + uint64(a.Length) }

func (a Addr) String() string {
	if a.InArena() {
		return fmt.Sprintf("arena:%d", a.Offset-1)
	}
	return fmt.Sprintf("%d:%d+%d", a.File, a.Offset, a.Length)
}

// BlobRef points at a value stored outside the leaf. Hash and Size describe
// the uncompressed content.
type BlobRef struct {
	Addr Addr
	Hash uint64
	Size uint32
}

// Value is either inline bytes or a blob reference.
type Value struct {
	Inline []byte
	Blob   BlobRef
}

// InlineValue wraps b without copying.
func InlineValue(b []byte) Value { return Value{Inline: b} }

// BlobValue wraps a blob reference.
func BlobValue(ref BlobRef) Value { return Value{Blob: ref} }

func (v Value) IsBlob() bool { return !v.Blob.Addr.IsZero() }

// Equal reports whether both values refer to the same bytes: equal inline
// content or the same blob.
func (v Value) Equal(o Value) bool {
	if v.IsBlob() || o.IsBlob() {
		return v.Blob == o.Blob
	}
	return string(v.Inline) == string(o.Inline)
}

// Child is a branch entry.
type Child struct {
	Addr  Addr
	Count uint64
}

// Node is a leaf (keys and values) or a branch (minimum keys and children).
// Nodes are immutable; the slices must not be modified after construction.
type Node struct {
	leaf     bool
	keys     [][]byte
	values   []Value
	children []Child
	count    uint64
}

func newLeaf(keys [][]byte, values []Value) *Node {
	return &Node{leaf: true, keys: keys, values: values, count: uint64(len(keys))}
}

func newBranch(keys [][]byte, children []Child) *Node {
	var count uint64
	for _, c := range children {
		count += c.Count
	}
	return &Node{keys: keys, children: children, count: count}
}

func (n *Node) IsLeaf() bool { return n.leaf }

// Len is the number of entries.
func (n *Node) Len() int { return len(n.keys) }

// Count is the number of keys in the subtree.
func (n *Node) Count() uint64 { return n.count }

// Key returns entry i's key. For a branch it is the minimum key of child i.
func (n *Node) Key(i int) []byte { return n.keys[i] }

// Value returns leaf entry i's value.
func (n *Node) Value(i int) Value { return n.values[i] }

// Child returns branch entry i.
func (n *Node) Child(i int) Child { return n.children[i] }

func (n *Node) minKey() []byte { return n.keys[0] }
