package cache

import (
	"container/list"
	"sync"
)

// BytesLRU is an LRU keyed by raw byte spans. Lookups index the map with a
// string(b) conversion, which the compiler performs without allocating, so
// callers can look up with slices of larger buffers or stack arrays. Set copies
// the key.
type BytesLRU[V any] struct {
	mu       sync.Mutex
	capacity int
	list     *list.List
	items    map[string]*list.Element
}

type bytesEntry[V any] struct {
	key   string
	value V
}

// NewBytesLRU creates a cache holding at most capacity entries.
func NewBytesLRU[V any](capacity int) *BytesLRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &BytesLRU[V]{
		capacity: capacity,
		list:     list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the value cached under key and promotes it.
func (c *BytesLRU[V]) Get(key []byte) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[string(key)]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*bytesEntry[V]).value, true
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value for key.
func (c *BytesLRU[V]) Set(key []byte, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[string(key)]; ok {
		c.list.MoveToFront(elem)
		elem.Value.(*bytesEntry[V]).value = value
		return
	}
	if c.list.Len() >= c.capacity {
		back := c.list.Back()
		c.list.Remove(back)
		delete(c.items, back.Value.(*bytesEntry[V]).key)
	}
	k := string(key)
	c.items[k] = c.list.PushFront(&bytesEntry[V]{key: k, value: value})
}

// Remove drops key if present.
func (c *BytesLRU[V]) Remove(key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[string(key)]
	if !ok {
		return false
	}
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*bytesEntry[V]).key)
	return true
}

// Clear drops every entry.
func (c *BytesLRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// Len returns the number of cached entries.
func (c *BytesLRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
