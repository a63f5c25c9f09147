package cache

import (
	"container/list"
	"sync"
)

// LRU is a fixed-capacity cache with least-recently-used eviction. Capacity
// counts entries, not bytes.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	list     *list.List
	items    map[K]*list.Element
	onEvict  func(K, V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates a cache holding at most capacity entries. A capacity below
// one is treated as one.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		list:     list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// OnEvict registers a callback run for entries dropped by capacity pressure.
// It is not called for Remove or Clear. The callback runs with the cache
// lock held and must not call back into the cache.
func (c *LRU[K, V]) OnEvict(fn func(K, V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Capacity returns the fixed entry limit.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// TryGetValue is Get with an out parameter; it promotes the entry the same
// way.
func (c *LRU[K, V]) TryGetValue(key K, value *V) bool {
	v, ok := c.Get(key)
	if ok {
		*value = v
	}
	return ok
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// If exists, update
	if elem, ok := c.items[key]; ok {
		c.list.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return
	}

	if c.list.Len() >= c.capacity {
		c.evictOldest()
	}
	elem := c.list.PushFront(&entry[K, V]{key: key, value: value})
	c.items[key] = elem
}

func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.list.Remove(elem)
	delete(c.items, key)
	return true
}

func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// Keys returns the cached keys from most to least recently used. This is the
// only place recency order is exposed.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.list.Len())
	for e := c.list.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[K, V]).key)
	}
	return keys
}

// RemoveFunc drops every entry whose key matches pred and returns how many
// were dropped.
func (c *LRU[K, V]) RemoveFunc(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for e := c.list.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry[K, V])
		if pred(ent.key) {
			c.list.Remove(e)
			delete(c.items, ent.key)
			n++
		}
		e = next
	}
	return n
}

func (c *LRU[K, V]) evictOldest() {
	elem := c.list.Back()
	if elem == nil {
		return
	}
	ent := elem.Value.(*entry[K, V])
	c.list.Remove(elem)
	delete(c.items, ent.key)
	if c.onEvict != nil {
		c.onEvict(ent.key, ent.value)
	}
}
