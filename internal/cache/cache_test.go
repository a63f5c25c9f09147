package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestLRU_Basic(t *testing.T) {
	c := NewLRU[string, int](10)

	c.Set("a", 1)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("expected 1, got %d (%v)", v, ok)
	}

	// Get non-existent
	if _, ok := c.Get("b"); ok {
		t.Errorf("expected miss for non-existent key")
	}
}

func TestLRU_Overwrite(t *testing.T) {
	c := NewLRU[string, string](2)

	c.Set("a", "1")
	c.Set("a", "22")
	if v, _ := c.Get("a"); v != "22" {
		t.Errorf("expected 22, got %s", v)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite must not add an entry, len=%d", c.Len())
	}
}

func TestLRU_EvictsExactlyLeastRecent(t *testing.T) {
	const capacity = 8
	c := NewLRU[int, int](capacity)

	var evicted []int
	c.OnEvict(func(k, _ int) { evicted = append(evicted, k) })

	for i := 0; i < capacity; i++ {
		c.Set(i, i)
	}
	c.Set(capacity, capacity)

	if len(evicted) != 1 || evicted[0] != 0 {
		t.Fatalf("expected exactly key 0 evicted, got %v", evicted)
	}
	if c.Len() != capacity {
		t.Fatalf("len %d exceeds capacity %d", c.Len(), capacity)
	}
	keys := c.Keys()
	for i := 1; i <= capacity; i++ {
		if keys[capacity-i] != i {
			t.Errorf("key %d should still be cached, keys %v", i, keys)
		}
	}
}

func TestLRU_TryGetValuePromotes(t *testing.T) {
	c := NewLRU[string, int](3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	var v int
	if !c.TryGetValue("a", &v) || v != 1 {
		t.Fatalf("TryGetValue(a) = %d", v)
	}

	// "b" is now the least recently touched.
	c.Set("d", 4)
	keys := c.Keys()
	want := []string{"d", "a", "c"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("recency order %v, want %v", keys, want)
	}
}

func TestLRU_RemoveAndClear(t *testing.T) {
	c := NewLRU[int, string](4)
	c.Set(1, "x")
	c.Set(2, "y")

	if !c.Remove(1) {
		t.Fatalf("remove of present key failed")
	}
	if c.Remove(1) {
		t.Fatalf("second remove should report absence")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("len after clear = %d", c.Len())
	}
	if n := c.RemoveFunc(func(int) bool { return true }); n != 0 {
		t.Fatalf("RemoveFunc on empty cache removed %d", n)
	}

	for i := 0; i < 4; i++ {
		c.Set(i, "v")
	}
	if n := c.RemoveFunc(func(k int) bool { return k%2 == 0 }); n != 2 {
		t.Fatalf("RemoveFunc removed %d, want 2", n)
	}
	if fmt.Sprint(c.Keys()) != "[3 1]" {
		t.Fatalf("keys after RemoveFunc %v", c.Keys())
	}
}

func TestLRU_Concurrency(t *testing.T) {
	c := NewLRU[string, int](100)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", id, j)
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}

	wg.Wait()
	if c.Len() > c.Capacity() {
		t.Fatalf("len %d exceeds capacity", c.Len())
	}
}

func TestBytesLRU(t *testing.T) {
	c := NewBytesLRU[[]byte](2)

	buf := []byte("prefix-key1-suffix")
	c.Set(buf[7:11], []byte("v1"))

	// The stored key must not alias the caller's buffer.
	copy(buf[7:11], "zzzz")
	if _, ok := c.Get([]byte("key1")); !ok {
		t.Fatalf("key copied on insert should still be found")
	}

	c.Set([]byte("key2"), []byte("v2"))
	c.Get([]byte("key1"))
	c.Set([]byte("key3"), []byte("v3"))

	if _, ok := c.Get([]byte("key2")); ok {
		t.Errorf("key2 should have been evicted")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d", c.Len())
	}
	if !c.Remove([]byte("key1")) || c.Len() != 1 {
		t.Errorf("remove failed")
	}
}

func TestBytesLRU_LookupDoesNotAllocate(t *testing.T) {
	c := NewBytesLRU[int](4)
	c.Set([]byte("abc"), 1)

	var key [3]byte
	copy(key[:], "abc")
	allocs := testing.AllocsPerRun(100, func() {
		c.Get(key[:])
	})
	if allocs != 0 {
		t.Errorf("lookup allocated %.1f times", allocs)
	}
}
