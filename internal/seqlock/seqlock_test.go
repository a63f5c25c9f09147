package seqlock

import (
	"sync"
	"sync/atomic"
	"testing"
)

// pair must always be observed with a == b.
type pair struct {
	lock SeqLock
	a, b atomic.Uint64
}

func (p *pair) set(v uint64) {
	p.lock.BeginWrite()
	p.a.Store(v)
	p.b.Store(v)
	p.lock.EndWrite()
}

func (p *pair) get() (a, b uint64) {
	p.lock.Read(func() {
		a = p.a.Load()
		b = p.b.Load()
	})
	return a, b
}

func TestConsistentReads(t *testing.T) {
	var p pair
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 20000; i++ {
			p.set(i)
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				a, b := p.get()
				if a != b {
					t.Errorf("torn read: %d != %d", a, b)
					return
				}
			}
		}()
	}
	wg.Wait()

	if a, b := p.get(); a != 20000 || b != 20000 {
		t.Fatalf("final state %d/%d", a, b)
	}
}

func TestSequenceAdvancesByTwo(t *testing.T) {
	var l SeqLock
	s := l.BeginRead()
	l.BeginWrite()
	if l.Sequence()&1 != 1 {
		t.Fatalf("sequence should be odd inside a write")
	}
	l.EndWrite()
	if !l.Retry(s) {
		t.Fatalf("read overlapping a write must retry")
	}
	if l.Sequence() != s+2 {
		t.Fatalf("sequence %d, want %d", l.Sequence(), s+2)
	}
}
