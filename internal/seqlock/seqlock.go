// Package seqlock implements a sequence-counter lock for small values that
// are read often and written rarely.
//
// Writers bump the counter to an odd value, write, and bump it again.
// Readers snapshot the counter, read, and retry if the counter changed or was
// odd. Readers never block writers and never take a lock. The protected
// fields themselves must be accessed atomically so the reads are race-free;
// the counter is what makes a group of them consistent.
package seqlock

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SeqLock is a sequence counter plus a writer mutex. The zero value is ready
// to use.
type SeqLock struct {
	seq atomic.Uint64
	mu  sync.Mutex
}

// BeginWrite enters a write section. Writers are serialized.
func (l *SeqLock) BeginWrite() {
	l.mu.Lock()
	l.seq.Add(1)
}

// EndWrite leaves a write section.
func (l *SeqLock) EndWrite() {
	l.seq.Add(1)
	l.mu.Unlock()
}

// BeginRead returns the counter to validate against. It spins while a write
// is in progress.
func (l *SeqLock) BeginRead() uint64 {
	for i := 0; ; i++ {
		s := l.seq.Load()
		if s&1 == 0 {
			return s
		}
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
}

// Retry reports whether the read that started at seq overlapped a write.
func (l *SeqLock) Retry(seq uint64) bool {
	return l.seq.Load() != seq
}

// Sequence returns the raw counter. Every completed write adds two.
func (l *SeqLock) Sequence() uint64 {
	return l.seq.Load()
}

// Read runs fn until it observes a state no writer touched.
func (l *SeqLock) Read(fn func()) {
	for {
		s := l.BeginRead()
		fn()
		if !l.Retry(s) {
			return
		}
	}
}
