package freespace

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
)

func runs(s *Set) string {
	out := ""
	s.Ascend(func(off, n uint64) bool {
		out += fmt.Sprintf("[%d,%d)", off, off+n)
		return true
	})
	return out
}

func TestIncludeMergesAdjacent(t *testing.T) {
	s := New()
	if !s.TryInclude(10, 5) || !s.TryInclude(15, 5) || !s.TryInclude(5, 5) {
		t.Fatalf("adjacent includes must succeed")
	}
	if got := runs(s); got != "[5,20)" {
		t.Fatalf("runs = %s", got)
	}
	if s.TotalFree() != 15 {
		t.Fatalf("total = %d", s.TotalFree())
	}
}

func TestIncludeOverlapReportsButMerges(t *testing.T) {
	s := New()
	s.TryInclude(10, 10)
	s.TryInclude(30, 10)

	if s.TryInclude(15, 20) {
		t.Fatalf("overlapping include must report false")
	}
	if got := runs(s); got != "[10,40)" {
		t.Fatalf("union not recorded: %s", got)
	}

	if s.TryInclude(12, 3) {
		t.Fatalf("include of covered range must report false")
	}
	if got := runs(s); got != "[10,40)" {
		t.Fatalf("covered include changed the set: %s", got)
	}
}

func TestIncludeThenExcludeIsEmpty(t *testing.T) {
	s := New()
	s.TryInclude(100, 50)
	if !s.TryExclude(100, 50) {
		t.Fatalf("exclude of free range failed")
	}
	if s.Len() != 0 || s.TotalFree() != 0 {
		t.Fatalf("set not empty: %s", runs(s))
	}
}

func TestExcludeSplitsAndReportsPartial(t *testing.T) {
	s := New()
	s.TryInclude(0, 100)
	if !s.TryExclude(40, 20) {
		t.Fatalf("interior exclude failed")
	}
	if got := runs(s); got != "[0,40)[60,100)" {
		t.Fatalf("split = %s", got)
	}

	// [30,70) is only partly free: the free parts go, the call reports false.
	if s.TryExclude(30, 40) {
		t.Fatalf("partial exclude must report false")
	}
	if got := runs(s); got != "[0,30)[70,100)" {
		t.Fatalf("after partial exclude = %s", got)
	}
}

func TestZeroLength(t *testing.T) {
	s := New()
	if !s.TryInclude(5, 0) || !s.TryExclude(5, 0) {
		t.Fatalf("zero-length operations must succeed")
	}
	if s.Len() != 0 {
		t.Fatalf("zero-length include added a run")
	}
	if _, ok := s.TryFindLenAndRemove(0); ok {
		t.Fatalf("zero-length allocation should fail")
	}
}

func TestFindLenFirstFit(t *testing.T) {
	s := New()
	s.TryInclude(0, 4)
	s.TryInclude(10, 16)
	s.TryInclude(40, 8)

	off, ok := s.TryFindLenAndRemove(8)
	if !ok || off != 10 {
		t.Fatalf("first fit = %d,%v want 10", off, ok)
	}
	if got := runs(s); got != "[0,4)[18,26)[40,48)" {
		t.Fatalf("after alloc = %s", got)
	}

	off, ok = s.TryFindLenAndRemove(8)
	if !ok || off != 18 {
		t.Fatalf("second fit = %d", off)
	}
	if _, ok := s.TryFindLenAndRemove(9); ok {
		t.Fatalf("no run holds 9 bytes")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New()
	s.TryInclude(0, 10)
	c := s.Clone()
	s.TryExclude(0, 10)
	if c.TotalFree() != 10 || runs(c) != "[0,10)" {
		t.Fatalf("clone changed with original: %s", runs(c))
	}

	d := c.CloneAndClear()
	if c.Len() != 0 || d.TotalFree() != 10 {
		t.Fatalf("CloneAndClear: c=%s d=%s", runs(c), runs(d))
	}
}

func TestUnmergeInPlace(t *testing.T) {
	s := New()
	s.TryInclude(0, 100)
	o := New()
	o.TryInclude(10, 10)
	o.TryInclude(50, 5)

	if !s.UnmergeInPlace(o) {
		t.Fatalf("unmerge of subset failed")
	}
	if got := runs(s); got != "[0,10)[20,50)[55,100)" {
		t.Fatalf("unmerge = %s", got)
	}
	if s.UnmergeInPlace(o) {
		t.Fatalf("second unmerge must report missing ranges")
	}
}

func TestTrimTail(t *testing.T) {
	s := New()
	s.TryInclude(0, 10)
	s.TryInclude(90, 10)
	if got := s.TrimTail(100); got != 90 {
		t.Fatalf("TrimTail = %d", got)
	}
	if got := s.TrimTail(90); got != 90 {
		t.Fatalf("TrimTail without tail run = %d", got)
	}
	if runs(s) != "[0,10)" {
		t.Fatalf("runs = %s", runs(s))
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	s := New()
	s.TryInclude(3, 7)
	s.TryInclude(1000, 1)
	s.TryInclude(1<<40, 1<<20)

	data, err := s.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	d := New()
	if err := d.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}
	if runs(d) != runs(s) || d.TotalFree() != s.TotalFree() {
		t.Fatalf("decoded %s want %s", runs(d), runs(s))
	}

	if err := d.UnmarshalBinary(data[:len(data)-1]); err == nil {
		t.Fatalf("truncated encoding must fail")
	}
}

// TestModel checks the set against a per-byte bitmap under random
// operations.
func TestModel(t *testing.T) {
	const size = 512
	f := fuzz.NewWithSeed(7)
	s := New()
	var model [size]bool

	for step := 0; step < 5000; step++ {
		var op, a, b uint16
		f.Fuzz(&op)
		f.Fuzz(&a)
		f.Fuzz(&b)
		off := uint64(a % size)
		n := uint64(b%32) + 1
		if off+n > size {
			n = size - off
		}

		switch op % 3 {
		case 0:
			want := true
			for i := off; i < off+n; i++ {
				if model[i] {
					want = false
				}
				model[i] = true
			}
			if got := s.TryInclude(off, n); got != want {
				t.Fatalf("step %d include(%d,%d)=%v want %v", step, off, n, got, want)
			}
		case 1:
			want := true
			for i := off; i < off+n; i++ {
				if !model[i] {
					want = false
				}
				model[i] = false
			}
			if got := s.TryExclude(off, n); got != want {
				t.Fatalf("step %d exclude(%d,%d)=%v want %v", step, off, n, got, want)
			}
		case 2:
			want, wantOK := uint64(0), false
			for i := uint64(0); i+n <= size && !wantOK; i++ {
				// first run start whose run is long enough
				if model[i] && (i == 0 || !model[i-1]) {
					j := i
					for j < size && model[j] {
						j++
					}
					if j-i >= n {
						want, wantOK = i, true
					}
				}
			}
			got, ok := s.TryFindLenAndRemove(n)
			if ok != wantOK || got != want {
				t.Fatalf("step %d find(%d)=%d,%v want %d,%v", step, n, got, ok, want, wantOK)
			}
			if ok {
				for i := got; i < got+n; i++ {
					model[i] = false
				}
			}
		}

		var total uint64
		for _, free := range model {
			if free {
				total++
			}
		}
		if s.TotalFree() != total {
			t.Fatalf("step %d total %d want %d", step, s.TotalFree(), total)
		}
	}

	// Runs must be maximal.
	prevEnd := uint64(0)
	first := true
	s.Ascend(func(off, n uint64) bool {
		if !first && off <= prevEnd {
			t.Fatalf("runs not merged at %d", off)
		}
		first = false
		prevEnd = off + n
		return true
	})
}
