// Package freespace tracks the unused byte ranges of a segment file.
//
// A Set is a collection of disjoint, non-adjacent runs ordered by offset.
// Adjacent runs are always merged. Include and exclude report invalid input
// (a double free or claiming space that is not free) by returning false, but
// still apply the part of the request that made sense; callers rely on that.
//
// A Set is not safe for concurrent use.
package freespace

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"cowkv/internal/varint"
)

// ErrMalformed is returned by UnmarshalBinary on a bad encoding.
var ErrMalformed = errors.New("freespace: malformed encoding")

const degree = 16

type run struct {
	off, len uint64
}

func (r run) end() uint64 { return r.off + r.len }

func lessRun(a, b run) bool { return a.off < b.off }

// Set is an interval set of free ranges.
type Set struct {
	tree  *btree.BTreeG[run]
	total uint64
}

// New returns an empty set.
func New() *Set {
	return &Set{tree: btree.NewG[run](degree, lessRun)}
}

// Len returns the number of disjoint runs.
func (s *Set) Len() int { return s.tree.Len() }

// TotalFree returns the sum of all run lengths.
func (s *Set) TotalFree() uint64 { return s.total }

func (s *Set) insert(r run) {
	s.tree.ReplaceOrInsert(r)
	s.total += r.len
}

func (s *Set) remove(r run) {
	s.tree.Delete(r)
	s.total -= r.len
}

// predecessor returns the run with the greatest offset <= off.
func (s *Set) predecessor(off uint64) (run, bool) {
	var out run
	found := false
	s.tree.DescendLessOrEqual(run{off: off}, func(r run) bool {
		out, found = r, true
		return false
	})
	return out, found
}

// TryInclude marks [off, off+n) free. Neighbouring runs are merged. It
// returns false if any part of the range was already free; the union is
// recorded anyway.
func (s *Set) TryInclude(off, n uint64) bool {
	if n == 0 {
		return true
	}
	ok := true
	start, end := off, off+n

	if p, found := s.predecessor(off); found && p.end() >= off {
		if p.end() > off {
			ok = false
		}
		start = p.off
		if p.end() > end {
			end = p.end()
		}
		s.remove(p)
	}

	var absorbed []run
	s.tree.AscendGreaterOrEqual(run{off: off}, func(r run) bool {
		if r.off > end {
			return false
		}
		absorbed = append(absorbed, r)
		return true
	})
	for _, r := range absorbed {
		if r.off < off+n {
			ok = false
		}
		if r.end() > end {
			end = r.end()
		}
		s.remove(r)
	}

	s.insert(run{off: start, len: end - start})
	return ok
}

// TryExclude removes [off, off+n) from the set, splitting runs as needed.
// It returns false if part of the range was not free; the free part is
// removed anyway.
func (s *Set) TryExclude(off, n uint64) bool {
	if n == 0 {
		return true
	}
	end := off + n

	var hits []run
	if p, found := s.predecessor(off); found && p.off < off && p.end() > off {
		hits = append(hits, p)
	}
	s.tree.AscendGreaterOrEqual(run{off: off}, func(r run) bool {
		if r.off >= end {
			return false
		}
		hits = append(hits, r)
		return true
	})

	var covered uint64
	for _, r := range hits {
		lo, hi := max(r.off, off), min(r.end(), end)
		covered += hi - lo
		s.remove(r)
		if r.off < off {
			s.insert(run{off: r.off, len: off - r.off})
		}
		if r.end() > end {
			s.insert(run{off: end, len: r.end() - end})
		}
	}
	return covered == n
}

// TryFindLenAndRemove claims n bytes from the lowest-offset run that can hold
// them. Only the claimed prefix of that run is removed.
func (s *Set) TryFindLenAndRemove(n uint64) (off uint64, ok bool) {
	if n == 0 {
		return 0, false
	}
	var hit run
	s.tree.Ascend(func(r run) bool {
		if r.len >= n {
			hit, ok = r, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	s.remove(hit)
	if hit.len > n {
		s.insert(run{off: hit.off + n, len: hit.len - n})
	}
	return hit.off, true
}

// Contains reports whether [off, off+n) lies entirely inside one free run.
func (s *Set) Contains(off, n uint64) bool {
	p, found := s.predecessor(off)
	return found && p.end() >= off+n
}

// Overlaps reports whether any byte of [off, off+n) is free.
func (s *Set) Overlaps(off, n uint64) bool {
	if n == 0 {
		return false
	}
	if p, found := s.predecessor(off); found && p.end() > off {
		return true
	}
	hit := false
	s.tree.AscendGreaterOrEqual(run{off: off}, func(r run) bool {
		hit = r.off < off+n
		return false
	})
	return hit
}

// Ascend calls fn for every run in offset order until fn returns false.
func (s *Set) Ascend(fn func(off, n uint64) bool) {
	s.tree.Ascend(func(r run) bool { return fn(r.off, r.len) })
}

// Clone returns an independent copy. The underlying tree is copied lazily.
func (s *Set) Clone() *Set {
	return &Set{tree: s.tree.Clone(), total: s.total}
}

// CloneAndClear returns the current contents and leaves s empty.
func (s *Set) CloneAndClear() *Set {
	c := s.Clone()
	s.Clear()
	return c
}

// Clear removes every run.
func (s *Set) Clear() {
	s.tree.Clear(false)
	s.total = 0
}

// UnmergeInPlace removes every range of other from s. It returns false if
// some range of other was not entirely free in s.
func (s *Set) UnmergeInPlace(other *Set) bool {
	ok := true
	other.tree.Ascend(func(r run) bool {
		if !s.TryExclude(r.off, r.len) {
			ok = false
		}
		return true
	})
	return ok
}

// TrimTail drops a run that ends exactly at extent and returns the new
// extent. Segment files shrink this way when their tail becomes free.
func (s *Set) TrimTail(extent uint64) uint64 {
	last, found := s.tree.Max()
	if !found || last.end() != extent {
		return extent
	}
	s.remove(last)
	return last.off
}

// MarshalBinary encodes the set as a run count followed by
// (gap from previous end, length) varint pairs.
func (s *Set) MarshalBinary() ([]byte, error) {
	return s.AppendBinary(nil), nil
}

// AppendBinary appends the MarshalBinary encoding to dst.
func (s *Set) AppendBinary(dst []byte) []byte {
	dst = varint.AppendVarUInt(dst, uint64(s.tree.Len()))
	var prev uint64
	s.tree.Ascend(func(r run) bool {
		dst = varint.AppendVarUInt(dst, r.off-prev)
		dst = varint.AppendVarUInt(dst, r.len)
		prev = r.end()
		return true
	})
	return dst
}

// UnmarshalBinary replaces the contents of s with a decoded set.
func (s *Set) UnmarshalBinary(data []byte) error {
	r := varint.NewReader(data)
	if err := s.Decode(r); err != nil {
		return err
	}
	if r.Remaining() != 0 {
		return errors.Wrapf(ErrMalformed, "%d trailing bytes", r.Remaining())
	}
	return nil
}

// Decode reads one encoded set from r, replacing the contents of s.
func (s *Set) Decode(r *varint.Reader) error {
	if s.tree == nil {
		s.tree = btree.NewG[run](degree, lessRun)
	}
	s.Clear()
	count := r.UInt()
	var prev uint64
	for i := uint64(0); i < count && r.Err() == nil; i++ {
		gap, n := r.UInt(), r.UInt()
		if r.Err() != nil {
			break
		}
		// Runs are disjoint and non-adjacent, so every gap after the first
		// is positive.
		if n == 0 || (i > 0 && gap == 0) {
			return errors.Wrapf(ErrMalformed, "run %d", i)
		}
		off := prev + gap
		s.insert(run{off: off, len: n})
		prev = off + n
	}
	if err := r.Err(); err != nil {
		return errors.Mark(errors.Wrap(err, "freespace"), ErrMalformed)
	}
	return nil
}
