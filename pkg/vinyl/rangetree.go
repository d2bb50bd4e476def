package vinyl

import (
	"bytes"
	"fmt"
	"sort"
)

// Range is a half-open key interval owning a list of overlapping slices.
// Ranges are mutated only by the coordinator thread; heapIndex
// is maintained by container/heap via heap.Interface on compactHeap.
type Range struct {
	ID uint64

	Begin, End []byte // half-open [Begin, End); End == nil means unbounded

	slices []*Slice

	compactPriority float64
	version         uint64

	heapIndex int // -1 when not present in the compact heap
}

// NewRange creates a range covering [begin, end).
func NewRange(id uint64, begin, end []byte) *Range {
	return &Range{ID: id, Begin: begin, End: end, heapIndex: -1}
}

// String renders the range for error/log messages.
func (r *Range) String() string {
	return fmt.Sprintf("[%x, %x)", r.Begin, r.End)
}

// Slices returns a snapshot of the range's current slice list, in
// positional order.
func (r *Range) Slices() []*Slice {
	out := make([]*Slice, len(r.slices))
	copy(out, r.slices)
	return out
}

// InsertSlice appends a new slice to the end of the positional list —
// the common case when a dump's new slice lands after everything already
// present.
func (r *Range) InsertSlice(s *Slice) {
	r.slices = append(r.slices, s)
	r.version++
}

// InsertSliceBefore inserts newSlice positionally before the slice
// currently at index firstIdx, preserving everything already in the
// list, so a slice a concurrent dump added during a compaction survives
// in place rather than being clobbered by the compaction's own
// completion.
func (r *Range) InsertSliceBefore(firstIdx int, newSlice *Slice) {
	r.slices = append(r.slices, nil)
	copy(r.slices[firstIdx+1:], r.slices[firstIdx:len(r.slices)-1])
	r.slices[firstIdx] = newSlice
	r.version++
}

// RemoveSliceRange removes the half-open index interval [first, last) from
// the positional slice list in one non-yielding step, per invariant (i):
// "no yield between removing the old slices and inserting the new slice".
func (r *Range) RemoveSliceRange(first, last int) {
	r.slices = append(r.slices[:first], r.slices[last:]...)
	r.version++
}

// IndexOfSlice returns the positional index of s, or -1 if absent — used
// to locate FirstSlice/LastSlice markers before mutating the list.
func (r *Range) IndexOfSlice(s *Slice) int {
	for i, existing := range r.slices {
		if existing == s {
			return i
		}
	}
	return -1
}

// Version returns the structural edit counter, bumped on every insert or
// removal.
func (r *Range) Version() uint64 { return r.version }

// CompactPriority returns the range's current compaction-priority number.
func (r *Range) CompactPriority() float64 { return r.compactPriority }

// recomputePriority estimates read-amplification reduction from per-run
// slice counts, following a "too many small runs in one place" heuristic
// applied to a single range's slice list: priority grows with the number
// of distinct runs a read of this range would have to probe.
func (r *Range) recomputePriority(maxRunsPerLevel int) {
	runs := make(map[*Run]struct{}, len(r.slices))
	for _, s := range r.slices {
		runs[s.Run] = struct{}{}
	}
	n := len(runs)
	if maxRunsPerLevel <= 0 {
		maxRunsPerLevel = 1
	}
	r.compactPriority = float64(n) / float64(maxRunsPerLevel)
}

// RangeTree is the ordered partition of an LSM tree's key space. It is
// owned and mutated exclusively by the coordinator thread.
type RangeTree struct {
	ranges []*Range // sorted by Begin
}

// NewRangeTree creates a tree with a single range spanning the whole
// key space.
func NewRangeTree(firstRangeID uint64) *RangeTree {
	return &RangeTree{ranges: []*Range{NewRange(firstRangeID, nil, nil)}}
}

// All returns the ranges in key order.
func (rt *RangeTree) All() []*Range {
	out := make([]*Range, len(rt.ranges))
	copy(out, rt.ranges)
	return out
}

// Find returns the range whose [Begin, End) interval contains key.
func (rt *RangeTree) Find(key []byte) *Range {
	idx := rt.findIndex(key)
	if idx < 0 {
		return nil
	}
	return rt.ranges[idx]
}

func (rt *RangeTree) findIndex(key []byte) int {
	// Last range whose Begin <= key.
	i := sort.Search(len(rt.ranges), func(i int) bool {
		return rt.ranges[i].Begin == nil || bytes.Compare(rt.ranges[i].Begin, key) > 0
	})
	i--
	if i < 0 || i >= len(rt.ranges) {
		return -1
	}
	return i
}

// Intersecting returns every range overlapping [begin, end), used by dump
// completion to find the [begin_range, end_range) interval the new run's
// keys fall into.
func (rt *RangeTree) Intersecting(begin, end []byte) []*Range {
	var out []*Range
	for _, r := range rt.ranges {
		if rangeOverlaps(r, begin, end) {
			out = append(out, r)
		}
	}
	return out
}

func rangeOverlaps(r *Range, begin, end []byte) bool {
	if r.End != nil && bytes.Compare(begin, r.End) >= 0 {
		return false
	}
	if end != nil && r.Begin != nil && bytes.Compare(end, r.Begin) <= 0 {
		return false
	}
	return true
}

// Split divides r into two ranges at the caller-chosen midKey, inserts
// both in place of r, and returns them. Splitting is attempted by
// compaction task construction before building a task; it
// never itself touches slice data, only the partition boundary, so
// existing slices are handed to whichever child range they fall under by
// key, preserving the no-gaps invariant.
func (rt *RangeTree) Split(r *Range, midKey []byte, leftID, rightID uint64) (*Range, *Range) {
	left := NewRange(leftID, r.Begin, midKey)
	right := NewRange(rightID, midKey, r.End)

	for _, s := range r.slices {
		if bytes.Compare(s.Begin, midKey) < 0 {
			left.slices = append(left.slices, s)
		} else {
			right.slices = append(right.slices, s)
		}
	}
	left.recomputePriority(1)
	right.recomputePriority(1)

	rt.replace(r, left, right)
	return left, right
}

// Coalesce merges r with its immediate right-hand neighbor into a single
// range, preserving positional slice order (the left range's slices
// precede the right range's).
func (rt *RangeTree) Coalesce(r *Range, mergedID uint64) *Range {
	idx := rt.indexOfRange(r)
	if idx < 0 || idx+1 >= len(rt.ranges) {
		return r
	}
	neighbor := rt.ranges[idx+1]

	merged := NewRange(mergedID, r.Begin, neighbor.End)
	merged.slices = append(merged.slices, r.slices...)
	merged.slices = append(merged.slices, neighbor.slices...)

	rt.ranges = append(rt.ranges[:idx], rt.ranges[idx+2:]...)
	rt.ranges = append(rt.ranges, nil)
	copy(rt.ranges[idx+1:], rt.ranges[idx:])
	rt.ranges[idx] = merged
	return merged
}

// RightNeighbor returns the range immediately following r in key order,
// or nil if r is absent or already the last range — the candidate
// Coalesce folds r into.
func (rt *RangeTree) RightNeighbor(r *Range) *Range {
	idx := rt.indexOfRange(r)
	if idx < 0 || idx+1 >= len(rt.ranges) {
		return nil
	}
	return rt.ranges[idx+1]
}

func (rt *RangeTree) replace(old *Range, with ...*Range) {
	idx := rt.indexOfRange(old)
	if idx < 0 {
		return
	}
	tail := append([]*Range{}, rt.ranges[idx+1:]...)
	rt.ranges = append(rt.ranges[:idx], with...)
	rt.ranges = append(rt.ranges, tail...)
}

func (rt *RangeTree) indexOfRange(r *Range) int {
	for i, existing := range rt.ranges {
		if existing == r {
			return i
		}
	}
	return -1
}

// checkNoGaps verifies the partition invariant; used by tests.
func (rt *RangeTree) checkNoGaps() error {
	for i := 1; i < len(rt.ranges); i++ {
		prevEnd := rt.ranges[i-1].End
		curBegin := rt.ranges[i].Begin
		if prevEnd == nil || curBegin == nil {
			return fmt.Errorf("range tree gap at boundary %d: unbounded interior range", i)
		}
		if !bytes.Equal(prevEnd, curBegin) {
			return fmt.Errorf("range tree gap at boundary %d: %x != %x", i, prevEnd, curBegin)
		}
	}
	return nil
}
