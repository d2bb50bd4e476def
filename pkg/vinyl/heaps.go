package vinyl

import "container/heap"

// dumpHeap orders LSM trees for dump scheduling: a tree
// already dumping never competes for a second dump task, low pin_count
// trees (nothing currently borrowing them for a secondary-index dump)
// go first, ties break toward the tree that has waited longest (lowest
// generation), and within identical generation a secondary index sorts
// before its primary so invariant (iv) — "a primary is always dumped
// last within its space" — holds without the coordinator special-casing
// it at dispatch time.
//
// This is the one place container/heap is reached for directly rather
// than through a third-party priority-queue wrapper: the ordering key is
// a four-way composite over fields already owned by *LSMTree, and
// container/heap's O(log n) Fix on mutation is exactly what repeated
// pin_count/generation updates need. None of the pack's examples carry
// a generic heap library, so there's nothing to prefer over the
// standard one here (recorded in the grounding ledger).
type dumpHeap []*LSMTree

func (h dumpHeap) Len() int { return len(h) }

func (h dumpHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.isDumping != b.isDumping {
		return !a.isDumping
	}
	if a.pinCount != b.pinCount {
		return a.pinCount < b.pinCount
	}
	if a.generation != b.generation {
		return a.generation < b.generation
	}
	if a.isSecondary != b.isSecondary {
		return a.isSecondary
	}
	return a.id < b.id
}

func (h dumpHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].dumpHeapIndex = i
	h[j].dumpHeapIndex = j
}

func (h *dumpHeap) Push(x any) {
	t := x.(*LSMTree)
	t.dumpHeapIndex = len(*h)
	*h = append(*h, t)
}

func (h *dumpHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.dumpHeapIndex = -1
	*h = old[:n-1]
	return t
}

// DumpScheduler owns the dump heap and the set of trees currently
// registered with the scheduler.
type DumpScheduler struct {
	h dumpHeap
}

// NewDumpScheduler returns an empty dump scheduler.
func NewDumpScheduler() *DumpScheduler {
	return &DumpScheduler{}
}

// Add inserts tree into the dump heap. AddLsm.
func (s *DumpScheduler) Add(t *LSMTree) {
	heap.Push(&s.h, t)
}

// Remove takes tree out of the dump heap. RemoveLsm; safe to
// call on a tree not currently present.
func (s *DumpScheduler) Remove(t *LSMTree) {
	if t.dumpHeapIndex < 0 || t.dumpHeapIndex >= len(s.h) {
		return
	}
	heap.Remove(&s.h, t.dumpHeapIndex)
}

// Peek returns the best dump candidate without removing it, or nil if
// the heap is empty.
func (s *DumpScheduler) Peek() *LSMTree {
	if len(s.h) == 0 {
		return nil
	}
	return s.h[0]
}

// Fix re-establishes heap order after a tree's is_dumping/pin_count/
// generation changed in place.
func (s *DumpScheduler) Fix(t *LSMTree) {
	if t.dumpHeapIndex < 0 || t.dumpHeapIndex >= len(s.h) {
		return
	}
	heap.Fix(&s.h, t.dumpHeapIndex)
}

// Len reports how many trees are registered.
func (s *DumpScheduler) Len() int { return len(s.h) }

// All returns a snapshot of the registered trees, for Stats().
func (s *DumpScheduler) All() []*LSMTree {
	out := make([]*LSMTree, len(s.h))
	copy(out, s.h)
	return out
}

// compactHeap orders ranges for compaction scheduling by descending
// compact_priority: the range whose read amplification is
// worst goes first. Ties are broken by range id so Fix/Pop are
// deterministic across runs with identical priorities, which the
// property tests rely on.
type compactHeap []*Range

func (h compactHeap) Len() int { return len(h) }

func (h compactHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.compactPriority != b.compactPriority {
		return a.compactPriority > b.compactPriority
	}
	return a.ID < b.ID
}

func (h compactHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *compactHeap) Push(x any) {
	r := x.(*Range)
	r.heapIndex = len(*h)
	*h = append(*h, r)
}

func (h *compactHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*h = old[:n-1]
	return r
}

// CompactScheduler owns the compact heap for a single LSM tree. Each
// tree keeps its own, since compaction priority only ever compares
// ranges within one tree's partition.
type CompactScheduler struct {
	h compactHeap
}

// NewCompactScheduler returns an empty compact scheduler.
func NewCompactScheduler() *CompactScheduler {
	return &CompactScheduler{}
}

// Add inserts r into the compact heap, computing its initial priority.
func (s *CompactScheduler) Add(r *Range, maxRunsPerLevel int) {
	r.recomputePriority(maxRunsPerLevel)
	heap.Push(&s.h, r)
}

// Remove takes r out of the compact heap.
func (s *CompactScheduler) Remove(r *Range) {
	if r.heapIndex < 0 || r.heapIndex >= len(s.h) {
		return
	}
	heap.Remove(&s.h, r.heapIndex)
}

// Peek returns the best compaction candidate without removing it.
func (s *CompactScheduler) Peek() *Range {
	if len(s.h) == 0 {
		return nil
	}
	return s.h[0]
}

// Reprioritize recomputes r's priority and re-establishes heap order —
// called whenever a range gains or loses slices.
func (s *CompactScheduler) Reprioritize(r *Range, maxRunsPerLevel int) {
	r.recomputePriority(maxRunsPerLevel)
	if r.heapIndex < 0 || r.heapIndex >= len(s.h) {
		heap.Push(&s.h, r)
		return
	}
	heap.Fix(&s.h, r.heapIndex)
}

// Len reports how many ranges are registered.
func (s *CompactScheduler) Len() int { return len(s.h) }

// All returns a snapshot of the registered ranges, for Stats().
func (s *CompactScheduler) All() []*Range {
	out := make([]*Range, len(s.h))
	copy(out, s.h)
	return out
}
