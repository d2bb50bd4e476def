package vinyl

import "sync"

// LSMTree is the logical per-index structure: runs, ranges, and memtables
// organized for log-structured merging. It is mutated only by
// the coordinator thread; mu exists to let read-only
// accessors (Stats, String) be called safely from the monitoring CLI
// without racing the coordinator goroutine.
type LSMTree struct {
	mu sync.Mutex

	id   uint64
	Name string

	KeyDef *KeyDef
	policy Policy

	ranges  *RangeTree
	compact *CompactScheduler
	runs    map[uint64]*Run

	activeMem *Memtable
	sealedMem []*Memtable

	generation uint64

	isDropped bool
	isDumping bool
	pinCount  int

	// isSecondary/primaryOf implement invariant (iv): a secondary index's
	// primary is always dumped last within the same space.
	isSecondary bool
	primaryOf   *LSMTree

	// dumpHeapIndex is maintained by container/heap (the dump heap).
	dumpHeapIndex int
}

// NewLSMTree creates a fresh tree with one empty active memtable at
// generation 0 and a single range spanning the whole key space.
func NewLSMTree(id uint64, name string, kd *KeyDef, policy Policy, firstRangeID uint64) *LSMTree {
	t := &LSMTree{
		id:            id,
		Name:          name,
		KeyDef:        kd,
		policy:        policy,
		ranges:        NewRangeTree(firstRangeID),
		compact:       NewCompactScheduler(),
		runs:          make(map[uint64]*Run),
		dumpHeapIndex: -1,
	}
	t.activeMem = NewMemtable(0)
	for _, r := range t.ranges.All() {
		t.compact.Add(r, policy.MaxRunsPerLevel)
	}
	return t
}

// CompactScheduler returns the tree's private range-priority heap.
func (t *LSMTree) CompactScheduler() *CompactScheduler {
	return t.compact
}

// Policy returns the tree's current policy snapshot.
func (t *LSMTree) Policy() Policy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policy
}

// MarkSecondaryOf records that this tree is a secondary index of primary,
// enforcing invariant (iv) through dump-heap ordering: at equal
// generation and pin count a secondary sorts before its primary.
func (t *LSMTree) MarkSecondaryOf(primary *LSMTree) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isSecondary = true
	t.primaryOf = primary
}

// Generation returns the tree's current generation counter.
func (t *LSMTree) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// IsDropped/IsDumping/PinCount expose the coordinator-owned flags for
// read-only inspection (e.g. by the monitor CLI or tests).
func (t *LSMTree) IsDropped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isDropped
}

func (t *LSMTree) IsDumping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isDumping
}

func (t *LSMTree) PinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pinCount
}

// Drop marks the tree dropped: it holds no heap positions and receives no
// new tasks from this point.
func (t *LSMTree) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isDropped = true
}

// Pin/Unpin raise and lower pin_count, which the dump heap orders on
// (lower first). Dump dispatch does not pin a secondary's primary; the
// secondary-before-primary order comes from the heap's tie-break alone.
func (t *LSMTree) Pin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinCount++
}

func (t *LSMTree) Unpin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pinCount > 0 {
		t.pinCount--
	}
}

// RotateMem seals the current active memtable and starts a fresh one
// bearing the tree's next generation, so writes landing after the
// rotation belong to the following dump round.
func (t *LSMTree) RotateMem() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateMemLocked()
}

func (t *LSMTree) rotateMemLocked() {
	t.activeMem.Seal()
	t.sealedMem = append(t.sealedMem, t.activeMem)
	t.activeMem = NewMemtable(t.generation + 1)
}

// ActiveGeneration returns the active memtable's generation without
// mutating anything.
func (t *LSMTree) ActiveGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeMem.Generation()
}

// ActiveMem returns the tree's current active memtable, the only one the
// transactional engine may Put into.
func (t *LSMTree) ActiveMem() *Memtable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeMem
}

// SealedAtOrBelow returns every sealed memtable whose generation is <= gen,
// used by dump task construction to gather this round's eligible memtables.
func (t *LSMTree) SealedAtOrBelow(gen uint64) []*Memtable {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Memtable
	for _, mt := range t.sealedMem {
		if mt.Generation() <= gen {
			out = append(out, mt)
		}
	}
	return out
}

// MinGeneration returns the oldest generation still held by any memtable
// (active or sealed), used for the dump-round-completion check: a dump
// round for generation g is done once every tree's minimum generation
// has advanced past g.
func (t *LSMTree) MinGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := t.activeMem.Generation()
	for _, mt := range t.sealedMem {
		if g := mt.Generation(); g < min {
			min = g
		}
	}
	return min
}

// DeleteMemsAtOrBelow destroys and removes every sealed memtable whose
// generation is <= gen, after the run covering them has been logged and
// its slices inserted (invariant iii).
func (t *LSMTree) DeleteMemsAtOrBelow(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.sealedMem[:0]
	for _, mt := range t.sealedMem {
		if mt.Generation() <= gen {
			mt.Destroy()
			continue
		}
		kept = append(kept, mt)
	}
	t.sealedMem = kept
}

// SetDumping sets or clears the is_dumping flag the scheduler's
// invariant 2 relies on ("at most one dump task... outstanding").
func (t *LSMTree) SetDumping(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.isDumping = v
}

// AddRun registers a newly committed run with the tree.
func (t *LSMTree) AddRun(r *Run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[r.ID] = r
}

// Run looks up a run by id.
func (t *LSMTree) Run(id uint64) *Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[id]
}

// ForgetRun removes a run from the tree's bookkeeping entirely.
func (t *LSMTree) ForgetRun(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, id)
}

// Ranges returns the range tree for direct coordinator manipulation
// (split/coalesce/heap maintenance live in coordinator_compact.go).
func (t *LSMTree) Ranges() *RangeTree {
	return t.ranges
}

// AdvanceGeneration bumps the tree's generation counter at dump-round
// completion.
func (t *LSMTree) AdvanceGeneration() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
}

// MaxCompactPriority returns the maximum compaction priority over the
// tree's ranges — the LSM tree's own contribution to the compact heap's
// ordering key.
func (t *LSMTree) MaxCompactPriority() float64 {
	var max float64
	for _, r := range t.ranges.All() {
		if p := r.CompactPriority(); p > max {
			max = p
		}
	}
	return max
}

// IsSecondary reports whether this tree was registered as a secondary
// index via MarkSecondaryOf.
func (t *LSMTree) IsSecondary() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isSecondary
}

// Lock/Unlock expose the tree's mutex for coordinator sections that must
// span multiple of the helpers above atomically. The compaction-completion
// slice swap in coordinator_compact.go does not take it; it relies on
// running on the coordinator goroutine.
func (t *LSMTree) Lock()   { t.mu.Lock() }
func (t *LSMTree) Unlock() { t.mu.Unlock() }
