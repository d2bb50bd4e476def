package vinyl

import (
	"sort"
	"sync"
)

// MemtableState is the lifecycle position of a Memtable.
type MemtableState int

const (
	MemtableActive MemtableState = iota
	MemtableSealed
	MemtableDestroyed
)

// Memtable is a sorted in-memory buffer of statements, tagged with the LSM
// tree's generation at the moment it was created. Generation tracking, a
// seal/destroy lifecycle, and writer-pin counting let a worker dumping a
// sealed memtable wait out any writer still landing a transaction against
// it.
type Memtable struct {
	mu         sync.RWMutex
	data       map[string]*Statement
	keys       []string
	sorted     bool
	size       int
	generation uint64
	state      MemtableState

	// writerPins counts in-flight writers that still hold a reference into
	// this memtable. Dump task construction blocks until this reaches
	// zero.
	writerPins int
	pinsZero   *sync.Cond
}

// NewMemtable creates a new active Memtable bearing the given generation.
func NewMemtable(generation uint64) *Memtable {
	mt := &Memtable{
		data:       make(map[string]*Statement),
		sorted:     true,
		generation: generation,
		state:      MemtableActive,
	}
	mt.pinsZero = sync.NewCond(&mt.mu)
	return mt
}

// Generation returns the dump-round generation this memtable was created
// under.
func (mt *Memtable) Generation() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.generation
}

// State returns the current lifecycle state.
func (mt *Memtable) State() MemtableState {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.state
}

// Put inserts or overwrites a statement. Only valid while Active — the
// transactional engine is the only intended caller, but the state check
// guards against programmer error feeding a sealed memtable a new write.
func (mt *Memtable) Put(stmt *Statement) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.state != MemtableActive {
		return newTaskError("put", "", "", ErrCancelled)
	}

	keyStr := string(stmt.Key)
	if existing, exists := mt.data[keyStr]; exists {
		if existing.LSN > stmt.LSN {
			return nil
		}
		oldSize := len(existing.Value)
		if mt.size >= oldSize {
			mt.size -= oldSize
		} else {
			mt.size = 0
		}
	} else {
		mt.keys = append(mt.keys, keyStr)
		mt.sorted = false
		mt.size += len(stmt.Key)
	}
	mt.size += len(stmt.Value)
	mt.data[keyStr] = stmt
	return nil
}

// Size returns the approximate byte footprint, used by the transactional
// thread to decide when to rotate the active memtable.
func (mt *Memtable) Size() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// Count returns the number of statements currently held.
func (mt *Memtable) Count() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.keys)
}

// Empty reports whether the memtable holds no statements, used by dump
// task construction to skip straight to destruction without a worker.
func (mt *Memtable) Empty() bool {
	return mt.Count() == 0
}

// Seal transitions Active -> Sealed. Coordinator-only.
func (mt *Memtable) Seal() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.state = MemtableSealed
}

// Pin registers an in-flight writer reference, blocking WaitPinned until
// the pin is released.
func (mt *Memtable) Pin() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.writerPins++
}

// Unpin releases a writer reference, waking anyone blocked in WaitPinned.
func (mt *Memtable) Unpin() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.writerPins--
	if mt.writerPins == 0 {
		mt.pinsZero.Broadcast()
	}
}

// WaitPinned blocks the calling (coordinator) goroutine until no writer
// holds a reference into this memtable. This is a coordinator-side
// suspension point: it must only be
// called before a dump has been handed to a worker, never while holding
// the LSM tree's own lock, or a writer trying to acquire that same lock to
// unpin would deadlock against it.
func (mt *Memtable) WaitPinned() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for mt.writerPins > 0 {
		mt.pinsZero.Wait()
	}
}

// Iterator returns all live statements in sorted key order, compacting
// duplicate keys down to the newest version — the same contract the write
// iterator expects of each of its sources.
func (mt *Memtable) Iterator() []*Statement {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if !mt.sorted {
		sort.Strings(mt.keys)
		mt.sorted = true
	}

	stmts := make([]*Statement, 0, len(mt.keys))
	for _, key := range mt.keys {
		stmts = append(stmts, mt.data[key])
	}
	return stmts
}

// MaxLSN returns the highest LSN of any statement in the memtable. The
// dump-LSN recorded on a new run is computed by the run writer instead.
func (mt *Memtable) MaxLSN() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	var max int64
	for _, stmt := range mt.data {
		if stmt.LSN > max {
			max = stmt.LSN
		}
	}
	return max
}

// Destroy transitions Sealed -> Destroyed and releases the backing map.
// The coordinator calls this only after the run covering this memtable's
// generation has been logged (invariant iii).
func (mt *Memtable) Destroy() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.state = MemtableDestroyed
	mt.data = nil
	mt.keys = nil
}
