package vinyl

import (
	"fmt"
	"os"
	"sync"
)

// RunState is a Run's lifecycle position.
type RunState int

const (
	RunPrepared  RunState = iota // logged, file not yet written
	RunCommitted                 // file exists, logged
	RunUnused                    // no slices reference it
	RunDiscarded                 // forgotten, or retained for a checkpoint
)

// Run is an immutable on-disk sorted file. Only its bookkeeping fields
// (state, slice refcount) are coordinator-mutable after Commit; statement
// data is never rewritten. It carries none of the read-path fields
// (sparse index, open *os.File) a query engine would need — those belong
// to whatever opens the run for reads, not to the scheduler that produces
// and retires it — only the dump-LSN and slice-refcount bookkeeping the
// scheduler itself owns.
type Run struct {
	mu sync.Mutex

	ID   uint64
	Path string

	state RunState

	MinKey, MaxKey []byte
	StatementCount int64
	DumpLSN        int64 // newest statement LSN sealed into this run

	// sliceRefs counts slices across all ranges that reference this run.
	// A run is deletable once this reaches zero and no checkpoint retains it.
	sliceRefs int

	// compactedSliceCount/sliceCount implement the rule that a source run
	// becomes unused once every one of its slices has been folded into a
	// compaction output.
	compactedSliceCount int
	sliceCount          int
}

// NewRun allocates a Run in the Prepared state. id comes from the shared
// idSequence so runs, slices, and metadata-log records share one order.
func NewRun(id uint64, path string) *Run {
	return &Run{ID: id, Path: path, state: RunPrepared}
}

// Commit transitions Prepared -> Committed once the run writer has
// durably flushed the file and recorded min/max keys and LSNs.
func (r *Run) Commit(minKey, maxKey []byte, stmtCount, dumpLSN int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunCommitted
	r.MinKey = minKey
	r.MaxKey = maxKey
	r.StatementCount = stmtCount
	r.DumpLSN = dumpLSN
}

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AddSliceRef registers a new slice referencing this run, and grows the
// expected sliceCount a compaction will need to retire before the run
// becomes unused.
func (r *Run) AddSliceRef() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sliceRefs++
	r.sliceCount++
}

// RemoveSliceRef drops a slice reference. Returns true if the run is now
// unreferenced.
func (r *Run) RemoveSliceRef() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sliceRefs > 0 {
		r.sliceRefs--
	}
	return r.sliceRefs == 0
}

// MarkSliceCompacted increments the compacted-slice counter and reports
// whether every slice of this run has now been folded into a compaction
// output.
func (r *Run) MarkSliceCompacted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactedSliceCount++
	return r.compactedSliceCount >= r.sliceCount
}

// MarkUnused transitions Committed -> Unused.
func (r *Run) MarkUnused() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunUnused
}

// MarkDiscarded transitions -> Discarded, the terminal state after
// forget_run (or after an abandoned Prepared run).
func (r *Run) MarkDiscarded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = RunDiscarded
}

// RemoveFiles deletes the run's backing file from disk. Best-effort:
// callers tolerate failure, since recovery rediscovers orphans
// by scanning the data directory.
func (r *Run) RemoveFiles() error {
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run file %s: %w", r.Path, err)
	}
	return nil
}

// RunPath builds the on-disk path for a run file, keyed by tree name
// rather than by level, since runs here are scoped per LSM tree.
func RunPath(dataDir, treeName string, id uint64) string {
	return fmt.Sprintf("%s/%s-%020d.run", dataDir, treeName, id)
}
