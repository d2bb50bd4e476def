package vinyl

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind distinguishes dump from compaction tasks.
type TaskKind int

const (
	TaskDump TaskKind = iota
	TaskCompact
)

func (k TaskKind) String() string {
	if k == TaskDump {
		return "dump"
	}
	return "compact"
}

// Task is a unit of background work dispatched to a worker pool. Trace is
// a per-task correlation id minted by NewTask; no log line or metric
// label in this package carries it.
type Task struct {
	Trace   uuid.UUID
	Kind    TaskKind
	Started time.Time // set by NewTask, read back by completeDump/completeCompact for DumpDuration/CompactionDuration

	Tree *LSMTree // owning tree; the task does not pin it

	// KeyDef is the task's private deep copy, immune to concurrent alter
	// of the tree's live comparison definition.
	KeyDef *KeyDef

	// Target range, only set for TaskCompact.
	Range *Range
	// FirstSlice/LastSlice mark the positional interval compacted,
	// captured at construction so completion can insert the new slice
	// before FirstSlice without rebuilding the list.
	FirstSlice, LastSlice int

	// Memtables dumped, only set for TaskDump.
	Memtables []*Memtable

	NewRun       *Run
	WriteIter    *WriteIterator
	Policy       Policy
	DumpLSN      int64
	DumpGenAtRun uint64 // tree's generation this dump task is servicing

	Failed bool
	Err    error

	// Deferred is non-nil only for primary-index compaction tasks.
	Deferred *DeferredDeleteRouter
}

// NewTask allocates a Task, minting a fresh trace id.
func NewTask(kind TaskKind, tree *LSMTree) *Task {
	return &Task{
		Trace:   uuid.New(),
		Kind:    kind,
		Started: time.Now(),
		Tree:    tree,
		KeyDef:  tree.KeyDef.Clone(),
	}
}

// Fail records a task failure for the coordinator's complete/abort path.
func (t *Task) Fail(err error) {
	t.Failed = true
	t.Err = err
}

// DeferredDeletePair is an (old_statement, new_statement) pair produced
// when a primary-index compaction shadows an older tuple with a newer
// version.
type DeferredDeletePair struct {
	Old *Statement
	New *Statement
}

// DeferredDeleteBatch is a bounded array of pairs produced by a worker
// compacting a primary index and consumed by the coordinator thread.
// VY_DEFERRED_DELETE_BATCH_MAX caps its size.
type DeferredDeleteBatch struct {
	SpaceID string
	Pairs   []DeferredDeletePair
	Failed  bool
	Err     error
}

// Full reports whether the batch has reached its configured capacity.
func (b *DeferredDeleteBatch) Full(max int) bool {
	return len(b.Pairs) >= max
}
