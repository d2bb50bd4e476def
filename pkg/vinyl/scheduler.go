package vinyl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scheduler is the public facade over the background dump/compaction
// coordinator. Create returns a Scheduler in the stopped
// state; callers must call Start before AddLsm tasks begin executing.
type Scheduler struct {
	c *coordinator

	mu      sync.Mutex
	running bool
}

// Create builds a Scheduler against cfg, opening its metadata log under
// cfg.DataDir. writeThreads splits between the dump and compaction
// pools. dumpCompleteCB, if non-nil, is invoked on the
// coordinator goroutine after each tree's successful dump (once per
// tree, not once per round) — callers
// needing to do real work in response should hand off to their own
// goroutine rather than block it. views is shared with (owned by) the
// transactional engine; registry may be nil, in which case metrics are
// collected against a private, ungathered registry.
func Create(cfg Config, writeThreads int, dumpCompleteCB func(*LSMTree), views *ReadViewSet, registry *prometheus.Registry, deferredSink DeferredDeleteSink) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if views == nil {
		views = NewReadViewSet()
	}

	ids := &idSequence{}
	mlog, err := OpenMetadataLog(cfg.DataDir, ids)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &coordinator{
		cfg:             cfg,
		ids:             ids,
		mlog:            mlog,
		trees:           make(map[uint64]*LSMTree),
		dumpSched:       NewDumpScheduler(),
		results:         make(chan *Task, writeThreads*2),
		compactInFlight: make(map[uint64]*Range),
		views:           views,
		checkpoint:      NewCheckpoint(),
		metrics:         NewMetrics(registry),
		onDumpComplete:  dumpCompleteCB,
		wake:            make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
	}
	if deferredSink != nil {
		c.deferred = NewDeferredDeleteQueue(deferredSink, cfg.MaxInProgressBatches)
	}
	c.dumpPool, c.compactPool = NewDumpAndCompactPools(writeThreads, c.execDump, c.execCompact, c.results)

	return &Scheduler{c: c}, nil
}

// Start launches the coordinator goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.start()
}

// Destroy stops accepting new work, drains in-flight tasks and the
// deferred-delete queue, and releases the metadata log.
func (s *Scheduler) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.c.cancel()
	s.c.dumpPool.Shutdown()
	s.c.compactPool.Shutdown()
	if s.c.deferred != nil {
		s.c.deferred.Wait()
	}
	s.c.wg.Wait()
	return s.c.mlog.Close()
}

// AddLsm registers a new LSM tree with the scheduler. The
// tree must not already be registered. Per-tree policy is resolved from
// cfg.PolicyOverrides[name], falling back to the scheduler's defaults.
func (s *Scheduler) AddLsm(name string, kd *KeyDef) (*LSMTree, error) {
	s.c.mu.Lock()
	for _, t := range s.c.trees {
		if t.Name == name {
			s.c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLsmAlreadyAdded, name)
		}
	}
	s.c.mu.Unlock()

	id := s.c.ids.nextID()
	rangeID := s.c.ids.nextID()
	eff := s.c.cfg.policyFor(name)
	tree := NewLSMTree(id, name, kd, eff, rangeID)

	s.c.mu.Lock()
	s.c.trees[id] = tree
	s.c.dumpSched.Add(tree)
	s.c.mu.Unlock()

	s.c.wakeUp()
	return tree, nil
}

// MarkSecondary registers tree as a secondary index of primary, so
// invariant (iv) — primaries dump last within a space — holds.
func (s *Scheduler) MarkSecondary(tree, primary *LSMTree) {
	tree.MarkSecondaryOf(primary)
	s.c.mu.Lock()
	s.c.dumpSched.Fix(tree)
	s.c.mu.Unlock()
}

// RemoveLsm unregisters tree, draining any dump currently in flight for
// it before removal completes.
func (s *Scheduler) RemoveLsm(tree *LSMTree) error {
	tree.Drop()

	s.c.mu.Lock()
	s.c.dumpSched.Remove(tree)
	delete(s.c.trees, tree.id)
	s.c.mu.Unlock()

	for tree.IsDumping() {
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// TriggerDump asks the scheduler to consider dumping every registered
// tree sooner than its normal throttle schedule, without blocking for
// completion. While a checkpoint is in progress the request is deferred
// to end_checkpoint rather than racing the checkpoint's own round.
func (s *Scheduler) TriggerDump() {
	s.c.requestDump()
}

// Dump synchronously forces and waits out one full dump round for every
// registered, non-dropped tree.
func (s *Scheduler) Dump(ctx context.Context) error {
	s.c.mu.Lock()
	trees := make([]*LSMTree, 0, len(s.c.trees))
	gens := make(map[uint64]uint64, len(s.c.trees))
	for _, t := range s.c.trees {
		if t.IsDropped() {
			continue
		}
		trees = append(trees, t)
		gens[t.id] = t.Generation()
	}
	s.c.mu.Unlock()

	s.c.requestDump()
	for _, t := range trees {
		if err := waitDumpRound(ctx, t, gens[t.id], 5*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// ForceCompaction schedules an immediate compaction pass over every
// range of tree with priority above the normal threshold, bypassing the
// dump heap entirely.
func (s *Scheduler) ForceCompaction(tree *LSMTree) {
	for _, r := range tree.Ranges().All() {
		tree.CompactScheduler().Reprioritize(r, 1) // maxRunsPerLevel=1 forces priority > 1.0 for any 2+ run range
	}
	s.c.wakeUp()
}

// BeginCheckpoint/WaitCheckpoint/EndCheckpoint expose the checkpoint
// coordination contract to the transactional engine. BeginCheckpoint
// fails immediately if the scheduler is throttled, rather than starting
// a checkpoint it has no spare capacity to service promptly.
func (s *Scheduler) BeginCheckpoint(lsn int64) error {
	s.c.mu.Lock()
	trees := make([]*LSMTree, 0, len(s.c.trees))
	for _, t := range s.c.trees {
		trees = append(trees, t)
	}
	s.c.mu.Unlock()
	if err := s.c.checkpoint.Begin(lsn, trees, s.c.isThrottled()); err != nil {
		return err
	}
	s.c.requestCheckpointDump()
	return nil
}

func (s *Scheduler) WaitCheckpoint(ctx context.Context) error {
	return s.c.checkpoint.Wait(ctx)
}

// EndCheckpoint releases the checkpoint and, if a trigger_dump arrived
// while it was active, fires the deferred round now.
func (s *Scheduler) EndCheckpoint() {
	s.c.checkpoint.End()

	s.c.mu.Lock()
	deferred := s.c.dumpDeferredByCheckpoint
	s.c.dumpDeferredByCheckpoint = false
	s.c.mu.Unlock()

	if deferred {
		s.c.requestDump()
	}
}

// Stats is a point-in-time snapshot of scheduler load, for the
// bubbletea monitor and for tests.
type Stats struct {
	Trees           int
	DumpHeapDepth   int
	DumpsInFlight   int
	CompactInFlight int
	DeferredBacklog int
	ThrottleSeconds float64
	PerTree         map[string]TreeStats
}

// TreeStats is the per-tree portion of a Stats snapshot.
type TreeStats struct {
	Generation    uint64
	IsDumping     bool
	PinCount      int
	RangeCount    int
	CompactHeapTop float64
}

// Stats returns a consistent snapshot of the scheduler's current state.
func (s *Scheduler) Stats() Stats {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()

	out := Stats{
		Trees:           len(s.c.trees),
		DumpHeapDepth:   s.c.dumpSched.Len(),
		DumpsInFlight:   s.c.dumpInFlight,
		CompactInFlight: len(s.c.compactInFlight),
		ThrottleSeconds: s.c.throttle.Seconds(),
		PerTree:         make(map[string]TreeStats, len(s.c.trees)),
	}
	if s.c.deferred != nil {
		out.DeferredBacklog = s.c.deferred.InFlight()
	}
	for _, t := range s.c.trees {
		top := 0.0
		if r := t.CompactScheduler().Peek(); r != nil {
			top = r.CompactPriority()
		}
		out.PerTree[t.Name] = TreeStats{
			Generation:     t.Generation(),
			IsDumping:      t.IsDumping(),
			PinCount:       t.PinCount(),
			RangeCount:     len(t.Ranges().All()),
			CompactHeapTop: top,
		}
	}
	return out
}
