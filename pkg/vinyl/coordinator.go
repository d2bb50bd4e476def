package vinyl

import (
	"context"
	"sync"
	"time"
)

// coordinator runs the single goroutine that owns every LSM tree's
// mutable structure: it is the only writer of ranges, runs, memtables,
// and the metadata log, so none of those types need their own
// synchronization against each other, only against read-only snapshot
// accessors. Everything else — worker pools, the deferred-delete
// queue, the checkpoint coordinator — runs on its own goroutines and
// reports back through a buffered results channel drained by this one
// consumer.
type coordinator struct {
	cfg Config

	ids  *idSequence
	mlog *MetadataLog

	mu    sync.Mutex
	trees map[uint64]*LSMTree

	dumpSched *DumpScheduler

	dumpPool    *WorkerPool
	compactPool *WorkerPool
	results     chan *Task

	dumpInFlight    int
	compactInFlight map[uint64]*Range // keyed by Range.ID currently being compacted

	views      *ReadViewSet
	checkpoint *Checkpoint
	deferred   *DeferredDeleteQueue
	metrics    *Metrics

	onDumpComplete func(*LSMTree)

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	throttle time.Duration

	// dumpRequested/dumpGeneration gate tryDispatchDump: a dump round only
	// runs in response to trigger_dump, Dump, or a checkpoint, targeting
	// the generation every registered tree held at request time.
	// dumpTaskCount tracks outstanding work (dispatched tasks plus
	// synchronous empty-round completions) for the current round.
	// dumpDeferredByCheckpoint remembers a trigger_dump that arrived while
	// a checkpoint was active, to replay at end_checkpoint.
	dumpRequested            bool
	dumpGeneration           uint64
	dumpTaskCount            int
	dumpDeferredByCheckpoint bool
}

// wakeUp nudges the coordinator loop to re-evaluate scheduling without
// waiting out the current throttle backoff — called after AddLsm,
// TriggerDump, and ForceCompaction.
func (c *coordinator) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// isThrottled reports whether the coordinator is currently backed off
// past its minimum throttle, consulted by begin_checkpoint to fail fast
// rather than start a checkpoint the scheduler can't service promptly.
func (c *coordinator) isThrottled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle > c.cfg.ThrottleMin
}

// requestDump marks a dump round wanted, targeting every registered
// tree's current generation. While a checkpoint is active the request
// is deferred to end_checkpoint instead of waking the loop immediately,
// so a trigger_dump mid-checkpoint doesn't race the checkpoint's own
// dump round.
func (c *coordinator) requestDump() {
	c.mu.Lock()
	if active, _ := c.checkpoint.Active(); active {
		c.dumpDeferredByCheckpoint = true
		c.mu.Unlock()
		return
	}
	c.setDumpTargetLocked()
	c.mu.Unlock()
	c.wakeUp()
}

// requestCheckpointDump starts a round unconditionally; only
// begin_checkpoint calls this, after checkpoint.Begin has already made
// the checkpoint active, so the deferral requestDump applies elsewhere
// would otherwise suppress the very dump the checkpoint needs.
func (c *coordinator) requestCheckpointDump() {
	c.mu.Lock()
	c.setDumpTargetLocked()
	c.mu.Unlock()
	c.wakeUp()
}

// setDumpTargetLocked sets the round's target generation to the oldest
// generation held by any registered, non-dropped tree. c.mu must be held.
func (c *coordinator) setDumpTargetLocked() {
	c.dumpGeneration = c.minTreeGenerationLocked()
	c.dumpRequested = true
}

func (c *coordinator) minTreeGenerationLocked() uint64 {
	first := true
	var min uint64
	for _, t := range c.trees {
		if t.IsDropped() {
			continue
		}
		if g := t.Generation(); first || g < min {
			min = g
			first = false
		}
	}
	return min
}

// start launches the coordinator loop goroutine.
func (c *coordinator) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *coordinator) run() {
	defer c.wg.Done()

	c.mu.Lock()
	c.throttle = c.cfg.ThrottleMin
	c.mu.Unlock()
	timer := time.NewTimer(0)
	defer timer.Stop()
	failed := false

	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.results:
			c.handleCompletion(t)
			failed = failed || outcomeLabel(t) == "failed"
			continue
		case <-c.wake:
		case <-timer.C:
		}

		c.scheduleLoop()

		c.mu.Lock()
		if !failed {
			c.throttle = c.cfg.ThrottleMin
		} else {
			c.throttle *= 2
			if c.throttle > c.cfg.ThrottleMax {
				c.throttle = c.cfg.ThrottleMax
			}
		}
		failed = false
		throttle := c.throttle
		c.mu.Unlock()

		c.recordThrottle(throttle)
		c.recordGauges()
		timer.Reset(throttle)
	}
}

func (c *coordinator) recordThrottle(throttle time.Duration) {
	if c.metrics == nil {
		return
	}
	active := 0.0
	if throttle > c.cfg.ThrottleMin {
		active = 1.0
	}
	c.metrics.ThrottleActive.WithLabelValues("scheduler").Set(active)
	c.metrics.ThrottleBackoff.WithLabelValues("scheduler").Set(throttle.Seconds())
}

// recordGauges refreshes the point-in-time gauges every scheduling pass:
// heap depths, busy worker counts per pool, and the deferred-delete
// backlog.
func (c *coordinator) recordGauges() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	dumpDepth := c.dumpSched.Len()
	dumpBusy := c.dumpInFlight
	compactBusy := len(c.compactInFlight)
	heapDepths := make(map[string]int, len(c.trees))
	for _, tree := range c.trees {
		heapDepths[tree.Name] = tree.CompactScheduler().Len()
	}
	c.mu.Unlock()

	c.metrics.DumpHeapDepth.WithLabelValues("scheduler").Set(float64(dumpDepth))
	c.metrics.WorkersBusy.WithLabelValues("dump").Set(float64(dumpBusy))
	c.metrics.WorkersBusy.WithLabelValues("compact").Set(float64(compactBusy))
	for tree, depth := range heapDepths {
		c.metrics.CompactHeapDepth.WithLabelValues(tree).Set(float64(depth))
	}
	if c.deferred != nil {
		c.metrics.DeferredDeleteBacklog.Set(float64(c.deferred.InFlight()))
	}
}

// scheduleLoop dispatches as many dump and compaction tasks as current
// pool capacity and heap contents allow, returning whether it dispatched
// anything at all.
func (c *coordinator) scheduleLoop() bool {
	dispatched := false
	for c.tryDispatchDump() {
		dispatched = true
	}
	for c.tryDispatchCompact() {
		dispatched = true
	}
	return dispatched
}

// tryDispatchDump dispatches at most one dump task, and only while a
// round is in progress (dumpRequested) — trigger_dump, Dump, or a
// checkpoint starting one. It only inspects the heap top (4.G.1's own
// algorithm), so a tree starved behind a higher pin_count/generation
// peer waits for the next tick rather than being scanned for directly.
func (c *coordinator) tryDispatchDump() bool {
	c.mu.Lock()
	if !c.dumpRequested {
		c.mu.Unlock()
		return false
	}
	tree := c.dumpSched.Peek()
	if tree == nil || tree.IsDropped() || tree.IsDumping() || tree.Generation() > c.dumpGeneration {
		if c.dumpTaskCount == 0 {
			c.dumpRequested = false
		}
		c.mu.Unlock()
		return false
	}
	if checkpointActive, _ := c.checkpoint.Active(); checkpointActive && !c.checkpoint.TreePending(tree) {
		// This round's target was set wider than what the active
		// checkpoint still owes; leave non-owed trees for end_checkpoint.
		c.mu.Unlock()
		return false
	}
	if c.dumpInFlight >= c.dumpPool.Size() {
		c.mu.Unlock()
		return false
	}
	c.dumpTaskCount++
	c.mu.Unlock()

	task, err := c.buildDumpTask(tree)
	if err != nil {
		c.mu.Lock()
		c.dumpTaskCount--
		c.mu.Unlock()
		return false
	}
	if task == nil {
		// Empty rotation: buildDumpTask already completed the round inline.
		c.mu.Lock()
		c.dumpSched.Fix(tree)
		c.dumpTaskCount--
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	tree.SetDumping(true)
	c.dumpSched.Fix(tree)
	c.dumpInFlight++
	c.mu.Unlock()

	if err := c.dumpPool.Submit(task); err != nil {
		c.mu.Lock()
		tree.SetDumping(false)
		c.dumpSched.Fix(tree)
		c.dumpInFlight--
		c.dumpTaskCount--
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *coordinator) tryDispatchCompact() bool {
	c.mu.Lock()
	if len(c.compactInFlight) >= c.compactPool.Size() {
		c.mu.Unlock()
		return false
	}
	tree, r := c.bestCompactCandidateLocked()
	if tree == nil || r == nil {
		c.mu.Unlock()
		return false
	}
	tree.CompactScheduler().Remove(r)
	c.compactInFlight[r.ID] = r
	c.mu.Unlock()

	task, err := c.buildCompactTask(tree, r)
	if err != nil {
		// r is unchanged (restructuring runs before any fallible step);
		// safe to hand it straight back to the heap.
		c.mu.Lock()
		delete(c.compactInFlight, r.ID)
		tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return false
	}
	if task == nil {
		// Either r restructured (split/coalesced, heap already updated
		// with the replacement range(s)) or had too few slices to be
		// worth compacting (buildCompactTask already re-added r itself).
		c.mu.Lock()
		delete(c.compactInFlight, r.ID)
		c.mu.Unlock()
		return false
	}

	if err := c.compactPool.Submit(task); err != nil {
		c.mu.Lock()
		delete(c.compactInFlight, r.ID)
		tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return false
	}
	return true
}

// bestCompactCandidateLocked scans every registered tree's compact heap
// for the globally worst read-amplification range, since compaction
// priority (unlike dump priority) is compared across the whole
// scheduler, not per tree. c.mu must be held.
func (c *coordinator) bestCompactCandidateLocked() (*LSMTree, *Range) {
	var bestTree *LSMTree
	var bestRange *Range
	for _, tree := range c.trees {
		if tree.IsDropped() {
			continue
		}
		r := tree.CompactScheduler().Peek()
		if r == nil || r.CompactPriority() <= 1.0 {
			continue
		}
		if bestRange == nil || r.CompactPriority() > bestRange.CompactPriority() {
			bestTree, bestRange = tree, r
		}
	}
	return bestTree, bestRange
}

func (c *coordinator) handleCompletion(t *Task) {
	switch t.Kind {
	case TaskDump:
		c.completeDump(t)
	case TaskCompact:
		c.completeCompact(t)
	}
}
