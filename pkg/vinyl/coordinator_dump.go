package vinyl

import (
	"context"
	"fmt"
	"math"
	"time"
)

// buildDumpTask rotates tree's active memtable and gathers every sealed
// memtable at or below the resulting generation into a new dump task
//. It returns (nil, nil) when there is nothing worth
// dumping — an empty rotation completes inline rather than being
// scheduled as a worker task.
func (c *coordinator) buildDumpTask(tree *LSMTree) (*Task, error) {
	gen := tree.ActiveGeneration()
	tree.RotateMem()

	var mts []*Memtable
	for _, mt := range tree.SealedAtOrBelow(gen) {
		mt.WaitPinned()
		if !mt.Empty() {
			mts = append(mts, mt)
		}
	}
	if len(mts) == 0 {
		c.completeEmptyDumpRound(tree, gen)
		return nil, nil
	}

	task := NewTask(TaskDump, tree)
	task.Memtables = mts
	task.Policy = tree.Policy()
	task.DumpGenAtRun = gen

	runID := c.ids.nextID()
	run := NewRun(runID, RunPath(c.cfg.DataDir, tree.Name, runID))

	c.mlog.TxBegin()
	c.mlog.PrepareRun(run.ID)
	if err := c.mlog.TxCommit(); err != nil {
		return nil, err
	}
	task.NewRun = run
	task.WriteIter = NewWriteIteratorForMemtables(task.KeyDef, c.views, mts)

	return task, nil
}

// execDump runs entirely on a dump-pool worker goroutine: merge the
// memtables, write the run, commit it to disk. It
// never touches the metadata log or any tree/range structure directly —
// that happens back on the coordinator goroutine in completeDump, once
// the result round-trips through the results channel.
func (c *coordinator) execDump(t *Task) {
	if err := checkDropped(t); err != nil {
		abortTask(t, nil, err)
		return
	}
	if err := t.WriteIter.Start(); err != nil {
		abortTask(t, nil, err)
		return
	}

	expected := 0
	for _, mt := range t.Memtables {
		expected += mt.Count()
	}
	rw, err := CreateRunWriter(t.NewRun, t.Policy, expected)
	if err != nil {
		abortTask(t, nil, err)
		return
	}
	if err := rw.Start(); err != nil {
		abortTask(t, rw, err)
		return
	}

	loops := 0
	for {
		stmt, ok, err := t.WriteIter.Next()
		if err != nil {
			abortTask(t, rw, err)
			return
		}
		if !ok {
			break
		}
		if err := rw.AppendStmt(stmt); err != nil {
			abortTask(t, rw, err)
			return
		}
		loops++
		if loops%c.cfg.YieldLoops == 0 {
			if err := checkDropped(t); err != nil {
				abortTask(t, rw, err)
				return
			}
		}
	}

	if err := checkDropped(t); err != nil {
		abortTask(t, rw, err)
		return
	}
	run, err := rw.Commit()
	if err != nil {
		abortTask(t, nil, err)
		return
	}
	t.NewRun = run
	t.DumpLSN = run.DumpLSN
	t.WriteIter.Close()
}

// completeDump runs back on the coordinator goroutine: it is the only
// place a dump's new run and its slices become visible to the rest of
// the tree. A benign drop releases the is_dumping flag
// without touching the metadata log at all, since nothing about the
// task's effects was ever made durable.
func (c *coordinator) completeDump(t *Task) {
	tree := t.Tree
	outcome := outcomeLabel(t)

	c.mu.Lock()
	c.dumpInFlight--
	c.dumpTaskCount--
	c.mu.Unlock()

	tree.SetDumping(false)
	if c.metrics != nil {
		c.metrics.DumpsTotal.WithLabelValues(tree.Name, outcome).Inc()
		c.metrics.DumpDuration.WithLabelValues(tree.Name).Observe(time.Since(t.Started).Seconds())
	}

	c.mu.Lock()
	c.dumpSched.Fix(tree)
	c.mu.Unlock()

	if t.Failed {
		return
	}

	run := t.NewRun
	c.mlog.TxBegin()
	c.mlog.CreateRun(run.ID, run.MinKey, run.MaxKey, run.StatementCount, run.DumpLSN)

	ranges := tree.Ranges().Intersecting(run.MinKey, run.MaxKey)
	for _, r := range ranges {
		sliceID := c.ids.nextID()
		slice := NewSlice(sliceID, run, r.Begin, r.End, 0)
		r.InsertSlice(slice)
		c.mlog.InsertSlice(slice.ID, run.ID, r.ID, slice.Begin, slice.End, slice.StatementCount)
	}
	c.mlog.DumpLSM(run.DumpLSN)

	if err := c.mlog.TxCommit(); err != nil {
		t.Fail(err)
		if c.metrics != nil {
			c.metrics.DumpsTotal.WithLabelValues(tree.Name, "failed").Inc()
		}
		return
	}

	tree.AddRun(run)
	tree.DeleteMemsAtOrBelow(t.DumpGenAtRun)
	tree.AdvanceGeneration()

	c.mu.Lock()
	for _, r := range ranges {
		tree.CompactScheduler().Reprioritize(r, c.cfg.MaxRunsPerLevel)
	}
	c.mu.Unlock()

	if c.checkpoint != nil {
		c.checkpoint.ObserveDump(tree, run.DumpLSN)
	}
	if c.onDumpComplete != nil {
		c.onDumpComplete(tree)
	}
	c.wakeUp()
}

// completeEmptyDumpRound finishes a dump round that rotated no data: there
// is nothing for a worker to write, so the round completes synchronously
// on the coordinator goroutine instead of being dispatched. A checkpoint
// waiting on tree is satisfied immediately — an empty rotation means no
// statement below any target LSN remains undumped.
func (c *coordinator) completeEmptyDumpRound(tree *LSMTree, gen uint64) {
	tree.DeleteMemsAtOrBelow(gen)
	tree.AdvanceGeneration()
	if c.checkpoint != nil {
		c.checkpoint.ObserveDump(tree, math.MaxInt64)
	}
	if c.onDumpComplete != nil {
		c.onDumpComplete(tree)
	}
}

// waitDumpRound blocks until tree's minimum held generation advances
// past gen, for callers that need a synchronous Dump(). It returns ErrCancelled if ctx is done first.
func waitDumpRound(ctx context.Context, tree *LSMTree, gen uint64, poll time.Duration) error {
	for tree.MinGeneration() <= gen {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: dump", ErrCancelled)
		}
		time.Sleep(poll)
	}
	return nil
}
