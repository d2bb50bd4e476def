package vinyl

import "time"

// buildCompactTask prepares a new run to absorb every slice currently in
// r and, for a primary index, a deferred-delete router to capture
// shadowed tuples for secondary-index maintenance.
//
// Before building anything it gives r a chance to restructure the
// partition — split if it has grown too wide, coalesce into its right
// neighbor if it holds no slices. Either outcome updates the heap in
// place and produces no task this round. Absent that, it returns
// (nil, nil) when r no longer has enough slices to be worth compacting —
// it may have been drained by a concurrent dump/compaction between being
// selected and built.
func (c *coordinator) buildCompactTask(tree *LSMTree, r *Range) (*Task, error) {
	if c.attemptRestructure(tree, r) {
		return nil, nil
	}

	slices := r.Slices()
	if len(slices) < 2 {
		c.mu.Lock()
		tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return nil, nil
	}

	task := NewTask(TaskCompact, tree)
	task.Range = r
	task.FirstSlice = 0
	task.LastSlice = len(slices)
	task.Policy = tree.Policy()

	runID := c.ids.nextID()
	run := NewRun(runID, RunPath(c.cfg.DataDir, tree.Name, runID))

	c.mlog.TxBegin()
	c.mlog.PrepareRun(run.ID)
	if err := c.mlog.TxCommit(); err != nil {
		return nil, err
	}
	task.NewRun = run

	isPrimary := !tree.IsSecondary()
	// Ranges here have no separate tiered levels to compare against — one
	// range's slice list collapses straight to a single merged slice, so
	// every compaction is "last level" for the purpose of dropping pure
	// deletes (documented open-question decision, see DESIGN.md).
	const isLastLevel = true

	var router *DeferredDeleteRouter
	if isPrimary {
		router = NewDeferredDeleteRouter(tree.Name, c.cfg.DeferredDeleteBatchMax, func(b *DeferredDeleteBatch) error {
			return c.deferred.Enqueue(c.ctx, b)
		})
		task.Deferred = router
	}

	wi, err := NewWriteIteratorForSlices(task.KeyDef, c.views, slices, isPrimary, isLastLevel, router)
	if err != nil {
		return nil, err
	}
	task.WriteIter = wi

	return task, nil
}

// unusedRun pairs a run that just lost its last slice reference with the
// metadata-log signature its drop_run record was stamped with.
type unusedRun struct {
	run   *Run
	gcLSN int64
}

// splitThreshold is how many slices a range must accumulate before it's
// worth splitting: well past the point compaction priority alone would
// already have flagged it, since a split trades one expensive compaction
// for two cheaper ones plus the bookkeeping of a new partition boundary.
const splitThreshold = 8

// attemptRestructure gives r a chance to split or coalesce before a
// compaction task is built over it. Splitting picks the slice-list
// midpoint as the new boundary; coalescing only ever looks at r's right
// neighbor, matching RangeTree.Coalesce. Reports whether it changed the
// partition.
func (c *coordinator) attemptRestructure(tree *LSMTree, r *Range) bool {
	slices := r.Slices()

	if len(slices) >= splitThreshold {
		mid := slices[len(slices)/2]
		c.mu.Lock()
		leftID, rightID := c.ids.nextID(), c.ids.nextID()
		left, right := tree.Ranges().Split(r, mid.Begin, leftID, rightID)
		tree.CompactScheduler().Add(left, c.cfg.MaxRunsPerLevel)
		tree.CompactScheduler().Add(right, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return true
	}

	if len(slices) == 0 {
		if neighbor := tree.Ranges().RightNeighbor(r); neighbor != nil {
			c.mu.Lock()
			tree.CompactScheduler().Remove(neighbor)
			merged := tree.Ranges().Coalesce(r, c.ids.nextID())
			tree.CompactScheduler().Add(merged, c.cfg.MaxRunsPerLevel)
			c.mu.Unlock()
			return true
		}
	}

	return false
}

// execCompact runs on a compact-pool worker goroutine, merging the
// range's current slices into one new run and flushing any
// deferred-delete batch accumulated along the way.
func (c *coordinator) execCompact(t *Task) {
	if err := checkDropped(t); err != nil {
		abortTask(t, nil, err)
		return
	}
	if err := t.WriteIter.Start(); err != nil {
		abortTask(t, nil, err)
		return
	}

	rw, err := CreateRunWriter(t.NewRun, t.Policy, 0)
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

	if t.Deferred != nil {
		if err := t.Deferred.Flush(); err != nil {
			abortTask(t, rw, err)
			return
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
	t.WriteIter.Close()
}

// completeCompact runs back on the coordinator goroutine: it is the
// only place a range's slice list is mutated, satisfying invariant (i)
// — no yield between removing the compacted slices and inserting the
// new one.
func (c *coordinator) completeCompact(t *Task) {
	tree := t.Tree
	r := t.Range
	outcome := outcomeLabel(t)

	c.mu.Lock()
	delete(c.compactInFlight, r.ID)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CompactionsTotal.WithLabelValues(tree.Name, outcome).Inc()
		c.metrics.CompactionDuration.WithLabelValues(tree.Name).Observe(time.Since(t.Started).Seconds())
	}

	if t.Failed {
		c.mu.Lock()
		tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return
	}

	run := t.NewRun
	c.mlog.TxBegin()
	c.mlog.CreateRun(run.ID, run.MinKey, run.MaxKey, run.StatementCount, run.DumpLSN)

	var unused []unusedRun

	retired := r.Slices()[t.FirstSlice:t.LastSlice]
	for _, old := range retired {
		c.mlog.DeleteSlice(old.ID)
		if old.Delete() {
			old.Run.MarkUnused()
			gcLSN := int64(c.mlog.Signature())
			c.mlog.DropRun(old.Run.ID, gcLSN)
			unused = append(unused, unusedRun{old.Run, gcLSN})
		}
	}

	newSliceID := c.ids.nextID()
	newSlice := NewSlice(newSliceID, run, r.Begin, r.End, run.StatementCount)

	// No yield between the two range-list mutations below (invariant i):
	// both are plain in-memory slice operations on the coordinator
	// goroutine, with no I/O or channel wait in between.
	r.RemoveSliceRange(t.FirstSlice, t.LastSlice)
	r.InsertSliceBefore(t.FirstSlice, newSlice)

	c.mlog.InsertSlice(newSlice.ID, run.ID, r.ID, newSlice.Begin, newSlice.End, newSlice.StatementCount)

	if err := c.mlog.TxCommit(); err != nil {
		t.Fail(err)
		if c.metrics != nil {
			c.metrics.CompactionsTotal.WithLabelValues(tree.Name, "failed").Inc()
		}
		c.mu.Lock()
		tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
		c.mu.Unlock()
		return
	}

	tree.AddRun(run)
	c.forgetPostCheckpointRuns(tree, unused)

	c.mu.Lock()
	tree.CompactScheduler().Add(r, c.cfg.MaxRunsPerLevel)
	c.mu.Unlock()

	c.wakeUp()
}

// forgetPostCheckpointRuns finishes off any run that went unused and was
// created after the gc-LSN stamped on its drop_run record — meaning no
// checkpoint retains it, so there is nothing to gain from keeping it
// around for crash-safety. Removing its file and logging forget_run is
// best-effort: a crash before the log entry lands just leaves an orphan
// file recovery rediscovers by scanning the data directory.
func (c *coordinator) forgetPostCheckpointRuns(tree *LSMTree, unused []unusedRun) {
	for _, u := range unused {
		if u.run.DumpLSN <= u.gcLSN {
			continue
		}
		_ = u.run.RemoveFiles()
		u.run.MarkDiscarded()
		tree.ForgetRun(u.run.ID)

		c.mlog.TxBegin()
		c.mlog.ForgetRun(u.run.ID)
		_ = c.mlog.TxTryCommit()
	}
}
