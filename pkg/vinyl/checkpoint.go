package vinyl

import (
	"context"
	"fmt"
	"sync"
)

// Checkpoint coordinates a storage-engine-wide checkpoint with the
// background scheduler: begin_checkpoint asks every
// registered tree to rotate its active memtable and dump everything up
// through the checkpoint's LSN, wait_checkpoint blocks the caller until
// every tree has done so, and end_checkpoint releases the coordinator
// back to its normal scheduling policy. Only one checkpoint can be in
// flight at a time, mirroring the transactional engine's own checkpoint
// serialization.
type Checkpoint struct {
	mu       sync.Mutex
	cond     *sync.Cond
	active   bool
	targetLSN int64
	pending  map[uint64]*LSMTree // keyed by LSMTree.id, trees still owing a dump
}

// NewCheckpoint returns an idle checkpoint coordinator.
func NewCheckpoint() *Checkpoint {
	c := &Checkpoint{pending: make(map[uint64]*LSMTree)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Begin starts a checkpoint at lsn over the given trees: each tree is
// marked pending until its next dump round's DumpLSN reaches lsn. It
// fails if a checkpoint is already active — checkpoints never overlap
// — or if throttled is true, since a scheduler already backed off from
// error retries has no business taking on a checkpoint's dump round too.
func (c *Checkpoint) Begin(lsn int64, trees []*LSMTree, throttled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return fmt.Errorf("checkpoint already in progress at lsn %d", c.targetLSN)
	}
	if throttled {
		return fmt.Errorf("%w: begin checkpoint", ErrThrottled)
	}
	c.active = true
	c.targetLSN = lsn
	c.pending = make(map[uint64]*LSMTree, len(trees))
	for _, t := range trees {
		if t.IsDropped() {
			continue
		}
		c.pending[t.id] = t
	}
	return nil
}

// ObserveDump is called by the coordinator at every dump-round
// completion; once a tree's dumped generation's LSN
// covers the checkpoint target, it is removed from the pending set.
func (c *Checkpoint) ObserveDump(t *LSMTree, dumpLSN int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	if dumpLSN < c.targetLSN {
		return
	}
	delete(c.pending, t.id)
	if len(c.pending) == 0 {
		c.cond.Broadcast()
	}
}

// Wait blocks until every tree pending at Begin has dumped through the
// checkpoint's LSN, or ctx is done.
func (c *Checkpoint) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.active && len(c.pending) > 0 {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: checkpoint wait", ErrCancelled)
		}
		c.cond.Wait()
	}
	return nil
}

// End releases the checkpoint, returning the scheduler to its normal
// not-checkpointing policy. Safe to call even if some trees never
// reported (e.g. they were dropped mid-checkpoint).
func (c *Checkpoint) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.pending = make(map[uint64]*LSMTree)
	c.cond.Broadcast()
}

// Active reports whether a checkpoint is currently in progress, and its
// target LSN.
func (c *Checkpoint) Active() (bool, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.targetLSN
}

// TreePending reports whether t still owes a dump for the active
// checkpoint — tryDispatchDump consults this to hold back trees the
// active checkpoint does not owe a dump.
func (c *Checkpoint) TreePending(t *LSMTree) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return false
	}
	_, ok := c.pending[t.id]
	return ok
}
