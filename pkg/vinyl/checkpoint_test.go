package vinyl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpoint_BeginRejectsOverlap(t *testing.T) {
	c := NewCheckpoint()
	trees := []*LSMTree{newTestTree(1, "a")}

	require.NoError(t, c.Begin(100, trees, false))
	require.Error(t, c.Begin(200, trees, false))
}

func TestCheckpoint_WaitBlocksUntilEveryTreeObserves(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")
	b := newTestTree(2, "b")
	require.NoError(t, c.Begin(100, []*LSMTree{a, b}, false))

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before any tree observed the checkpoint")
	case <-time.After(20 * time.Millisecond):
	}

	c.ObserveDump(a, 100)
	select {
	case <-done:
		t.Fatal("Wait returned before b observed the checkpoint")
	case <-time.After(20 * time.Millisecond):
	}

	c.ObserveDump(b, 150)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after both trees observed")
	}
}

func TestCheckpoint_ObserveDumpBelowTargetDoesNotClearPending(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")
	require.NoError(t, c.Begin(100, []*LSMTree{a}, false))

	c.ObserveDump(a, 50)
	require.True(t, c.TreePending(a))

	c.ObserveDump(a, 100)
	require.False(t, c.TreePending(a))
}

func TestCheckpoint_WaitRespectsContextCancellation(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")
	require.NoError(t, c.Begin(100, []*LSMTree{a}, false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestCheckpoint_EndClearsActiveAndWakesWaiters(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")
	require.NoError(t, c.Begin(100, []*LSMTree{a}, false))

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	c.End()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after End")
	}

	active, _ := c.Active()
	require.False(t, active)
}

func TestCheckpoint_DroppedTreesAreExcludedFromPending(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")
	a.Drop()

	require.NoError(t, c.Begin(100, []*LSMTree{a}, false))
	require.False(t, c.TreePending(a))
}

func TestCheckpoint_BeginRejectsWhenThrottled(t *testing.T) {
	c := NewCheckpoint()
	a := newTestTree(1, "a")

	require.ErrorIs(t, c.Begin(100, []*LSMTree{a}, true), ErrThrottled)
	active, _ := c.Active()
	require.False(t, active, "a throttled Begin must not leave the checkpoint active")
}

// TestScheduler_TriggerDumpDuringCheckpointCoalescesIntoEndCheckpoint
// covers the coalescing scenario: a trigger_dump that arrives while a
// checkpoint is in progress must not start its own round — it waits for
// end_checkpoint, at which point the deferred request fires once.
func TestScheduler_TriggerDumpDuringCheckpointCoalescesIntoEndCheckpoint(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	tree, err := s.AddLsm("coalesced", kd)
	require.NoError(t, err)

	require.NoError(t, s.BeginCheckpoint(1))

	putStatements(t, tree, 5)
	s.TriggerDump()

	s.c.mu.Lock()
	deferred := s.c.dumpDeferredByCheckpoint
	s.c.mu.Unlock()
	require.True(t, deferred, "trigger_dump during a checkpoint should defer rather than start its own round")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitCheckpoint(ctx))
	s.EndCheckpoint()

	require.Eventually(t, func() bool {
		s.c.mu.Lock()
		defer s.c.mu.Unlock()
		return !s.c.dumpDeferredByCheckpoint
	}, time.Second, 5*time.Millisecond, "end_checkpoint should have fired the deferred dump")

	require.Eventually(t, func() bool {
		return tree.Generation() >= uint64(2)
	}, 5*time.Second, 10*time.Millisecond, "the deferred trigger_dump's round should run after end_checkpoint")
}
