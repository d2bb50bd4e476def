package vinyl

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, writeThreads int) *Scheduler {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.WriteThreads = writeThreads
	cfg.YieldLoops = 4
	s, err := Create(cfg, writeThreads, nil, nil, nil, nil)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { require.NoError(t, s.Destroy()) })
	return s
}

var globalLSN int64

func putStatements(t *testing.T, tree *LSMTree, n int) {
	t.Helper()
	putStatementsFrom(t, tree, 0, n)
}

// putStatementsFrom writes n statements with keys offset by base, so callers
// compacting across multiple dump rounds can keep every round's keys
// disjoint and avoid exercising primary-index deferred-delete routing,
// which requires a configured sink.
func putStatementsFrom(t *testing.T, tree *LSMTree, base, n int) {
	t.Helper()
	mt := tree.ActiveMem()
	for i := 0; i < n; i++ {
		globalLSN++
		require.NoError(t, mt.Put(&Statement{
			Key:   []byte(fmt.Sprintf("key-%06d", base+i)),
			Value: []byte("value"),
			LSN:   globalLSN,
		}))
	}
}

func TestScheduler_DumpMovesStatementsIntoARun(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	tree, err := s.AddLsm("primary", kd)
	require.NoError(t, err)

	putStatements(t, tree, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Dump(ctx))

	require.Equal(t, uint64(1), tree.Generation())
	require.NotZero(t, len(tree.Ranges().All()[0].Slices()), "the dumped run should have produced a slice")
}

func TestScheduler_DumpOfEmptyMemtableAdvancesGenerationWithoutARun(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	tree, err := s.AddLsm("empty", kd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Dump(ctx))

	require.Equal(t, uint64(1), tree.Generation())
	require.Empty(t, tree.Ranges().All()[0].Slices())
}

func TestScheduler_ForceCompactionMergesMultipleRunsIntoOne(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	tree, err := s.AddLsm("primary", kd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for round := 0; round < 3; round++ {
		putStatementsFrom(t, tree, round*100, 20)
		require.NoError(t, s.Dump(ctx))
	}

	r := tree.Ranges().All()[0]
	require.Len(t, r.Slices(), 3, "expect one slice per dump round before compaction")

	s.ForceCompaction(tree)

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.CompactInFlight == 0 && len(r.Slices()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestScheduler_RemoveLsmDrainsInFlightDumpBeforeReturning(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	tree, err := s.AddLsm("doomed", kd)
	require.NoError(t, err)

	putStatements(t, tree, 10)
	s.TriggerDump()

	require.NoError(t, s.RemoveLsm(tree))
	require.True(t, tree.IsDropped())
	require.False(t, tree.IsDumping())
}

func TestScheduler_AddLsmRejectsDuplicateName(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	_, err := s.AddLsm("dup", kd)
	require.NoError(t, err)

	_, err = s.AddLsm("dup", kd)
	require.ErrorIs(t, err, ErrLsmAlreadyAdded)
}

func TestScheduler_BeginCheckpointWaitsForDumpAcrossAllTrees(t *testing.T) {
	s := newTestScheduler(t, 4)
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}
	a, err := s.AddLsm("a", kd)
	require.NoError(t, err)
	b, err := s.AddLsm("b", kd)
	require.NoError(t, err)

	putStatements(t, a, 5)
	putStatements(t, b, 5)

	require.NoError(t, s.BeginCheckpoint(1))
	defer s.EndCheckpoint()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitCheckpoint(ctx))

	require.Equal(t, uint64(1), a.Generation())
	require.Equal(t, uint64(1), b.Generation())
}
