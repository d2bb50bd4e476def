package vinyl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDeferredDeleteSink struct {
	mu       sync.Mutex
	batches  []*DeferredDeleteBatch
	delay    time.Duration
	failNext bool
}

func (f *fakeDeferredDeleteSink) Execute(ctx context.Context, batch *DeferredDeleteBatch) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return ErrInjected
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeDeferredDeleteSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestDeferredDeleteRouter_FlushesOnceFull(t *testing.T) {
	var emitted []*DeferredDeleteBatch
	r := NewDeferredDeleteRouter("space1", 2, func(b *DeferredDeleteBatch) error {
		emitted = append(emitted, b)
		return nil
	})

	r.Process(&Statement{Key: []byte("a")}, &Statement{Key: []byte("a2")})
	require.Empty(t, emitted, "should not flush before reaching max")

	r.Process(&Statement{Key: []byte("b")}, &Statement{Key: []byte("b2")})
	require.Len(t, emitted, 1)
	require.Len(t, emitted[0].Pairs, 2)
}

func TestDeferredDeleteRouter_FlushEmitsPartialBatch(t *testing.T) {
	var emitted []*DeferredDeleteBatch
	r := NewDeferredDeleteRouter("space1", 10, func(b *DeferredDeleteBatch) error {
		emitted = append(emitted, b)
		return nil
	})

	r.Process(&Statement{Key: []byte("a")}, &Statement{Key: []byte("a2")})
	require.NoError(t, r.Flush())
	require.Len(t, emitted, 1)
	require.Len(t, emitted[0].Pairs, 1)

	require.NoError(t, r.Flush(), "flushing an empty batch should be a no-op")
	require.Len(t, emitted, 1)
}

func TestDeferredDeleteRouter_StopsProcessingAfterEmitError(t *testing.T) {
	r := NewDeferredDeleteRouter("space1", 1, func(b *DeferredDeleteBatch) error {
		return ErrInjected
	})

	r.Process(&Statement{Key: []byte("a")}, &Statement{Key: []byte("a2")})
	require.ErrorIs(t, r.Err(), ErrInjected)

	r.Process(&Statement{Key: []byte("b")}, &Statement{Key: []byte("b2")})
	require.ErrorIs(t, r.Err(), ErrInjected, "error should stick, not be overwritten")
}

func TestDeferredDeleteQueue_EnqueueBlocksAtCapacity(t *testing.T) {
	sink := &fakeDeferredDeleteSink{delay: 50 * time.Millisecond}
	q := NewDeferredDeleteQueue(sink, 1)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &DeferredDeleteBatch{SpaceID: "s"}))
	require.Equal(t, 1, q.InFlight())

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- q.Enqueue(ctx, &DeferredDeleteBatch{SpaceID: "s"})
	}()

	select {
	case <-enqueued:
		t.Fatal("second Enqueue should have blocked while queue is at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Enqueue never unblocked once the first batch drained")
	}

	q.Wait()
	require.Equal(t, 2, sink.count())
}

func TestDeferredDeleteQueue_EnqueueRespectsContextCancellation(t *testing.T) {
	sink := &fakeDeferredDeleteSink{delay: time.Hour}
	q := NewDeferredDeleteQueue(sink, 1)

	require.NoError(t, q.Enqueue(context.Background(), &DeferredDeleteBatch{SpaceID: "s"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, &DeferredDeleteBatch{SpaceID: "s"})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestDeferredDeleteQueue_FailedBatchIsMarkedWithoutBlockingOthers(t *testing.T) {
	sink := &fakeDeferredDeleteSink{failNext: true}
	q := NewDeferredDeleteQueue(sink, 2)

	batch := &DeferredDeleteBatch{SpaceID: "s"}
	require.NoError(t, q.Enqueue(context.Background(), batch))
	q.Wait()

	require.True(t, batch.Failed)
	require.ErrorIs(t, batch.Err, ErrDeferredDeleteBatchFailed)
}
