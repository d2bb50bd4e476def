package vinyl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DeferredDeleteSink applies a completed batch of deferred-delete pairs
// to whatever durably tracks secondary-index shadowing outside the LSM
// tree itself. It is an external collaborator's
// implementation detail to the scheduler; PGDeferredDeleteSink below is
// the reference implementation this repo ships.
type DeferredDeleteSink interface {
	Execute(ctx context.Context, batch *DeferredDeleteBatch) error
}

// DeferredDeleteRouter accumulates (old, new) pairs emitted by a single
// primary-index compaction's write iterator into batches bounded by
// DeferredDeleteBatchMax, and hands each full batch off to the
// coordinator-owned queue. One router is constructed per compaction
// task.
type DeferredDeleteRouter struct {
	spaceID string
	max     int
	batch   *DeferredDeleteBatch
	emit    func(*DeferredDeleteBatch) error

	mu  sync.Mutex
	err error
}

// NewDeferredDeleteRouter returns a router that emits full batches
// through emit — the worker's hop into the coordinator side of the
// two-hop free route.
func NewDeferredDeleteRouter(spaceID string, max int, emit func(*DeferredDeleteBatch) error) *DeferredDeleteRouter {
	return &DeferredDeleteRouter{
		spaceID: spaceID,
		max:     max,
		batch:   &DeferredDeleteBatch{SpaceID: spaceID},
		emit:    emit,
	}
}

// Process implements DeferredDeleteHandler, called synchronously from
// the write iterator's merge loop as it shadows tuples.
func (r *DeferredDeleteRouter) Process(old, new *Statement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.batch.Pairs = append(r.batch.Pairs, DeferredDeletePair{Old: old, New: new})
	if r.batch.Full(r.max) {
		r.flushLocked()
	}
}

// Flush emits whatever partial batch remains at the end of the
// compaction task, even if it never reached DeferredDeleteBatchMax.
func (r *DeferredDeleteRouter) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batch.Pairs) == 0 {
		return r.err
	}
	r.flushLocked()
	return r.err
}

func (r *DeferredDeleteRouter) flushLocked() {
	full := r.batch
	r.batch = &DeferredDeleteBatch{SpaceID: r.spaceID}
	if err := r.emit(full); err != nil {
		r.err = err
	}
}

// Err reports the first emission failure, if any, exactly as emit
// returned it.
func (r *DeferredDeleteRouter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// DeferredDeleteQueue is the coordinator-side hop of the two-hop free
// route: it bounds how many batches may be in flight toward the sink at
// once (MaxInProgressBatches) and dispatches accepted batches to the sink
// off the coordinator's own goroutine so a slow sink never stalls task
// scheduling.
type DeferredDeleteQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	inFlight    int
	maxInFlight int
	sink        DeferredDeleteSink

	wg sync.WaitGroup
}

// NewDeferredDeleteQueue returns a queue that dispatches accepted
// batches to sink, admitting at most maxInFlight concurrently.
func NewDeferredDeleteQueue(sink DeferredDeleteSink, maxInFlight int) *DeferredDeleteQueue {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	q := &DeferredDeleteQueue{sink: sink, maxInFlight: maxInFlight}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue blocks until a slot is available (or ctx is done), then hands
// the batch to the sink asynchronously. A full queue is throttling, not
// failure: it is expected to drain, not to reject work.
func (q *DeferredDeleteQueue) Enqueue(ctx context.Context, batch *DeferredDeleteBatch) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()
	q.mu.Lock()
	for q.inFlight >= q.maxInFlight {
		if ctx.Err() != nil {
			q.mu.Unlock()
			return fmt.Errorf("%w: deferred-delete queue full", ErrCancelled)
		}
		q.cond.Wait()
	}
	q.inFlight++
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(ctx, batch)
	return nil
}

func (q *DeferredDeleteQueue) dispatch(ctx context.Context, batch *DeferredDeleteBatch) {
	defer q.wg.Done()
	if err := q.sink.Execute(ctx, batch); err != nil {
		batch.Failed = true
		batch.Err = fmt.Errorf("%w: %v", ErrDeferredDeleteBatchFailed, err)
	}
	q.mu.Lock()
	q.inFlight--
	q.cond.Signal()
	q.mu.Unlock()
}

// InFlight reports the current number of batches awaiting sink
// completion, for Stats().
func (q *DeferredDeleteQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Wait blocks until every dispatched batch has completed — used during
// Destroy to drain the queue cleanly.
func (q *DeferredDeleteQueue) Wait() {
	q.wg.Wait()
}

// PGDeferredDeleteSink persists deferred-delete pairs into a Postgres
// table so a secondary-index maintainer (an external collaborator) can
// later replay and apply them, using a pooled connection with
// migrate-on-open and context-scoped Ping/Close.
type PGDeferredDeleteSink struct {
	pool *pgxpool.Pool
}

// NewPGDeferredDeleteSink opens a pooled connection to databaseURL and
// ensures the _vinyl_deferred_delete table exists.
func NewPGDeferredDeleteSink(ctx context.Context, databaseURL string) (*PGDeferredDeleteSink, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse deferred-delete database url: %v", ErrIO, err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open deferred-delete pool: %v", ErrIO, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: deferred-delete database unreachable: %v", ErrIO, err)
	}

	s := &PGDeferredDeleteSink{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGDeferredDeleteSink) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _vinyl_deferred_delete (
			space_id    text NOT NULL,
			old_key     bytea NOT NULL,
			old_lsn     bigint NOT NULL,
			new_key     bytea NOT NULL,
			new_lsn     bigint NOT NULL,
			recorded_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (space_id, old_key, old_lsn)
		)`)
	if err != nil {
		return fmt.Errorf("%w: migrate deferred-delete table: %v", ErrIO, err)
	}
	return nil
}

// Execute upserts every pair in batch in one round trip via a pipelined
// batch.
func (s *PGDeferredDeleteSink) Execute(ctx context.Context, batch *DeferredDeleteBatch) error {
	if len(batch.Pairs) == 0 {
		return nil
	}
	pgBatch := &pgx.Batch{}
	for _, pair := range batch.Pairs {
		pgBatch.Queue(`
			INSERT INTO _vinyl_deferred_delete (space_id, old_key, old_lsn, new_key, new_lsn)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (space_id, old_key, old_lsn) DO UPDATE
				SET new_key = EXCLUDED.new_key, new_lsn = EXCLUDED.new_lsn, recorded_at = now()`,
			batch.SpaceID, pair.Old.Key, pair.Old.LSN, pair.New.Key, pair.New.LSN)
	}

	results := s.pool.SendBatch(ctx, pgBatch)
	defer results.Close()
	for range batch.Pairs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// Close releases the pool's connections.
func (s *PGDeferredDeleteSink) Close() {
	s.pool.Close()
}
