package vinyl

import (
	"context"
	"fmt"
	"sync"
)

// WorkerPool runs Tasks on a bounded set of goroutines and reports each
// finished Task back on a shared results channel for the coordinator to
// drain. Panic-recovering task execution and context-cancellable,
// Once-guarded shutdown are shared by both the dump and compaction pools,
// since the two differ only in which function they run a Task through.
//
// Threads start lazily: a goroutine is only spawned the first time load
// needs it, up to size, rather than all size goroutines at construction.
// The bounded semaphore below gates how many worker goroutines have ever
// been spawned — acquiring a slot spawns one more, and a worker looping
// back to receive its next task from the shared channel reuses an
// existing one.
type WorkerPool struct {
	name string
	size int

	tasks   chan *Task
	results chan *Task

	sem     chan struct{} // gates how many worker goroutines have ever been spawned
	exec    func(*Task)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorkerPool creates a pool of at most size concurrent workers, each
// running exec on the task it receives. results must be supplied by the
// caller (the coordinator) and is shared across both pools: one
// completion queue the coordinator drains regardless of task kind.
func NewWorkerPool(name string, size int, exec func(*Task), results chan *Task) *WorkerPool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		name:    name,
		size:    size,
		tasks:   make(chan *Task),
		results: results,
		sem:     make(chan struct{}, size),
		exec:    exec,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit hands off a task for execution, lazily spawning another worker
// goroutine on each call until the pool has reached size, whether or not
// an existing worker is idle. It blocks until a worker accepts the task or
// the pool is shut down.
func (p *WorkerPool) Submit(t *Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%s pool: %w", p.name, ErrSchedulerNotRunning)
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
		p.wg.Add(1)
		go p.runWorker()
	default:
		// Pool already has size workers alive; one of them will pick this
		// task up off the shared channel.
	}

	select {
	case p.tasks <- t:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("%s pool: %w", p.name, ErrSchedulerNotRunning)
	}
}

func (p *WorkerPool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.runOne(t)
		case <-p.ctx.Done():
			return
		}
	}
}

// runOne executes a single task with panic recovery, so a task that
// panics fails the task instead of crashing the whole pool.
func (p *WorkerPool) runOne(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			t.Fail(fmt.Errorf("%w: worker panic: %v", ErrIO, r))
		}
		select {
		case p.results <- t:
		case <-p.ctx.Done():
		}
	}()
	p.exec(t)
}

// Shutdown cancels every running worker and waits for them to exit,
// then marks the pool closed to further Submits.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Size returns the pool's configured worker cap.
func (p *WorkerPool) Size() int { return p.size }

// NewDumpAndCompactPools sizes the two pools: the dump pool gets a
// quarter of the configured write threads (minimum one), and the
// compaction pool gets the remainder, so a single-threaded configuration
// still gets one worker in each.
func NewDumpAndCompactPools(totalThreads int, execDump, execCompact func(*Task), results chan *Task) (dump, compact *WorkerPool) {
	dumpSize := totalThreads / 4
	if dumpSize < 1 {
		dumpSize = 1
	}
	compactSize := totalThreads - dumpSize
	if compactSize < 1 {
		compactSize = 1
	}
	dump = NewWorkerPool("dump", dumpSize, execDump, results)
	compact = NewWorkerPool("compact", compactSize, execCompact, results)
	return dump, compact
}
