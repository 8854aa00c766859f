// Package parallel provides the worker pool used to resolve batches of
// independent sources during commit.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool is a fixed set of goroutines with one queue per worker.
//
// Work is distributed round-robin; a worker whose queue is empty steals from
// the others so one slow source does not stall a batch.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	// mu is held shared by Run while it queues and waits, and exclusively by
	// Close around closing done, so no work is queued after workers drain.
	mu sync.RWMutex

	executed atomic.Uint64
	stolen   atomic.Uint64
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			p.run(work)
			continue
		default:
		}

		if work := p.steal(id); work != nil {
			p.stolen.Add(1)
			p.run(work)
			continue
		}
		select {
		case <-p.done:
			p.drain(own)
			return
		case work := <-own:
			p.run(work)
		}
	}
}

func (p *WorkerPool) run(work func()) {
	if work != nil {
		work()
		p.executed.Add(1)
	}
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			p.run(work)
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case work := <-p.queues[i]:
			return work
		default:
		}
	}
	return nil
}

// Run calls fn(i) for every i in [0, n) on the pool and waits for all calls
// to return. Items not yet started when ctx is canceled are skipped and
// ctx.Err is returned. A closed pool runs the items on the caller.
func (p *WorkerPool) Run(ctx context.Context, n int, fn func(i int)) error {
	if n <= 0 {
		return ctx.Err()
	}
	if n > 1 && p.runQueued(ctx, n, fn) {
		return ctx.Err()
	}
	for i := range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(i)
	}
	return nil
}

// runQueued distributes the items over the workers and waits. It returns
// false without running anything when the pool is closed.
func (p *WorkerPool) runQueued(ctx context.Context, n int, fn func(i int)) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return false
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		p.queues[i%p.workers] <- func() {
			defer wg.Done()
			if ctx.Err() == nil {
				fn(i)
			}
		}
	}
	wg.Wait()
	return true
}

// ForEach calls fn for every item on the pool and waits.
func ForEach[T any](ctx context.Context, p *WorkerPool, items []T, fn func(T)) error {
	return p.Run(ctx, len(items), func(i int) { fn(items[i]) })
}

// Close stops accepting work, finishes queued work and stops the workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool is accepting work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// Executed returns the number of work items run by workers.
func (p *WorkerPool) Executed() uint64 { return p.executed.Load() }

// Stolen returns the number of work items run by a worker other than the
// one they were queued on.
func (p *WorkerPool) Stolen() uint64 { return p.stolen.Load() }
