// Package async runs detached best-effort jobs on a bounded worker pool.
// A job's outcome is logged and never reported back to the submitter.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of detached work. The context is owned by the pool, not by
// the request that submitted the job.
type Job func(ctx context.Context) error

// Pool executes jobs on a fixed number of workers reading from a bounded
// queue. Submit never blocks; a full queue drops the job.
type Pool struct {
	name    string
	jobs    chan namedJob
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// OnDrop is invoked when a job is rejected because the queue is full or
	// the pool is closed. Optional.
	OnDrop func(name string)
}

type namedJob struct {
	name string
	fn   Job
}

// NewPool starts workers goroutines serving a queue of size queueSize. Each
// job runs under its own timeout.
func NewPool(name string, workers, queueSize int, timeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Pool{
		name:    name,
		jobs:    make(chan namedJob, queueSize),
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues fn. It reports false when the job was dropped.
func (p *Pool) Submit(name string, fn Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped(name)
		return false
	}
	select {
	case p.jobs <- namedJob{name: name, fn: fn}:
		return true
	default:
		p.dropped(name)
		return false
	}
}

func (p *Pool) dropped(name string) {
	slog.Warn("async job dropped", "pool", p.name, "job", name)
	if p.OnDrop != nil {
		p.OnDrop(name)
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j namedJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("async job panicked", "pool", p.name, "job", j.name, "panic", r)
		}
	}()

	if err := j.fn(ctx); err != nil {
		slog.Error("async job failed", "pool", p.name, "job", j.name, "error", err)
	}
}

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
