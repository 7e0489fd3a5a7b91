package worker

import (
	"sync"

	"github.com/pulsemail/campaign-gateway/pkg/logger"
)

// Pool is a fixed-size goroutine pool. Jobs submitted through Submit
// are distributed over the workers; the pool never grows, so it doubles
// as the concurrency bound for whatever the jobs do.
//
// The pool is long-lived: Start once, Submit from any goroutine, Stop
// when the owning process shuts down. Callers that need to know when a
// batch of jobs has finished wrap the jobs with their own WaitGroup.
type Pool struct {
	workers int
	jobs    chan func(workerIndex int)

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

func NewPool(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan func(int), buffer),
		quit:    make(chan struct{}),
	}
}

// Start launches the worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(p.workers)
		for i := 0; i < p.workers; i++ {
			go p.run(i)
		}
		logger.Debug("worker pool started", "workers", p.workers)
	})
}

func (p *Pool) run(index int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job(index)
		case <-p.quit:
			// Drain what was already submitted before exiting.
			for {
				select {
				case job := <-p.jobs:
					job(index)
				default:
					return
				}
			}
		}
	}
}

// Submit queues one job. Blocks when the buffer is full, which
// backpressures producers instead of growing memory without bound.
func (p *Pool) Submit(job func(workerIndex int)) {
	p.jobs <- job
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.workers
}

// Pending returns the number of submitted jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Stop shuts the workers down after draining already-submitted jobs and
// blocks until they exit. Submitting after Stop panics on the closed
// pool only if the buffer is full; callers are expected to stop
// producing first.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.wg.Wait()
		logger.Debug("worker pool stopped", "workers", p.workers)
	})
}
