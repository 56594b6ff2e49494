package workerpool

import (
	"sync"
)

// Job is a unit of work to be run by a Pool.
type Job func() error

// Pool runs jobs on a fixed number of worker goroutines. Jobs added after
// Stop is called are discarded, as are jobs still queued at that point.
type Pool struct {
	mu      sync.Mutex
	work    *sync.Cond
	idle    *sync.Cond
	queue   []Job
	pending int
	err     error
	stopped bool
}

// New creates a pool with the given number of workers.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{}
	p.work = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Add enqueues jobs without blocking the caller.
func (p *Pool) Add(jobs []Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append(p.queue, jobs...)
	p.pending += len(jobs)
	p.work.Broadcast()
}

// AddBlocking is Add; it exists so call sites can make the enqueue-then-wait
// pattern explicit.
func (p *Pool) AddBlocking(jobs []Job) {
	p.Add(jobs)
}

// Wait blocks until all added jobs have run or the pool is stopped, and
// returns the first error any job returned.
func (p *Pool) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 && !p.stopped {
		p.idle.Wait()
	}
	return p.err
}

// Stop discards queued jobs and shuts down the workers. Jobs already running
// are allowed to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.pending -= len(p.queue)
	p.queue = nil
	p.work.Broadcast()
	p.idle.Broadcast()
}

func (p *Pool) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.work.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		err := job()

		p.mu.Lock()
		if err != nil && p.err == nil {
			p.err = err
		}
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}
