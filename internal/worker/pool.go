package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Errors
var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrNilJob     = errors.New("job has no function to run")
)

// DefaultNumWorkers is used when a non-positive worker count is requested
const DefaultNumWorkers = 4

// Pool is a fixed set of long-lived workers consuming an unbounded FIFO
// job queue.
//
// One mutex guards the queue, the stopped flag and the counters. Workers
// wait on work ("queue non-empty or stopped"); Wait and Stop wait on idle
// ("queue empty and nothing executing, or every worker gone").
type Pool struct {
	mu   sync.Mutex
	work *sync.Cond
	idle *sync.Cond

	queue jobQueue

	numWorkers    int
	liveWorkers   int
	executing     int
	peakExecuting int
	stopped       bool

	// Metrics
	submitted int64
	completed int64
	discarded int64
	panicked  int64

	logger *slog.Logger
}

// Config contains worker pool configuration
type Config struct {
	// NumWorkers is the number of worker goroutines
	// Default: 4
	NumWorkers int

	// Logger receives recovered job panics (nil = slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns default worker pool configuration
func DefaultConfig() *Config {
	return &Config{
		NumWorkers: DefaultNumWorkers,
	}
}

// NewPool creates a pool and starts its workers. Workers block
// immediately, waiting for jobs.
func NewPool(config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}

	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		numWorkers:  numWorkers,
		liveWorkers: numWorkers,
		logger:      logger,
	}
	p.work = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)

	for i := 0; i < numWorkers; i++ {
		go p.worker(i)
	}

	return p
}

// worker is the main worker loop
func (p *Pool) worker(id int) {
	p.mu.Lock()
	for {
		for p.queue.empty() && !p.stopped {
			p.work.Wait()
		}

		if p.stopped && p.queue.empty() {
			break
		}

		job := p.queue.pop()
		p.executing++
		if p.executing > p.peakExecuting {
			p.peakExecuting = p.executing
		}
		p.mu.Unlock()

		ok := p.execute(id, job)

		p.mu.Lock()
		p.executing--
		p.completed++
		if !ok {
			p.panicked++
		}
		if !p.stopped && p.executing == 0 && p.queue.empty() {
			p.idle.Broadcast()
		}
	}

	p.liveWorkers--
	p.idle.Broadcast()
	p.mu.Unlock()
}

// execute runs a job outside the lock. A panic is recovered so the
// worker survives; it reports false in that case.
func (p *Pool) execute(id int, job *Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "worker", id, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	job.Run()
	return true
}

// Submit appends a job at the tail of the queue and wakes a worker.
// It never waits for a free worker; the queue is unbounded.
// Returns ErrNilJob for a job without Run and ErrPoolClosed once Stop
// has begun.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return ErrNilJob
	}

	j := &Job{Run: job.Run, Discard: job.Discard}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}

	p.queue.push(j)
	p.submitted++
	p.work.Signal()

	return nil
}

// Wait blocks until the queue is empty and no worker is mid-job. After
// Stop it blocks until every worker has exited instead.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if !p.stopped && (p.executing != 0 || !p.queue.empty()) {
			p.idle.Wait()
			continue
		}
		if p.stopped && p.liveWorkers != 0 {
			p.idle.Wait()
			continue
		}
		return
	}
}

// Stop marks the pool stopped, drops every queued job without running
// it, and waits for all workers to exit. Jobs already claimed by a worker
// run to completion. Dropped jobs have their Discard hook called.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	dropped := p.queue.drain()
	p.discarded += int64(len(dropped))
	p.work.Broadcast()
	p.mu.Unlock()

	for _, job := range dropped {
		if job.Discard != nil {
			job.Discard()
		}
	}

	p.Wait()
}

// GetStats returns current worker pool statistics
func (p *Pool) GetStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		NumWorkers:    p.numWorkers,
		LiveWorkers:   p.liveWorkers,
		Executing:     p.executing,
		PeakExecuting: p.peakExecuting,
		QueueSize:     p.queue.size,
		Stopped:       p.stopped,
		Submitted:     p.submitted,
		Completed:     p.completed,
		Discarded:     p.discarded,
		Panicked:      p.panicked,
	}
}

// PoolStats contains worker pool statistics
type PoolStats struct {
	NumWorkers    int   // Configured number of workers
	LiveWorkers   int   // Workers that have not exited
	Executing     int   // Workers currently running a job
	PeakExecuting int   // Highest Executing value observed
	QueueSize     int   // Jobs waiting for a worker
	Stopped       bool  // Stop has been called
	Submitted     int64 // Jobs accepted by Submit
	Completed     int64 // Jobs run to completion (including panics)
	Discarded     int64 // Jobs dropped by Stop
	Panicked      int64 // Jobs that panicked
}
