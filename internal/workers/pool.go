// Package workers runs independent ingestion jobs on a bounded pool. The
// producer may generate jobs faster than workers drain them; the bounded
// queue provides backpressure. Ordering between independent jobs is not
// guaranteed; a caller-supplied predicate can veto dispatch of a job whose
// predecessors are still in flight.
package workers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is one independent unit of work (one sub-dataset, one file).
type Job struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// NewJob wraps a function with a fresh ID.
func NewJob(name string, run func(ctx context.Context) error) Job {
	return Job{ID: uuid.NewString(), Name: name, Run: run}
}

// JobError pairs a failed job with its error.
type JobError struct {
	Job Job
	Err error
}

// SafeToDispatch decides whether a job may run now. The pending set holds
// every job not yet completed, including those currently in flight, since
// a parent dataset may still be being created while its child is
// considered.
type SafeToDispatch func(job Job, pending []Job) bool

// Pool is a bounded worker pool.
type Pool struct {
	workers int
	queue   chan Job
	safe    SafeToDispatch

	mu       sync.Mutex
	pending  map[string]Job
	deferred []Job
	inFlight int
	errs     []JobError

	killed  chan struct{}
	killOne sync.Once
}

// PoolDependencies carries what a Pool needs.
type PoolDependencies struct {
	Workers   int
	QueueSize int
	Safe      SafeToDispatch
}

// NewPool builds a pool; Run starts it.
func NewPool(deps PoolDependencies) *Pool {
	workers := deps.Workers
	if workers <= 0 {
		workers = 4
	}

	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 2
	}

	return &Pool{
		workers: workers,
		queue:   make(chan Job, queueSize),
		safe:    deps.Safe,
		pending: map[string]Job{},
		killed:  make(chan struct{}),
	}
}

// Submit enqueues a job, blocking when the queue is full (backpressure).
// It reports false when the pool was killed.
func (p *Pool) Submit(ctx context.Context, job Job) bool {
	p.mu.Lock()
	p.pending[job.ID] = job
	p.mu.Unlock()

	select {
	case p.queue <- job:
		return true
	case <-p.killed:
		p.complete(job)
		return false
	case <-ctx.Done():
		p.complete(job)
		return false
	}
}

// Close signals that no more jobs will be submitted.
func (p *Pool) Close() {
	close(p.queue)
}

// Kill stops dispatching further jobs and cancels in-flight ones through
// the run context.
func (p *Pool) Kill() {
	p.killOne.Do(func() { close(p.killed) })
}

// Run drains the queue with the configured number of workers and returns
// the per-job errors once all dispatched work completed. A failing job
// never cancels its siblings.
func (p *Pool) Run(ctx context.Context) []JobError {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-p.killed:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(p.workers)

	for n := 0; n < p.workers; n++ {
		go p.worker(runCtx, n, &wg)
	}

	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.errs
}

func (p *Pool) worker(ctx context.Context, n int, wg *sync.WaitGroup) {
	defer wg.Done()

	workerLog := log.With().Int("worker", n).Logger()

	for job := range p.queue {
		p.process(ctx, workerLog, job)
	}

	// The queue is closed; cooperatively drain vetoed jobs as their
	// predecessors complete.
	for {
		job, ok, drained := p.takeDeferred()
		if drained {
			return
		}

		if !ok {
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return
			}

			continue
		}

		p.process(ctx, workerLog, job)
	}
}

func (p *Pool) process(ctx context.Context, workerLog zerolog.Logger, job Job) {
	select {
	case <-p.killed:
		p.complete(job)
		return
	default:
	}

	if !p.dispatchable(job) {
		p.mu.Lock()
		p.deferred = append(p.deferred, job)
		p.mu.Unlock()

		workerLog.Debug().Str("job", job.Name).Msg("dispatch vetoed, deferring")

		return
	}

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	workerLog.Debug().Str("job", job.Name).Msg("running job")

	if err := job.Run(ctx); err != nil {
		workerLog.Error().Err(err).Str("job", job.Name).Msg("job failed")

		p.mu.Lock()
		p.errs = append(p.errs, JobError{Job: job, Err: err})
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	p.complete(job)
}

// takeDeferred pops the first deferred job that is now dispatchable.
// drained reports that nothing is left to do at all. When deferred jobs
// remain but none is dispatchable and nothing is in flight to unblock
// them, the veto predicate describes a cycle; the oldest job is released
// anyway rather than spinning forever.
func (p *Pool) takeDeferred() (job Job, ok bool, drained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.deferred) == 0 {
		return Job{}, false, p.inFlight == 0
	}

	for i, candidate := range p.deferred {
		if p.safeLocked(candidate) {
			p.deferred = append(p.deferred[:i], p.deferred[i+1:]...)
			return candidate, true, false
		}
	}

	if p.inFlight == 0 {
		job = p.deferred[0]
		p.deferred = p.deferred[1:]

		log.Warn().Str("job", job.Name).Msg("dependency veto cycle, dispatching anyway")

		return job, true, false
	}

	return Job{}, false, false
}

func (p *Pool) dispatchable(job Job) bool {
	if p.safe == nil {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.safeLocked(job)
}

func (p *Pool) safeLocked(job Job) bool {
	if p.safe == nil {
		return true
	}

	pending := make([]Job, 0, len(p.pending))
	for id, j := range p.pending {
		if id != job.ID {
			pending = append(pending, j)
		}
	}

	return p.safe(job, pending)
}

func (p *Pool) complete(job Job) {
	p.mu.Lock()
	delete(p.pending, job.ID)
	p.mu.Unlock()
}
