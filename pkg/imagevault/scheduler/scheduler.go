// Package scheduler dispatches transformation jobs from two bounded queues to
// a fixed worker pool. Queue selection is weighted-random rather than strict
// priority so background work is never starved indefinitely while on-demand
// traffic still wins most draws.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

// Priority selects which queue a job enters.
type Priority int

// Priority constants.
const (
	// PriorityBackground is for eager and bulk generation.
	PriorityBackground Priority = iota
	// PriorityOnDemand is for latency-sensitive read-path generation.
	PriorityOnDemand
)

// Kind names the job's workload.
type Kind string

// Job kind constants (typed).
const (
	KindPreprocessOriginal Kind = "preprocess_original"
	KindGenerateVariants   Kind = "generate_variants"
)

// ErrStopped is returned for jobs still queued when the scheduler shuts down.
var ErrStopped = errors.New("scheduler stopped")

// Job is a unit of transformation work. Run executes on exactly one worker;
// anything single-owner the job needs (a pipeline instance in particular) is
// acquired inside Run and released before it returns.
type Job struct {
	Kind Kind
	Run  func(ctx context.Context) error
}

// Completion is a one-shot signal fulfilled exactly once with the job's
// outcome. Abandoning a wait does not cancel the job: it runs to completion
// on the worker regardless.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done is closed when the job finished, successfully or not.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the job outcome. Only valid after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return errors.New("job not finished")
	}
}

// Wait blocks until the job finishes or ctx expires. A ctx error only
// abandons the wait; the job itself keeps running.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queuedJob struct {
	job        Job
	priority   Priority
	completion *Completion
	enqueued   time.Time
}

// Config tunes the scheduler.
type Config struct {
	// Workers is the pool size. Defaults to the CPU core count.
	Workers int

	// QueueSize bounds each queue; a full queue exerts backpressure on
	// Submit. Defaults to 64.
	QueueSize int

	// OnDemandWeight w in [1,100]: the percentage of dequeue draws that try
	// the on-demand queue first. Defaults to 80.
	OnDemandWeight int
}

func (c *Config) applyDefaults() error {
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	}
	if c.OnDemandWeight == 0 {
		c.OnDemandWeight = 80
	}
	if c.OnDemandWeight < 1 || c.OnDemandWeight > 100 {
		return fmt.Errorf("on-demand weight must be in [1,100], got %d", c.OnDemandWeight)
	}
	return nil
}

// Scheduler owns the two queues and the worker pool.
type Scheduler struct {
	cfg      Config
	onDemand chan *queuedJob
	backgrnd chan *queuedJob
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// stopMu serializes shutdown against submission: enqueue attempts hold
	// the read lock, drain holds the write lock, so once stopping is set no
	// job can land in a queue drain will not see.
	stopMu   sync.RWMutex
	stopping bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a scheduler. Call Run to start the workers.
func New(cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		onDemand: make(chan *queuedJob, cfg.QueueSize),
		backgrnd: make(chan *queuedJob, cfg.QueueSize),
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped:  make(chan struct{}),
	}, nil
}

// Workers reports the pool size after defaults are applied. Sizing a
// pipeline pool to it guarantees acquisition never blocks on pool exhaustion.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

// Submit enqueues a job, blocking while the target queue is full. The
// returned Completion resolves exactly once when a worker finishes the job.
func (s *Scheduler) Submit(ctx context.Context, priority Priority, job Job) (*Completion, error) {
	if job.Run == nil {
		return nil, errors.New("job has no run function")
	}
	q := s.backgrnd
	if priority == PriorityOnDemand {
		q = s.onDemand
	}
	qj := &queuedJob{job: job, priority: priority, completion: newCompletion(), enqueued: time.Now()}

	enqueued, err := s.tryEnqueue(q, qj)
	if err != nil {
		return nil, err
	}
	if enqueued {
		return qj.completion, nil
	}

	// Queue full: block until capacity frees, shutdown, or the caller gives
	// up. The send can race shutdown, so recheck after it lands.
	select {
	case q <- qj:
		s.stopMu.RLock()
		stopping := s.stopping
		s.stopMu.RUnlock()
		if stopping {
			qj.completion.resolve(ErrStopped)
			return nil, ErrStopped
		}
		return qj.completion, nil
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tryEnqueue attempts a non-blocking enqueue under the read lock. Drain holds
// the write lock, so a job accepted here is guaranteed to be seen by a worker
// or by drain, never lost.
func (s *Scheduler) tryEnqueue(q chan *queuedJob, qj *queuedJob) (bool, error) {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopping {
		return false, ErrStopped
	}
	select {
	case q <- qj:
		return true, nil
	default:
		return false, nil
	}
}

// Run starts the worker pool and blocks until ctx is cancelled. Jobs still
// queued at shutdown are failed with ErrStopped.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}
	<-ctx.Done()
	s.stopOnce.Do(func() {
		s.stopMu.Lock()
		s.stopping = true
		close(s.stopped)
		s.stopMu.Unlock()
	})
	wg.Wait()
	s.drain()
}

func (s *Scheduler) drain() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	for {
		select {
		case qj := <-s.onDemand:
			qj.completion.resolve(ErrStopped)
		case qj := <-s.backgrnd:
			qj.completion.resolve(ErrStopped)
		default:
			return
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	for {
		qj, ok := s.next(ctx)
		if !ok {
			return
		}
		start := time.Now()
		// The job runs under the scheduler's lifetime context, not the
		// submitter's: an abandoned wait must not cancel in-flight work.
		err := s.run(ctx, qj.job)
		qj.completion.resolve(err)
		if err != nil {
			s.logger.Error("job failed",
				"worker", id,
				"kind", string(qj.job.Kind),
				"priority", int(qj.priority),
				"queued", start.Sub(qj.enqueued),
				"took", time.Since(start),
				"error", err)
		} else {
			s.logger.Debug("job done",
				"worker", id,
				"kind", string(qj.job.Kind),
				"took", time.Since(start))
		}
	}
}

func (s *Scheduler) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// next dequeues the next job. A draw in [0,100) at or above 100-w prefers the
// on-demand queue, otherwise the background queue; the other queue is always
// the fallback, so neither starves. Blocks when both are empty.
func (s *Scheduler) next(ctx context.Context) (*queuedJob, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		first, second := s.backgrnd, s.onDemand
		if s.draw() >= 100-s.cfg.OnDemandWeight {
			first, second = s.onDemand, s.backgrnd
		}
		select {
		case qj := <-first:
			return qj, true
		default:
		}
		select {
		case qj := <-second:
			return qj, true
		default:
		}
		select {
		case qj := <-s.onDemand:
			return qj, true
		case qj := <-s.backgrnd:
			return qj, true
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Scheduler) draw() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(100)
}
