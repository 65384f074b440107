// Package worker pulls jobs off the queue and runs them through the processor.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lei/simple-analytics/internal/metrics"
	"github.com/lei/simple-analytics/internal/models"
	"github.com/lei/simple-analytics/pkg/logger"
)

const (
	defaultConcurrency = 10
	defaultPollTimeout = 2 * time.Second
	defaultRetryDelay  = time.Second
)

// Source is the queue side a worker consumes from
type Source interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
	MarkCancelled(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
}

// Processor runs a single job to a terminal event
type Processor interface {
	Process(ctx context.Context, job *models.Job) error
}

// Options tunes the pool
type Options struct {
	Concurrency int
	PollTimeout time.Duration
	RetryDelay  time.Duration

	// HeartbeatInterval is how often a running job's lease is refreshed.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// Pool runs up to Concurrency jobs at once. In-flight jobs are never
// interrupted by shutdown; Run returns once they have finished.
type Pool struct {
	source    Source
	processor Processor
	metrics   metrics.Recorder
	opts      Options
	logger    *logger.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewPool creates a pool
func NewPool(source Source, processor Processor, rec metrics.Recorder, opts Options, log *logger.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		source:    source,
		processor: processor,
		metrics:   rec,
		opts:      opts,
		logger:    log,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Active returns the number of jobs currently being processed
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Run claims jobs until ctx is cancelled, then waits for in-flight jobs
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker: pool started", "concurrency", p.opts.Concurrency)
	defer func() {
		p.wg.Wait()
		p.logger.Info("worker: pool stopped")
	}()

	for {
		// a slot is held before claiming so a claimed job always has a runner
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, err := p.source.Dequeue(ctx, p.opts.PollTimeout)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("worker: dequeue failed", "error", err)
			if !sleep(ctx, p.opts.RetryDelay) {
				return nil
			}
			continue
		}
		if job == nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		p.wg.Add(1)
		p.active.Add(1)
		go func(job *models.Job) {
			defer func() {
				p.active.Add(-1)
				p.sem.Release(1)
				p.wg.Done()
			}()
			p.handle(context.WithoutCancel(ctx), job)
		}(job)
	}
}

func (p *Pool) handle(ctx context.Context, job *models.Job) {
	log := p.logger.With("job_id", job.ID)
	log.Info("worker: job claimed")

	stop := p.heartbeat(ctx, job.ID, log)
	err := p.runSafely(ctx, job)
	stop()

	var outcome string
	var finishErr error
	switch {
	case err == nil:
		outcome = metrics.OutcomeCompleted
		finishErr = p.source.Complete(ctx, job.ID)
	case errors.Is(err, models.ErrJobCancelled):
		outcome = metrics.OutcomeCancelled
		finishErr = p.source.MarkCancelled(ctx, job.ID)
	default:
		outcome = metrics.OutcomeFailed
		finishErr = p.source.Fail(ctx, job.ID, err)
	}
	p.metrics.JobFinished(outcome)

	if finishErr != nil {
		log.Error("worker: record outcome failed", "outcome", outcome, "error", finishErr)
		return
	}
	log.Info("worker: job finished", "outcome", outcome)
}

// heartbeat refreshes the job lease until the returned func is called
func (p *Pool) heartbeat(ctx context.Context, id string, log *logger.Logger) func() {
	if p.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.source.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
					log.Warn("worker: heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// runSafely turns a processor panic into a job failure
func (p *Pool) runSafely(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker: processor panicked", "job_id", job.ID, "panic", r)
			err = errProcessorPanic
		}
	}()
	return p.processor.Process(ctx, job)
}

var errProcessorPanic = errors.New("processor panicked")

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
