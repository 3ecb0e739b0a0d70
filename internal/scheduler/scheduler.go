// Package scheduler owns the queue of pending and retrying jobs and
// dispatches them to a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/store"
	"mail-pipeline-broker/internal/telemetry"
)

// Executor runs one job pass. The broker implements this.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) *models.Job
}

// JobLoader fetches persisted jobs by id.
type JobLoader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// Queue is the subset of queue operations the scheduler drives.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Options tune the scheduler.
type Options struct {
	Workers            int
	PollInterval       time.Duration
	ScheduledBatchSize int
	Logger             *slog.Logger
}

// Scheduler runs housekeeping plus a fixed pool of workers. A slow
// job occupies one worker; it never blocks the others.
type Scheduler struct {
	queue    Queue
	jobs     JobLoader
	executor Executor
	logger   *slog.Logger

	workers      int
	pollInterval time.Duration
	batchSize    int64
}

// New constructs a scheduler.
func New(q Queue, jobs JobLoader, executor Executor, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	return &Scheduler{
		queue:        q,
		jobs:         jobs,
		executor:     executor,
		logger:       logger,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		batchSize:    int64(opts.ScheduledBatchSize),
	}
}

// Run blocks until the context is cancelled, then drains the pool.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.housekeeping(ctx)
	}()

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// housekeeping promotes due scheduled jobs into the ready queue and
// reclaims leases whose worker went away.
func (s *Scheduler) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := s.queue.PromoteScheduled(ctx, now, s.batchSize); err != nil && ctx.Err() == nil {
			s.logger.Warn("promote scheduled", "error", err)
		}
		if reclaimed, err := s.queue.RequeueExpired(ctx, now, s.batchSize); err == nil && len(reclaimed) > 0 {
			telemetry.JobsInFlight.Sub(float64(len(reclaimed)))
			s.logger.Warn("reclaimed expired leases", "jobs", len(reclaimed))
		}
		if depth, err := s.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := s.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("dequeue", "worker", workerID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.pollInterval):
			}
			continue
		}

		s.runOne(ctx, workerID, jobID)
	}
}

func (s *Scheduler) runOne(ctx context.Context, workerID int, jobID string) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			s.logger.Warn("load job", "job_id", jobID, "error", err)
		}
		_ = s.queue.Ack(ctx, jobID)
		return
	}
	if models.IsTerminal(job.Status) {
		_ = s.queue.Ack(ctx, jobID)
		return
	}
	telemetry.JobsInFlight.Inc()
	s.logger.Debug("job dispatched", "worker", workerID, "job_id", jobID)
	s.executor.Execute(ctx, job)
	telemetry.JobsInFlight.Dec()

	_ = s.queue.Ack(ctx, jobID)
}
