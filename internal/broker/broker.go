// Package broker is the orchestration façade: it accepts fetch/process
// requests, fans multi-account jobs out into per-account sub-pipelines,
// and feeds every outcome into the retry policy, the health tracker,
// and the performance recorder.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mail-pipeline-broker/internal/health"
	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/perf"
	"mail-pipeline-broker/internal/pipeline"
	"mail-pipeline-broker/internal/retry"
	"mail-pipeline-broker/internal/store"
	"mail-pipeline-broker/internal/telemetry"
)

// Validation and lookup errors surfaced synchronously to API callers.
// Execution-time failures never appear here; they flow into job status.
var (
	ErrNoAccounts      = errors.New("no enabled accounts found")
	ErrJobNotFound     = errors.New("job not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

// JobStore is the persistence surface the broker needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	MarkCancelled(ctx context.Context, id string) (bool, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListEnabledAccounts(ctx context.Context, userID string) ([]models.Account, error)
	ListAccountHealth(ctx context.Context, userID string) (map[string]models.AccountHealth, error)
	ListAlerts(ctx context.Context, userID string, limit int) ([]models.Alert, error)
}

// Queue schedules job executions, immediate or deferred.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// Notifier emits user-facing failure alerts.
type Notifier interface {
	Notify(ctx context.Context, a models.Alert)
}

// Options bundle the broker's collaborators and tuning.
type Options struct {
	Store         JobStore
	Queue         Queue
	Collaborators pipeline.Collaborators
	Policy        *retry.Policy
	Breaker       *retry.Breaker
	Tracker       *health.Tracker
	Recorder      *perf.Recorder
	Notifier      Notifier
	Logger        *slog.Logger

	DefaultMaxItems int
	DefaultTimeout  time.Duration

	// CancelPollInterval bounds how long a running pass keeps working
	// after an explicit cancel request.
	CancelPollInterval time.Duration
}

// Broker owns jobs for their lifetime: it creates them at enqueue and
// hands each to exactly one worker at a time for execution.
type Broker struct {
	store    JobStore
	queue    Queue
	collab   pipeline.Collaborators
	policy   *retry.Policy
	breaker  *retry.Breaker
	tracker  *health.Tracker
	recorder *perf.Recorder
	notifier Notifier
	logger   *slog.Logger

	defaultMaxItems int
	defaultTimeout  time.Duration
	cancelPoll      time.Duration

	now func() time.Time
}

// New constructs a broker.
func New(opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultMaxItems <= 0 {
		opts.DefaultMaxItems = 50
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = 200 * time.Millisecond
	}
	return &Broker{
		store:           opts.Store,
		queue:           opts.Queue,
		collab:          opts.Collaborators,
		policy:          opts.Policy,
		breaker:         opts.Breaker,
		tracker:         opts.Tracker,
		recorder:        opts.Recorder,
		notifier:        opts.Notifier,
		logger:          logger,
		defaultMaxItems: opts.DefaultMaxItems,
		defaultTimeout:  opts.DefaultTimeout,
		cancelPoll:      opts.CancelPollInterval,
		now:             time.Now,
	}
}

// EnqueueParams are the inputs for a new job.
type EnqueueParams struct {
	UserID    string
	AccountID *string // nil = all enabled accounts
	Kind      string
	MaxItems  int
	Timeout   time.Duration
}

// Enqueue validates the request, resolves the account set, persists the
// job, and hands it to the queue. Resolution excludes broken accounts
// unless one is targeted explicitly, which counts as a deliberate user
// action.
func (b *Broker) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	switch p.Kind {
	case "":
		p.Kind = models.KindFetch
	case models.KindFetch, models.KindProcess, models.KindDiagnostics:
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidRequest, p.Kind)
	}
	if p.MaxItems == 0 {
		p.MaxItems = b.defaultMaxItems
	}
	if p.MaxItems < 0 {
		return nil, fmt.Errorf("%w: max items must be positive", ErrInvalidRequest)
	}
	if p.Timeout == 0 {
		p.Timeout = b.defaultTimeout
	}
	if p.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}

	accounts, err := b.resolveAccounts(ctx, p.UserID, p.AccountID)
	if err != nil {
		return nil, err
	}

	now := b.now()
	job := &models.Job{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		AccountID: p.AccountID,
		Kind:      p.Kind,
		MaxItems:  p.MaxItems,
		Timeout:   p.Timeout,
		Status:    models.StatusPending,
		Accounts:  make(map[string]*models.AccountOutcome, len(accounts)),
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, a := range accounts {
		job.Accounts[a.ID] = &models.AccountOutcome{
			AccountID: a.ID,
			Status:    models.OutcomePending,
		}
	}

	if err := b.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := b.queue.Enqueue(ctx, job.ID, job.NextRunAt); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsEnqueued.Inc()
	b.logger.Info("job enqueued",
		"job_id", job.ID, "user_id", job.UserID, "kind", job.Kind, "accounts", len(accounts))
	return job, nil
}

func (b *Broker) resolveAccounts(ctx context.Context, userID string, accountID *string) ([]models.Account, error) {
	if accountID != nil {
		acct, err := b.store.GetAccount(ctx, *accountID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve account: %w", err)
		}
		if acct.UserID != userID || !acct.Enabled {
			return nil, ErrNoAccounts
		}
		return []models.Account{acct}, nil
	}

	accounts, err := b.store.ListEnabledAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	healthByID, err := b.store.ListAccountHealth(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve account health: %w", err)
	}

	eligible := accounts[:0]
	for _, a := range accounts {
		if h, ok := healthByID[a.ID]; ok && h.State == models.HealthBroken {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, ErrNoAccounts
	}
	return eligible, nil
}

// GetJobStatus returns the persisted job, identical on every call once
// the job is terminal.
func (b *Broker) GetJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// Cancel removes the job from the queue and marks it cancelled unless
// already terminal.
func (b *Broker) Cancel(ctx context.Context, jobID string) error {
	if _, err := b.GetJobStatus(ctx, jobID); err != nil {
		return err
	}
	if err := b.queue.Cancel(ctx, jobID); err != nil {
		return fmt.Errorf("cancel queue entries: %w", err)
	}
	cancelled, err := b.store.MarkCancelled(ctx, jobID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if cancelled {
		b.logger.Info("job cancelled", "job_id", jobID)
	}
	return nil
}

// GetAccountHealth returns the health map for all of a user's accounts.
func (b *Broker) GetAccountHealth(ctx context.Context, userID string) (map[string]models.AccountHealth, error) {
	return b.store.ListAccountHealth(ctx, userID)
}

// GetPerformanceMetrics aggregates a user's metrics over the window.
func (b *Broker) GetPerformanceMetrics(ctx context.Context, userID string, window time.Duration) (*models.PerformanceSummary, error) {
	return b.recorder.Aggregate(ctx, userID, window)
}

// ListAlerts returns a user's most recent alerts.
func (b *Broker) ListAlerts(ctx context.Context, userID string) ([]models.Alert, error) {
	return b.store.ListAlerts(ctx, userID, 50)
}

// ResetAccountHealth is the explicit manual transition that clears a
// broken account, e.g. after credentials were updated.
func (b *Broker) ResetAccountHealth(ctx context.Context, accountID string) error {
	acct, err := b.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return err
	}
	b.breaker.Reset(accountID)
	return b.tracker.Reset(ctx, accountID, acct.UserID)
}
