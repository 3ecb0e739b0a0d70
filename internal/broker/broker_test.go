package broker

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-pipeline-broker/internal/health"
	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/perf"
	"mail-pipeline-broker/internal/pipeline"
	"mail-pipeline-broker/internal/retry"
	"mail-pipeline-broker/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It backs
// the broker, the health tracker, and the performance recorder at once
// so cross-component reads (enqueue consulting persisted health) behave
// like they do against a real database.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	accounts map[string]models.Account
	healths  map[string]models.AccountHealth
	metrics  []models.PerformanceMetric
	alerts   []models.Alert
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]models.Job),
		accounts: make(map[string]models.Account),
		healths:  make(map[string]models.AccountHealth),
	}
}

func (m *memStore) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := job
	return &out, nil
}

func (m *memStore) UpdateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if models.IsTerminal(job.Status) {
		return false, nil
	}
	job.Status = models.StatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) GetAccount(ctx context.Context, id string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return models.Account{}, store.ErrNotFound
	}
	return acct, nil
}

func (m *memStore) ListEnabledAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Account
	for _, a := range m.accounts {
		if a.UserID == userID && a.Enabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListAccountHealth(ctx context.Context, userID string) (map[string]models.AccountHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.AccountHealth)
	for id, h := range m.healths {
		if h.UserID == userID {
			out[id] = h
		}
	}
	return out, nil
}

func (m *memStore) ListAlerts(ctx context.Context, userID string, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.alerts[i].UserID == userID {
			out = append(out, m.alerts[i])
		}
	}
	return out, nil
}

func (m *memStore) UpsertAccountHealth(ctx context.Context, h models.AccountHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healths[h.AccountID] = h
	return nil
}

func (m *memStore) InsertMetric(ctx context.Context, metric models.PerformanceMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, metric)
	return nil
}

func (m *memStore) AccountAggregates(ctx context.Context, userID string, since time.Time) (map[string]*models.AccountAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.AccountAggregate)
	for _, metric := range m.metrics {
		if metric.UserID != userID || metric.RecordedAt.Before(since) {
			continue
		}
		agg, ok := out[metric.AccountID]
		if !ok {
			agg = &models.AccountAggregate{AccountID: metric.AccountID}
			out[metric.AccountID] = agg
		}
		agg.Count++
		if !metric.Success {
			agg.Failures++
		}
		agg.TotalDuration += metric.Duration
		agg.TotalItems += metric.ItemsFetched + metric.ItemsProcessed
	}
	return out, nil
}

func (m *memStore) metricCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.metrics)
}

// fakeQueue records enqueue/schedule/cancel calls.
type fakeQueue struct {
	mu        sync.Mutex
	enqueued  []string
	scheduled []time.Time
	cancelled []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled = append(q.scheduled, runAt)
	return nil
}

func (q *fakeQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *fakeQueue) scheduleCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.scheduled)
}

// captureNotifier collects emitted alerts and mirrors them into the
// store so ListAlerts sees them, like the real notifier does.
type captureNotifier struct {
	store *memStore
	mu    sync.Mutex
	sent  []models.Alert
}

func (n *captureNotifier) Notify(ctx context.Context, a models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a.CreatedAt = time.Now()
	n.sent = append(n.sent, a)
	if n.store != nil {
		n.store.mu.Lock()
		n.store.alerts = append(n.store.alerts, a)
		n.store.mu.Unlock()
	}
}

func (n *captureNotifier) alerts() []models.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Alert(nil), n.sent...)
}

// scripted drives the per-account sub-pipeline from a script: each
// attempt against an account pops the next error from its sequence,
// after an optional delay. A nil popped error means the attempt
// succeeds end to end.
type scripted struct {
	mu        sync.Mutex
	errs      map[string][]error
	delays    map[string]time.Duration
	fetched   int
	processed int

	fetchCalls   int
	processCalls int
}

func newScripted() *scripted {
	return &scripted{
		errs:      make(map[string][]error),
		delays:    make(map[string]time.Duration),
		fetched:   2,
		processed: 2,
	}
}

func (s *scripted) fail(accountID string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[accountID] = append(s.errs[accountID], errs...)
}

func (s *scripted) delay(accountID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[accountID] = d
}

func (s *scripted) next(accountID string) (error, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.delays[accountID]
	seq := s.errs[accountID]
	if len(seq) == 0 {
		return nil, d
	}
	err := seq[0]
	s.errs[accountID] = seq[1:]
	return err, d
}

func (s *scripted) TestConnection(ctx context.Context, account models.Account) (pipeline.ConnectionResult, error) {
	err, d := s.next(account.ID)
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return pipeline.ConnectionResult{}, ctx.Err()
		}
	}
	if err != nil {
		return pipeline.ConnectionResult{}, err
	}
	return pipeline.ConnectionResult{Connected: true, Capabilities: []string{"IMAP4rev1", "IDLE"}}, nil
}

func (s *scripted) FetchNew(ctx context.Context, account models.Account, folder string, limit int) ([]pipeline.MessageHandle, error) {
	s.mu.Lock()
	s.fetchCalls++
	n := s.fetched
	s.mu.Unlock()
	if n > limit {
		n = limit
	}
	handles := make([]pipeline.MessageHandle, n)
	for i := range handles {
		handles[i] = pipeline.MessageHandle{UID: account.ID, Folder: folder}
	}
	return handles, nil
}

func (s *scripted) Persist(ctx context.Context, account models.Account, messages []pipeline.MessageHandle) (int, error) {
	return len(messages), nil
}

func (s *scripted) Process(ctx context.Context, account models.Account) (int, error) {
	s.mu.Lock()
	s.processCalls++
	n := s.processed
	s.mu.Unlock()
	return n, nil
}

type testEnv struct {
	broker   *Broker
	store    *memStore
	queue    *fakeQueue
	notifier *captureNotifier
	script   *scripted
	tracker  *health.Tracker
	breaker  *retry.Breaker
}

func newTestEnv(t *testing.T, policy *retry.Policy, breakerThreshold int) *testEnv {
	t.Helper()
	st := newMemStore()
	q := &fakeQueue{}
	n := &captureNotifier{store: st}
	script := newScripted()
	logger := slog.Default()
	if policy == nil {
		policy = retry.NewPolicy(3, 20*time.Millisecond, 2, time.Second)
	}
	if breakerThreshold == 0 {
		breakerThreshold = 5
	}
	breaker := retry.NewBreaker(breakerThreshold, time.Hour)
	tracker := health.NewTracker(st, logger)
	b := New(Options{
		Store: st,
		Queue: q,
		Collaborators: pipeline.Collaborators{
			Diagnostics: script,
			Fetcher:     script,
			Processor:   script,
		},
		Policy:   policy,
		Breaker:  breaker,
		Tracker:  tracker,
		Recorder: perf.NewRecorder(st, logger),
		Notifier: n,
		Logger:   logger,
	})
	return &testEnv{broker: b, store: st, queue: q, notifier: n, script: script, tracker: tracker, breaker: breaker}
}

func (e *testEnv) addAccount(id, userID string) {
	e.store.accounts[id] = models.Account{
		ID:               id,
		UserID:           userID,
		Email:            id + "@example.com",
		Enabled:          true,
		CredentialHandle: "cred-" + id,
	}
}

// runToCompletion drives a job through retry passes the way the worker
// does, sleeping until each scheduled retry is due.
func (e *testEnv) runToCompletion(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if job.Status == models.StatusRetrying {
			if wait := time.Until(job.NextRunAt); wait > 0 {
				time.Sleep(wait + 5*time.Millisecond)
			}
		}
		job = e.broker.Execute(ctx, job)
		if models.IsTerminal(job.Status) {
			return job
		}
		require.Equal(t, models.StatusRetrying, job.Status)
	}
	t.Fatalf("job %s did not reach a terminal status", job.ID)
	return nil
}

func TestEnqueueDefaultsAndFanOut(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.addAccount("acct-2", "user-1")
	env.addAccount("acct-other", "user-2")

	job, err := env.broker.Enqueue(context.Background(), EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.KindFetch, job.Kind)
	assert.Equal(t, 50, job.MaxItems)
	assert.Equal(t, 2*time.Minute, job.Timeout)
	assert.Len(t, job.Accounts, 2)
	assert.Contains(t, job.Accounts, "acct-1")
	assert.Contains(t, job.Accounts, "acct-2")
	assert.Equal(t, []string{job.ID}, env.queue.enqueued)

	stored, err := env.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	ctx := context.Background()

	cases := []struct {
		name    string
		params  EnqueueParams
		wantErr error
	}{
		{"missing user", EnqueueParams{}, ErrInvalidRequest},
		{"unknown kind", EnqueueParams{UserID: "user-1", Kind: "prune"}, ErrInvalidRequest},
		{"negative max items", EnqueueParams{UserID: "user-1", MaxItems: -1}, ErrInvalidRequest},
		{"negative timeout", EnqueueParams{UserID: "user-1", Timeout: -time.Second}, ErrInvalidRequest},
		{"no accounts", EnqueueParams{UserID: "user-without-accounts"}, ErrNoAccounts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.broker.Enqueue(ctx, tc.params)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	unknown := "acct-missing"
	_, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1", AccountID: &unknown})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	env.store.accounts["acct-off"] = models.Account{ID: "acct-off", UserID: "user-1", Enabled: false}
	off := "acct-off"
	_, err = env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1", AccountID: &off})
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestEnqueueExcludesBrokenAccounts(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-ok", "user-1")
	env.addAccount("acct-broken", "user-1")
	ctx := context.Background()

	require.NoError(t, env.store.UpsertAccountHealth(ctx, models.AccountHealth{
		AccountID: "acct-broken",
		UserID:    "user-1",
		State:     models.HealthBroken,
	}))

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, job.Accounts, 1)
	assert.Contains(t, job.Accounts, "acct-ok")

	// Targeting the broken account explicitly is a deliberate user
	// action and stays allowed.
	broken := "acct-broken"
	job, err = env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1", AccountID: &broken})
	require.NoError(t, err)
	assert.Len(t, job.Accounts, 1)
	assert.Contains(t, job.Accounts, "acct-broken")
}

func TestExecuteRunsAccountsConcurrently(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.addAccount("acct-2", "user-1")
	env.script.delay("acct-1", 150*time.Millisecond)
	env.script.delay("acct-2", 250*time.Millisecond)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	start := time.Now()
	job = env.broker.Execute(ctx, job)
	elapsed := time.Since(start)

	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Less(t, elapsed, 380*time.Millisecond, "sub-pipelines must overlap, not run back to back")
	for _, oc := range job.Accounts {
		assert.Equal(t, models.OutcomeSuccess, oc.Status)
		assert.Equal(t, 1, oc.Attempts)
		assert.Equal(t, 2, oc.ItemsFetched)
		assert.Equal(t, 2, oc.ItemsProcessed)
	}
	assert.Zero(t, job.RetryCount)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, env.notifier.alerts())
	assert.Equal(t, 2, env.store.metricCount())
}

func TestExecuteAuthFailureBreaksAccount(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1", pipeline.ErrAuthFailed)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	job = env.broker.Execute(ctx, job)

	assert.Equal(t, models.StatusFailed, job.Status)
	oc := job.Accounts["acct-1"]
	require.NotNil(t, oc)
	assert.Equal(t, models.OutcomeFailed, oc.Status)
	assert.Equal(t, 1, oc.Attempts, "permanent errors are not retried")
	assert.Zero(t, env.queue.scheduleCount())

	assert.Equal(t, models.HealthBroken, env.tracker.GetHealth("acct-1"))
	h := env.store.healths["acct-1"]
	assert.Equal(t, models.HealthBroken, h.State)
	assert.Contains(t, h.LastError, "authentication failed")

	alerts := env.notifier.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertAccountBroken, alerts[0].Reason)
	assert.Equal(t, "acct-1", alerts[0].AccountID)
	assert.Equal(t, job.ID, alerts[0].JobID)
}

func TestExecuteTransientRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, retry.NewPolicy(5, 20*time.Millisecond, 2, time.Second), 0)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1", pipeline.ErrTemporarilyUnavailable, pipeline.ErrConnectionReset)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	job = env.broker.Execute(ctx, job)
	require.Equal(t, models.StatusRetrying, job.Status)
	oc := job.Accounts["acct-1"]
	require.NotNil(t, oc.NextRetryAt)
	assert.Equal(t, models.OutcomeRetrying, oc.Status)

	job = env.runToCompletion(t, job)

	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.Equal(t, 3, oc.Attempts)
	assert.Len(t, oc.Errors, 2)
	assert.Equal(t, 2, env.queue.scheduleCount())
	assert.Equal(t, models.HealthHealthy, env.tracker.GetHealth("acct-1"))
	assert.Zero(t, env.store.healths["acct-1"].WindowFailures)
	assert.Empty(t, env.notifier.alerts())
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t, retry.NewPolicy(3, 20*time.Millisecond, 2, time.Second), 0)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1",
		pipeline.ErrTemporarilyUnavailable,
		pipeline.ErrTemporarilyUnavailable,
		pipeline.ErrTemporarilyUnavailable)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	job = env.runToCompletion(t, job)

	assert.Equal(t, models.StatusFailed, job.Status)
	oc := job.Accounts["acct-1"]
	assert.Equal(t, 3, oc.Attempts)
	assert.Equal(t, 2, job.RetryCount)
	assert.Len(t, job.Errors, 3)
	assert.Equal(t, models.HealthDegraded, env.tracker.GetHealth("acct-1"))

	alerts := env.notifier.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertJobFailed, alerts[0].Reason)
}

func TestBreakerTripSuppressesRetries(t *testing.T) {
	env := newTestEnv(t, retry.NewPolicy(10, 20*time.Millisecond, 2, time.Second), 2)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1",
		pipeline.ErrTemporarilyUnavailable,
		pipeline.ErrTemporarilyUnavailable,
		pipeline.ErrTemporarilyUnavailable)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	job = env.runToCompletion(t, job)

	assert.Equal(t, models.StatusFailed, job.Status)
	oc := job.Accounts["acct-1"]
	assert.Equal(t, 2, oc.Attempts, "the trip stops retries before the attempt budget runs out")
	assert.Equal(t, models.HealthBroken, env.tracker.GetHealth("acct-1"))

	alerts := env.notifier.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertAccountBroken, alerts[0].Reason)

	// Broken accounts drop out of all-account resolution.
	_, err = env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestExecutePartialFailureIsolatesAccounts(t *testing.T) {
	env := newTestEnv(t, retry.NewPolicy(1, 20*time.Millisecond, 2, time.Second), 0)
	env.addAccount("acct-ok", "user-1")
	env.addAccount("acct-bad", "user-1")
	env.script.fail("acct-bad", pipeline.ErrConnectionReset)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	job = env.broker.Execute(ctx, job)

	assert.Equal(t, models.StatusPartialFailure, job.Status)
	assert.Equal(t, models.OutcomeSuccess, job.Accounts["acct-ok"].Status)
	assert.Equal(t, 2, job.Accounts["acct-ok"].ItemsFetched)
	assert.Equal(t, models.OutcomeFailed, job.Accounts["acct-bad"].Status)

	require.Len(t, job.Errors, 1)
	assert.Contains(t, job.Errors[0], "acct-bad")

	alerts := env.notifier.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertPartialFailure, alerts[0].Reason)
	assert.Equal(t, "acct-bad", alerts[0].AccountID)
}

func TestExecuteDiagnosticsKindSkipsFetch(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1", Kind: models.KindDiagnostics})
	require.NoError(t, err)
	job = env.broker.Execute(ctx, job)

	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Zero(t, env.script.fetchCalls)
	assert.Zero(t, env.script.processCalls)
	assert.Zero(t, job.Accounts["acct-1"].ItemsFetched)
}

func TestExecuteIsIdempotentOnTerminalJobs(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	job = env.broker.Execute(ctx, job)
	require.Equal(t, models.StatusSuccess, job.Status)

	before := env.store.metricCount()
	again := env.broker.Execute(ctx, job)
	assert.Equal(t, models.StatusSuccess, again.Status)
	assert.Equal(t, 1, again.Accounts["acct-1"].Attempts)
	assert.Equal(t, before, env.store.metricCount())
}

func TestGetJobStatus(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	ctx := context.Background()

	_, err := env.broker.GetJobStatus(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	env.broker.Execute(ctx, job)

	first, err := env.broker.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	second, err := env.broker.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, env.broker.Cancel(ctx, job.ID))
	assert.Equal(t, []string{job.ID}, env.queue.cancelled)

	got, err := env.broker.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Cancelling again is a no-op, not an error.
	require.NoError(t, env.broker.Cancel(ctx, job.ID))

	assert.ErrorIs(t, env.broker.Cancel(ctx, "nope"), ErrJobNotFound)
}

func TestCancelRevertsInFlightAttempt(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.script.delay("acct-1", 300*time.Millisecond)

	job, err := env.broker.Enqueue(context.Background(), EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.Job, 1)
	go func() { done <- env.broker.Execute(ctx, job) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	got := <-done

	oc := got.Accounts["acct-1"]
	assert.Equal(t, models.OutcomePending, oc.Status)
	assert.Zero(t, oc.Attempts, "a cancelled attempt must not count")
	assert.Zero(t, env.store.metricCount())
	assert.Equal(t, models.HealthHealthy, env.tracker.GetHealth("acct-1"))
	assert.Empty(t, env.notifier.alerts())
}

func TestCancelInterruptsRunningSubPipeline(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.broker.cancelPoll = 20 * time.Millisecond
	env.addAccount("acct-1", "user-1")
	env.script.delay("acct-1", 500*time.Millisecond)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	done := make(chan *models.Job, 1)
	start := time.Now()
	go func() { done <- env.broker.Execute(ctx, job) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, env.broker.Cancel(ctx, job.ID))
	got := <-done
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 300*time.Millisecond,
		"cancel must interrupt the sub-pipeline, not wait out its delay")
	assert.Equal(t, models.StatusCancelled, got.Status)

	oc := got.Accounts["acct-1"]
	assert.Equal(t, models.OutcomePending, oc.Status)
	assert.Zero(t, oc.Attempts)
	assert.Zero(t, env.store.metricCount())
	assert.Equal(t, models.HealthHealthy, env.tracker.GetHealth("acct-1"))
	assert.Empty(t, env.notifier.alerts())
}

func TestConcurrentCancelWinsOverResults(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.script.delay("acct-1", 100*time.Millisecond)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)

	done := make(chan *models.Job, 1)
	go func() { done <- env.broker.Execute(ctx, job) }()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, env.broker.Cancel(ctx, job.ID))
	got := <-done

	assert.Equal(t, models.StatusCancelled, got.Status)
	stored, err := env.broker.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestResetAccountHealth(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1", pipeline.ErrInvalidCredentials)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	env.broker.Execute(ctx, job)
	require.Equal(t, models.HealthBroken, env.tracker.GetHealth("acct-1"))

	require.NoError(t, env.broker.ResetAccountHealth(ctx, "acct-1"))
	assert.Equal(t, models.HealthHealthy, env.tracker.GetHealth("acct-1"))
	assert.False(t, env.breaker.Tripped("acct-1"))
	assert.Equal(t, models.HealthHealthy, env.store.healths["acct-1"].State)

	assert.ErrorIs(t, env.broker.ResetAccountHealth(ctx, "nope"), ErrAccountNotFound)
}

func TestGetPerformanceMetrics(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.addAccount("acct-2", "user-1")
	env.script.fail("acct-2", pipeline.ErrAuthFailed)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	env.broker.Execute(ctx, job)

	summary, err := env.broker.GetPerformanceMetrics(ctx, "user-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
	require.Contains(t, summary.Accounts, "acct-1")
	require.Contains(t, summary.Accounts, "acct-2")
	assert.Equal(t, 0, summary.Accounts["acct-1"].Failures)
	assert.Equal(t, 1, summary.Accounts["acct-2"].Failures)
	assert.Equal(t, 4, summary.Accounts["acct-1"].TotalItems)
}

func TestListAlerts(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	env.addAccount("acct-1", "user-1")
	env.script.fail("acct-1", pipeline.ErrAuthFailed)
	ctx := context.Background()

	job, err := env.broker.Enqueue(ctx, EnqueueParams{UserID: "user-1"})
	require.NoError(t, err)
	env.broker.Execute(ctx, job)

	alerts, err := env.broker.ListAlerts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertAccountBroken, alerts[0].Reason)

	other, err := env.broker.ListAlerts(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
