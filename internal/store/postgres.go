package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mail-pipeline-broker/internal/models"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts the persisted job record created at enqueue time.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	accountsJSON, err := json.Marshal(job.Accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, account_id, kind, max_items, timeout_ms, status, retry_count, errors, accounts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, job.ID, job.UserID, job.AccountID, job.Kind, job.MaxItems, job.Timeout.Milliseconds(),
		job.Status, job.RetryCount, errorsJSON, accountsJSON, job.NextRunAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, account_id, kind, max_items, timeout_ms, status, retry_count, errors, accounts, next_run_at, created_at, started_at, completed_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var accountID pgtype.Text
	var timeoutMS int64
	var errorsJSON, accountsJSON []byte
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.UserID, &accountID, &job.Kind, &job.MaxItems, &timeoutMS,
		&job.Status, &job.RetryCount, &errorsJSON, &accountsJSON,
		&job.NextRunAt, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if accountID.Valid {
		job.AccountID = &accountID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if err := json.Unmarshal(accountsJSON, &job.Accounts); err != nil {
		return nil, fmt.Errorf("unmarshal accounts: %w", err)
	}
	return &job, nil
}

// UpdateJob persists the mutable job state after an execution pass.
func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	accountsJSON, err := json.Marshal(job.Accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, errors = $4, accounts = $5,
		    next_run_at = $6, started_at = $7, completed_at = $8, updated_at = NOW()
		WHERE id = $1
	`, job.ID, job.Status, job.RetryCount, errorsJSON, accountsJSON,
		job.NextRunAt, job.StartedAt, job.CompletedAt)
	return err
}

// MarkCancelled sets status cancelled unless the job already reached a
// terminal status. Returns the affected row count so callers can tell
// whether the cancel took effect.
func (s *Store) MarkCancelled(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5, $6)
	`, id, models.StatusCancelled,
		models.StatusSuccess, models.StatusPartialFailure, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertAccount registers a mail account for a user.
func (s *Store) InsertAccount(ctx context.Context, a models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, user_id, email, enabled, credential_handle, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, a.ID, a.UserID, a.Email, a.Enabled, a.CredentialHandle)
	return err
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, email, enabled, credential_handle, created_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.UserID, &a.Email, &a.Enabled, &a.CredentialHandle, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// ListEnabledAccounts returns a user's enabled accounts.
func (s *Store) ListEnabledAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, email, enabled, credential_handle, created_at
		FROM accounts WHERE user_id = $1 AND enabled ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Email, &a.Enabled, &a.CredentialHandle, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertAccountHealth writes through the tracker's current state.
func (s *Store) UpsertAccountHealth(ctx context.Context, h models.AccountHealth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO account_health (account_id, user_id, state, window_failures, last_error, last_checked_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE
		SET state = EXCLUDED.state,
		    window_failures = EXCLUDED.window_failures,
		    last_error = EXCLUDED.last_error,
		    last_checked_at = EXCLUDED.last_checked_at,
		    updated_at = EXCLUDED.updated_at
	`, h.AccountID, h.UserID, h.State, h.WindowFailures, h.LastError, h.LastCheckedAt, h.UpdatedAt)
	return err
}

// ListAccountHealth returns the health records for all of a user's accounts.
func (s *Store) ListAccountHealth(ctx context.Context, userID string) (map[string]models.AccountHealth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, user_id, state, window_failures, last_error, last_checked_at, updated_at
		FROM account_health WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query account health: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.AccountHealth)
	for rows.Next() {
		var h models.AccountHealth
		var lastChecked pgtype.Timestamptz
		if err := rows.Scan(&h.AccountID, &h.UserID, &h.State, &h.WindowFailures, &h.LastError, &lastChecked, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account health: %w", err)
		}
		if lastChecked.Valid {
			h.LastCheckedAt = lastChecked.Time
		}
		out[h.AccountID] = h
	}
	return out, rows.Err()
}

// InsertMetric appends one performance metric record.
func (s *Store) InsertMetric(ctx context.Context, m models.PerformanceMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO performance_metrics (job_id, user_id, account_id, duration_ms, items_fetched, items_processed, success, error_category, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.JobID, m.UserID, m.AccountID, m.Duration.Milliseconds(),
		m.ItemsFetched, m.ItemsProcessed, m.Success, m.ErrorCategory, m.RecordedAt)
	return err
}

// AccountAggregates rolls up a user's metrics since the given time,
// grouped by account.
func (s *Store) AccountAggregates(ctx context.Context, userID string, since time.Time) (map[string]*models.AccountAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE NOT success),
		       COALESCE(SUM(duration_ms), 0),
		       COALESCE(SUM(items_fetched + items_processed), 0)
		FROM performance_metrics
		WHERE user_id = $1 AND recorded_at >= $2
		GROUP BY account_id
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query metric aggregates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.AccountAggregate)
	for rows.Next() {
		var a models.AccountAggregate
		var durationMS, items int64
		if err := rows.Scan(&a.AccountID, &a.Count, &a.Failures, &durationMS, &items); err != nil {
			return nil, fmt.Errorf("scan metric aggregate: %w", err)
		}
		a.TotalDuration = time.Duration(durationMS) * time.Millisecond
		a.TotalItems = int(items)
		out[a.AccountID] = &a
	}
	return out, rows.Err()
}

// InsertAlert appends a user-facing failure alert.
func (s *Store) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, user_id, account_id, job_id, reason, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.UserID, a.AccountID, a.JobID, a.Reason, a.Message, a.CreatedAt)
	return err
}

// ListAlerts returns a user's most recent alerts.
func (s *Store) ListAlerts(ctx context.Context, userID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, account_id, job_id, reason, message, created_at
		FROM alerts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.UserID, &a.AccountID, &a.JobID, &a.Reason, &a.Message, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
