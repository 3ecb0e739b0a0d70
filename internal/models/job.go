package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// Transitions are monotonic: once a job leaves pending it never
// returns, and terminal states (success, partial_failure, failed,
// cancelled) are immutable.
const (
	StatusPending        = "pending"
	StatusRunning        = "running"
	StatusRetrying       = "retrying"
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailed         = "failed"
	StatusCancelled      = "cancelled"
)

// JobKind enumerates the supported kinds of orchestrated work.
const (
	KindFetch       = "fetch"
	KindProcess     = "process"
	KindDiagnostics = "diagnostics"
)

// IsTerminal reports whether a job status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusPartialFailure, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AccountOutcome status values. An outcome is terminal once it reaches
// success, failed, or skipped.
const (
	OutcomePending  = "pending"
	OutcomeRunning  = "running"
	OutcomeRetrying = "retrying"
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Job represents one orchestrated fetch/process request, possibly
// spanning multiple mail accounts of the same user.
type Job struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	AccountID *string `json:"account_id,omitempty"` // nil = all enabled accounts

	Kind     string        `json:"kind"`
	MaxItems int           `json:"max_items"`
	Timeout  time.Duration `json:"timeout"`

	Status     string                     `json:"status"`
	RetryCount int                        `json:"retry_count"`
	Errors     []string                   `json:"errors,omitempty"`
	Accounts   map[string]*AccountOutcome `json:"accounts"`

	NextRunAt   time.Time  `json:"next_run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AccountOutcome tracks one account's sub-pipeline inside a job.
type AccountOutcome struct {
	AccountID      string     `json:"account_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	Errors         []string   `json:"errors,omitempty"`
	ItemsFetched   int        `json:"items_fetched"`
	ItemsProcessed int        `json:"items_processed"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Resolved reports whether the account has reached a terminal outcome.
func (o *AccountOutcome) Resolved() bool {
	switch o.Status {
	case OutcomeSuccess, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Account is an enabled mail account owned by a user. Credentials stay
// behind the credential service; the broker only carries the handle.
type Account struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Email            string    `json:"email"`
	Enabled          bool      `json:"enabled"`
	CredentialHandle string    `json:"credential_handle"`
	CreatedAt        time.Time `json:"created_at"`
}
