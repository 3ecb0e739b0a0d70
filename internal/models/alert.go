package models

import "time"

// Alert reasons emitted by the broker.
const (
	AlertJobFailed      = "job_failed"
	AlertPartialFailure = "partial_failure"
	AlertAccountBroken  = "account_broken"
)

// Alert is a notification record addressed to the owning user. Users
// must never have to infer a failure from metrics alone.
type Alert struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AccountID string    `json:"account_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
