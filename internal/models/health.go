package models

import "time"

// HealthState summarizes an account's recent reliability.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthBroken   = "broken"
)

// AccountHealth is the per-account status record. A broken account is
// excluded from automatic scheduling until explicitly reset.
type AccountHealth struct {
	AccountID      string    `json:"account_id"`
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	WindowFailures int       `json:"window_failures"`
	LastError      string    `json:"last_error,omitempty"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
