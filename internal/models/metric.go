package models

import "time"

// PerformanceMetric is an immutable record of one account-level
// attempt within a job. Written once, read only in aggregate.
type PerformanceMetric struct {
	JobID          string        `json:"job_id"`
	UserID         string        `json:"user_id"`
	AccountID      string        `json:"account_id"`
	Duration       time.Duration `json:"duration"`
	ItemsFetched   int           `json:"items_fetched"`
	ItemsProcessed int           `json:"items_processed"`
	Success        bool          `json:"success"`
	ErrorCategory  string        `json:"error_category,omitempty"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// AccountAggregate holds per-account rollups inside a summary.
type AccountAggregate struct {
	AccountID     string        `json:"account_id"`
	Count         int           `json:"count"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	TotalItems    int           `json:"total_items"`
}

// PerformanceSummary is the aggregate answer for a user over a window.
type PerformanceSummary struct {
	UserID        string                       `json:"user_id"`
	Window        time.Duration                `json:"window"`
	Count         int                          `json:"count"`
	TotalDuration time.Duration                `json:"total_duration"`
	AvgDuration   time.Duration                `json:"avg_duration"`
	TotalItems    int                          `json:"total_items"`
	Accounts      map[string]*AccountAggregate `json:"accounts"`
}
