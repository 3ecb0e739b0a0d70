// Package perf accumulates per-account attempt metrics and answers
// aggregate queries. Observability only: it never takes corrective
// action.
package perf

import (
	"context"
	"log/slog"
	"time"

	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/telemetry"
)

// Store is the append-only metric sink plus its aggregate query.
type Store interface {
	InsertMetric(ctx context.Context, m models.PerformanceMetric) error
	AccountAggregates(ctx context.Context, userID string, since time.Time) (map[string]*models.AccountAggregate, error)
}

// Recorder writes metric records through to the store and mirrors them
// into Prometheus.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a recorder backed by the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends one attempt record. Failures to persist are logged,
// not propagated: a metrics outage must never fail a job.
func (r *Recorder) Record(ctx context.Context, m models.PerformanceMetric) {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = r.now()
	}

	outcome := "success"
	if !m.Success {
		outcome = "failure"
	}
	telemetry.AttemptDuration.WithLabelValues(outcome).Observe(m.Duration.Seconds())
	telemetry.ItemsFetched.Add(float64(m.ItemsFetched))
	telemetry.ItemsProcessed.Add(float64(m.ItemsProcessed))

	if err := r.store.InsertMetric(ctx, m); err != nil {
		r.logger.Warn("persist performance metric",
			"job_id", m.JobID, "account_id", m.AccountID, "error", err)
	}
}

// Aggregate rolls up a user's metrics over the trailing window.
func (r *Recorder) Aggregate(ctx context.Context, userID string, window time.Duration) (*models.PerformanceSummary, error) {
	since := r.now().Add(-window)
	accounts, err := r.store.AccountAggregates(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	summary := &models.PerformanceSummary{
		UserID:   userID,
		Window:   window,
		Accounts: accounts,
	}
	for _, a := range accounts {
		summary.Count += a.Count
		summary.TotalDuration += a.TotalDuration
		summary.TotalItems += a.TotalItems
		if a.Count > 0 {
			a.AvgDuration = a.TotalDuration / time.Duration(a.Count)
		}
	}
	if summary.Count > 0 {
		summary.AvgDuration = summary.TotalDuration / time.Duration(summary.Count)
	}
	return summary, nil
}
