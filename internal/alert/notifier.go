// Package alert emits user-facing failure notifications. Users must
// learn about a broken account or a failed job from an alert record,
// never only from metrics.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mail-pipeline-broker/internal/models"
	"mail-pipeline-broker/internal/telemetry"
)

// Store persists alert records.
type Store interface {
	InsertAlert(ctx context.Context, a models.Alert) error
}

// Notifier writes alerts through to the store and the log.
type Notifier struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewNotifier builds a notifier backed by the given store.
func NewNotifier(store Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, logger: logger, now: time.Now}
}

// Notify records one alert. Persistence failures are logged, not
// propagated: alerting must never fail the job that triggered it.
func (n *Notifier) Notify(ctx context.Context, a models.Alert) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = n.now()
	}

	n.logger.Warn("alert",
		"user_id", a.UserID, "account_id", a.AccountID,
		"job_id", a.JobID, "reason", a.Reason, "message", a.Message)
	telemetry.AlertsEmitted.Inc()

	if err := n.store.InsertAlert(ctx, a); err != nil {
		n.logger.Error("persist alert", "user_id", a.UserID, "reason", a.Reason, "error", err)
	}
}
