// Package health maintains the per-account Healthy/Degraded/Broken
// state that gates automatic scheduling.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mail-pipeline-broker/internal/classify"
	"mail-pipeline-broker/internal/models"
)

// Store persists health records so they survive restarts and are
// queryable by the API.
type Store interface {
	UpsertAccountHealth(ctx context.Context, h models.AccountHealth) error
}

// Outcome describes one finished account attempt for the tracker.
type Outcome struct {
	AccountID      string
	UserID         string
	Success        bool
	Category       classify.Category
	BreakerTripped bool
	WindowFailures int
	Err            string
}

// Tracker holds current health per account. Updates for one account
// are serialized on that account's lock; different accounts update in
// parallel.
type Tracker struct {
	store  Store
	logger *slog.Logger

	mu       sync.Mutex // guards the accounts map, not the entries
	accounts map[string]*entry

	now func() time.Time
}

type entry struct {
	mu     sync.Mutex
	health models.AccountHealth
}

// NewTracker builds a tracker backed by the given store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		logger:   logger,
		accounts: make(map[string]*entry),
		now:      time.Now,
	}
}

func (t *Tracker) entryFor(accountID, userID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.accounts[accountID]
	if !ok {
		e = &entry{health: models.AccountHealth{
			AccountID: accountID,
			UserID:    userID,
			State:     models.HealthHealthy,
		}}
		t.accounts[accountID] = e
	}
	return e
}

// RecordOutcome folds one attempt result into the account's health and
// reports the new state plus whether this update broke the account.
// Health rules: success resets to healthy; permanent failure breaks
// immediately; transient failure degrades, or breaks once the circuit
// breaker tripped; unknown failures alone never change state.
func (t *Tracker) RecordOutcome(ctx context.Context, o Outcome) (string, bool) {
	e := t.entryFor(o.AccountID, o.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	h := &e.health
	wasBroken := h.State == models.HealthBroken

	now := t.now()
	h.LastCheckedAt = now
	h.UpdatedAt = now
	h.WindowFailures = o.WindowFailures
	if o.Success {
		h.State = models.HealthHealthy
		h.WindowFailures = 0
		h.LastError = ""
	} else {
		h.LastError = o.Err
		switch {
		case o.Category == classify.Permanent:
			h.State = models.HealthBroken
		case o.BreakerTripped:
			h.State = models.HealthBroken
		case o.Category == classify.Transient && h.State == models.HealthHealthy:
			h.State = models.HealthDegraded
		}
	}

	if err := t.store.UpsertAccountHealth(ctx, *h); err != nil {
		t.logger.Warn("persist account health",
			"account_id", o.AccountID, "state", h.State, "error", err)
	}

	becameBroken := !wasBroken && h.State == models.HealthBroken
	if becameBroken {
		t.logger.Warn("account broken",
			"account_id", o.AccountID, "user_id", o.UserID,
			"category", string(o.Category), "window_failures", h.WindowFailures)
	}
	return h.State, becameBroken
}

// GetHealth returns the account's current state, healthy when unseen.
func (t *Tracker) GetHealth(accountID string) string {
	t.mu.Lock()
	e, ok := t.accounts[accountID]
	t.mu.Unlock()
	if !ok {
		return models.HealthHealthy
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.State
}

// Reset is the explicit manual transition back to healthy, e.g. after
// a credentials update. The tracker never performs it on its own.
func (t *Tracker) Reset(ctx context.Context, accountID, userID string) error {
	e := t.entryFor(accountID, userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	e.health.State = models.HealthHealthy
	e.health.WindowFailures = 0
	e.health.LastError = ""
	e.health.UpdatedAt = now
	return t.store.UpsertAccountHealth(ctx, e.health)
}
