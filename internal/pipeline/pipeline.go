// Package pipeline defines the boundary to the external mail
// collaborators: the connectivity probe, the IMAP fetcher, and the
// persistence/processing services. The broker only interprets their
// success/failure and counts, never their internals.
package pipeline

import (
	"context"
	"errors"
	"time"

	"mail-pipeline-broker/internal/models"
)

// Sentinel errors collaborators are expected to surface. The classifier
// matches on these before falling back to message inspection.
var (
	ErrAuthFailed             = errors.New("authentication failed")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAccountDisabled        = errors.New("account disabled")
	ErrConnectionReset        = errors.New("connection reset by peer")
	ErrTemporarilyUnavailable = errors.New("service temporarily unavailable")
	ErrNotConnected           = errors.New("connection test failed")
	ErrNoCapabilities         = errors.New("server reported no capabilities")
)

// ConnectionResult is the outcome of a diagnostics probe.
type ConnectionResult struct {
	Connected    bool
	Capabilities []string
}

// MessageHandle identifies a fetched message without carrying its body.
type MessageHandle struct {
	UID    string
	Folder string
}

// Diagnostics probes connectivity and server capabilities for an account.
type Diagnostics interface {
	TestConnection(ctx context.Context, account models.Account) (ConnectionResult, error)
}

// Fetcher retrieves new messages for an account.
type Fetcher interface {
	FetchNew(ctx context.Context, account models.Account, folder string, limit int) ([]MessageHandle, error)
}

// Processor persists fetched messages and runs downstream processing
// (storage, classification) for an account.
type Processor interface {
	Persist(ctx context.Context, account models.Account, messages []MessageHandle) (int, error)
	Process(ctx context.Context, account models.Account) (int, error)
}

// Collaborators bundles the external services a sub-pipeline needs.
type Collaborators struct {
	Diagnostics Diagnostics
	Fetcher     Fetcher
	Processor   Processor
}

// FetchResult is what one completed sub-pipeline produced.
type FetchResult struct {
	ItemsFetched   int
	ItemsProcessed int
	Duration       time.Duration
}
