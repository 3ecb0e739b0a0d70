package pipeline

import (
	"context"
	"strings"
	"time"

	"mail-pipeline-broker/internal/models"
)

// Simulated implements all three collaborator interfaces in-process.
// It stands in for the IMAP stack in local development, driven by the
// account's credential handle: handles containing "fail-auth" raise an
// auth error, "fail-transient" a connection reset, and "slow" a fixed
// delay before succeeding.
type Simulated struct {
	Delay time.Duration
}

// NewSimulated builds a simulated collaborator set.
func NewSimulated() *Simulated {
	return &Simulated{Delay: 100 * time.Millisecond}
}

func (s *Simulated) TestConnection(ctx context.Context, account models.Account) (ConnectionResult, error) {
	if err := s.wait(ctx, account); err != nil {
		return ConnectionResult{}, err
	}
	if strings.Contains(account.CredentialHandle, "fail-auth") {
		return ConnectionResult{}, ErrAuthFailed
	}
	if strings.Contains(account.CredentialHandle, "fail-transient") {
		return ConnectionResult{}, ErrConnectionReset
	}
	return ConnectionResult{Connected: true, Capabilities: []string{"IMAP4rev1", "IDLE"}}, nil
}

func (s *Simulated) FetchNew(ctx context.Context, account models.Account, folder string, limit int) ([]MessageHandle, error) {
	if err := s.wait(ctx, account); err != nil {
		return nil, err
	}
	n := limit
	if n > 10 {
		n = 10
	}
	handles := make([]MessageHandle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, MessageHandle{UID: account.ID + "-msg", Folder: folder})
	}
	return handles, nil
}

func (s *Simulated) Persist(ctx context.Context, account models.Account, messages []MessageHandle) (int, error) {
	if err := s.wait(ctx, account); err != nil {
		return 0, err
	}
	return len(messages), nil
}

func (s *Simulated) Process(ctx context.Context, account models.Account) (int, error) {
	if err := s.wait(ctx, account); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Simulated) wait(ctx context.Context, account models.Account) error {
	delay := s.Delay
	if strings.Contains(account.CredentialHandle, "slow") {
		delay = 10 * delay
	}
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Set bundles a Simulated instance as Collaborators.
func (s *Simulated) Set() Collaborators {
	return Collaborators{Diagnostics: s, Fetcher: s, Processor: s}
}
