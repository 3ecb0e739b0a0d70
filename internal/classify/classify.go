// Package classify maps collaborator failures onto the retry
// categories the policy layer reasons about.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"mail-pipeline-broker/internal/pipeline"
)

// Category of a classified failure.
type Category string

const (
	// Transient failures (timeouts, resets, temporary unavailability)
	// are retried with backoff.
	Transient Category = "transient"
	// Permanent failures (auth, credentials, disabled accounts) are
	// never retried and break the account immediately.
	Permanent Category = "permanent"
	// Unknown failures are not retried: the safe default is to not
	// loop on errors the policy cannot reason about.
	Unknown Category = "unknown"
)

var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"temporary failure",
	"broken pipe",
	"try again",
}

var permanentPatterns = []string{
	"authentication failed",
	"invalid credentials",
	"login failed",
	"account disabled",
	"account suspended",
	"permission denied",
}

// Classify is a pure function over the error's identifying
// characteristics. Sentinels and typed errors are checked before
// falling back to message inspection.
func Classify(err error) Category {
	if err == nil {
		return Unknown
	}

	switch {
	case errors.Is(err, pipeline.ErrAuthFailed),
		errors.Is(err, pipeline.ErrInvalidCredentials),
		errors.Is(err, pipeline.ErrAccountDisabled):
		return Permanent
	case errors.Is(err, pipeline.ErrConnectionReset),
		errors.Is(err, pipeline.ErrTemporarilyUnavailable),
		errors.Is(err, pipeline.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return Permanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}

	return Unknown
}
