package retry

import (
	"sync"
	"time"
)

// Breaker tracks failures per account inside a sliding time window.
// Once the count reaches the threshold, automatic retries for that
// account are suppressed until an explicit reset: the threshold is
// the last counted failure, not the first suppressed one. This is
// layered on top of the per-job attempt cap, not a replacement for it.
type Breaker struct {
	threshold int
	window    time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time

	// now is swappable so the window is testable.
	now func() time.Time
}

// NewBreaker builds a breaker with the given threshold and window.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		failures:  make(map[string][]time.Time),
		now:       time.Now,
	}
}

// RecordFailure adds one failure for the account and reports whether
// the breaker is now tripped.
func (b *Breaker) RecordFailure(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	kept := b.prune(accountID, now)
	kept = append(kept, now)
	b.failures[accountID] = kept
	return len(kept) >= b.threshold
}

// Tripped reports whether the account's failure count within the
// current window has crossed the threshold.
func (b *Breaker) Tripped(accountID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.prune(accountID, b.now())
	b.failures[accountID] = kept
	return len(kept) >= b.threshold
}

// Failures returns the account's failure count within the window.
func (b *Breaker) Failures(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.prune(accountID, b.now())
	b.failures[accountID] = kept
	return len(kept)
}

// Reset clears the account's window, e.g. after a clean success or an
// explicit health reset.
func (b *Breaker) Reset(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, accountID)
}

func (b *Breaker) prune(accountID string, now time.Time) []time.Time {
	cutoff := now.Add(-b.window)
	kept := b.failures[accountID][:0]
	for _, t := range b.failures[accountID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
