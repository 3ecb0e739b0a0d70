package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-pipeline-broker/internal/classify"
)

func TestShouldRetryOnlyTransientUnderCap(t *testing.T) {
	p := NewPolicy(3, time.Second, 2, time.Minute)

	assert.True(t, p.ShouldRetry(classify.Transient, 1))
	assert.True(t, p.ShouldRetry(classify.Transient, 2))
	assert.False(t, p.ShouldRetry(classify.Transient, 3))
	assert.False(t, p.ShouldRetry(classify.Transient, 4))

	assert.False(t, p.ShouldRetry(classify.Permanent, 1))
	assert.False(t, p.ShouldRetry(classify.Unknown, 1))
}

func TestNextDelayExponentialAndCapped(t *testing.T) {
	p := NewPolicy(5, time.Second, 2, 10*time.Second)

	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(5))

	// Delays are non-decreasing.
	prev := time.Duration(0)
	for n := 1; n <= 8; n++ {
		d := p.NextDelay(n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0, 0, 0)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Initial)
	assert.Equal(t, float64(2), p.Base)
}

func TestBreakerTripsAtThresholdWithinWindow(t *testing.T) {
	b := NewBreaker(5, time.Hour)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		tripped := b.RecordFailure("acct-1")
		require.False(t, tripped, "failure %d should not trip", i+1)
		now = now.Add(time.Minute)
	}
	assert.True(t, b.RecordFailure("acct-1"))
	assert.True(t, b.Tripped("acct-1"))
	assert.Equal(t, 5, b.Failures("acct-1"))

	// Other accounts are unaffected.
	assert.False(t, b.Tripped("acct-2"))
}

func TestBreakerWindowSlides(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.RecordFailure("acct-1")
	b.RecordFailure("acct-1")

	// Old failures age out of the window.
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 0, b.Failures("acct-1"))
	assert.False(t, b.RecordFailure("acct-1"))
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(2, time.Hour)
	b.RecordFailure("acct-1")
	b.RecordFailure("acct-1")
	require.True(t, b.Tripped("acct-1"))

	b.Reset("acct-1")
	assert.False(t, b.Tripped("acct-1"))
	assert.Equal(t, 0, b.Failures("acct-1"))
}
