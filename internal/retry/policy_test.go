package retry

import (
	"testing"
	"time"

	"github.com/smallbiznis/grantway/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestPolicyExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 5}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

func TestPolicyNextDelayBounds(t *testing.T) {
	p := DefaultPolicy()

	// Jitter is 20%, so each attempt's delay stays inside a known band
	// around base*2^(attempt-1), capped at MaxDelay.
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		delay := p.NextDelay(attempt)

		expected := p.BaseDelay * time.Duration(1<<(attempt-1))
		if expected > p.MaxDelay {
			expected = p.MaxDelay
		}
		low := time.Duration(float64(expected) * 0.75)

		assert.GreaterOrEqual(t, delay, low, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, p.MaxDelay, "attempt %d", attempt)
	}
}

func TestPolicyNextDelayGrows(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Hour}

	first := p.NextDelay(1)
	fourth := p.NextDelay(4)
	assert.Greater(t, fourth, first)
}

func TestPolicyNextDelayClampsAttempt(t *testing.T) {
	p := DefaultPolicy()
	assert.Greater(t, p.NextDelay(0), time.Duration(0))
	assert.Greater(t, p.NextDelay(-3), time.Duration(0))
}

func TestProvidePolicyDefaults(t *testing.T) {
	p := ProvidePolicy(config.Config{})

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.BaseDelay)
	assert.Equal(t, 30*time.Minute, p.MaxDelay)
}

func TestProvidePolicyFromConfig(t *testing.T) {
	p := ProvidePolicy(config.Config{
		RetryMaxAttempts: 3,
		RetryBaseDelay:   10 * time.Second,
		RetryMaxDelay:    5 * time.Minute,
	})

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 10*time.Second, p.BaseDelay)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
}
