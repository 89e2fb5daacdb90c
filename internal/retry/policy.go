// Package retry governs re-attempts for failed event applications and
// failed provider calls, and dead-letters items past their budget.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/grantway/internal/config"
	"go.uber.org/fx"
)

// Policy is exponential backoff with jitter and a bounded attempt count.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
	}
}

func ProvidePolicy(cfg config.Config) Policy {
	p := Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}

// Exhausted reports whether the attempt count has used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NextDelay returns the jittered delay before the given attempt number
// (1-based). Delays grow exponentially from BaseDelay and are capped at
// MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

var Module = fx.Module("retry",
	fx.Provide(ProvidePolicy),
	fx.Provide(NewSweeper),
	fx.Invoke(StartSweeper),
)
