// Package webhook implements signed, retried HTTP delivery of phone events
// to configured endpoints, one ordered delivery queue per endpoint.
package webhook

import (
	"math/rand"
	"time"
)

// Policy configures retry behavior for one endpoint.
type Policy struct {
	// MaxAttempts is the total number of delivery attempts, including the
	// first. Values < 1 are treated as 1.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `json:"base_delay"`

	// Multiplier grows the delay per attempt. Values <= 1 disable growth.
	Multiplier float64 `json:"multiplier"`

	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration `json:"max_delay"`

	// Jitter randomizes each delay by ±Jitter fraction (0.25 = ±25%) to
	// avoid synchronized retry storms across endpoints.
	Jitter float64 `json:"jitter"`
}

// DefaultPolicy returns the stock retry policy: 5 attempts, 1s base delay
// doubling up to a 300s cap, ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    300 * time.Second,
		Jitter:      0.25,
	}
}

// NextDelay computes the wait before the given attempt (2 = first retry).
// The delay grows exponentially from BaseDelay, is capped at MaxDelay, and
// then jittered. Attempts <= 1 have no delay.
func NextDelay(attempt int, p Policy) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		if p.Multiplier > 1 {
			d = time.Duration(float64(d) * p.Multiplier)
		}
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		jitter := float64(d) * p.Jitter * (2*rand.Float64() - 1)
		d += time.Duration(jitter)
		if d < 0 {
			d = 0
		}
	}
	return d
}
