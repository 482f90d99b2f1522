package connector

import (
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy decides whether and when to retry after a failure.
// attempt starts at 1 for the first retry after a drop.
type ReconnectPolicy interface {
	NextDelay(attempt int, lastErr error) (delay time.Duration, ok bool)
}

// PolicyFunc adapts a function to ReconnectPolicy.
type PolicyFunc func(attempt int, lastErr error) (time.Duration, bool)

func (f PolicyFunc) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	return f(attempt, lastErr)
}

// maxDelay is the longest delay a policy returns.
const maxDelay = time.Duration(math.MaxInt64)

// ExponentialBackoff waits Base, Base*Multiplier, ... capped at Max.
// MaxAttempts of zero retries forever.
type ExponentialBackoff struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int

	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64
}

func (p ExponentialBackoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if attempt < 1 || (p.MaxAttempts > 0 && attempt > p.MaxAttempts) {
		return 0, false
	}

	if p.Base <= 0 {
		return 0, true
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}

	// Large attempts push the product past int64 or to +Inf; clamp
	// before converting.
	ceiling := float64(maxDelay)
	if p.Max > 0 && p.Max < maxDelay {
		ceiling = float64(p.Max)
	}
	delay := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > ceiling {
		delay = ceiling
	}

	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		delay += delay * j * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	if delay >= float64(maxDelay) {
		return maxDelay, true
	}
	return time.Duration(delay), true
}

// FixedDelay waits the same Delay before every attempt.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func (p FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if attempt < 1 || (p.MaxAttempts > 0 && attempt > p.MaxAttempts) {
		return 0, false
	}
	return p.Delay, true
}

// NoReconnect never retries; any drop is terminal.
type NoReconnect struct{}

func (NoReconnect) NextDelay(int, error) (time.Duration, bool) {
	return 0, false
}
