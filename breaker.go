package relay

import "time"

// breakerState is the per-provider circuit breaker automaton. All access
// happens under the router's mutex; the struct itself is not locked.
type breakerState struct {
	failureCount    int
	lastFailure     time.Time
	open            bool
	lastHealthCheck time.Time
	healthy         bool
}

// allow reports whether a call may proceed at time now. When the breaker
// is open and the cool-off has elapsed it half-closes: the failure count
// and open flag reset, permitting a single probe attempt.
func (b *breakerState) allow(now time.Time, coolOff time.Duration) bool {
	if !b.open {
		return true
	}
	if now.Sub(b.lastFailure) >= coolOff {
		b.open = false
		b.failureCount = 0
		return true
	}
	return false
}

// recordFailure bumps the consecutive-failure count and opens the breaker
// once threshold is reached. Returns true if this failure opened it.
func (b *breakerState) recordFailure(now time.Time, threshold int) bool {
	b.failureCount++
	b.lastFailure = now
	if !b.open && b.failureCount >= threshold {
		b.open = true
		return true
	}
	return false
}

// recordSuccess resets the count and closes the breaker.
func (b *breakerState) recordSuccess() {
	b.failureCount = 0
	b.open = false
}

// BreakerSnapshot is the externally visible circuit breaker state.
type BreakerSnapshot struct {
	FailureCount    int       `json:"failure_count"`
	Open            bool      `json:"circuit_breaker_open"`
	Healthy         bool      `json:"is_healthy"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}
