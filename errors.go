package relay

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrLLM is a provider-level failure (network, decode, API error).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx HTTP response from a provider backend.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrValidation rejects bad input at the call site, before any side effect.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrBudgetExceeded is returned when a deduction would violate a hard
// limit. The spend key is left unchanged.
type ErrBudgetExceeded struct {
	UserID  string
	Period  Period
	Current float64
	Cost    float64
	Limit   float64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("budget exceeded for %s (%s): $%.4f + $%.4f > $%.4f",
		e.UserID, e.Period, e.Current, e.Cost, e.Limit)
}

// ErrProvidersExhausted means every candidate across every fallback tier
// failed. LastErr carries the final transient error.
type ErrProvidersExhausted struct {
	Tier    Tier
	Model   string
	LastErr error
}

func (e *ErrProvidersExhausted) Error() string {
	return fmt.Sprintf("all providers failed for tier %s model %q: %v", e.Tier, e.Model, e.LastErr)
}

func (e *ErrProvidersExhausted) Unwrap() error { return e.LastErr }

// ParseRetryAfter parses a Retry-After header value: either delta
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrShuttingDown rejects new work once the stop-accepting phase has fired.
type ErrShuttingDown struct{}

func (e *ErrShuttingDown) Error() string { return "relay: shutting down, not accepting new tasks" }
