package ratelimit

import (
	"time"
)

// Redis key layout for provider throttle state, one hash per source.
const (
	RedisKeyThrottlePrefix = "chainfetch:throttle:"

	fieldRemaining  = "remaining"
	fieldResetAt    = "reset_at"
	fieldRetryUntil = "retry_until"
	fieldLastUpdate = "last_update"
)

// Thresholds for throttle decisions, expressed in requests remaining in the
// provider's current window.
const (
	// RemainingThresholdCritical stops fetching until the window resets.
	RemainingThresholdCritical = 2

	// RemainingThresholdWarning slows polling down.
	RemainingThresholdWarning = 10
)

// ThrottleState is the last throttling signal a provider sent.
// The state is shared across worker processes via Redis.
type ThrottleState struct {
	// Source is the provider name.
	Source string `json:"source"`

	// Remaining requests in the provider window (-1 when unknown).
	// Extracted from the X-RateLimit-Remaining header.
	Remaining int `json:"remaining"`

	// ResetAt is when the provider window resets.
	// Calculated from the X-RateLimit-Reset header (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// RetryUntil is the deadline from a Retry-After header.
	RetryUntil time.Time `json:"retry_until"`

	// LastUpdate is when this state was last updated.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state data is older than the given duration.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsBlock returns true if requests should stop until the window resets.
func (s *ThrottleState) NeedsBlock(now time.Time) bool {
	if now.Before(s.RetryUntil) {
		return true
	}
	return s.Remaining >= 0 && s.Remaining < RemainingThresholdCritical && now.Before(s.ResetAt)
}

// NeedsSlowdown returns true if polling should back off.
func (s *ThrottleState) NeedsSlowdown(now time.Time) bool {
	return s.Remaining >= 0 && s.Remaining < RemainingThresholdWarning && !s.NeedsBlock(now)
}

// Backoff returns how long the provider asked callers to hold off.
// Returns 0 when no throttling is in effect.
func (s *ThrottleState) Backoff(now time.Time) time.Duration {
	var wait time.Duration
	if now.Before(s.RetryUntil) {
		wait = s.RetryUntil.Sub(now)
	}
	if s.Remaining >= 0 && s.Remaining < RemainingThresholdCritical && now.Before(s.ResetAt) {
		wait = max(wait, s.ResetAt.Sub(now))
	}
	return wait
}
