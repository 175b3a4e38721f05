package ratelimit

import (
	"testing"
	"time"
)

func TestThrottleState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *ThrottleState
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &ThrottleState{LastUpdate: time.Now()},
			maxAge:   5 * time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &ThrottleState{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: true,
		},
		{
			name:     "just under max age",
			state:    &ThrottleState{LastUpdate: time.Now().Add(-4 * time.Minute)},
			maxAge:   5 * time.Minute,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestThrottleState_NeedsBlock(t *testing.T) {
	now := epoch
	tests := []struct {
		name     string
		state    ThrottleState
		expected bool
	}{
		{
			name:     "unknown remaining",
			state:    ThrottleState{Remaining: -1},
			expected: false,
		},
		{
			name:     "well above critical threshold",
			state:    ThrottleState{Remaining: 50, ResetAt: now.Add(time.Minute)},
			expected: false,
		},
		{
			name:     "at critical threshold",
			state:    ThrottleState{Remaining: RemainingThresholdCritical, ResetAt: now.Add(time.Minute)},
			expected: false,
		},
		{
			name:     "below critical threshold",
			state:    ThrottleState{Remaining: RemainingThresholdCritical - 1, ResetAt: now.Add(time.Minute)},
			expected: true,
		},
		{
			name:     "exhausted but window already reset",
			state:    ThrottleState{Remaining: 0, ResetAt: now.Add(-time.Second)},
			expected: false,
		},
		{
			name:     "retry-after pending",
			state:    ThrottleState{Remaining: -1, RetryUntil: now.Add(5 * time.Second)},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.NeedsBlock(now); result != tt.expected {
				t.Errorf("NeedsBlock() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestThrottleState_NeedsSlowdown(t *testing.T) {
	now := epoch
	tests := []struct {
		name      string
		remaining int
		expected  bool
	}{
		{"unknown", -1, false},
		{"healthy", 100, false},
		{"at warning threshold", RemainingThresholdWarning, false},
		{"below warning threshold", RemainingThresholdWarning - 1, true},
		{"critical blocks instead", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := ThrottleState{Remaining: tt.remaining, ResetAt: now.Add(time.Minute)}
			if result := state.NeedsSlowdown(now); result != tt.expected {
				t.Errorf("NeedsSlowdown() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestThrottleState_Backoff(t *testing.T) {
	now := epoch
	tests := []struct {
		name     string
		state    ThrottleState
		expected time.Duration
	}{
		{
			name:     "no throttling",
			state:    ThrottleState{Remaining: 80, ResetAt: now.Add(time.Minute)},
			expected: 0,
		},
		{
			name:     "retry-after only",
			state:    ThrottleState{Remaining: -1, RetryUntil: now.Add(3 * time.Second)},
			expected: 3 * time.Second,
		},
		{
			name:     "exhausted window",
			state:    ThrottleState{Remaining: 0, ResetAt: now.Add(20 * time.Second)},
			expected: 20 * time.Second,
		},
		{
			name: "longest signal wins",
			state: ThrottleState{
				Remaining:  1,
				ResetAt:    now.Add(10 * time.Second),
				RetryUntil: now.Add(30 * time.Second),
			},
			expected: 30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.Backoff(now); result != tt.expected {
				t.Errorf("Backoff() = %v, want %v", result, tt.expected)
			}
		})
	}
}
