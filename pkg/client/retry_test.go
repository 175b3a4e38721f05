package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		Strategy:       BackoffFixed,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.Strategy != BackoffExponential {
		t.Errorf("Strategy = %q, want %q", config.Strategy, BackoffExponential)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RetryConfig)
		wantErr bool
	}{
		{"default", func(*RetryConfig) {}, false},
		{"zero attempts", func(c *RetryConfig) { c.MaxAttempts = 0 }, true},
		{"unknown strategy", func(c *RetryConfig) { c.Strategy = "fibonacci" }, true},
		{"negative backoff", func(c *RetryConfig) { c.InitialBackoff = -time.Second }, true},
		{"linear", func(c *RetryConfig) { c.Strategy = BackoffLinear }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		attempt  int
		want     time.Duration
	}{
		{"none", BackoffNone, 3, 0},
		{"fixed", BackoffFixed, 3, 100 * time.Millisecond},
		{"linear first", BackoffLinear, 1, 100 * time.Millisecond},
		{"linear third", BackoffLinear, 3, 300 * time.Millisecond},
		{"exponential first", BackoffExponential, 1, 100 * time.Millisecond},
		{"exponential fourth", BackoffExponential, 4, 800 * time.Millisecond},
		{"exponential capped", BackoffExponential, 10, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfig{
				Strategy:       tt.strategy,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     time.Second,
			}
			if got := cfg.CalculateBackoff(tt.attempt); got != tt.want {
				t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetry_Success(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastRetry(3), testLogger, func(context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Retry() error = %v, want nil", err)
	}
	if callCount != 1 {
		t.Errorf("calls = %d, want 1", callCount)
	}
}

func TestRetry_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastRetry(3), testLogger, func(context.Context) error {
		callCount++
		if callCount < 3 {
			return fault.Transient("rpc", errors.New("temporary error"))
		}
		return nil
	})

	if err != nil {
		t.Errorf("Retry() error = %v, want nil", err)
	}
	if callCount != 3 {
		t.Errorf("calls = %d, want 3", callCount)
	}
}

func TestRetry_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	testErr := errors.New("persistent error")
	err := Retry(context.Background(), fastRetry(4), testLogger, func(context.Context) error {
		callCount++
		return fault.Transient("rpc", testErr)
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Retry() error = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Retry() error = %v, want to wrap %v", err, testErr)
	}
	if fault.Classify(err) != fault.ClassTransient {
		t.Errorf("Classify() = %q, want transient", fault.Classify(err))
	}
	if callCount != 4 {
		t.Errorf("calls = %d, want 4", callCount)
	}
}

func TestRetry_PermanentErrorNoRetry(t *testing.T) {
	callCount := 0
	testErr := fault.Permanent("rpc", errors.New("not found"))
	err := Retry(context.Background(), fastRetry(3), testLogger, func(context.Context) error {
		callCount++
		return testErr
	})

	if callCount != 1 {
		t.Errorf("calls = %d, want 1 (no retry for permanent errors)", callCount)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("permanent errors must not report ErrRetryExhausted")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Retry() error = %v, want %v", err, testErr)
	}
}

func TestRetry_StorageErrorNoRetry(t *testing.T) {
	callCount := 0
	err := Retry(context.Background(), fastRetry(3), testLogger, func(context.Context) error {
		callCount++
		return fault.Storage("put", errors.New("disk full"))
	})

	if callCount != 1 {
		t.Errorf("calls = %d, want 1", callCount)
	}
	if !fault.IsStorage(err) {
		t.Errorf("Retry() error = %v, want storage error", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Second

	callCount := 0
	err := Retry(ctx, cfg, testLogger, func(context.Context) error {
		callCount++
		if callCount == 1 {
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()
		}
		return fault.Transient("rpc", errors.New("error"))
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Retry() error = %v, want ErrContextCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want to wrap context.Canceled", err)
	}
	if callCount != 1 {
		t.Errorf("calls = %d, want 1", callCount)
	}
}

func TestRetry_LinearBackoffTiming(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		Strategy:       BackoffLinear,
		InitialBackoff: 20 * time.Millisecond,
	}

	start := time.Now()
	_ = Retry(context.Background(), cfg, testLogger, func(context.Context) error {
		return fault.Transient("rpc", errors.New("error"))
	})

	// 20ms after the first attempt, 40ms after the second.
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms of linear backoff", elapsed)
	}
}

func TestRetry_JitterBounds(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    2,
		Strategy:       BackoffFixed,
		InitialBackoff: 50 * time.Millisecond,
		Jitter:         true,
	}

	for i := 0; i < 3; i++ {
		start := time.Now()
		_ = Retry(context.Background(), cfg, testLogger, func(context.Context) error {
			return fault.Transient("rpc", errors.New("error"))
		})
		elapsed := time.Since(start)
		if elapsed < 38*time.Millisecond || elapsed > 500*time.Millisecond {
			t.Errorf("elapsed = %v, want about 40-60ms", elapsed)
		}
	}
}
