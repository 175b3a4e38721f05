package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int `mapstructure:"max_attempts"`

	// Strategy is one of none, fixed, linear or exponential.
	Strategy string `mapstructure:"strategy"`

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// Jitter randomizes each delay by ±20%.
	Jitter bool `mapstructure:"jitter"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		Strategy:       BackoffExponential,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Jitter:         true,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fault.Config("retry.max_attempts", "must be at least 1")
	}
	switch c.Strategy {
	case BackoffNone, BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fault.Config("retry.strategy", "unknown backoff strategy "+c.Strategy)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fault.Config("retry.backoff", "must not be negative")
	}
	return nil
}

// CalculateBackoff returns the delay before retry number attempt (1-based),
// without jitter.
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	var delay time.Duration

	switch c.Strategy {
	case BackoffNone:
		delay = 0
	case BackoffFixed:
		delay = c.InitialBackoff
	case BackoffLinear:
		delay = c.InitialBackoff * time.Duration(attempt)
	default:
		delay = time.Duration(float64(c.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	}

	if c.MaxBackoff > 0 && delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}
	return delay
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. Errors are classified with fault.Classify.
func Retry(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func(ctx context.Context) error) error {
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class := fault.Classify(err)
		if class != fault.ClassTransient {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		if attempt >= attempts {
			break
		}

		retriesTotal.WithLabelValues(string(class)).Inc()

		backoff := cfg.CalculateBackoff(attempt)
		if cfg.Jitter && backoff > 0 {
			backoff = time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		}
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(backoff.Seconds())

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(fault.ClassTransient)).Inc()
	logger.Warn().
		Err(lastErr).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
