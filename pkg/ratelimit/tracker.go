package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for provider throttle tracking.
var (
	providerRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainfetch_provider_requests_remaining",
		Help: "Requests remaining in the provider rate limit window by source",
	}, []string{"source"})

	providerThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_provider_throttles_total",
		Help: "Total number of throttling signals received by source",
	}, []string{"source"})
)

// ThrottleTracker records provider throttling signals and answers how long
// fetchers should hold off.
type ThrottleTracker struct {
	redis  *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewThrottleTracker creates a new throttle tracker.
func NewThrottleTracker(redisClient *redis.Client, logger zerolog.Logger) *ThrottleTracker {
	return &ThrottleTracker{
		redis:  redisClient,
		logger: logger,
		ttl:    10 * time.Minute,
	}
}

func throttleKey(source string) string {
	return RedisKeyThrottlePrefix + source
}

// GetState retrieves the throttle state for source from Redis.
// Returns an unthrottled state if no data exists.
func (t *ThrottleTracker) GetState(ctx context.Context, source string) (*ThrottleState, error) {
	fields, err := t.redis.HGetAll(ctx, throttleKey(source)).Result()
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	if len(fields) == 0 {
		return &ThrottleState{Source: source, Remaining: -1}, nil
	}

	state := &ThrottleState{Source: source, Remaining: -1}
	if v, ok := fields[fieldRemaining]; ok {
		if state.Remaining, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parse remaining: %w", err)
		}
	}
	if state.ResetAt, err = parseUnixMilli(fields[fieldResetAt]); err != nil {
		return nil, fmt.Errorf("parse reset_at: %w", err)
	}
	if state.RetryUntil, err = parseUnixMilli(fields[fieldRetryUntil]); err != nil {
		return nil, fmt.Errorf("parse retry_until: %w", err)
	}
	if state.LastUpdate, err = parseUnixMilli(fields[fieldLastUpdate]); err != nil {
		return nil, fmt.Errorf("parse last_update: %w", err)
	}

	return state, nil
}

func parseUnixMilli(v string) (time.Time, error) {
	if v == "" || v == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func formatUnixMilli(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseHeaders extracts a throttle state from provider response headers.
// Returns nil when the response carries no throttling headers.
func ParseHeaders(source string, headers http.Header, now time.Time) (*ThrottleState, error) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	retryStr := headers.Get("Retry-After")
	if remainStr == "" && retryStr == "" {
		return nil, nil
	}

	state := &ThrottleState{Source: source, Remaining: -1, LastUpdate: now}

	if remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return nil, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		state.Remaining = remain

		resetStr := headers.Get("X-RateLimit-Reset")
		if resetStr == "" {
			return nil, fmt.Errorf("X-RateLimit-Reset header missing")
		}
		resetSeconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return nil, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		state.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
	}

	if retryStr != "" {
		if seconds, err := strconv.Atoi(retryStr); err == nil {
			state.RetryUntil = now.Add(time.Duration(seconds) * time.Second)
		} else if at, err := http.ParseTime(retryStr); err == nil {
			state.RetryUntil = at
		} else {
			return nil, fmt.Errorf("parse Retry-After header: %q", retryStr)
		}
	}

	return state, nil
}

// UpdateFromHeaders parses provider throttle headers and stores them in Redis.
func (t *ThrottleTracker) UpdateFromHeaders(ctx context.Context, source string, headers http.Header) error {
	state, err := ParseHeaders(source, headers, time.Now())
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	key := throttleKey(source)
	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, key,
		fieldRemaining, state.Remaining,
		fieldResetAt, formatUnixMilli(state.ResetAt),
		fieldRetryUntil, formatUnixMilli(state.RetryUntil),
		fieldLastUpdate, formatUnixMilli(state.LastUpdate),
	)
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}

	if state.Remaining >= 0 {
		providerRemaining.WithLabelValues(source).Set(float64(state.Remaining))
	}

	now := state.LastUpdate
	switch {
	case state.NeedsBlock(now):
		providerThrottlesTotal.WithLabelValues(source).Inc()
		t.logger.Warn().
			Str("source", source).
			Int("remaining", state.Remaining).
			Dur("backoff", state.Backoff(now)).
			Msg("Provider throttling - fetches will pause")
	case state.NeedsSlowdown(now):
		t.logger.Info().
			Str("source", source).
			Int("remaining", state.Remaining).
			Msg("Provider quota low - polling will slow down")
	default:
		t.logger.Debug().
			Str("source", source).
			Int("remaining", state.Remaining).
			Msg("Provider throttle state updated")
	}

	return nil
}

// Backoff returns how long fetches against source should pause.
func (t *ThrottleTracker) Backoff(ctx context.Context, source string) (time.Duration, error) {
	state, err := t.GetState(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("get throttle state: %w", err)
	}
	return state.Backoff(time.Now()), nil
}
