package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for rate limited acquisitions.
var (
	acquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfetch_ratelimit_wait_seconds",
		Help:    "Time spent waiting for rate limit admission by client",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"client"})

	acquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_ratelimit_acquisitions_total",
		Help: "Total number of admitted operations by client",
	}, []string{"client"})

	inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chainfetch_ratelimit_in_flight",
		Help: "Admitted operations not yet released by client",
	}, []string{"client"})
)

// ClientConfig holds the rate limit client configuration.
type ClientConfig struct {
	// Name labels metrics and logs.
	Name string

	// PollInterval bounds the wait when a limiter cannot say how long to wait.
	PollInterval time.Duration

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time
}

// DefaultClientConfig returns a default client configuration.
func DefaultClientConfig(name string) ClientConfig {
	return ClientConfig{
		Name:         name,
		PollInterval: 50 * time.Millisecond,
		Clock:        time.Now,
	}
}

// Client applies a limiter to arbitrary operations.
//
// Acquisitions are serialized through a FIFO lock so no waiter starves.
// Limiter bookkeeping is guarded separately so that releases never wait
// behind a sleeping acquirer.
type Client struct {
	limiter Limiter
	config  ClientConfig
	logger  zerolog.Logger

	// queue admits one acquirer at a time, in arrival order.
	queue *semaphore.Weighted

	mu       sync.Mutex
	released chan struct{}
}

// NewClient creates a client gating operations through limiter.
func NewClient(limiter Limiter, cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if limiter == nil {
		limiter = NewCompose()
	}

	return &Client{
		limiter:  limiter,
		config:   cfg,
		logger:   logger.With().Str("ratelimit_client", cfg.Name).Logger(),
		queue:    semaphore.NewWeighted(1),
		released: make(chan struct{}, 1),
	}
}

// Acquire blocks until the limiter admits an operation of the given weight.
// The returned release function must be called once the operation
// completes; calling it more than once is harmless.
func (c *Client) Acquire(ctx context.Context, weight int) (func(), error) {
	start := time.Now()
	if err := c.queue.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.queue.Release(1)

	for {
		c.mu.Lock()
		now := c.config.Clock()
		if c.limiter.Check(now, weight) {
			c.limiter.Add(now, weight)
			c.mu.Unlock()

			acquisitionsTotal.WithLabelValues(c.config.Name).Inc()
			acquireWaitSeconds.WithLabelValues(c.config.Name).Observe(time.Since(start).Seconds())
			inFlight.WithLabelValues(c.config.Name).Inc()
			return c.releaseFunc(now, weight), nil
		}
		wait := c.limiter.NextTry(now, weight)
		c.mu.Unlock()

		if wait <= 0 {
			wait = c.config.PollInterval
		}

		c.logger.Debug().
			Int("weight", weight).
			Dur("wait", wait).
			Msg("Rate limit not admitted, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Client) releaseFunc(now time.Time, weight int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.limiter.Sub(now, weight)
			c.mu.Unlock()
			inFlight.WithLabelValues(c.config.Name).Dec()

			select {
			case c.released <- struct{}{}:
			default:
			}
		})
	}
}

// Do acquires, runs fn and releases.
func (c *Client) Do(ctx context.Context, weight int, fn func(ctx context.Context) error) error {
	release, err := c.Acquire(ctx, weight)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
