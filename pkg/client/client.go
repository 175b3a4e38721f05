// Package client provides the HTTP client used to talk to remote data
// sources, with rate limiting, retries, tracing and throttle tracking.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Sternrassler/chainfetch/pkg/client"

// Prometheus metrics for remote requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_requests_total",
		Help: "Total remote requests by source and status",
	}, []string{"source", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfetch_request_duration_seconds",
		Help:    "Remote request duration in seconds by source, including retries",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_errors_total",
		Help: "Total remote request errors by source and class",
	}, []string{"source", "class"})
)

// ThrottleRecorder receives the response headers of every remote call so
// provider throttling signals can be shared.
type ThrottleRecorder interface {
	UpdateFromHeaders(ctx context.Context, source string, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// Source names the remote data source in metrics, logs and spans.
	Source string

	// Pool serves regular requests (REQUIRED).
	Pool *Pool

	// HistoricPool serves requests that need archive access.
	// Falls back to Pool when nil.
	HistoricPool *Pool

	// Limiter gates every attempt. Nil disables client-side rate limiting.
	Limiter *ratelimit.Client

	// Throttle records provider throttle headers. Optional.
	Throttle ThrottleRecorder

	// UserAgent header sent with every request.
	UserAgent string

	// RequestTimeout bounds a single attempt. It starts after the rate
	// limiter admitted the attempt.
	RequestTimeout time.Duration

	// Weight passed to the limiter per attempt.
	Weight int

	// Retry configures attempts and backoff.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(source string, pool *Pool) Config {
	return Config{
		Source:         source,
		Pool:           pool,
		UserAgent:      "chainfetch/1.0",
		RequestTimeout: 30 * time.Second,
		Weight:         1,
		Retry:          DefaultRetryConfig(),
	}
}

// Request describes one remote call.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Body     []byte
	Historic bool
}

// Client performs remote calls against a pool of endpoints.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Source == "" {
		return nil, fault.Config("source", "is required")
	}
	if cfg.Pool == nil {
		return nil, fault.Config("pool", "is required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fault.Config("request_timeout", "must be positive")
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 1
	}
	if cfg.HistoricPool == nil {
		cfg.HistoricPool = cfg.Pool
	}

	return &Client{
		httpClient: &http.Client{},
		config:     cfg,
		logger:     log.With().Str("component", "client").Str("source", cfg.Source).Logger(),
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Source returns the configured source name.
func (c *Client) Source() string {
	return c.config.Source
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Do performs req with rate limiting and retries and returns the response body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	ctx, span := c.tracer.Start(ctx, "client.Do", trace.WithAttributes(
		attribute.String("source", c.config.Source),
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
		attribute.Bool("historic", req.Historic),
	))
	defer span.End()

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(c.config.Source).Observe(time.Since(startTime).Seconds())
	}()

	pool := c.config.Pool
	if req.Historic {
		pool = c.config.HistoricPool
	}

	var (
		body     []byte
		attempts int
	)
	err := Retry(ctx, c.config.Retry, c.logger, func(ctx context.Context) error {
		attempts++
		var err error
		body, err = c.attempt(ctx, pool, req)
		return err
	})
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		class := fault.Classify(err)
		errorsTotal.WithLabelValues(c.config.Source, string(class)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return body, nil
}

// attempt performs one rate limited call.
func (c *Client) attempt(ctx context.Context, pool *Pool, req Request) ([]byte, error) {
	if c.config.Limiter != nil {
		release, err := c.config.Limiter.Acquire(ctx, c.config.Weight)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	endpoint := pool.Next()
	target := endpoint + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, reader)
	if err != nil {
		return nil, fault.Permanent(c.config.Source, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Str("path", req.Path).
		Msg("Executing remote request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(c.config.Source, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, fault.Transient(c.config.Source, err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(c.config.Source, strconv.Itoa(resp.StatusCode)).Inc()

	if c.config.Throttle != nil {
		if err := c.config.Throttle.UpdateFromHeaders(ctx, c.config.Source, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update throttle state from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := statusError(c.config.Source, resp)
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(fault.Classify(err))).
			Msg("Remote request error")
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient(c.config.Source, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

// GetJSON performs a GET request and decodes the JSON response into out.
// A body that does not decode is a permanent error.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, historic bool, out any) error {
	body, err := c.Do(ctx, Request{
		Method:   http.MethodGet,
		Path:     path,
		Query:    query,
		Historic: historic,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.Permanent(c.config.Source, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}
