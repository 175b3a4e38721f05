// Package job runs one direction of an account's fetch as a loop of ticks
// whose interval adapts to how much new data each tick finds.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for job runners.
var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_job_ticks_total",
		Help: "Total runner ticks by direction and outcome",
	}, []string{"direction", "outcome"})

	intervalSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfetch_job_interval_seconds",
		Help:    "Wait before the next tick by direction",
		Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"direction"})
)

// State is the persisted progress of one direction of one account.
type State[C any] struct {
	Frequency      time.Duration `json:"frequency"`
	LastRun        time.Time     `json:"last_run"`
	NumRuns        uint64        `json:"num_runs"`
	Complete       bool          `json:"complete"`
	UseHistoricRPC bool          `json:"use_historic_rpc"`
	Cursor         *C            `json:"cursor,omitempty"`
}

// FetchInfo is passed to Handler.HandleFetch.
type FetchInfo[C any] struct {
	Direction      source.Direction
	FirstRun       bool
	Interval       time.Duration
	UseHistoricRPC bool
	Cursor         *C
}

// FetchResult is returned by Handler.HandleFetch.
type FetchResult[C any] struct {
	// NewInterval, when positive, replaces the wait before the next tick
	// only. The adaptive frequency is left untouched.
	NewInterval time.Duration

	// LastCursor is the cursor of the last item fetched, if any.
	LastCursor *C

	// UseHistoricRPC selects the historic endpoints from the next tick on.
	UseHistoricRPC bool
}

// CursorUpdate is passed to Handler.UpdateCursor.
type CursorUpdate[C any] struct {
	Direction  source.Direction
	PrevCursor *C
	LastCursor *C
}

// CursorResult is returned by Handler.UpdateCursor.
type CursorResult[C any] struct {
	NewItems  bool
	NewCursor *C

	// Complete ends a backward runner. Forward runners ignore it.
	Complete bool
}

// Handler performs the work of a runner's ticks.
type Handler[C any] interface {
	HandleFetch(ctx context.Context, info FetchInfo[C]) (FetchResult[C], error)
	UpdateCursor(ctx context.Context, update CursorUpdate[C]) (CursorResult[C], error)
	SaveState(ctx context.Context, dir source.Direction, state State[C]) error
}

// Config holds the interval adaptation settings.
type Config struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`

	// ShrinkFactor multiplies the frequency after a tick with new items.
	ShrinkFactor float64 `mapstructure:"shrink_factor"`

	// GrowFactor multiplies the frequency after a tick without new items.
	GrowFactor float64 `mapstructure:"grow_factor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultInterval: 30 * time.Second,
		MinInterval:     5 * time.Second,
		MaxInterval:     15 * time.Minute,
		ShrinkFactor:    0.5,
		GrowFactor:      2,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.MinInterval <= 0:
		return fault.Config("job.min_interval", "must be positive")
	case c.MaxInterval < c.MinInterval:
		return fault.Config("job.max_interval", "must not be below min_interval")
	case c.ShrinkFactor <= 0 || c.ShrinkFactor > 1:
		return fault.Config("job.shrink_factor", "must be in (0, 1]")
	case c.GrowFactor < 1:
		return fault.Config("job.grow_factor", "must be at least 1")
	}
	return nil
}

// Runner drives one direction of an account's fetch.
type Runner[C any] struct {
	direction source.Direction
	handler   Handler[C]
	config    Config
	onError   func(error)
	logger    zerolog.Logger

	mu    sync.Mutex
	state State[C]

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRunner creates a runner resuming from state. onError receives fetch
// errors; it may be nil.
func NewRunner[C any](dir source.Direction, state State[C], handler Handler[C], cfg Config, onError func(error), logger zerolog.Logger) *Runner[C] {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.ShrinkFactor <= 0 {
		cfg.ShrinkFactor = def.ShrinkFactor
	}
	if cfg.GrowFactor <= 0 {
		cfg.GrowFactor = def.GrowFactor
	}
	if state.Frequency <= 0 {
		state.Frequency = cfg.DefaultInterval
	}
	if onError == nil {
		onError = func(error) {}
	}

	return &Runner[C]{
		direction: dir,
		handler:   handler,
		config:    cfg,
		onError:   onError,
		logger:    logger.With().Str("direction", dir.String()).Logger(),
		state:     state,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns a copy of the runner's current state.
func (r *Runner[C]) State() State[C] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stop asks the loop to exit after the in-flight tick.
func (r *Runner[C]) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once Run has returned.
func (r *Runner[C]) Done() <-chan struct{} {
	return r.done
}

// Run ticks until stopped, cancelled, complete (backward only) or a
// storage error occurs. Only storage errors are returned.
func (r *Runner[C]) Run(ctx context.Context) error {
	defer close(r.done)

	r.logger.Info().Msg("Runner started")
	var wait time.Duration
	for {
		if r.direction == source.Backward && r.State().Complete {
			r.logger.Info().Msg("Backward fetch complete")
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("Runner cancelled")
			return nil
		case <-r.stop:
			timer.Stop()
			r.logger.Info().Msg("Runner stopped")
			return nil
		case <-timer.C:
		}

		next, err := r.tick(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("Runner aborted on storage error")
			return err
		}
		intervalSeconds.WithLabelValues(r.direction.String()).Observe(next.Seconds())
		wait = next
	}
}

// tick runs one fetch and returns the wait before the next one. Only
// storage errors are returned.
func (r *Runner[C]) tick(ctx context.Context) (time.Duration, error) {
	state := r.State()
	dir := r.direction.String()

	res, fetchErr := r.handler.HandleFetch(ctx, FetchInfo[C]{
		Direction:      r.direction,
		FirstRun:       state.NumRuns == 0,
		Interval:       state.Frequency,
		UseHistoricRPC: state.UseHistoricRPC,
		Cursor:         state.Cursor,
	})

	state.LastRun = time.Now()
	state.NumRuns++
	state.UseHistoricRPC = res.UseHistoricRPC

	wait := state.Frequency
	if res.NewInterval > 0 {
		wait = res.NewInterval
	}

	if fetchErr != nil {
		if fault.IsStorage(fetchErr) {
			ticksTotal.WithLabelValues(dir, "storage_error").Inc()
			return 0, fetchErr
		}
		if ctx.Err() != nil {
			return r.interrupted(dir, wait, fetchErr), nil
		}
		ticksTotal.WithLabelValues(dir, "fetch_error").Inc()
		r.logger.Warn().Err(fetchErr).Msg("Fetch failed")
		r.onError(fetchErr)
		return wait, r.save(ctx, state)
	}

	cur, err := r.handler.UpdateCursor(ctx, CursorUpdate[C]{
		Direction:  r.direction,
		PrevCursor: state.Cursor,
		LastCursor: res.LastCursor,
	})
	if err != nil {
		if fault.IsStorage(err) {
			ticksTotal.WithLabelValues(dir, "storage_error").Inc()
			return 0, err
		}
		if ctx.Err() != nil {
			return r.interrupted(dir, wait, err), nil
		}
		ticksTotal.WithLabelValues(dir, "cursor_error").Inc()
		r.onError(err)
		return wait, r.save(ctx, state)
	}

	if cur.NewCursor != nil {
		state.Cursor = cur.NewCursor
	}
	state.Frequency = r.adapt(state.Frequency, cur.NewItems)
	if r.direction == source.Backward && cur.Complete {
		state.Complete = true
	}

	if res.NewInterval <= 0 {
		wait = state.Frequency
	}

	outcome := "idle"
	if cur.NewItems {
		outcome = "new_items"
	}
	ticksTotal.WithLabelValues(dir, outcome).Inc()

	r.logger.Debug().
		Bool("new_items", cur.NewItems).
		Dur("frequency", state.Frequency).
		Dur("wait", wait).
		Uint64("num_runs", state.NumRuns).
		Msg("Tick finished")

	return wait, r.save(ctx, state)
}

func (r *Runner[C]) adapt(freq time.Duration, newItems bool) time.Duration {
	if newItems {
		return max(time.Duration(float64(freq)*r.config.ShrinkFactor), r.config.MinInterval)
	}
	return min(time.Duration(float64(freq)*r.config.GrowFactor), r.config.MaxInterval)
}

// interrupted handles a tick cut short by cancellation. Nothing is recorded.
func (r *Runner[C]) interrupted(dir string, wait time.Duration, err error) time.Duration {
	ticksTotal.WithLabelValues(dir, "cancelled").Inc()
	r.logger.Debug().Err(err).Msg("Fetch interrupted")
	return wait
}

func (r *Runner[C]) save(ctx context.Context, state State[C]) error {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()

	if err := r.handler.SaveState(ctx, r.direction, state); err != nil {
		return fault.Storage("save state", err)
	}
	return nil
}
