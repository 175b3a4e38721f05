// Package fetcher keeps one account's history in the store by running a
// forward runner towards the chain head and a backward runner towards
// genesis.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/job"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prometheus metrics for fetchers.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_fetcher_pages_total",
		Help: "Pages fetched by source and direction",
	}, []string{"source", "direction"})

	entitiesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_fetcher_entities_indexed_total",
		Help: "Entities newly indexed by source and direction",
	}, []string{"source", "direction"})

	parseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_fetcher_parse_errors_total",
		Help: "Page items skipped because they could not be parsed",
	}, []string{"source"})

	historicFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_fetcher_historic_fallbacks_total",
		Help: "Switches to the historic endpoints",
	}, []string{"source"})
)

// Failure records the last error an account's fetch ran into.
type Failure struct {
	Direction string      `json:"direction"`
	Class     fault.Class `json:"class"`
	Message   string      `json:"message"`
	At        time.Time   `json:"at"`

	// Count is the number of failed ticks since the last success in
	// Direction.
	Count int `json:"count"`
}

// State is the persisted state of one account.
type State[C any] struct {
	ID       string       `json:"id"`
	Forward  job.State[C] `json:"forward"`
	Backward job.State[C] `json:"backward"`

	// Cursor bounds the backward walk. Nil walks to the oldest item the
	// source has.
	Cursor *C `json:"cursor,omitempty"`

	Failure *Failure `json:"failure,omitempty"`
}

// Progress reports how much of an account's history is indexed.
type Progress struct {
	Account string

	// Oldest and Newest are the indexed timestamp bounds. Both are zero
	// when HasEntities is false.
	Oldest      time.Time
	Newest      time.Time
	HasEntities bool

	// BackwardComplete means nothing older than Oldest exists.
	BackwardComplete bool

	// CaughtUpAt is the time of the last forward tick that found nothing
	// newer than Newest. Zero until that happened.
	CaughtUpAt time.Time
}

// Covers reports whether every entity with a timestamp in [start, end] is
// indexed.
func (p Progress) Covers(start, end time.Time) bool {
	lower := p.BackwardComplete || (p.HasEntities && !p.Oldest.After(start))
	upper := (!p.CaughtUpAt.IsZero() && !p.CaughtUpAt.Before(end)) || (p.HasEntities && !p.Newest.Before(end))
	return lower && upper
}

// Throttle reports provider-requested pauses.
type Throttle interface {
	Backoff(ctx context.Context, source string) (time.Duration, error)
}

// Config holds fetcher settings.
type Config struct {
	Job job.Config `mapstructure:"job"`

	// PageLimit is the page size asked from the source.
	PageLimit int `mapstructure:"page_limit"`

	// MaxPagesPerTick bounds the pages one tick fetches.
	MaxPagesPerTick int `mapstructure:"max_pages_per_tick"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Job:             job.DefaultConfig(),
		PageLimit:       100,
		MaxPagesPerTick: 10,
	}
}

// Fetcher keeps one account's history up to date.
type Fetcher[C any] struct {
	account  string
	src      source.Source[C]
	db       *store.DB
	entities *store.Entities
	config   Config
	logger   zerolog.Logger

	throttle   Throttle
	onProgress func(Progress)

	mu         sync.Mutex
	state      State[C]
	caughtUpAt time.Time
	forward    *job.Runner[C]
	backward   *job.Runner[C]
}

// New creates a fetcher for account. Call Init before Run.
func New[C any](account string, src source.Source[C], db *store.DB, entities *store.Entities, cfg Config, logger zerolog.Logger) *Fetcher[C] {
	def := DefaultConfig()
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = def.PageLimit
	}
	if cfg.MaxPagesPerTick <= 0 {
		cfg.MaxPagesPerTick = def.MaxPagesPerTick
	}
	if cfg.Job.DefaultInterval <= 0 {
		cfg.Job.DefaultInterval = def.Job.DefaultInterval
	}

	return &Fetcher[C]{
		account:  account,
		src:      src,
		db:       db,
		entities: entities,
		config:   cfg,
		logger: logger.With().
			Str("account", account).
			Str("source", src.Name()).
			Logger(),
	}
}

// SetThrottle makes ticks pause while the provider asks for it.
func (f *Fetcher[C]) SetThrottle(t Throttle) {
	f.throttle = t
}

// OnProgress registers a hook called after every successful tick.
func (f *Fetcher[C]) OnProgress(fn func(Progress)) {
	f.onProgress = fn
}

// SetStopCursor bounds the backward walk. It only takes effect for a
// fetcher whose state is created by Init.
func (f *Fetcher[C]) SetStopCursor(c *C) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Cursor = c
}

// Account returns the account id.
func (f *Fetcher[C]) Account() string {
	return f.account
}

// LoadState reads an account's persisted state.
func LoadState[C any](db *store.DB, account string) (*State[C], error) {
	var st State[C]
	if err := db.GetJSON(store.FetcherStateKey(account), &st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fault.Storage("load fetcher state", err)
	}
	return &st, nil
}

// Init loads the persisted state or creates a fresh one.
func (f *Fetcher[C]) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := LoadState[C](f.db, f.account)
	switch {
	case err == nil:
		f.state = *st
		f.logger.Info().
			Uint64("forward_runs", st.Forward.NumRuns).
			Uint64("backward_runs", st.Backward.NumRuns).
			Bool("backward_complete", st.Backward.Complete).
			Msg("Fetcher state loaded")
	case errors.Is(err, store.ErrNotFound):
		f.state = State[C]{
			ID:       f.account,
			Forward:  job.State[C]{Frequency: f.config.Job.DefaultInterval},
			Backward: job.State[C]{Frequency: f.config.Job.DefaultInterval},
			Cursor:   f.state.Cursor,
		}
		if err := f.persistLocked(); err != nil {
			return fault.Storage("create fetcher state", err)
		}
		f.logger.Info().Msg("Fetcher state created")
	default:
		return err
	}

	f.forward = job.NewRunner[C](source.Forward, f.state.Forward, &runHandler[C]{f: f, dir: source.Forward},
		f.config.Job, f.recordFailure(source.Forward), f.logger)
	f.backward = job.NewRunner[C](source.Backward, f.state.Backward, &runHandler[C]{f: f, dir: source.Backward},
		f.config.Job, f.recordFailure(source.Backward), f.logger)
	return nil
}

// Run runs both directions until they stop. A storage error in one
// direction stops the other.
func (f *Fetcher[C]) Run(ctx context.Context) error {
	f.mu.Lock()
	fwd, bwd := f.forward, f.backward
	f.mu.Unlock()
	if fwd == nil || bwd == nil {
		return errors.New("fetcher not initialized")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fwd.Run(gctx) })
	g.Go(func() error { return bwd.Run(gctx) })
	return g.Wait()
}

// Stop lets both runners finish their in-flight tick and exit.
func (f *Fetcher[C]) Stop() {
	f.mu.Lock()
	fwd, bwd := f.forward, f.backward
	f.mu.Unlock()
	if fwd != nil {
		fwd.Stop()
	}
	if bwd != nil {
		bwd.Stop()
	}
}

// Wait blocks until both runners have exited.
func (f *Fetcher[C]) Wait(ctx context.Context) error {
	f.mu.Lock()
	fwd, bwd := f.forward, f.backward
	f.mu.Unlock()
	for _, r := range []*job.Runner[C]{fwd, bwd} {
		if r == nil {
			continue
		}
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// State returns a copy of the account state.
func (f *Fetcher[C]) State() State[C] {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	if st.Failure != nil {
		failure := *st.Failure
		st.Failure = &failure
	}
	return st
}

// Progress returns the account's current indexing progress.
func (f *Fetcher[C]) Progress(ctx context.Context) (Progress, error) {
	oldest, newest, ok, err := f.entities.TimeBounds(ctx, f.account)
	if err != nil {
		return Progress{}, fault.Storage("time bounds", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return Progress{
		Account:          f.account,
		Oldest:           oldest,
		Newest:           newest,
		HasEntities:      ok,
		BackwardComplete: f.state.Backward.Complete,
		CaughtUpAt:       f.caughtUpAt,
	}, nil
}

// Purge deletes the account's state and indexed entities.
func Purge(ctx context.Context, db *store.DB, entities *store.Entities, account string) error {
	if err := db.Delete(store.FetcherStateKey(account)); err != nil {
		return fault.Storage("delete fetcher state", err)
	}
	if err := entities.DeleteAccount(ctx, account); err != nil {
		return fault.Storage("delete entities", err)
	}
	return nil
}

// IndexEntities parses and stores page items and returns how many were new.
// Items that cannot be parsed are skipped.
func (f *Fetcher[C]) IndexEntities(ctx context.Context, items []source.Item[C], goingForward bool) (int, error) {
	dir := source.Backward
	if goingForward {
		dir = source.Forward
	}

	ents := make([]source.Entity, 0, len(items))
	for _, it := range items {
		ent, err := f.src.ParseEntity(it.Raw)
		if err != nil {
			parseErrorsTotal.WithLabelValues(f.src.Name()).Inc()
			f.logger.Warn().Err(err).Msg("Skipping unparseable item")
			continue
		}
		ent.Account = f.account
		ents = append(ents, *ent)
	}
	if len(ents) == 0 {
		return 0, nil
	}

	added, err := f.entities.Put(ctx, ents...)
	if err != nil {
		return 0, fault.Storage("index entities", err)
	}
	entitiesIndexed.WithLabelValues(f.src.Name(), dir.String()).Add(float64(added))
	return added, nil
}

func (f *Fetcher[C]) recordFailure(dir source.Direction) func(error) {
	return func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()

		count := 1
		if f.state.Failure != nil {
			count = f.state.Failure.Count + 1
		}
		f.state.Failure = &Failure{
			Direction: dir.String(),
			Class:     fault.Classify(err),
			Message:   err.Error(),
			At:        time.Now().UTC(),
			Count:     count,
		}
	}
}

func (f *Fetcher[C]) saveState(dir source.Direction, st job.State[C], ok bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir == source.Forward {
		f.state.Forward = st
	} else {
		f.state.Backward = st
	}
	if ok && f.state.Failure != nil && f.state.Failure.Direction == dir.String() {
		f.state.Failure = nil
	}
	return f.persistLocked()
}

func (f *Fetcher[C]) persistLocked() error {
	if err := f.db.SetJSON(store.FetcherStateKey(f.account), f.state); err != nil {
		return fmt.Errorf("persist state of %s: %w", f.account, err)
	}
	return nil
}

func (f *Fetcher[C]) stopCursor() *C {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Cursor
}

func (f *Fetcher[C]) markCaughtUp(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caughtUpAt = at
}

func (f *Fetcher[C]) reportProgress(ctx context.Context) {
	if f.onProgress == nil {
		return
	}
	p, err := f.Progress(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Progress unavailable")
		return
	}
	f.onProgress(p)
}
