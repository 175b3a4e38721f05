// Package engine is the caller-facing facade: it owns one fetcher per
// account, the request correlator and the id resolver, and hands out
// nonces and result channels for date range and id requests.
//
// Accounts are sharded across processes by hash; an engine only serves the
// accounts it owns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/batch"
	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/fetcher"
	"github.com/Sternrassler/chainfetch/pkg/metrics"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotOwned is returned for accounts another shard serves.
	ErrNotOwned = errors.New("account not owned by this shard")

	// ErrInvalidAccount is returned for empty account ids or ids containing
	// a NUL byte, which is the store's key separator.
	ErrInvalidAccount = errors.New("invalid account id")

	// ErrUnknownAccount is returned by GetState for accounts never added.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrNotRunning is returned before Start and after Close.
	ErrNotRunning = errors.New("engine not running")
)

// Options configures an Engine.
type Options struct {
	ShardCount int
	ShardIndex int
	Fetcher    fetcher.Config
	Batch      batch.Config

	// Throttle pauses fetch ticks while the provider throttles. Optional.
	Throttle fetcher.Throttle

	// StopTimeout bounds how long Close waits for in-flight fetch ticks
	// before cancelling them.
	StopTimeout time.Duration
}

// DefaultStopTimeout is used when Options.StopTimeout is unset.
const DefaultStopTimeout = 30 * time.Second

// AccountOption configures an account when it is first added.
type AccountOption[C any] func(*fetcher.Fetcher[C])

// WithStopCursor ends the account's backward fetch at stop instead of the
// origin. It applies only to accounts without persisted state.
func WithStopCursor[C any](stop C) AccountOption[C] {
	return func(f *fetcher.Fetcher[C]) {
		f.SetStopCursor(&stop)
	}
}

// Engine serves account history and entity requests.
type Engine[C any] struct {
	src        source.Source[C]
	db         *store.DB
	entities   *store.Entities
	correlator *correlate.Correlator
	resolver   *batch.Resolver
	opts       Options
	logger     zerolog.Logger

	mu       sync.Mutex
	fetchers map[string]*fetcher.Fetcher[C]
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New creates an engine. The correlator must be built on the same store.
func New[C any](src source.Source[C], db *store.DB, entities *store.Entities, correlator *correlate.Correlator, opts Options, logger zerolog.Logger) (*Engine[C], error) {
	if opts.ShardCount <= 0 {
		opts.ShardCount = 1
	}
	if opts.ShardIndex < 0 || opts.ShardIndex >= opts.ShardCount {
		return nil, fault.Config("shard.index", fmt.Sprintf("must be in [0, %d)", opts.ShardCount))
	}
	if opts.Fetcher == (fetcher.Config{}) {
		opts.Fetcher = fetcher.DefaultConfig()
	}
	if err := opts.Fetcher.Job.Validate(); err != nil {
		return nil, err
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	logger = logger.With().Str("source", src.Name()).Int("shard", opts.ShardIndex).Logger()
	return &Engine[C]{
		src:        src,
		db:         db,
		entities:   entities,
		correlator: correlator,
		resolver:   batch.NewResolver(src, entities, correlator.Pending(), correlator, opts.Batch, logger.With().Str("component", "batch").Logger()),
		opts:       opts,
		logger:     logger,
		fetchers:   make(map[string]*fetcher.Fetcher[C]),
	}, nil
}

// Owns reports whether account belongs to this engine's shard.
func (e *Engine[C]) Owns(account string) bool {
	return xxhash.Sum64String(account)%uint64(e.opts.ShardCount) == uint64(e.opts.ShardIndex)
}

func (e *Engine[C]) check(account string) error {
	if account == "" || strings.ContainsRune(account, 0) {
		metrics.Rejected.WithLabelValues("invalid_account").Inc()
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	if !e.Owns(account) {
		metrics.Rejected.WithLabelValues("not_owned").Inc()
		return fmt.Errorf("%w: %s", ErrNotOwned, account)
	}
	return nil
}

// Start recovers open requests, resumes every owned account with persisted
// state and starts the background loops. A storage error in any loop stops
// the engine; Wait returns it.
func (e *Engine[C]) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	if err := e.correlator.Recover(ctx); err != nil {
		e.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(runCtx)
	e.ctx, e.cancel, e.group = gctx, cancel, group
	e.running = true
	group.Go(func() error { return e.correlator.Run(gctx) })
	group.Go(func() error { return e.resolver.Run(gctx) })
	e.mu.Unlock()

	accounts, err := e.persistedAccounts(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, account := range accounts {
		if !e.Owns(account) {
			continue
		}
		if err := e.AddAccount(ctx, account); err != nil {
			return err
		}
		resumed++
	}

	e.logger.Info().Int("resumed_accounts", resumed).Msg("Engine started")
	return nil
}

// Wait blocks until the engine stops and returns the first storage error.
func (e *Engine[C]) Wait() error {
	e.mu.Lock()
	group := e.group
	e.mu.Unlock()
	if group == nil {
		return ErrNotRunning
	}
	return group.Wait()
}

// Close stops all fetchers, waits up to StopTimeout for their in-flight
// ticks, then cancels whatever is still running and the background loops.
func (e *Engine[C]) Close() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	fetchers := e.fetchers
	for _, f := range fetchers {
		f.Stop()
	}
	e.fetchers = make(map[string]*fetcher.Fetcher[C])
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	metrics.Accounts.Set(0)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), e.opts.StopTimeout)
	for account, f := range fetchers {
		if err := f.Wait(waitCtx); err != nil {
			e.logger.Warn().Err(err).Str("account", account).Msg("Fetcher did not stop in time")
			break
		}
	}
	waitCancel()
	cancel()
	err := group.Wait()
	e.logger.Info().Msg("Engine stopped")
	return err
}

// AddAccount starts fetching account. Adding an account twice is a no-op
// and ignores opts.
func (e *Engine[C]) AddAccount(ctx context.Context, account string, opts ...AccountOption[C]) error {
	if err := e.check(account); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	if _, ok := e.fetchers[account]; ok {
		return nil
	}

	f := fetcher.New(account, e.src, e.db, e.entities, e.opts.Fetcher, e.logger.With().Str("component", "fetcher").Logger())
	if e.opts.Throttle != nil {
		f.SetThrottle(e.opts.Throttle)
	}
	for _, opt := range opts {
		opt(f)
	}
	runCtx := e.ctx
	f.OnProgress(func(p fetcher.Progress) {
		if err := e.correlator.Progress(runCtx, p); err != nil {
			e.logger.Error().Err(err).Str("account", p.Account).Msg("Failed to apply progress")
		}
	})
	if err := f.Init(ctx); err != nil {
		return err
	}

	// Requests registered before a restart complete as soon as the stored
	// history covers them.
	if p, err := f.Progress(ctx); err != nil {
		return err
	} else if err := e.correlator.Progress(ctx, p); err != nil {
		return err
	}

	e.fetchers[account] = f
	metrics.Accounts.Set(float64(len(e.fetchers)))
	e.group.Go(func() error {
		err := f.Run(runCtx)
		if err != nil {
			e.logger.Error().Err(err).Str("account", account).Msg("Fetcher stopped")
		}
		return err
	})

	e.logger.Info().Str("account", account).Msg("Account added")
	return nil
}

// DelAccount stops fetching account and deletes its state and entities.
// Open date range requests for it are left to expire.
func (e *Engine[C]) DelAccount(ctx context.Context, account string) error {
	if err := e.check(account); err != nil {
		return err
	}

	e.mu.Lock()
	f := e.fetchers[account]
	delete(e.fetchers, account)
	metrics.Accounts.Set(float64(len(e.fetchers)))
	e.mu.Unlock()

	if f != nil {
		f.Stop()
		if err := f.Wait(ctx); err != nil {
			return err
		}
	}

	if err := fetcher.Purge(ctx, e.db, e.entities, account); err != nil {
		return err
	}
	e.correlator.Forget(account)
	e.logger.Info().Str("account", account).Msg("Account removed")
	return nil
}

// GetState returns the persisted state of account, including its last
// recorded fetch failure.
func (e *Engine[C]) GetState(ctx context.Context, account string) (*fetcher.State[C], error) {
	if err := e.check(account); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	f := e.fetchers[account]
	e.mu.Unlock()
	if f != nil {
		st := f.State()
		return &st, nil
	}

	st, err := fetcher.LoadState[C](e.db, account)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return st, err
}

// Accounts returns the accounts currently fetched.
func (e *Engine[C]) Accounts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.fetchers))
	for account := range e.fetchers {
		out = append(out, account)
	}
	return out
}

// FetchByDateRange requests account's entities with start <= timestamp <=
// end. The nonce is returned at once; the channel yields the result when
// the account's history covers the range or the request expires. An
// account not yet fetched is added.
func (e *Engine[C]) FetchByDateRange(ctx context.Context, account string, start, end time.Time) (uint64, <-chan correlate.Result, error) {
	if err := e.check(account); err != nil {
		return 0, nil, err
	}
	if err := e.AddAccount(ctx, account); err != nil {
		return 0, nil, err
	}

	nonce, err := e.correlator.RequestByDateRange(ctx, account, start, end)
	if err != nil {
		return 0, nil, err
	}
	return nonce, e.deliver(nonce), nil
}

// FetchByIDs requests entities by id. Ids not yet indexed are fetched
// individually; invalid or unknown ids resolve as item errors.
func (e *Engine[C]) FetchByIDs(ctx context.Context, ids []string) (uint64, <-chan correlate.Result, error) {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return 0, nil, ErrNotRunning
	}

	nonce, err := e.correlator.RequestByIDs(ctx, ids)
	if err != nil {
		return 0, nil, err
	}
	e.resolver.Wake()
	return nonce, e.deliver(nonce), nil
}

// deliver returns a channel that receives the result of nonce once and is
// then closed. It is closed without a value when the engine stops first.
func (e *Engine[C]) deliver(nonce uint64) <-chan correlate.Result {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	ch := make(chan correlate.Result, 1)
	go func() {
		defer close(ch)
		res, err := e.correlator.Wait(ctx, nonce)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn().Err(err).Uint64("nonce", nonce).Msg("Result not delivered")
			}
			return
		}
		ch <- res
	}()
	return ch
}

// Result returns the current response of nonce without waiting.
func (e *Engine[C]) Result(ctx context.Context, nonce uint64) (correlate.Result, error) {
	return e.correlator.Response(ctx, nonce)
}

// Stats summarizes the engine for health checks.
type Stats struct {
	Accounts        int `json:"accounts"`
	FailingAccounts int `json:"failing_accounts"`
	PendingIDs      int `json:"pending_ids"`
}

// Stats collects engine counters and updates the engine gauges.
func (e *Engine[C]) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	var s Stats
	s.Accounts = len(e.fetchers)
	for _, f := range e.fetchers {
		if f.State().Failure != nil {
			s.FailingAccounts++
		}
	}
	e.mu.Unlock()

	n, err := e.correlator.Pending().Len(ctx)
	if err != nil {
		return s, fault.Storage("count pending ids", err)
	}
	s.PendingIDs = n

	metrics.Accounts.Set(float64(s.Accounts))
	metrics.AccountsFailing.Set(float64(s.FailingAccounts))
	metrics.PendingIDs.Set(float64(s.PendingIDs))
	return s, nil
}

func (e *Engine[C]) persistedAccounts(ctx context.Context) ([]string, error) {
	prefix := []byte(store.PrefixFetcherState)
	var accounts []string
	err := e.db.Scan(ctx, prefix, store.ScanOptions{}, func(key, _ []byte) (bool, error) {
		accounts = append(accounts, string(key[len(prefix):]))
		return true, nil
	})
	if err != nil {
		return nil, fault.Storage("list accounts", err)
	}
	return accounts, nil
}
