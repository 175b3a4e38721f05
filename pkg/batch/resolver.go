// Package batch resolves pending entity ids by fetching them from the
// source with a pool of workers, oldest request first.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the resolver.
var (
	resolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_batch_resolved_total",
		Help: "Pending ids processed by outcome",
	}, []string{"outcome"})

	roundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chainfetch_batch_round_duration_seconds",
		Help:    "Duration of one resolver round",
		Buckets: prometheus.DefBuckets,
	})
)

// Config holds resolver configuration.
type Config struct {
	// Workers is the maximum number of parallel fetches. Remote calls are
	// still gated by the client's rate limiter.
	Workers int `mapstructure:"workers"`

	// BatchSize is the number of pending ids taken per round.
	BatchSize int `mapstructure:"batch_size"`

	// Interval is the pause after a round that found nothing to do.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout bounds one fetch including its retries.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns safe default configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		BatchSize: 64,
		Interval:  time.Second,
		Timeout:   time.Minute,
	}
}

// EntitySource fetches single entities.
type EntitySource interface {
	Name() string
	FetchByID(ctx context.Context, id string) (json.RawMessage, error)
	ParseEntity(raw json.RawMessage) (*source.Entity, error)
}

// Sink receives resolved ids.
type Sink interface {
	Deliver(entities ...source.Entity)
	Fail(id string, err error)
}

// Stats summarizes one round.
type Stats struct {
	Taken    int
	Fetched  int
	Failed   int
	Deferred int
}

type result struct {
	id     string
	entity *source.Entity
	err    error
}

// Resolver fetches the ids of a pending queue.
type Resolver struct {
	src      EntitySource
	entities *store.Entities
	pending  *store.Queue[[]uint64]
	sink     Sink
	config   Config
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// handed holds ids passed to the sink whose pending row, identified by
	// its time, has not been taken yet.
	handed map[string]time.Time

	wake chan struct{}
}

// NewResolver creates a resolver for the ids of pending.
func NewResolver(src EntitySource, entities *store.Entities, pending *store.Queue[[]uint64], sink Sink, config Config, logger zerolog.Logger) *Resolver {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	return &Resolver{
		src:      src,
		entities: entities,
		pending:  pending,
		sink:     sink,
		config:   config,
		logger:   logger.With().Str("source", src.Name()).Logger(),
		inflight: make(map[string]struct{}),
		handed:   make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
	}
}

// Wake cuts the current idle pause short.
func (r *Resolver) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run resolves rounds until ctx is done. Storage errors end Run.
func (r *Resolver) Run(ctx context.Context) error {
	r.logger.Info().Int("workers", r.config.Workers).Msg("Resolver started")
	for {
		stats, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Resolver aborted")
			return err
		}

		if stats.Taken > stats.Deferred {
			continue
		}

		timer := time.NewTimer(r.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info().Msg("Resolver stopped")
			return nil
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce takes the oldest pending ids not already being fetched and
// resolves them. Transiently failing ids are moved to the back of the
// queue; permanently failing ids resolve as failures. Ids already handed to
// the sink are skipped until their row is taken.
func (r *Resolver) RunOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { roundDuration.Observe(time.Since(start).Seconds()) }()

	handed, err := r.pruneHanded(ctx)
	if err != nil {
		return Stats{}, err
	}

	rows, err := r.pending.Oldest(ctx, r.config.BatchSize+handed)
	if err != nil {
		return Stats{}, fault.Storage("scan pending", err)
	}
	rowTime := make(map[string]time.Time, len(rows))
	for _, w := range rows {
		rowTime[w.ID] = w.Time
	}

	ids := r.claim(rows)
	defer r.release(ids)

	var stats Stats
	stats.Taken = len(ids)
	if len(ids) == 0 {
		return stats, nil
	}

	queue := make(chan string, len(ids))
	for _, id := range ids {
		queue <- id
	}
	close(queue)

	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for i := 0; i < min(r.config.Workers, len(ids)); i++ {
		wg.Add(1)
		go r.worker(ctx, queue, results, &wg, i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var fetched []source.Entity
	for res := range results {
		switch {
		case res.err != nil && ctx.Err() != nil:
			// Cancelled mid-round; the row stays for the next run.
		case res.err == nil:
			fetched = append(fetched, *res.entity)
		case fault.IsRetryable(res.err):
			stats.Deferred++
			resolvedTotal.WithLabelValues("deferred").Inc()
			r.logger.Warn().Err(res.err).Str("id", res.id).Msg("Fetch failed - will retry")
			if err := r.deferID(ctx, res.id); err != nil {
				return stats, err
			}
		default:
			stats.Failed++
			resolvedTotal.WithLabelValues("failed").Inc()
			r.logger.Info().Err(res.err).Str("id", res.id).Msg("Id cannot be resolved")
			r.handOff(rowTime, res.id)
			r.sink.Fail(res.id, res.err)
		}
	}

	if len(fetched) > 0 {
		if _, err := r.entities.Put(ctx, fetched...); err != nil {
			return stats, fault.Storage("store fetched entities", err)
		}
		stats.Fetched = len(fetched)
		resolvedTotal.WithLabelValues("fetched").Add(float64(len(fetched)))
		for _, ent := range fetched {
			r.handOff(rowTime, ent.ID)
		}
		r.sink.Deliver(fetched...)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	r.logger.Debug().
		Int("taken", stats.Taken).
		Int("fetched", stats.Fetched).
		Int("failed", stats.Failed).
		Int("deferred", stats.Deferred).
		Dur("duration", time.Since(start)).
		Msg("Resolver round complete")

	return stats, nil
}

// worker fetches ids from the queue.
func (r *Resolver) worker(ctx context.Context, queue <-chan string, results chan<- result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for id := range queue {
		if ctx.Err() != nil {
			r.logger.Debug().
				Int("worker_id", workerID).
				Int("processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
		ent, err := r.fetch(fetchCtx, id)
		cancel()

		results <- result{id: id, entity: ent, err: err}
		processed++
	}
}

func (r *Resolver) fetch(ctx context.Context, id string) (*source.Entity, error) {
	raw, err := r.src.FetchByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ent, err := r.src.ParseEntity(raw)
	if err != nil {
		return nil, err
	}
	if ent.ID != id {
		return nil, fault.Permanent(r.src.Name(), fmt.Errorf("%w: asked for %s, got %s", fault.ErrUnverifiable, id, ent.ID))
	}
	return ent, nil
}

// deferID moves id to the back of the queue.
func (r *Resolver) deferID(ctx context.Context, id string) error {
	_, err := r.pending.Modify(ctx, id, func(w *store.Work[[]uint64]) *store.Work[[]uint64] {
		w.Time = time.Now()
		return w
	})
	if err != nil {
		return fault.Storage("defer pending id", err)
	}
	return nil
}

// claim marks up to BatchSize of rows as in flight and returns their ids.
func (r *Resolver) claim(rows []store.Work[[]uint64]) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, min(len(rows), r.config.BatchSize))
	for _, w := range rows {
		if len(ids) == r.config.BatchSize {
			break
		}
		if _, busy := r.inflight[w.ID]; busy {
			continue
		}
		if at, ok := r.handed[w.ID]; ok {
			if at.Equal(w.Time) {
				continue
			}
			delete(r.handed, w.ID)
		}
		r.inflight[w.ID] = struct{}{}
		ids = append(ids, w.ID)
	}
	return ids
}

func (r *Resolver) handOff(rowTime map[string]time.Time, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handed[id] = rowTime[id]
}

// pruneHanded forgets handed ids whose row is gone or was replaced and
// returns how many remain.
func (r *Resolver) pruneHanded(ctx context.Context) (int, error) {
	r.mu.Lock()
	handed := make(map[string]time.Time, len(r.handed))
	for id, at := range r.handed {
		handed[id] = at
	}
	r.mu.Unlock()

	for id, at := range handed {
		w, err := r.pending.Get(ctx, id)
		if err != nil {
			return 0, fault.Storage("check pending", err)
		}
		if w != nil && w.Time.Equal(at) {
			continue
		}
		r.mu.Lock()
		if cur, ok := r.handed[id]; ok && cur.Equal(at) {
			delete(r.handed, id)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handed), nil
}

func (r *Resolver) release(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.inflight, id)
	}
}
