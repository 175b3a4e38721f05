// Package correlate ties fetched entities back to the requests that asked
// for them.
//
// Every request gets a nonce. A request by ids registers its nonce on a
// pending row per id; rows of concurrent requests for the same id are
// merged, so one remote fetch serves all of them. Arriving entities are
// buffered with Deliver and matched against the pending rows by Drain.
// A request by date range completes once the account's indexing progress
// covers the range. Requests that outlive RequestTTL are swept and complete
// with ErrRequestExpired and whatever had arrived.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/fetcher"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// PendingQueue is the name of the queue mapping entity ids to the nonces
// waiting for them.
const PendingQueue = "entity-nonces"

var (
	// ErrRequestExpired marks a request that did not complete within
	// RequestTTL.
	ErrRequestExpired = errors.New("request expired")

	// ErrUnknownNonce is returned for nonces with no stored request.
	ErrUnknownNonce = errors.New("unknown nonce")

	// ErrInvalidRange is returned for a date range whose end precedes its
	// start.
	ErrInvalidRange = errors.New("invalid date range")
)

// Prometheus metrics for request correlation.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_correlate_requests_total",
		Help: "Requests registered by kind",
	}, []string{"kind"})

	completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainfetch_correlate_completed_total",
		Help: "Requests finished by kind and outcome",
	}, []string{"kind", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainfetch_correlate_request_duration_seconds",
		Help:    "Time from registration to completion",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"kind"})
)

// Kind is the kind of a request.
type Kind string

const (
	KindIDs       Kind = "ids"
	KindDateRange Kind = "date_range"
)

// Params are the parameters of a request.
type Params struct {
	IDs     []string  `json:"ids,omitempty"`
	Account string    `json:"account,omitempty"`
	Start   time.Time `json:"start,omitzero"`
	End     time.Time `json:"end,omitzero"`
}

// Request is the persisted record of one request.
type Request struct {
	Nonce       uint64    `json:"nonce"`
	Kind        Kind      `json:"kind"`
	Params      Params    `json:"params"`
	Complete    bool      `json:"complete"`
	Expired     bool      `json:"expired,omitempty"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// ItemError is the failure of a single requested id.
type ItemError struct {
	ID      string      `json:"id"`
	Class   fault.Class `json:"class"`
	Message string      `json:"message"`
}

func itemError(id string, err error) ItemError {
	return ItemError{ID: id, Class: fault.Classify(err), Message: err.Error()}
}

// Result is the materialized response of a request.
type Result struct {
	Nonce    uint64          `json:"nonce"`
	Complete bool            `json:"complete"`
	Expired  bool            `json:"expired,omitempty"`
	Entities []source.Entity `json:"entities"`
	Errors   []ItemError     `json:"errors,omitempty"`
}

// Err returns ErrRequestExpired for an expired request and nil otherwise.
func (r Result) Err() error {
	if r.Expired {
		return ErrRequestExpired
	}
	return nil
}

// ResponseStore keeps materialized responses for pickup by other
// processes.
type ResponseStore interface {
	Put(ctx context.Context, res Result) error
}

// IDValidator tells well-formed ids apart.
type IDValidator interface {
	IsValidID(id string) bool
}

// Config holds correlator settings.
type Config struct {
	// RequestTTL is how long a request may stay incomplete.
	RequestTTL time.Duration `mapstructure:"request_ttl"`

	// Retention is how long finished requests and their responses are
	// kept in the store.
	Retention time.Duration `mapstructure:"retention"`

	// SweepInterval is the cadence of expiry and retention sweeps in Run.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTTL:    10 * time.Minute,
		Retention:     time.Hour,
		SweepInterval: 30 * time.Second,
	}
}

// Correlator registers requests and resolves them as entities arrive.
type Correlator struct {
	db        *store.DB
	entities  *store.Entities
	pending   *store.Queue[[]uint64]
	validator IDValidator
	nonces    *NonceGen
	config    Config
	logger    zerolog.Logger

	notifier  Notifier
	responses ResponseStore

	// reqLocks serializes updates of one request row.
	reqLocks store.KeyLocks

	mu       sync.Mutex
	incoming map[string]source.Entity
	failed   map[string]ItemError
	waiters  map[uint64][]chan Result
	ranges   map[string]map[uint64]struct{}
	progress map[string]fetcher.Progress
	wake     chan struct{}
}

// New creates a correlator over db. validator checks ids of RequestByIDs.
func New(db *store.DB, entities *store.Entities, validator IDValidator, cfg Config, logger zerolog.Logger) *Correlator {
	def := DefaultConfig()
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = def.RequestTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	return &Correlator{
		db:        db,
		entities:  entities,
		pending:   store.NewQueue[[]uint64](db, PendingQueue),
		validator: validator,
		nonces:    NewNonceGen(),
		config:    cfg,
		logger:    logger,
		incoming:  make(map[string]source.Entity),
		failed:    make(map[string]ItemError),
		waiters:   make(map[uint64][]chan Result),
		ranges:    make(map[string]map[uint64]struct{}),
		progress:  make(map[string]fetcher.Progress),
		wake:      make(chan struct{}, 1),
	}
}

// SetNotifier sets where completion events are published.
func (c *Correlator) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetResponseStore sets where materialized responses are copied to.
func (c *Correlator) SetResponseStore(rs ResponseStore) {
	c.responses = rs
}

// Pending returns the queue of entity ids waiting to be resolved.
func (c *Correlator) Pending() *store.Queue[[]uint64] {
	return c.pending
}

// Recover restores in-memory bookkeeping from the store after a restart:
// the nonce generator skips persisted nonces and incomplete date range
// requests are tracked again.
func (c *Correlator) Recover(ctx context.Context) error {
	n := 0
	err := c.eachRequest(ctx, func(req Request) error {
		c.nonces.Observe(req.Nonce)
		if !req.Complete && req.Kind == KindDateRange {
			c.trackRange(req.Params.Account, req.Nonce)
			n++
		}
		return nil
	})
	if err != nil {
		return fault.Storage("recover requests", err)
	}
	if n > 0 {
		c.logger.Info().Int("date_range_requests", n).Msg("Recovered open requests")
	}
	return nil
}

// RequestByIDs registers a request for ids and returns its nonce. Invalid
// ids fail immediately without affecting the others. Ids whose entity is
// already stored resolve on the next Drain.
func (c *Correlator) RequestByIDs(ctx context.Context, ids []string) (uint64, error) {
	ids = uniqueIDs(ids)
	nonce := c.nonces.Next()
	now := time.Now().UTC()

	req := Request{
		Nonce:     nonce,
		Kind:      KindIDs,
		Params:    Params{IDs: ids},
		Count:     len(ids),
		CreatedAt: now,
	}

	batch := c.db.NewBatch()
	var valid []string
	for _, id := range ids {
		if c.validator != nil && !c.validator.IsValidID(id) {
			ie := itemError(id, fmt.Errorf("%w: %q", fault.ErrInvalidID, id))
			if err := batch.SetJSON(store.ItemErrorKey(nonce, id), ie); err != nil {
				batch.Discard()
				return 0, fault.Storage("register request", err)
			}
			continue
		}
		valid = append(valid, id)
	}
	req.Remaining = len(valid)
	if req.Remaining == 0 {
		req.Complete = true
		req.CompletedAt = now
	}
	if err := batch.SetJSON(store.RequestKey(nonce), req); err != nil {
		batch.Discard()
		return 0, fault.Storage("register request", err)
	}
	if err := batch.Commit(); err != nil {
		return 0, fault.Storage("register request", err)
	}
	requestsTotal.WithLabelValues(string(KindIDs)).Inc()

	logger := c.logger.With().Uint64("nonce", nonce).Logger()
	logger.Debug().Int("ids", len(ids)).Int("valid", len(valid)).Msg("Request registered")

	if req.Complete {
		c.finish(ctx, req)
		return nonce, nil
	}

	stored := 0
	for _, id := range valid {
		_, err := c.pending.Enqueue(ctx, store.Work[[]uint64]{ID: id, Time: now, Payload: []uint64{nonce}}, store.MergePeers[uint64])
		if err != nil {
			return nonce, fault.Storage("enqueue pending entity", err)
		}

		ent, err := c.entities.Get(ctx, id)
		switch {
		case err == nil:
			c.buffer(*ent)
			stored++
		case !errors.Is(err, store.ErrNotFound):
			return nonce, fault.Storage("lookup entity", err)
		}
	}
	if stored > 0 {
		logger.Debug().Int("stored", stored).Msg("Entities already indexed")
	}
	return nonce, nil
}

// RequestByDateRange registers a request for an account's entities with
// start <= timestamp <= end and returns its nonce.
func (c *Correlator) RequestByDateRange(ctx context.Context, account string, start, end time.Time) (uint64, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("%w: end %s before start %s", ErrInvalidRange, end, start)
	}

	nonce := c.nonces.Next()
	req := Request{
		Nonce:     nonce,
		Kind:      KindDateRange,
		Params:    Params{Account: account, Start: start.UTC(), End: end.UTC()},
		Count:     1,
		Remaining: 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.db.SetJSON(store.RequestKey(nonce), req); err != nil {
		return 0, fault.Storage("register request", err)
	}
	requestsTotal.WithLabelValues(string(KindDateRange)).Inc()
	c.trackRange(account, nonce)

	c.mu.Lock()
	p, ok := c.progress[account]
	c.mu.Unlock()
	if ok && p.Covers(req.Params.Start, req.Params.End) {
		if err := c.completeRange(ctx, nonce); err != nil {
			return nonce, err
		}
	}
	return nonce, nil
}

// Progress records an account's indexing progress and completes the date
// range requests it now covers.
func (c *Correlator) Progress(ctx context.Context, p fetcher.Progress) error {
	c.mu.Lock()
	c.progress[p.Account] = p
	nonces := make([]uint64, 0, len(c.ranges[p.Account]))
	for n := range c.ranges[p.Account] {
		nonces = append(nonces, n)
	}
	c.mu.Unlock()

	for _, nonce := range nonces {
		req, err := c.loadRequest(nonce)
		if errors.Is(err, ErrUnknownNonce) {
			c.untrackRange(p.Account, nonce)
			continue
		}
		if err != nil {
			return err
		}
		if req.Complete {
			c.untrackRange(p.Account, nonce)
			continue
		}
		if p.Covers(req.Params.Start, req.Params.End) {
			if err := c.completeRange(ctx, nonce); err != nil {
				return err
			}
		}
	}
	return nil
}

// Forget drops the recorded progress of account. Open date range requests
// for it are left to expire.
func (c *Correlator) Forget(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.progress, account)
}

// Deliver buffers arrived entities for the next Drain.
func (c *Correlator) Deliver(entities ...source.Entity) {
	for _, ent := range entities {
		c.buffer(ent)
	}
}

// Fail buffers a failure for id for the next Drain. Requests waiting for id
// resolve it as failed.
func (c *Correlator) Fail(id string, err error) {
	c.mu.Lock()
	c.failed[id] = itemError(id, err)
	c.mu.Unlock()
	c.signal()
}

func (c *Correlator) buffer(ent source.Entity) {
	c.mu.Lock()
	c.incoming[ent.ID] = ent
	c.mu.Unlock()
	c.signal()
}

func (c *Correlator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Drain matches buffered arrivals against pending rows and returns how many
// rows were resolved. Arrivals nobody waits for are dropped.
func (c *Correlator) Drain(ctx context.Context) (int, error) {
	c.mu.Lock()
	incoming, failed := c.incoming, c.failed
	c.incoming = make(map[string]source.Entity)
	c.failed = make(map[string]ItemError)
	c.mu.Unlock()

	resolved := 0
	for id, ent := range incoming {
		n, err := c.resolveID(ctx, id, &ent, nil)
		if err != nil {
			return resolved, err
		}
		resolved += n
	}
	for id, ie := range failed {
		n, err := c.resolveID(ctx, id, nil, &ie)
		if err != nil {
			return resolved, err
		}
		resolved += n
	}
	return resolved, nil
}

func (c *Correlator) resolveID(ctx context.Context, id string, ent *source.Entity, ie *ItemError) (int, error) {
	row, err := c.pending.Take(ctx, id)
	if err != nil {
		return 0, fault.Storage("take pending entity", err)
	}
	if row == nil {
		return 0, nil
	}
	for _, nonce := range row.Payload {
		if err := c.resolveItem(ctx, nonce, id, ent, ie); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// resolveItem accounts one arrived or failed id against nonce.
func (c *Correlator) resolveItem(ctx context.Context, nonce uint64, id string, ent *source.Entity, ie *ItemError) error {
	unlock := c.reqLocks.Lock(strconv.FormatUint(nonce, 10))
	defer unlock()

	req, err := c.loadRequest(nonce)
	if errors.Is(err, ErrUnknownNonce) {
		return nil
	}
	if err != nil {
		return err
	}
	if req.Complete {
		return nil
	}

	batch := c.db.NewBatch()
	if ent != nil {
		err = batch.SetJSON(store.ResponseKey(nonce, id), ent)
	} else {
		err = batch.SetJSON(store.ItemErrorKey(nonce, id), ie)
	}
	if err != nil {
		batch.Discard()
		return fault.Storage("store response item", err)
	}

	req.Remaining--
	if req.Remaining <= 0 {
		req.Remaining = 0
		req.Complete = true
		req.CompletedAt = time.Now().UTC()
	}
	if err := batch.SetJSON(store.RequestKey(nonce), req); err != nil {
		batch.Discard()
		return fault.Storage("update request", err)
	}
	if err := batch.Commit(); err != nil {
		return fault.Storage("update request", err)
	}

	if req.Complete {
		c.finish(ctx, *req)
	}
	return nil
}

func (c *Correlator) completeRange(ctx context.Context, nonce uint64) error {
	unlock := c.reqLocks.Lock(strconv.FormatUint(nonce, 10))
	defer unlock()

	req, err := c.loadRequest(nonce)
	if err != nil {
		return err
	}
	c.untrackRange(req.Params.Account, nonce)
	if req.Complete {
		return nil
	}

	req.Remaining = 0
	req.Complete = true
	req.CompletedAt = time.Now().UTC()
	if err := c.db.SetJSON(store.RequestKey(nonce), req); err != nil {
		return fault.Storage("update request", err)
	}
	c.finish(ctx, *req)
	return nil
}

// finish materializes the response of a completed request and hands it to
// waiters, the response store and the notifier.
func (c *Correlator) finish(ctx context.Context, req Request) {
	outcome := "complete"
	if req.Expired {
		outcome = "expired"
	}
	completedTotal.WithLabelValues(string(req.Kind), outcome).Inc()
	requestDuration.WithLabelValues(string(req.Kind)).Observe(req.CompletedAt.Sub(req.CreatedAt).Seconds())

	logger := c.logger.With().Uint64("nonce", req.Nonce).Str("kind", string(req.Kind)).Logger()

	res, err := c.materialize(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to materialize response")
		res = Result{Nonce: req.Nonce, Complete: true, Expired: req.Expired}
	}

	c.mu.Lock()
	waiters := c.waiters[req.Nonce]
	delete(c.waiters, req.Nonce)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- res
	}

	if c.responses != nil {
		if err := c.responses.Put(ctx, res); err != nil {
			logger.Warn().Err(err).Msg("Failed to store response")
		}
	}
	if c.notifier != nil {
		ev := Event{
			Nonce:    req.Nonce,
			Expired:  req.Expired,
			Entities: len(res.Entities),
			Errors:   len(res.Errors),
			At:       req.CompletedAt,
		}
		if err := c.notifier.Publish(ctx, ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish completion")
		}
	}

	logger.Info().
		Bool("expired", req.Expired).
		Int("entities", len(res.Entities)).
		Int("errors", len(res.Errors)).
		Dur("duration", req.CompletedAt.Sub(req.CreatedAt)).
		Msg("Request finished")
}

func (c *Correlator) materialize(ctx context.Context, req Request) (Result, error) {
	res := Result{
		Nonce:    req.Nonce,
		Complete: req.Complete,
		Expired:  req.Expired,
		Entities: []source.Entity{},
	}

	if req.Kind == KindDateRange {
		ents, err := c.entities.ByTimeRange(ctx, req.Params.Account, req.Params.Start, req.Params.End)
		if err != nil {
			return res, fault.Storage("read date range", err)
		}
		res.Entities = ents
		return res, nil
	}

	err := c.db.Scan(ctx, store.ResponsePrefix(req.Nonce), store.ScanOptions{}, func(_, value []byte) (bool, error) {
		var ent source.Entity
		if err := json.Unmarshal(value, &ent); err != nil {
			return false, err
		}
		res.Entities = append(res.Entities, ent)
		return true, nil
	})
	if err != nil {
		return res, fault.Storage("read responses", err)
	}
	err = c.db.Scan(ctx, store.ItemErrorPrefix(req.Nonce), store.ScanOptions{}, func(_, value []byte) (bool, error) {
		var ie ItemError
		if err := json.Unmarshal(value, &ie); err != nil {
			return false, err
		}
		res.Errors = append(res.Errors, ie)
		return true, nil
	})
	if err != nil {
		return res, fault.Storage("read item errors", err)
	}
	return res, nil
}

// Request returns the stored request for nonce.
func (c *Correlator) Request(ctx context.Context, nonce uint64) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.loadRequest(nonce)
}

// Response returns the response of nonce as materialized so far.
func (c *Correlator) Response(ctx context.Context, nonce uint64) (Result, error) {
	req, err := c.loadRequest(nonce)
	if err != nil {
		return Result{}, err
	}
	return c.materialize(ctx, *req)
}

// Wait blocks until the request for nonce finishes and returns its
// response.
func (c *Correlator) Wait(ctx context.Context, nonce uint64) (Result, error) {
	ch := make(chan Result, 1)
	c.mu.Lock()
	c.waiters[nonce] = append(c.waiters[nonce], ch)
	c.mu.Unlock()

	req, err := c.loadRequest(nonce)
	if err != nil {
		c.dropWaiter(nonce, ch)
		return Result{}, err
	}
	if req.Complete {
		c.dropWaiter(nonce, ch)
		return c.materialize(ctx, *req)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.dropWaiter(nonce, ch)
		return Result{}, ctx.Err()
	}
}

func (c *Correlator) dropWaiter(nonce uint64, ch chan Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[nonce]
	for i, w := range ws {
		if w == ch {
			c.waiters[nonce] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[nonce]) == 0 {
		delete(c.waiters, nonce)
	}
}

// Sweep expires requests created more than RequestTTL before now, prunes
// their nonces from pending rows and deletes requests finished more than
// Retention before now. It returns the number of expired requests.
func (c *Correlator) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired, stale []Request
	err := c.eachRequest(ctx, func(req Request) error {
		switch {
		case !req.Complete && now.Sub(req.CreatedAt) > c.config.RequestTTL:
			expired = append(expired, req)
		case req.Complete && !req.CompletedAt.IsZero() && now.Sub(req.CompletedAt) > c.config.Retention:
			stale = append(stale, req)
		}
		return nil
	})
	if err != nil {
		return 0, fault.Storage("scan requests", err)
	}

	gone := make(map[uint64]struct{}, len(expired))
	for _, req := range expired {
		ok, err := c.expire(ctx, req.Nonce, now)
		if err != nil {
			return 0, err
		}
		if ok {
			gone[req.Nonce] = struct{}{}
		}
	}
	if len(gone) > 0 {
		if err := c.prunePending(ctx, gone); err != nil {
			return 0, err
		}
		c.logger.Info().Int("expired", len(gone)).Msg("Expired requests")
	}

	for _, req := range stale {
		if err := c.deleteRequest(req.Nonce); err != nil {
			return len(gone), err
		}
	}
	return len(gone), nil
}

func (c *Correlator) expire(ctx context.Context, nonce uint64, now time.Time) (bool, error) {
	unlock := c.reqLocks.Lock(strconv.FormatUint(nonce, 10))
	defer unlock()

	req, err := c.loadRequest(nonce)
	if errors.Is(err, ErrUnknownNonce) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if req.Complete {
		return false, nil
	}

	req.Complete = true
	req.Expired = true
	req.CompletedAt = now.UTC()
	if err := c.db.SetJSON(store.RequestKey(nonce), req); err != nil {
		return false, fault.Storage("expire request", err)
	}
	if req.Kind == KindDateRange {
		c.untrackRange(req.Params.Account, nonce)
	}
	c.finish(ctx, *req)
	return true, nil
}

// prunePending removes the nonces in gone from every pending row. Rows left
// without nonces are removed.
func (c *Correlator) prunePending(ctx context.Context, gone map[uint64]struct{}) error {
	var ids []string
	err := c.pending.Each(ctx, func(w store.Work[[]uint64]) (bool, error) {
		for _, n := range w.Payload {
			if _, ok := gone[n]; ok {
				ids = append(ids, w.ID)
				break
			}
		}
		return true, nil
	})
	if err != nil {
		return fault.Storage("scan pending entities", err)
	}

	for _, id := range ids {
		_, err := c.pending.Modify(ctx, id, func(w *store.Work[[]uint64]) *store.Work[[]uint64] {
			kept := w.Payload[:0]
			for _, n := range w.Payload {
				if _, ok := gone[n]; !ok {
					kept = append(kept, n)
				}
			}
			if len(kept) == 0 {
				return nil
			}
			w.Payload = kept
			return w
		})
		if err != nil {
			return fault.Storage("prune pending entity", err)
		}
	}
	return nil
}

func (c *Correlator) deleteRequest(nonce uint64) error {
	batch := c.db.NewBatch()
	err := batch.Delete(store.RequestKey(nonce))
	if err == nil {
		err = batch.DeletePrefix(store.ResponsePrefix(nonce))
	}
	if err == nil {
		err = batch.DeletePrefix(store.ItemErrorPrefix(nonce))
	}
	if err != nil {
		batch.Discard()
		return fault.Storage("delete request", err)
	}
	if err := batch.Commit(); err != nil {
		return fault.Storage("delete request", err)
	}
	return nil
}

// Run drains arrivals as they are delivered and sweeps on SweepInterval
// until ctx is done. Storage errors end Run.
func (c *Correlator) Run(ctx context.Context) error {
	c.logger.Info().Dur("sweep_interval", c.config.SweepInterval).Msg("Correlator started")
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Correlator stopped")
			return nil
		case <-c.wake:
			if _, err := c.Drain(ctx); err != nil {
				return err
			}
		case now := <-ticker.C:
			if _, err := c.Drain(ctx); err != nil {
				return err
			}
			if _, err := c.Sweep(ctx, now); err != nil {
				return err
			}
		}
	}
}

func (c *Correlator) loadRequest(nonce uint64) (*Request, error) {
	var req Request
	if err := c.db.GetJSON(store.RequestKey(nonce), &req); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNonce, nonce)
		}
		return nil, fault.Storage("load request", err)
	}
	return &req, nil
}

func (c *Correlator) eachRequest(ctx context.Context, fn func(Request) error) error {
	return c.db.Scan(ctx, []byte(store.PrefixRequest), store.ScanOptions{}, func(_, value []byte) (bool, error) {
		var req Request
		if err := json.Unmarshal(value, &req); err != nil {
			return false, err
		}
		return true, fn(req)
	})
}

func (c *Correlator) trackRange(account string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ranges[account] == nil {
		c.ranges[account] = make(map[uint64]struct{})
	}
	c.ranges[account][nonce] = struct{}{}
}

func (c *Correlator) untrackRange(account string, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ranges[account], nonce)
	if len(c.ranges[account]) == 0 {
		delete(c.ranges, account)
	}
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
