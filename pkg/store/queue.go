package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Work is one keyed unit of pending work. The owning Queue holds it
// exclusively: it is created on first enqueue, merged on duplicate
// enqueue and removed by Ack or Take.
type Work[T any] struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Payload T         `json:"payload"`
}

// Op tells Enqueue what to do with the row after a merge check.
type Op int

const (
	// Keep leaves the stored row untouched.
	Keep Op = iota

	// Update replaces the stored row with the returned work.
	Update
)

// UpdateCheckFn decides how an incoming row merges with the stored one.
// old is nil when no row exists.
type UpdateCheckFn[T any] func(old *Work[T], incoming Work[T]) (Op, Work[T])

// MergePeers merges two rows holding element lists: the payload becomes the
// union of both lists and the time of the first enqueue is kept.
func MergePeers[E comparable](old *Work[[]E], incoming Work[[]E]) (Op, Work[[]E]) {
	if old == nil {
		return Update, Work[[]E]{ID: incoming.ID, Time: incoming.Time, Payload: dedupe(incoming.Payload)}
	}

	merged := Work[[]E]{ID: old.ID, Time: old.Time, Payload: append([]E(nil), old.Payload...)}
	seen := make(map[E]struct{}, len(old.Payload)+len(incoming.Payload))
	for _, e := range old.Payload {
		seen[e] = struct{}{}
	}
	added := false
	for _, e := range incoming.Payload {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		merged.Payload = append(merged.Payload, e)
		added = true
	}
	if !added {
		return Keep, *old
	}
	return Update, merged
}

func dedupe[E comparable](in []E) []E {
	out := make([]E, 0, len(in))
	seen := make(map[E]struct{}, len(in))
	for _, e := range in {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Replace is the UpdateCheckFn that overwrites any stored row.
func Replace[T any](_ *Work[T], incoming Work[T]) (Op, Work[T]) {
	return Update, incoming
}

// Queue is a named, persistent, keyed work queue with an age index for
// oldest-first scans.
type Queue[T any] struct {
	db    *DB
	name  string
	locks *KeyLocks
}

// NewQueue returns the queue called name.
func NewQueue[T any](db *DB, name string) *Queue[T] {
	return &Queue[T]{db: db, name: name, locks: &KeyLocks{}}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

func (q *Queue[T]) load(id string) (*Work[T], error) {
	var w Work[T]
	err := q.db.GetJSON(WorkKey(q.name, id), &w)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Enqueue merges incoming into the queue using check and returns the row
// as stored afterwards. Merges on the same id are serialized, and the row
// and its age index entry are written in one batch.
func (q *Queue[T]) Enqueue(ctx context.Context, incoming Work[T], check UpdateCheckFn[T]) (Work[T], error) {
	if incoming.ID == "" {
		return Work[T]{}, fmt.Errorf("enqueue %s: empty id", q.name)
	}
	if incoming.Time.IsZero() {
		incoming.Time = time.Now()
	}
	if err := ctx.Err(); err != nil {
		return Work[T]{}, err
	}

	unlock := q.locks.Lock(incoming.ID)
	defer unlock()

	old, err := q.load(incoming.ID)
	if err != nil {
		return Work[T]{}, err
	}

	op, next := check(old, incoming)
	if op == Keep {
		if old == nil {
			return Work[T]{}, nil
		}
		return *old, nil
	}
	next.ID = incoming.ID

	batch := q.db.NewBatch()
	if old != nil && !old.Time.Equal(next.Time) {
		if err := batch.Delete(WorkTimeKey(q.name, old.Time, old.ID)); err != nil {
			batch.Discard()
			return Work[T]{}, err
		}
	}
	if err := batch.SetJSON(WorkKey(q.name, next.ID), next); err != nil {
		batch.Discard()
		return Work[T]{}, err
	}
	if err := batch.Set(WorkTimeKey(q.name, next.Time, next.ID), nil); err != nil {
		batch.Discard()
		return Work[T]{}, err
	}
	if err := batch.Commit(); err != nil {
		return Work[T]{}, err
	}

	q.db.logger.Trace().
		Str("queue", q.name).
		Str("id", next.ID).
		Bool("merged", old != nil).
		Msg("Pending row written")
	return next, nil
}

// Get returns the row stored under id, or nil.
func (q *Queue[T]) Get(ctx context.Context, id string) (*Work[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.load(id)
}

// Take atomically reads and removes the row stored under id.
// Returns nil when no row exists.
func (q *Queue[T]) Take(ctx context.Context, id string) (*Work[T], error) {
	return q.Modify(ctx, id, func(*Work[T]) *Work[T] { return nil })
}

// Ack removes the row stored under id.
func (q *Queue[T]) Ack(ctx context.Context, id string) error {
	_, err := q.Take(ctx, id)
	return err
}

// Modify applies fn to the row stored under id under the row lock. A nil
// result removes the row. It returns the row as it was before fn ran, or nil
// when no row existed (fn is not called then).
func (q *Queue[T]) Modify(ctx context.Context, id string, fn func(*Work[T]) *Work[T]) (*Work[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := q.locks.Lock(id)
	defer unlock()

	old, err := q.load(id)
	if err != nil || old == nil {
		return nil, err
	}

	before := *old
	next := fn(old)

	batch := q.db.NewBatch()
	if next == nil || !next.Time.Equal(before.Time) {
		if err := batch.Delete(WorkTimeKey(q.name, before.Time, id)); err != nil {
			batch.Discard()
			return nil, err
		}
	}
	if next == nil {
		err = batch.Delete(WorkKey(q.name, id))
	} else {
		next.ID = id
		err = batch.SetJSON(WorkKey(q.name, id), next)
		if err == nil {
			err = batch.Set(WorkTimeKey(q.name, next.Time, id), nil)
		}
	}
	if err != nil {
		batch.Discard()
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	return &before, nil
}

// Oldest returns up to n rows ordered by enqueue time, oldest first.
func (q *Queue[T]) Oldest(ctx context.Context, n int) ([]Work[T], error) {
	prefix := WorkTimePrefix(q.name)
	idOffset := len(prefix) + 8

	var ids []string
	err := q.db.Scan(ctx, prefix, ScanOptions{Limit: n}, func(key, _ []byte) (bool, error) {
		if len(key) > idOffset {
			ids = append(ids, string(key[idOffset:]))
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Work[T], 0, len(ids))
	for _, id := range ids {
		w, err := q.load(id)
		if err != nil {
			return nil, err
		}
		// Removed between the index scan and the load.
		if w == nil {
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}

// Each calls fn for every row in id order.
func (q *Queue[T]) Each(ctx context.Context, fn func(Work[T]) (bool, error)) error {
	return q.db.Scan(ctx, WorkPrefix(q.name), ScanOptions{}, func(_, value []byte) (bool, error) {
		var w Work[T]
		if err := json.Unmarshal(value, &w); err != nil {
			return false, fmt.Errorf("decode %s row: %w", q.name, err)
		}
		return fn(w)
	})
}

// Len returns the number of rows in the queue.
func (q *Queue[T]) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.Scan(ctx, WorkPrefix(q.name), ScanOptions{}, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}
