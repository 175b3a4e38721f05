package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/source"
)

// Entities indexes fetched entities by account and height, by id, and by
// account and timestamp.
type Entities struct {
	db *DB

	// mu serializes writers so that the added count of Put is exact.
	mu sync.Mutex
}

// NewEntities returns the entity index stored in db.
func NewEntities(db *DB) *Entities {
	return &Entities{db: db}
}

// Put stores entities and returns how many were not stored before for
// their account. Storing an entity twice is a no-op. The id index points at
// the most recently stored copy.
func (e *Entities) Put(ctx context.Context, entities ...source.Entity) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	batch := e.db.NewBatch()
	added := 0
	seen := make(map[string]struct{}, len(entities))
	for _, ent := range entities {
		if ent.ID == "" {
			batch.Discard()
			return 0, fmt.Errorf("put entity: empty id")
		}
		key := EntityKey(ent.Account, ent.Height, ent.ID)
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}

		ok, err := e.db.Has(key)
		if err != nil {
			batch.Discard()
			return 0, err
		}
		if ok {
			continue
		}

		if err := batch.SetJSON(key, ent); err != nil {
			batch.Discard()
			return 0, err
		}
		if err := batch.Set(EntityIDKey(ent.ID), key); err != nil {
			batch.Discard()
			return 0, err
		}
		if ent.Account != "" {
			if err := batch.Set(EntityTimeKey(ent.Account, ent.Timestamp, ent.ID), key); err != nil {
				batch.Discard()
				return 0, err
			}
		}
		added++
	}

	if batch.Empty() {
		batch.Discard()
		return 0, nil
	}
	return added, batch.Commit()
}

// Get returns the entity with id, or ErrNotFound.
func (e *Entities) Get(ctx context.Context, id string) (*source.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := e.db.Get(EntityIDKey(id))
	if err != nil {
		return nil, err
	}
	var ent source.Entity
	if err := e.db.GetJSON(key, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// Has reports whether an entity with id is stored.
func (e *Entities) Has(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return e.db.Has(EntityIDKey(id))
}

// ByTimeRange returns an account's entities with start <= timestamp <= end,
// oldest first.
func (e *Entities) ByTimeRange(ctx context.Context, account string, start, end time.Time) ([]source.Entity, error) {
	prefix := EntityTimePrefix(account)
	from := PutUint64BE(append([]byte(nil), prefix...), timeNs(start))
	endNs := timeNs(end)

	var keys [][]byte
	err := e.db.Scan(ctx, prefix, ScanOptions{From: from}, func(key, value []byte) (bool, error) {
		if GetUint64BE(key[len(prefix):]) > endNs {
			return false, nil
		}
		keys = append(keys, append([]byte(nil), value...))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]source.Entity, 0, len(keys))
	for _, key := range keys {
		var ent source.Entity
		if err := e.db.GetJSON(key, &ent); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// TimeBounds returns the oldest and newest entity timestamps indexed for
// account. ok is false when the account has no entities.
func (e *Entities) TimeBounds(ctx context.Context, account string) (oldest, newest time.Time, ok bool, err error) {
	prefix := EntityTimePrefix(account)
	read := func(reverse bool) (time.Time, bool, error) {
		var (
			ts    time.Time
			found bool
		)
		err := e.db.Scan(ctx, prefix, ScanOptions{Reverse: reverse, Limit: 1}, func(key, _ []byte) (bool, error) {
			ts = time.Unix(0, int64(GetUint64BE(key[len(prefix):]))).UTC()
			found = true
			return false, nil
		})
		return ts, found, err
	}

	if oldest, ok, err = read(false); err != nil || !ok {
		return time.Time{}, time.Time{}, false, err
	}
	if newest, _, err = read(true); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	return oldest, newest, true, nil
}

// Count returns the number of entities stored for account.
func (e *Entities) Count(ctx context.Context, account string) (int, error) {
	n := 0
	err := e.db.Scan(ctx, EntityPrefix(account), ScanOptions{}, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// DeleteAccount removes every entity indexed for account.
func (e *Entities) DeleteAccount(ctx context.Context, account string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := e.db.NewBatch()
	prefix := EntityPrefix(account)
	err := e.db.Scan(ctx, prefix, ScanOptions{}, func(key, value []byte) (bool, error) {
		var ent struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(value, &ent); err != nil {
			return false, fmt.Errorf("decode entity %q: %w", key, err)
		}
		owner, err := e.db.Get(EntityIDKey(ent.ID))
		if errors.Is(err, ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !bytes.Equal(owner, key) {
			return true, nil
		}
		return true, batch.Delete(EntityIDKey(ent.ID))
	})
	if err == nil {
		err = batch.DeletePrefix(prefix)
	}
	if err == nil {
		err = batch.DeletePrefix(EntityTimePrefix(account))
	}
	if err != nil {
		batch.Discard()
		return err
	}
	return batch.Commit()
}
