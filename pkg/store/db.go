// Package store persists fetch progress, fetched entities, pending work and
// correlation state in an ordered key-value store backed by Pebble.
//
// Keys are built from string prefixes and fixed-width big-endian integers so
// that byte order matches logical order; see keys.go for the layout.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// Options configures the database.
type Options struct {
	// Path is the Pebble directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps all data in memory (tests and dry runs).
	InMemory bool `mapstructure:"in_memory"`

	// Sync forces an fsync on every commit.
	Sync bool `mapstructure:"sync"`
}

// DB is the ordered key-value store.
type DB struct {
	pdb    *pebble.DB
	wo     *pebble.WriteOptions
	logger zerolog.Logger
}

// Open opens or creates the database.
func Open(opts Options, logger zerolog.Logger) (*DB, error) {
	popts := &pebble.Options{}
	path := opts.Path
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		path = ""
	} else if path == "" {
		return nil, fault.Config("store.path", "is required unless in_memory is set")
	}

	pdb, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fault.Storage("open", err)
	}

	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}

	logger.Info().
		Str("path", path).
		Bool("in_memory", opts.InMemory).
		Msg("Store opened")

	return &DB{pdb: pdb, wo: wo, logger: logger}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return fault.Storage("close", d.pdb.Close())
}

// Get returns a copy of the value stored at key.
func (d *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := d.pdb.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fault.Storage("get", err)
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Has reports whether key exists.
func (d *DB) Has(key []byte) (bool, error) {
	_, closer, err := d.pdb.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fault.Storage("get", err)
	}
	closer.Close()
	return true, nil
}

// Set stores value at key.
func (d *DB) Set(key, value []byte) error {
	return fault.Storage("set", d.pdb.Set(key, value, d.wo))
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte) error {
	return fault.Storage("delete", d.pdb.Delete(key, d.wo))
}

// Batch collects writes that are committed atomically.
type Batch struct {
	b  *pebble.Batch
	wo *pebble.WriteOptions
}

// NewBatch starts a write batch.
func (d *DB) NewBatch() *Batch {
	return &Batch{b: d.pdb.NewBatch(), wo: d.wo}
}

// Set queues a write.
func (b *Batch) Set(key, value []byte) error {
	return fault.Storage("batch set", b.b.Set(key, value, nil))
}

// SetJSON queues a JSON-encoded write.
func (b *Batch) SetJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Set(key, data)
}

// Delete queues a delete.
func (b *Batch) Delete(key []byte) error {
	return fault.Storage("batch delete", b.b.Delete(key, nil))
}

// DeletePrefix queues the removal of every key with prefix.
func (b *Batch) DeletePrefix(prefix []byte) error {
	return fault.Storage("batch delete range", b.b.DeleteRange(prefix, PrefixUpperBound(prefix), nil))
}

// Empty reports whether the batch holds no writes.
func (b *Batch) Empty() bool {
	return b.b.Empty()
}

// Commit applies the batch atomically and releases it.
func (b *Batch) Commit() error {
	defer b.b.Close()
	return fault.Storage("commit", b.b.Commit(b.wo))
}

// Discard releases the batch without applying it.
func (b *Batch) Discard() {
	_ = b.b.Close()
}

// ScanOptions controls a prefix scan.
type ScanOptions struct {
	// From starts the scan at this key (inclusive) instead of the prefix
	// start. For reverse scans it is the exclusive upper end.
	From []byte

	// Reverse scans from the largest key down.
	Reverse bool

	// Limit stops after this many entries; 0 means unlimited.
	Limit int
}

// Scan calls fn for every key with prefix in key order. Keys and values
// passed to fn are only valid for the duration of the call. Returning false
// from fn stops the scan.
func (d *DB) Scan(ctx context.Context, prefix []byte, opts ScanOptions, fn func(key, value []byte) (bool, error)) error {
	iterOpts := &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	}
	if opts.From != nil {
		if opts.Reverse {
			iterOpts.UpperBound = opts.From
		} else {
			iterOpts.LowerBound = opts.From
		}
	}

	iter, err := d.pdb.NewIter(iterOpts)
	if err != nil {
		return fault.Storage("iterate", err)
	}
	defer iter.Close()

	valid := iter.First()
	next := iter.Next
	if opts.Reverse {
		valid = iter.Last()
		next = iter.Prev
	}

	n := 0
	for ; valid; valid = next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		n++
		if !cont || (opts.Limit > 0 && n >= opts.Limit) {
			break
		}
	}

	return fault.Storage("iterate", iter.Error())
}

// GetJSON decodes the JSON value at key into v.
func (d *DB) GetJSON(key []byte, v any) error {
	data, err := d.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Storage("decode", fmt.Errorf("%q: %w", key, err))
	}
	return nil
}

// SetJSON stores v JSON-encoded at key.
func (d *DB) SetJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return d.Set(key, data)
}
