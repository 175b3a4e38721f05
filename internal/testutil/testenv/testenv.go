// Package testenv builds the collaborators tests of the higher level
// packages share: an httpsource.Source backed by a testutil.MockChain and an
// in-memory store.
package testenv

import (
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/internal/testutil"
	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/source/httpsource"
	"github.com/Sternrassler/chainfetch/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Options tunes the source under test.
type Options struct {
	PageLimit   int
	MaxAttempts int
	Numeric     httpsource.NumericPolicy
}

// Source returns a source backed by mock with fast retries.
func Source(t testing.TB, mock *testutil.MockChain, opts Options) *httpsource.Source {
	t.Helper()

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Numeric == "" && mock.StringNumbers {
		opts.Numeric = httpsource.NumericString
	}

	pool, err := client.NewPool([]string{mock.URL()})
	require.NoError(t, err)
	historic, err := client.NewPool([]string{mock.HistoricURL()})
	require.NoError(t, err)

	cfg := client.DefaultConfig("mock", pool)
	cfg.HistoricPool = historic
	cfg.RequestTimeout = 2 * time.Second
	cfg.Retry = client.RetryConfig{
		MaxAttempts:    opts.MaxAttempts,
		Strategy:       client.BackoffFixed,
		InitialBackoff: time.Millisecond,
	}
	c, err := client.New(cfg)
	require.NoError(t, err)

	src, err := httpsource.New(httpsource.Options{Numeric: opts.Numeric, PageLimit: opts.PageLimit}, c)
	require.NoError(t, err)
	return src
}

// OpenDB opens an in-memory store closed at test cleanup.
func OpenDB(t testing.TB) *store.DB {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
