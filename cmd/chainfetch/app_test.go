package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/internal/testutil"
	"github.com/Sternrassler/chainfetch/pkg/config"
	"github.com/Sternrassler/chainfetch/pkg/job"
	"github.com/Sternrassler/chainfetch/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// testConfig returns a configuration pointing at mock with an in-memory
// store and fast fetch intervals.
func testConfig(mock *testutil.MockChain) *config.Config {
	cfg := config.Default()
	cfg.Source.Name = "mock"
	cfg.Source.Endpoints = []string{mock.URL()}
	cfg.Source.HistoricEndpoints = []string{mock.HistoricURL()}
	cfg.Source.RequestTimeout = 2 * time.Second
	cfg.Source.Retry.MaxAttempts = 1
	cfg.Source.RateLimits = []ratelimit.Policy{{Kind: "concurrence", MaxConcurrence: 4}}
	cfg.Source.Settings = map[string]string{"page_limit": "5"}
	cfg.Store.InMemory = true
	cfg.Fetcher.Job = job.Config{
		DefaultInterval: time.Millisecond,
		MinInterval:     time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		ShrinkFactor:    0.5,
		GrowFactor:      2,
	}
	cfg.Batch.Interval = 5 * time.Millisecond
	return &cfg
}

func startApp(t *testing.T, mock *testutil.MockChain) *app {
	t.Helper()
	cfg := testConfig(mock)
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.engine.Start(context.Background()))
	return a
}

func TestNewApp_WithoutRedis(t *testing.T) {
	mock := testutil.NewMockChain()
	t.Cleanup(mock.Close)
	ents := mock.Generate("alice", 1, 3, base)

	a := startApp(t, mock)
	assert.Nil(t, a.redis)
	assert.Nil(t, a.cache)
	assert.Nil(t, a.notifier)

	events, unsubscribe := a.local.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	nonce, ch, err := a.engine.FetchByIDs(ctx, []string{ents[1].ID})
	require.NoError(t, err)
	require.NoError(t, awaitResult(ctx, io.Discard, nonce, ch))

	select {
	case ev := <-events:
		assert.Equal(t, nonce, ev.Nonce)
		assert.Equal(t, 1, ev.Entities)
	case <-ctx.Done():
		t.Fatal("no completion event")
	}
}

func TestNewApp_InvalidSource(t *testing.T) {
	mock := testutil.NewMockChain()
	t.Cleanup(mock.Close)
	cfg := testConfig(mock)
	cfg.Source.Kind = "grpc"

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApp_Close(t *testing.T) {
	mock := testutil.NewMockChain()
	t.Cleanup(mock.Close)

	a, err := newApp(context.Background(), testConfig(mock))
	require.NoError(t, err)
	require.NoError(t, a.engine.Start(context.Background()))
	assert.NoError(t, a.Close())

	_, _, err = a.engine.FetchByIDs(context.Background(), []string{testutil.HexID("alice", 1)})
	assert.Error(t, err)
}

func TestAddAccounts_StopCursor(t *testing.T) {
	mock := testutil.NewMockChain()
	t.Cleanup(mock.Close)
	mock.Generate("ivy", 1, 9, base)
	a := startApp(t, mock)
	ctx := context.Background()

	require.NoError(t, addAccounts(ctx, a, []string{"ivy@4"}))
	require.Eventually(t, func() bool {
		st, err := a.engine.GetState(ctx, "ivy")
		return err == nil && st.Backward.Complete
	}, 5*time.Second, 5*time.Millisecond)

	st, err := a.engine.GetState(ctx, "ivy")
	require.NoError(t, err)
	require.NotNil(t, st.Cursor)
	assert.Equal(t, uint64(4), *st.Cursor)

	assert.Error(t, addAccounts(ctx, a, []string{"ivy@never"}))
}
