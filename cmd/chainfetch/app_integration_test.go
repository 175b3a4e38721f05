//go:build integration

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/internal/testutil"
	"github.com/Sternrassler/chainfetch/pkg/cache"
	"github.com/Sternrassler/chainfetch/pkg/correlate"
	"github.com/Sternrassler/chainfetch/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp_WithRedis(t *testing.T) {
	rc := testutil.StartRedis(t)
	mock := testutil.NewMockChain()
	t.Cleanup(mock.Close)
	ents := mock.Generate("alice", 1, 3, base)

	cfg := testConfig(mock)
	cfg.Redis.Addr = rc.Options().Addr

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NotNil(t, a.cache)
	require.NotNil(t, a.notifier)
	require.NoError(t, a.engine.Start(ctx))

	// A second process watching the channel, as the watch command does.
	watcher := correlate.NewRedisNotifier(rc, cfg.Redis.Channel, logging.NewLogger("watch"))
	events, err := watcher.Subscribe(ctx, true)
	require.NoError(t, err)

	nonce, ch, err := a.engine.FetchByIDs(ctx, []string{ents[0].ID, ents[2].ID})
	require.NoError(t, err)
	require.NoError(t, awaitResult(ctx, io.Discard, nonce, ch))

	select {
	case ev := <-events:
		assert.Equal(t, nonce, ev.Nonce)
		assert.Equal(t, a.notifier.Origin(), ev.Origin)
		assert.Equal(t, 2, ev.Entities)
	case <-ctx.Done():
		t.Fatal("no event on the redis channel")
	}

	m := cache.NewManager(rc, cfg.Cache)
	res, err := m.Get(ctx, nonce)
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)

	var out bytes.Buffer
	require.NoError(t, showResult(ctx, &out, m, nonce, 2*time.Hour))
	assert.Contains(t, out.String(), fmt.Sprintf("Request %d: 2 entities", nonce))
	entry, err := m.GetEntry(ctx, nonce)
	require.NoError(t, err)
	assert.Greater(t, entry.TTL(), time.Hour, "lifetime extended by --keep")

	assert.Error(t, showResult(ctx, io.Discard, m, nonce+1000, 0))
}
