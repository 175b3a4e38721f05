package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu sync.Mutex

	fetchErr   error
	cursorErr  error
	saveErr    error
	newItems   bool
	complete   bool
	interval   time.Duration
	historic   bool
	lastCursor *uint64
	block      chan struct{}

	fetches []FetchInfo[uint64]
	saved   []State[uint64]
}

func (h *fakeHandler) HandleFetch(ctx context.Context, info FetchInfo[uint64]) (FetchResult[uint64], error) {
	h.mu.Lock()
	h.fetches = append(h.fetches, info)
	block := h.block
	h.mu.Unlock()

	if block != nil {
		<-block
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return FetchResult[uint64]{NewInterval: h.interval, LastCursor: h.lastCursor, UseHistoricRPC: h.historic}, h.fetchErr
}

func (h *fakeHandler) UpdateCursor(ctx context.Context, u CursorUpdate[uint64]) (CursorResult[uint64], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return CursorResult[uint64]{NewItems: h.newItems, NewCursor: u.LastCursor, Complete: h.complete}, h.cursorErr
}

func (h *fakeHandler) SaveState(ctx context.Context, dir source.Direction, s State[uint64]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, s)
	return h.saveErr
}

func (h *fakeHandler) fetchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fetches)
}

var testCfg = Config{
	DefaultInterval: 8 * time.Second,
	MinInterval:     time.Second,
	MaxInterval:     60 * time.Second,
	ShrinkFactor:    0.5,
	GrowFactor:      2,
}

func newRunner(dir source.Direction, h *fakeHandler, onError func(error)) *Runner[uint64] {
	return NewRunner[uint64](dir, State[uint64]{}, h, testCfg, onError, zerolog.Nop())
}

func TestTick_ShrinksToFloor(t *testing.T) {
	h := &fakeHandler{newItems: true}
	r := newRunner(source.Forward, h, nil)
	ctx := context.Background()

	want := []time.Duration{4 * time.Second, 2 * time.Second, time.Second, time.Second}
	for i, w := range want {
		wait, err := r.tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, w, wait, "tick %d", i)
		assert.Equal(t, w, r.State().Frequency)
	}
	assert.True(t, h.fetches[0].FirstRun)
	assert.False(t, h.fetches[1].FirstRun)
	assert.Equal(t, uint64(4), r.State().NumRuns)
}

func TestTick_GrowsToCeiling(t *testing.T) {
	h := &fakeHandler{}
	r := newRunner(source.Forward, h, nil)

	var last time.Duration
	for range 5 {
		wait, err := r.tick(context.Background())
		require.NoError(t, err)
		last = wait
	}
	assert.Equal(t, 60*time.Second, last)
	assert.Equal(t, 60*time.Second, r.State().Frequency)
}

func TestTick_NewIntervalIsOneTickOnly(t *testing.T) {
	h := &fakeHandler{newItems: true, interval: 90 * time.Second}
	r := newRunner(source.Forward, h, nil)
	ctx := context.Background()

	wait, err := r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, wait)
	assert.Equal(t, 4*time.Second, r.State().Frequency, "adaptation still applies")

	h.interval = 0
	wait, err = r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)
}

func TestTick_CursorAndHistoricFlag(t *testing.T) {
	cursor := uint64(42)
	h := &fakeHandler{newItems: true, lastCursor: &cursor, historic: true}
	r := newRunner(source.Backward, h, nil)
	ctx := context.Background()

	_, err := r.tick(ctx)
	require.NoError(t, err)

	st := r.State()
	require.NotNil(t, st.Cursor)
	assert.Equal(t, uint64(42), *st.Cursor)
	assert.True(t, st.UseHistoricRPC)

	h.lastCursor = nil
	_, err = r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), *r.State().Cursor, "nil cursor keeps the previous one")
	assert.True(t, h.fetches[1].UseHistoricRPC)
	assert.Equal(t, uint64(42), *h.fetches[1].Cursor)
}

func TestTick_FetchErrorPersistsRun(t *testing.T) {
	var got []error
	h := &fakeHandler{fetchErr: fault.Transient("mock", errors.New("boom"))}
	r := newRunner(source.Forward, h, func(err error) { got = append(got, err) })

	wait, err := r.tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, wait)
	require.Len(t, got, 1)
	require.Len(t, h.saved, 1)
	assert.Equal(t, uint64(1), h.saved[0].NumRuns)
	assert.False(t, h.saved[0].LastRun.IsZero())
	assert.Equal(t, 8*time.Second, h.saved[0].Frequency, "frequency untouched on error")
}

func TestTick_CancelledFetchRecordsNothing(t *testing.T) {
	var got []error
	h := &fakeHandler{fetchErr: fault.Permanent("mock", context.Canceled)}
	r := newRunner(source.Backward, h, func(err error) { got = append(got, err) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wait, err := r.tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, wait)
	assert.Empty(t, got, "cancellation is not a failure")
	assert.Empty(t, h.saved)
	assert.Zero(t, r.State().NumRuns)
}

func TestTick_CancelledCursorUpdateRecordsNothing(t *testing.T) {
	var got []error
	h := &fakeHandler{cursorErr: context.Canceled}
	r := newRunner(source.Forward, h, func(err error) { got = append(got, err) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, h.saved)
}

func TestTick_ForwardIgnoresComplete(t *testing.T) {
	h := &fakeHandler{complete: true}
	r := newRunner(source.Forward, h, nil)
	_, err := r.tick(context.Background())
	require.NoError(t, err)
	assert.False(t, r.State().Complete)
}

func TestRun_BackwardCompletes(t *testing.T) {
	h := &fakeHandler{newItems: true, complete: true}
	r := newRunner(source.Backward, h, nil)

	err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, r.State().Complete)
	assert.Equal(t, 1, h.fetchCount())

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestRun_CompletedBackwardDoesNotFetch(t *testing.T) {
	h := &fakeHandler{}
	r := NewRunner[uint64](source.Backward, State[uint64]{Complete: true}, h, testCfg, nil, zerolog.Nop())
	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, h.fetchCount())
}

func TestRun_StorageErrorEndsRun(t *testing.T) {
	h := &fakeHandler{saveErr: errors.New("disk full")}
	r := newRunner(source.Forward, h, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsStorage(err))
}

func TestRun_StorageErrorFromFetchEndsRun(t *testing.T) {
	h := &fakeHandler{fetchErr: fault.Storage("index", errors.New("closed"))}
	r := newRunner(source.Forward, h, nil)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsStorage(err))
	assert.Empty(t, h.saved)
}

func TestRun_StopFinishesInFlightTick(t *testing.T) {
	h := &fakeHandler{block: make(chan struct{})}
	r := newRunner(source.Forward, h, nil)

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return h.fetchCount() == 1 }, time.Second, time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case <-r.Done():
		t.Fatal("Run returned while a tick was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.block)
	require.NoError(t, <-errc)
	<-r.Done()
	assert.Equal(t, uint64(1), r.State().NumRuns)
	assert.Len(t, h.saved, 1)
}

func TestRun_ContextCancel(t *testing.T) {
	h := &fakeHandler{}
	r := newRunner(source.Forward, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return h.fetchCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero min", func(c *Config) { c.MinInterval = 0 }, true},
		{"max below min", func(c *Config) { c.MaxInterval = time.Millisecond }, true},
		{"shrink above one", func(c *Config) { c.ShrinkFactor = 1.5 }, true},
		{"grow below one", func(c *Config) { c.GrowFactor = 0.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Equal(t, fault.ClassConfiguration, fault.Classify(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
