package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/internal/testutil"
	"github.com/Sternrassler/chainfetch/pkg/client"
	"github.com/Sternrassler/chainfetch/pkg/fault"
	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newSource(t *testing.T, mock *testutil.MockChain, numeric NumericPolicy) *Source {
	t.Helper()
	pool, err := client.NewPool([]string{mock.URL()})
	require.NoError(t, err)
	historic, err := client.NewPool([]string{mock.HistoricURL()})
	require.NoError(t, err)

	cfg := client.DefaultConfig("mock", pool)
	cfg.HistoricPool = historic
	cfg.RequestTimeout = time.Second
	cfg.Retry = client.RetryConfig{MaxAttempts: 2, Strategy: client.BackoffFixed, InitialBackoff: time.Millisecond}
	c, err := client.New(cfg)
	require.NoError(t, err)

	s, err := New(Options{Numeric: numeric, PageLimit: 3}, c)
	require.NoError(t, err)
	return s
}

func cursors(p *source.Page[uint64]) []uint64 {
	out := make([]uint64, len(p.Items))
	for i, it := range p.Items {
		out[i] = it.Cursor
	}
	return out
}

func TestFetchPage_Directions(t *testing.T) {
	for _, policy := range []NumericPolicy{NumericFloat, NumericString} {
		t.Run(string(policy), func(t *testing.T) {
			mock := testutil.NewMockChain()
			defer mock.Close()
			mock.StringNumbers = policy == NumericString
			mock.Generate("alice", 10, 8, base)

			s := newSource(t, mock, policy)
			ctx := context.Background()

			newest, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Forward})
			require.NoError(t, err)
			assert.Equal(t, []uint64{17, 16, 15}, cursors(newest))
			assert.True(t, newest.HasMore)
			require.NotNil(t, newest.Next)
			assert.Equal(t, uint64(15), *newest.Next)

			cursor := uint64(15)
			older, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Backward, Cursor: &cursor})
			require.NoError(t, err)
			assert.Equal(t, []uint64{14, 13, 12}, cursors(older))

			cursor = 12
			tail, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Backward, Cursor: &cursor, Limit: 10})
			require.NoError(t, err)
			assert.Equal(t, []uint64{11, 10}, cursors(tail))
			assert.False(t, tail.HasMore)

			cursor = 15
			newer, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Forward, Cursor: &cursor})
			require.NoError(t, err)
			assert.Equal(t, []uint64{16, 17}, cursors(newer))
			assert.False(t, newer.HasMore)
		})
	}
}

func TestFetchPage_WrongNumericPolicyIsPermanent(t *testing.T) {
	mock := testutil.NewMockChain()
	defer mock.Close()
	mock.StringNumbers = true
	mock.Generate("alice", 1, 2, base)

	s := newSource(t, mock, NumericFloat)
	_, err := s.FetchPage(context.Background(), source.PageRequest[uint64]{Account: "alice"})
	require.Error(t, err)
	assert.Equal(t, fault.ClassPermanent, fault.Classify(err))
}

func TestFetchPage_HistoryUnavailable(t *testing.T) {
	mock := testutil.NewMockChain()
	defer mock.Close()
	mock.Generate("alice", 1, 6, base)
	mock.PrunedBelow = 4

	s := newSource(t, mock, NumericFloat)
	ctx := context.Background()
	cursor := uint64(5)

	_, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Backward, Cursor: &cursor})
	assert.ErrorIs(t, err, source.ErrHistoryUnavailable)

	page, err := s.FetchPage(ctx, source.PageRequest[uint64]{Account: "alice", Direction: source.Backward, Cursor: &cursor, Historic: true})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 3, 2}, cursors(page))
}

func TestFetchByID(t *testing.T) {
	mock := testutil.NewMockChain()
	defer mock.Close()
	ents := mock.Generate("alice", 100, 1, base)

	s := newSource(t, mock, NumericFloat)
	ctx := context.Background()

	raw, err := s.FetchByID(ctx, ents[0].ID)
	require.NoError(t, err)
	ent, err := s.ParseEntity(raw)
	require.NoError(t, err)
	assert.Equal(t, ents[0].ID, ent.ID)
	assert.Equal(t, "alice", ent.Account)
	assert.Equal(t, uint64(100), ent.Height)
	assert.True(t, ent.Timestamp.Equal(base))

	_, err = s.FetchByID(ctx, testutil.HexID("nobody", 1))
	assert.Equal(t, fault.ClassPermanent, fault.Classify(err))
	assert.Equal(t, 1, mock.GetFetchByIDCount(testutil.HexID("nobody", 1)), "404 must not be retried")

	_, err = s.FetchByID(ctx, "not-a-hash")
	assert.ErrorIs(t, err, fault.ErrInvalidID)
}

func TestParseEntity_Invalid(t *testing.T) {
	mock := testutil.NewMockChain()
	defer mock.Close()
	s := newSource(t, mock, NumericString)

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"missing id", `{"height":"1","timestamp":"1"}`},
		{"float where string expected", `{"id":"a","height":1,"timestamp":"1"}`},
		{"missing timestamp", `{"id":"a","height":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ParseEntity(json.RawMessage(tt.raw))
			assert.Equal(t, fault.ClassPermanent, fault.Classify(err))
		})
	}
}

func TestNumericPolicy(t *testing.T) {
	tests := []struct {
		policy  NumericPolicy
		raw     string
		want    uint64
		wantErr bool
	}{
		{NumericFloat, `42`, 42, false},
		{NumericFloat, `1.7e3`, 1700, false},
		{NumericFloat, `"42"`, 0, true},
		{NumericFloat, `-1`, 0, true},
		{NumericString, `"18446744073709551615"`, 18446744073709551615, false},
		{NumericString, `42`, 0, true},
		{NumericString, `null`, 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy)+" "+tt.raw, func(t *testing.T) {
			got, err := tt.policy.decodeUint(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseNumericPolicy("decimal")
	var ce *fault.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestRegistry(t *testing.T) {
	mock := testutil.NewMockChain()
	defer mock.Close()
	pool, err := client.NewPool([]string{mock.URL()})
	require.NoError(t, err)
	c, err := client.New(client.DefaultConfig("mock", pool))
	require.NoError(t, err)

	reg := source.NewRegistry[uint64]()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg), "double registration")
	assert.Equal(t, []string{Kind}, reg.Kinds())

	s, err := reg.Build(source.Config{Name: "mainnet", Kind: Kind, Settings: map[string]string{"numeric": "string", "page_limit": "5"}}, c)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", s.Name())
	assert.True(t, s.IsValidID(testutil.HexID("a", 1)))
	assert.Negative(t, s.CompareCursor(1, 2))

	_, err = reg.Build(source.Config{Kind: "grpc"}, c)
	assert.Equal(t, fault.ClassConfiguration, fault.Classify(err))

	_, err = reg.Build(source.Config{Kind: Kind, Settings: map[string]string{"page_limit": "x"}}, c)
	assert.Error(t, err)
}
