package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Sternrassler/chainfetch/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entity(account, id string, height uint64, ts time.Time) source.Entity {
	return source.Entity{
		ID:        id,
		Account:   account,
		Kind:      "tx",
		Height:    height,
		Timestamp: ts,
		Data:      json.RawMessage(`{"v":1}`),
	}
}

func TestEntities_PutIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ents := NewEntities(db)
	ctx := context.Background()

	added, err := ents.Put(ctx, entity("acct", "tx1", 10, t0), entity("acct", "tx2", 11, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = ents.Put(ctx, entity("acct", "tx2", 11, t0.Add(time.Second)), entity("acct", "tx3", 12, t0.Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	n, err := ents.Count(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := ents.Get(ctx, "tx2")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.Height)
	assert.JSONEq(t, `{"v":1}`, string(got.Data))

	_, err = ents.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntities_ByTimeRange(t *testing.T) {
	db := openTestDB(t)
	ents := NewEntities(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ents.Put(ctx, entity("acct", string(rune('a'+i)), uint64(i), t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := ents.Put(ctx, entity("other", "z", 1, t0.Add(2*time.Hour)))
	require.NoError(t, err)

	got, err := ents.ByTimeRange(ctx, "acct", t0.Add(time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)

	oldest, newest, ok, err := ents.TimeBounds(ctx, "acct")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(t0))
	assert.True(t, newest.Equal(t0.Add(4*time.Hour)))

	_, _, ok, err = ents.TimeBounds(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntities_DeleteAccount(t *testing.T) {
	db := openTestDB(t)
	ents := NewEntities(db)
	ctx := context.Background()

	_, err := ents.Put(ctx, entity("acct", "tx1", 1, t0), entity("keep", "tx2", 1, t0))
	require.NoError(t, err)

	require.NoError(t, ents.DeleteAccount(ctx, "acct"))

	ok, err := ents.Has(ctx, "tx1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = ents.Has(ctx, "tx2")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := ents.ByTimeRange(ctx, "acct", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEntities_WithoutAccount(t *testing.T) {
	db := openTestDB(t)
	ents := NewEntities(db)
	ctx := context.Background()

	added, err := ents.Put(ctx, source.Entity{ID: "loose", Height: 3, Timestamp: t0})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := ents.Get(ctx, "loose")
	require.NoError(t, err)
	assert.Equal(t, "loose", got.ID)
}

func TestEntities_SharedAcrossAccounts(t *testing.T) {
	db := openTestDB(t)
	ents := NewEntities(db)
	ctx := context.Background()

	added, err := ents.Put(ctx, entity("alice", "shared", 7, t0))
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = ents.Put(ctx, entity("bob", "shared", 7, t0))
	require.NoError(t, err)
	assert.Equal(t, 1, added, "new for bob")

	got, err := ents.ByTimeRange(ctx, "alice", t0, t0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, ents.DeleteAccount(ctx, "alice"))
	ok, err := ents.Has(ctx, "shared")
	require.NoError(t, err)
	assert.True(t, ok, "id index still points at bob's copy")

	require.NoError(t, ents.DeleteAccount(ctx, "bob"))
	ok, err = ents.Has(ctx, "shared")
	require.NoError(t, err)
	assert.False(t, ok)
}
