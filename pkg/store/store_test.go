package store

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{InMemory: true}, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Options{Path: dir, Sync: true}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	db, err = Open(Options{Path: dir}, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestDB_GetSetDelete(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set([]byte("a"), []byte("1")))
	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	ok, err := db.Has([]byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.Delete([]byte("a")))
	ok, err = db.Has([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_ScanOrderAndBounds(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, h := range []uint64{300, 1, 70000, 2} {
		require.NoError(t, db.Set(EntityKey("acct", h, "x"), []byte{1}))
	}
	// Neighbouring account with a longer name must not leak into the scan.
	require.NoError(t, db.Set(EntityKey("acct2", 5, "y"), []byte{1}))

	prefix := EntityPrefix("acct")
	collect := func(opts ScanOptions) []uint64 {
		var hs []uint64
		err := db.Scan(ctx, prefix, opts, func(key, _ []byte) (bool, error) {
			hs = append(hs, GetUint64BE(key[len(prefix):]))
			return true, nil
		})
		require.NoError(t, err)
		return hs
	}

	assert.Equal(t, []uint64{1, 2, 300, 70000}, collect(ScanOptions{}))
	assert.Equal(t, []uint64{70000, 300, 2, 1}, collect(ScanOptions{Reverse: true}))
	assert.Equal(t, []uint64{1, 2}, collect(ScanOptions{Limit: 2}))

	from := EntityKey("acct", 300, "")
	assert.Equal(t, []uint64{300, 70000}, collect(ScanOptions{From: from}))
	assert.Equal(t, []uint64{2, 1}, collect(ScanOptions{From: from, Reverse: true}))
}

func TestBatch_Atomic(t *testing.T) {
	db := openTestDB(t)

	b := db.NewBatch()
	require.NoError(t, b.Set([]byte("x|1"), []byte("a")))
	require.NoError(t, b.Set([]byte("x|2"), []byte("b")))
	ok, err := db.Has([]byte("x|1"))
	require.NoError(t, err)
	assert.False(t, ok, "uncommitted batch must not be visible")
	require.NoError(t, b.Commit())

	b = db.NewBatch()
	require.NoError(t, b.DeletePrefix([]byte("x|")))
	require.NoError(t, b.Commit())
	ok, err = db.Has([]byte("x|2"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{"simple", []byte("ab"), []byte("ac")},
		{"separator", []byte("e|x\x00"), []byte("e|x\x01")},
		{"carry", []byte{'a', 0xff}, []byte{'b'}},
		{"all ff", []byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixUpperBound(tt.prefix))
		})
	}
}

func TestKeys_OrderPreserving(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := WorkTimeKey("q", base, "zzz")
	b := WorkTimeKey("q", base.Add(time.Nanosecond), "aaa")
	assert.Negative(t, bytes.Compare(a, b), "time must dominate id in the age index")

	assert.Negative(t, bytes.Compare(RequestKey(9), RequestKey(256)))
	assert.True(t, bytes.HasPrefix(ResponseKey(7, "id"), ResponsePrefix(7)))
	assert.False(t, bytes.HasPrefix(ItemErrorKey(7, "id"), ResponsePrefix(7)))
	assert.Equal(t, uint64(0), timeNs(time.Unix(-5, 0)))
}
