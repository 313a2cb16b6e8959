package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsledger/opsledger/internal/domain/audit"
	"github.com/opsledger/opsledger/internal/domain/values"
)

func newTestCache(t *testing.T) (*LedgerCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLedgerCache(client), mr
}

func TestLedgerCache_Tail(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := cache.GetTail(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	tail := audit.ChainTail{
		NextSequence: 42,
		LastChecksum: values.ComputeHashValue([]byte("tail")),
	}
	require.NoError(t, cache.SetTail(ctx, tail))

	got, ok, err := cache.GetTail(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), got.NextSequence)
	assert.True(t, got.LastChecksum.Equal(tail.LastChecksum))
}

func TestLedgerCache_TailExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetTail(ctx, audit.ChainTail{NextSequence: 1}))

	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.GetTail(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerCache_Invalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetTail(ctx, audit.ChainTail{NextSequence: 7}))
	require.NoError(t, cache.Invalidate(ctx))

	_, ok, err := cache.GetTail(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerCache_CorruptEntryIsMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(tailKey, "not json"))

	_, ok, err := cache.GetTail(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerCache_Summary(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	summary := &audit.Summary{Total: 10, Safe: 6, Warning: 3, Dangerous: 1}
	require.NoError(t, cache.SetSummary(ctx, "summary:all", summary, time.Minute))

	got, ok, err := cache.GetSummary(ctx, "summary:all")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Total)

	_, ok, err = cache.GetSummary(ctx, "summary:other")
	require.NoError(t, err)
	assert.False(t, ok)
}
