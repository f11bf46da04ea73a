package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoutingTable(t *testing.T, cached bool) (*FunctionRoutingTable, *RedisClient) {
	t.Helper()
	rc, _ := newTestRedis(t)

	table := NewFunctionRoutingTable(rc, nil)
	if cached {
		cache, err := NewLocalCache(context.Background(), time.Minute, 100)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })
		table = NewFunctionRoutingTable(rc, cache)
	}
	table.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return table, rc
}

func TestFunctionRoutingTable_UpsertThenResolve(t *testing.T) {
	table, _ := newTestRoutingTable(t, false)
	ctx := context.Background()

	_, err := table.Upsert(ctx, "generateImage", "dalle", "stable-diffusion")
	require.NoError(t, err)
	_, err = table.Upsert(ctx, "generateImage", "midjourney", "")
	require.NoError(t, err)

	m, err := table.Resolve(ctx, "generateImage")
	require.NoError(t, err)
	assert.Equal(t, "midjourney", m.PreferredService)
	assert.Empty(t, m.FallbackService)

	_, err = table.Resolve(ctx, "transcribe")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFunctionRoutingTable_UpdatedAtStrictlyIncreases(t *testing.T) {
	table, _ := newTestRoutingTable(t, false)
	ctx := context.Background()

	first, err := table.Upsert(ctx, "generateImage", "dalle", "")
	require.NoError(t, err)
	// the clock is frozen, so the store must still move forward
	second, err := table.Upsert(ctx, "generateImage", "dalle", "stable-diffusion")
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestFunctionRoutingTable_RejectsInvalid(t *testing.T) {
	table, _ := newTestRoutingTable(t, false)
	ctx := context.Background()

	_, err := table.Upsert(ctx, "", "dalle", "")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = table.Upsert(ctx, "generateImage", " ", "dalle")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestFunctionRoutingTable_CacheAndInvalidate(t *testing.T) {
	table, rc := newTestRoutingTable(t, true)
	ctx := context.Background()

	_, err := table.Upsert(ctx, "generateImage", "dalle", "")
	require.NoError(t, err)
	_, err = table.Resolve(ctx, "generateImage")
	require.NoError(t, err)

	// write behind the table's back; the cached value is still served
	other := NewFunctionRoutingTable(rc, nil)
	_, err = other.Upsert(ctx, "generateImage", "midjourney", "")
	require.NoError(t, err)

	m, err := table.Resolve(ctx, "generateImage")
	require.NoError(t, err)
	assert.Equal(t, "dalle", m.PreferredService)

	table.Invalidate("generateImage")
	m, err = table.Resolve(ctx, "generateImage")
	require.NoError(t, err)
	assert.Equal(t, "midjourney", m.PreferredService)

	_, err = other.Upsert(ctx, "generateImage", "stable-diffusion", "")
	require.NoError(t, err)
	table.InvalidateAll()
	m, err = table.Resolve(ctx, "generateImage")
	require.NoError(t, err)
	assert.Equal(t, "stable-diffusion", m.PreferredService)
}

func TestFunctionRoutingTable_List(t *testing.T) {
	table, _ := newTestRoutingTable(t, false)
	ctx := context.Background()

	list, err := table.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	for _, fn := range []string{"transcribe", "generateImage", "chat"} {
		_, err := table.Upsert(ctx, fn, "svc-"+fn, "")
		require.NoError(t, err)
	}

	list, err = table.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "chat", list[0].FunctionName)
	assert.Equal(t, "generateImage", list[1].FunctionName)
	assert.Equal(t, "transcribe", list[2].FunctionName)
}
