package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *RateLimitTracker {
	t.Helper()
	rc, _ := newTestRedis(t)
	tracker := NewRateLimitTracker(rc)
	tracker.now = newTestClock().Now
	return tracker
}

func TestRateLimitTracker_UnmeteredService(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	used, err := tr.RecordUsage(ctx, "free-api")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), used)

	exhausted, err := tr.IsExhausted(ctx, "free-api")
	require.NoError(t, err)
	assert.False(t, exhausted)

	_, err = tr.Get(ctx, "free-api")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRateLimitTracker_ConcurrentUsageIsNotLost(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Upsert(ctx, "dalle", 1000, tr.now())
	require.NoError(t, err)

	const calls = 50
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.RecordUsage(ctx, "dalle")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := tr.Get(ctx, "dalle")
	require.NoError(t, err)
	assert.Equal(t, int64(calls), w.RequestsUsed)
}

func TestRateLimitTracker_Exhaustion(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Upsert(ctx, "dalle", 2, tr.now())
	require.NoError(t, err)

	for i := int64(1); i <= 2; i++ {
		exhausted, err := tr.IsExhausted(ctx, "dalle")
		require.NoError(t, err)
		assert.False(t, exhausted)

		used, err := tr.RecordUsage(ctx, "dalle")
		require.NoError(t, err)
		assert.Equal(t, i, used)
	}

	exhausted, err := tr.IsExhausted(ctx, "dalle")
	require.NoError(t, err)
	assert.True(t, exhausted)

	// a zero limit is unbounded
	_, err = tr.Upsert(ctx, "dalle", 0, tr.now())
	require.NoError(t, err)
	exhausted, err = tr.IsExhausted(ctx, "dalle")
	require.NoError(t, err)
	assert.False(t, exhausted)
}

func TestRateLimitTracker_Reset(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	created, err := tr.Upsert(ctx, "dalle", 100, tr.now())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tr.RecordUsage(ctx, "dalle")
		require.NoError(t, err)
	}

	byName, err := tr.Reset(ctx, "dalle")
	require.NoError(t, err)
	assert.Equal(t, int64(0), byName.RequestsUsed)
	assert.True(t, byName.ResetAt.After(created.ResetAt))

	_, err = tr.RecordUsage(ctx, "dalle")
	require.NoError(t, err)

	byID, err := tr.Reset(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), byID.RequestsUsed)
	assert.Equal(t, created.ID, byID.ID)

	_, err = tr.Reset(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = tr.Reset(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRateLimitTracker_UpsertKeepsUsage(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Upsert(ctx, "dalle", 10, tr.now())
	require.NoError(t, err)
	_, err = tr.RecordUsage(ctx, "dalle")
	require.NoError(t, err)

	second, err := tr.Upsert(ctx, "dalle", 20, tr.now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(20), second.RequestLimit)
	assert.Equal(t, int64(1), second.RequestsUsed)

	_, err = tr.Upsert(ctx, "dalle", -1, tr.now())
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = tr.Upsert(ctx, "", 1, tr.now())
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRateLimitTracker_List(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	windows, err := tr.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, windows)

	for _, svc := range []string{"whisper", "dalle", "openai"} {
		_, err := tr.Upsert(ctx, svc, 5, tr.now())
		require.NoError(t, err)
	}

	windows, err = tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 3)
	assert.Equal(t, "dalle", windows[0].ServiceName)
	assert.Equal(t, "openai", windows[1].ServiceName)
	assert.Equal(t, "whisper", windows[2].ServiceName)
}

func TestRateLimitTracker_MalformedWindow(t *testing.T) {
	rc, mr := newTestRedis(t)
	tr := NewRateLimitTracker(rc)

	mr.HSet(rateLimitKey("dalle"), "id", "w1", "service_name", "dalle", "request_limit", "10", "requests_used", "-3")

	_, err := tr.Get(context.Background(), "dalle")
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
}
