package runmarker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	tracker := NewRedisTracker(mr.Addr(), "", 0)
	t.Cleanup(func() {
		_ = tracker.Close()
	})
	return tracker, mr
}

func TestTrackersClaimOncePerJobAndDay(t *testing.T) {
	redisTracker, _ := newRedisTracker(t)
	trackers := map[string]LastRunTracker{
		"memory": NewMemoryTracker(),
		"redis":  redisTracker,
	}

	for name, tracker := range trackers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := tracker.Claim(ctx, "stock-replenishment", "2026-05-01")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tracker.Claim(ctx, "stock-replenishment", "2026-05-01")
			require.NoError(t, err)
			assert.False(t, ok, "second claim on the same day")

			ok, err = tracker.Claim(ctx, "price-change-check", "2026-05-01")
			require.NoError(t, err)
			assert.True(t, ok, "other job is independent")

			ok, err = tracker.Claim(ctx, "stock-replenishment", "2026-05-02")
			require.NoError(t, err)
			assert.True(t, ok, "next day is claimable")

			require.NoError(t, tracker.Release(ctx, "stock-replenishment", "2026-05-01"))
			ok, err = tracker.Claim(ctx, "stock-replenishment", "2026-05-01")
			require.NoError(t, err)
			assert.True(t, ok, "released day is claimable again")
		})
	}
}

func TestRedisMarkerExpires(t *testing.T) {
	tracker, mr := newRedisTracker(t)
	ctx := context.Background()

	ok, err := tracker.Claim(ctx, "job", "2026-05-01")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(markerTTL + time.Minute)

	ok, err = tracker.Claim(ctx, "job", "2026-05-01")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDayUsesLocation(t *testing.T) {
	late := time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*3600)

	assert.Equal(t, "2026-05-01", Day(late, nil))
	assert.Equal(t, "2026-05-02", Day(late, tokyo))
}
