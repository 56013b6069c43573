package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available, skipping test: %v", err)
	}

	prefix := fmt.Sprintf("mailq:test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return NewRedisStore(client, prefix)
}

func TestRedisStoreCounters(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	require.NoError(t, s.IncrSent(ctx))
	require.NoError(t, s.IncrSent(ctx))
	require.NoError(t, s.IncrDeferred(ctx))
	require.NoError(t, s.IncrFailed(ctx))

	m, err := s.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.TotalSent)
	assert.Equal(t, int64(1), m.TotalFailed)
	assert.Equal(t, int64(1), m.TotalDeferred)
	assert.True(t, m.LastUpdated.Equal(at))

	stats, err := s.GetHourlyStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 24)
	last := stats[23]
	assert.Equal(t, "09:00", last.Hour)
	assert.Equal(t, int64(2), last.Sent)
	assert.Equal(t, int64(1), last.Failed)
	assert.Equal(t, int64(1), last.Deferred)
	assert.Equal(t, int64(0), stats[0].Sent)
}

func TestRedisStoreRecentErrors(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	for i := 0; i < recentErrorsKept+5; i++ {
		require.NoError(t, s.AddRecentError(ctx, int64(i), "user@example.com", fmt.Sprintf("550 rejected %d", i)))
	}

	errs, err := s.GetRecentErrors(ctx, 0)
	require.NoError(t, err)
	require.Len(t, errs, recentErrorsKept)
	assert.Equal(t, int64(recentErrorsKept+4), errs[0].ItemID)
	assert.Equal(t, "user@example.com", errs[0].Recipient)

	errs, err = s.GetRecentErrors(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, errs, 3)
}

func TestRedisStoreEmpty(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	m, err := s.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.TotalSent)
	assert.True(t, m.LastUpdated.IsZero())

	errs, err := s.GetRecentErrors(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
