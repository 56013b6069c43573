package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/mailq/internal/queue"
)

// DefaultPrefix namespaces every key the store writes
const DefaultPrefix = "mailq:metrics:"

const (
	recentErrorsKept = 100
	hourlyTTL        = 24 * time.Hour
	hourKeyLayout    = "2006-01-02:15"
)

// DeliveryMetrics holds delivery statistics
type DeliveryMetrics struct {
	TotalSent     int64     `json:"total_sent"`
	TotalFailed   int64     `json:"total_failed"`
	TotalDeferred int64     `json:"total_deferred"`
	LastUpdated   time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour     string `json:"hour"`
	Sent     int64  `json:"sent"`
	Failed   int64  `json:"failed"`
	Deferred int64  `json:"deferred"`
}

// RecentError is one entry of the recent delivery error list
type RecentError struct {
	ItemID    int64     `json:"item_id"`
	Recipient string    `json:"recipient"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisStore keeps delivery counters in Redis so that several dispatcher
// processes report into one place.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Ensure RedisStore implements queue.DeliveryRecorder
var _ queue.DeliveryRecorder = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed metrics store. An empty prefix
// selects DefaultPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// incrCounter increments a total and its hourly bucket in one round trip
func (s *RedisStore) incrCounter(ctx context.Context, counterName string) error {
	now := s.now()
	key := s.prefix + counterName
	hourKey := s.hourKey(now, counterName)

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, hourlyTTL)
	pipe.Set(ctx, s.prefix+"last_updated", now.UTC().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment %s: %w", counterName, err)
	}
	return nil
}

func (s *RedisStore) hourKey(t time.Time, counterName string) string {
	return s.prefix + "hourly:" + t.UTC().Format(hourKeyLayout) + ":" + counterName
}

// IncrSent increments the sent counter
func (s *RedisStore) IncrSent(ctx context.Context) error {
	return s.incrCounter(ctx, "sent")
}

// IncrFailed increments the failed counter
func (s *RedisStore) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrDeferred increments the deferred counter
func (s *RedisStore) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "deferred")
}

// AddRecentError stores a recent delivery error, keeping the newest 100
func (s *RedisStore) AddRecentError(ctx context.Context, itemID int64, recipient, errorMsg string) error {
	data, err := json.Marshal(RecentError{
		ItemID:    itemID,
		Recipient: recipient,
		Error:     errorMsg,
		Timestamp: s.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentErrorsKept-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetMetrics retrieves current delivery metrics
func (s *RedisStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	vals, err := s.client.MGet(ctx,
		s.prefix+"sent",
		s.prefix+"failed",
		s.prefix+"deferred",
		s.prefix+"last_updated",
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics: %w", err)
	}

	m := &DeliveryMetrics{
		TotalSent:     parseCount(vals[0]),
		TotalFailed:   parseCount(vals[1]),
		TotalDeferred: parseCount(vals[2]),
	}
	if str, ok := vals[3].(string); ok {
		m.LastUpdated, _ = time.Parse(time.RFC3339, str)
	}
	return m, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours, oldest first
func (s *RedisStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	now := s.now()
	keys := make([]string, 0, 24*3)
	stats := make([]HourlyStats, 24)
	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		stats[i].Hour = hour.UTC().Format("15:00")
		keys = append(keys,
			s.hourKey(hour, "sent"),
			s.hourKey(hour, "failed"),
			s.hourKey(hour, "deferred"),
		)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hourly stats: %w", err)
	}
	for i := range stats {
		stats[i].Sent = parseCount(vals[i*3])
		stats[i].Failed = parseCount(vals[i*3+1])
		stats[i].Deferred = parseCount(vals[i*3+2])
	}
	return stats, nil
}

// GetRecentErrors retrieves up to limit recent delivery errors, newest first
func (s *RedisStore) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 || limit > recentErrorsKept {
		limit = recentErrorsKept
	}
	result, err := s.client.LRange(ctx, s.prefix+"recent_errors", 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, raw := range result {
		var entry RecentError
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func parseCount(v interface{}) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(str, 10, 64)
	return n
}
