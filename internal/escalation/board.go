package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultNoticeKey is the Redis list holding admin notices
const DefaultNoticeKey = "mailq:notices"

// DefaultNoticesKept caps the admin notice board
const DefaultNoticesKept = 500

// NoticeBoard is an admin-visible notice channel that can be read back
type NoticeBoard interface {
	Notifier
	Notices(ctx context.Context, limit int) ([]Notice, error)
}

// RedisNoticeBoard keeps the newest notices in a capped Redis list
type RedisNoticeBoard struct {
	client redis.UniversalClient
	key    string
	max    int64
}

// NewRedisNoticeBoard creates a notice board on client. Zero values select
// DefaultNoticeKey and DefaultNoticesKept.
func NewRedisNoticeBoard(client redis.UniversalClient, key string, keep int) *RedisNoticeBoard {
	if key == "" {
		key = DefaultNoticeKey
	}
	if keep <= 0 {
		keep = DefaultNoticesKept
	}
	return &RedisNoticeBoard{client: client, key: key, max: int64(keep)}
}

// Name returns the channel name
func (b *RedisNoticeBoard) Name() string { return "redis-notices" }

// Notify pushes the notice and trims the list
func (b *RedisNoticeBoard) Notify(ctx context.Context, notice Notice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.key, data)
	pipe.LTrim(ctx, b.key, 0, b.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to post notice: %w", err)
	}
	return nil
}

// Notices returns up to limit notices, newest first
func (b *RedisNoticeBoard) Notices(ctx context.Context, limit int) ([]Notice, error) {
	if limit <= 0 || int64(limit) > b.max {
		limit = int(b.max)
	}
	raw, err := b.client.LRange(ctx, b.key, 0, int64(limit)-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read notices: %w", err)
	}
	out := make([]Notice, 0, len(raw))
	for _, item := range raw {
		var n Notice
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MemoryNoticeBoard keeps notices in process for single-node deployments
type MemoryNoticeBoard struct {
	mu      sync.Mutex
	max     int
	notices []Notice
}

// NewMemoryNoticeBoard creates an in-process notice board
func NewMemoryNoticeBoard(keep int) *MemoryNoticeBoard {
	if keep <= 0 {
		keep = DefaultNoticesKept
	}
	return &MemoryNoticeBoard{max: keep}
}

// Name returns the channel name
func (b *MemoryNoticeBoard) Name() string { return "notices" }

// Notify records the notice, dropping the oldest past the cap
func (b *MemoryNoticeBoard) Notify(_ context.Context, notice Notice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, notice)
	if over := len(b.notices) - b.max; over > 0 {
		b.notices = append([]Notice(nil), b.notices[over:]...)
	}
	return nil
}

// Notices returns up to limit notices, newest first
func (b *MemoryNoticeBoard) Notices(_ context.Context, limit int) ([]Notice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.notices) {
		limit = len(b.notices)
	}
	out := make([]Notice, 0, limit)
	for i := len(b.notices) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.notices[i])
	}
	return out, nil
}
