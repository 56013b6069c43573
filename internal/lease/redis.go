package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease stored as a single key written with SET NX PX
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string
}

// NewRedis creates a Redis-backed lease
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key, ttl: ttl, token: newToken()}, nil
}

// Acquire implements queue.RunLock
func (r *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key, r.token, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", r.key, err)
	}
	return ok, nil
}

// Release implements queue.RunLock. A lease that already expired and was
// taken by someone else is left alone.
func (r *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", r.key, err)
	}
	return nil
}
