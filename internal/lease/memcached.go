package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is a lease stored with memcached's atomic Add
type Memcached struct {
	client *memcache.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewMemcached creates a memcached-backed lease. Memcached expirations have
// one second resolution, so shorter TTLs are rounded up.
func NewMemcached(client *memcache.Client, key string, ttl time.Duration) (*Memcached, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if key == "" {
		key = DefaultKey
	}
	return &Memcached{client: client, key: key, ttl: ttl, token: newToken()}, nil
}

func (m *Memcached) expiration() int32 {
	secs := int32((m.ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Acquire implements queue.RunLock
func (m *Memcached) Acquire(_ context.Context) (bool, error) {
	err := m.client.Add(&memcache.Item{
		Key:        m.key,
		Value:      []byte(m.token),
		Expiration: m.expiration(),
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, memcache.ErrNotStored):
		return false, nil
	default:
		return false, fmt.Errorf("failed to acquire lease %s: %w", m.key, err)
	}
}

// Release implements queue.RunLock. Memcached has no compare-and-delete; the
// token is checked first, leaving a window no wider than one round trip.
func (m *Memcached) Release(_ context.Context) error {
	item, err := m.client.Get(m.key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease %s: %w", m.key, err)
	}
	if string(item.Value) != m.token {
		return nil
	}
	if err := m.client.Delete(m.key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("failed to release lease %s: %w", m.key, err)
	}
	return nil
}
