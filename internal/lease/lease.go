// Package lease provides run locks that keep overlapping dispatcher runs,
// possibly on different hosts, from working the same batch.
package lease

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/busybox42/mailq/internal/queue"
)

// Backend names accepted in configuration
const (
	BackendNone      = "none"
	BackendLocal     = "local"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
)

// DefaultKey is the lock key shared by every dispatcher of one queue
const DefaultKey = "mailq:dispatcher:lease"

// ErrInvalidTTL is returned for a lease without a positive TTL
var ErrInvalidTTL = errors.New("lease ttl must be positive")

// ParseBackend normalizes a backend name
func ParseBackend(name string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(name)); b {
	case "", BackendNone:
		return BackendNone, nil
	case BackendLocal, BackendRedis, BackendMemcached:
		return b, nil
	default:
		return "", fmt.Errorf("unknown lease backend %q", name)
	}
}

func newToken() string {
	return uuid.NewString()
}

// Ensure every backend implements queue.RunLock
var (
	_ queue.RunLock = (*Local)(nil)
	_ queue.RunLock = (*Redis)(nil)
	_ queue.RunLock = (*Memcached)(nil)
)
