package lease

import (
	"context"
	"sync"
	"time"
)

// localSlot is the in-process counterpart of a shared lease key
type localSlot struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
}

var (
	localMu    sync.Mutex
	localSlots = map[string]*localSlot{}
)

func slotFor(key string) *localSlot {
	localMu.Lock()
	defer localMu.Unlock()
	s, ok := localSlots[key]
	if !ok {
		s = &localSlot{}
		localSlots[key] = s
	}
	return s
}

// Local is an in-process lease with the same TTL semantics as the shared
// backends. Leases created with the same key contend for one slot; it only
// protects runs inside one process.
type Local struct {
	slot *localSlot
	ttl  time.Duration
	// token identifies the current acquisition
	token string
	now   func() time.Time
}

// NewLocal creates an in-process lease on key
func NewLocal(key string, ttl time.Duration) (*Local, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if key == "" {
		key = DefaultKey
	}
	return &Local{slot: slotFor(key), ttl: ttl, now: time.Now}, nil
}

// Acquire implements queue.RunLock
func (l *Local) Acquire(_ context.Context) (bool, error) {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()

	now := l.now()
	if l.slot.holder != "" && now.Before(l.slot.expires) {
		return false, nil
	}
	l.token = newToken()
	l.slot.holder = l.token
	l.slot.expires = now.Add(l.ttl)
	return true, nil
}

// Release implements queue.RunLock. A lease that expired and was taken by
// another holder is left alone.
func (l *Local) Release(_ context.Context) error {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if l.token != "" && l.slot.holder == l.token {
		l.slot.holder = ""
		l.slot.expires = time.Time{}
	}
	l.token = ""
	return nil
}
