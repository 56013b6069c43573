package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/delivery"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeClock is a manually advanced clock shared by manager, dispatcher and limiter
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// fakeLimiter builds a WindowLimiter driven by clock
func fakeLimiter(limit int, clock *fakeClock) *WindowLimiter {
	l := NewWindowLimiter(limit)
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l
}

// sendRecord is one call observed by scriptedTransport
type sendRecord struct {
	To string
	At time.Time
}

// scriptedTransport returns results from fn and records every call
type scriptedTransport struct {
	mu    sync.Mutex
	sends []sendRecord
	clock *fakeClock
	fn    func(ctx context.Context, msg *delivery.Message) delivery.Result
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Send(ctx context.Context, msg *delivery.Message) delivery.Result {
	rec := sendRecord{To: msg.To}
	if s.clock != nil {
		rec.At = s.clock.Now()
	}
	s.mu.Lock()
	s.sends = append(s.sends, rec)
	s.mu.Unlock()

	if s.fn == nil {
		return delivery.Result{Success: true, Message: "250 ok", RemoteAddr: "192.0.2.10:587"}
	}
	return s.fn(ctx, msg)
}

func (s *scriptedTransport) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sends))
	for _, r := range s.sends {
		out = append(out, r.To)
	}
	return out
}

func (s *scriptedTransport) records() []sendRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendRecord(nil), s.sends...)
}

func alwaysFail(msg string) func(context.Context, *delivery.Message) delivery.Result {
	return func(context.Context, *delivery.Message) delivery.Result {
		return delivery.Result{Success: false, Message: msg, RemoteAddr: "192.0.2.10:587"}
	}
}

// recordingEscalator appends the final entry like the real escalator and
// remembers what it was given
type recordingEscalator struct {
	mu    sync.Mutex
	store Store
	items []Item
	logs  []AttemptLog
}

func (e *recordingEscalator) Escalate(ctx context.Context, item Item, final AttemptLog) {
	_ = e.store.AppendAttempt(ctx, final)
	e.mu.Lock()
	e.items = append(e.items, item)
	e.logs = append(e.logs, final)
	e.mu.Unlock()
}

// newTestManager returns a manager whose clock is clock
func newTestManager(store Store, clock *fakeClock) *Manager {
	m := NewManager(store, DefaultMaxAttempts)
	m.now = clock.Now
	return m
}

// newTestDispatcher returns a sequential dispatcher on the fake clock
func newTestDispatcher(store Store, tr delivery.Transport, clock *fakeClock, cfg DispatcherConfig) *Dispatcher {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 100
	}
	d := NewDispatcher(store, tr, cfg)
	d.now = clock.Now
	d.SetRateLimiter(fakeLimiter(d.config.RateLimit, clock))
	return d
}

func enqueue(t *testing.T, m *Manager, recipient string, priority Priority) int64 {
	t.Helper()
	id, err := m.Enqueue(context.Background(), Envelope{
		Recipient: recipient,
		Subject:   "Subject for " + recipient,
		Body:      "<p>body</p>",
		Priority:  priority,
	})
	require.NoError(t, err)
	return id
}
