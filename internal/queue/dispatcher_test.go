package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailq/internal/delivery"
)

func TestRunOnceDeliversItem(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	metrics := newCountingMetrics()
	d.SetMetricsRecorder(metrics)
	ctx := context.Background()

	id := enqueue(t, m, "alice@example.com", PriorityNormal)

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Sent)
	assert.NotEmpty(t, report.RunID)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, item.Status)
	assert.True(t, item.SentAt.Equal(baseTime))
	assert.Empty(t, item.ErrorMessage)
	assert.Equal(t, 0, item.Attempts)

	logs, err := store.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, report.RunID, logs[0].RunID)
	assert.Equal(t, "192.0.2.10:587", logs[0].RemoteAddr)
	assert.NotEmpty(t, logs[0].ClientHost)

	assert.Equal(t, 1, metrics.sent)
	require.Len(t, metrics.runs, 1)
	assert.Equal(t, int64(1), metrics.depth.Sent)

	// terminal items are never selected again
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Len(t, tr.recipients(), 1)
}

func TestRunOnceRetrySchedule(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{fn: alwaysFail("421 4.7.0 try again later")}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	esc := &recordingEscalator{store: store}
	d.SetEscalator(esc)
	ctx := context.Background()

	id := enqueue(t, m, "bob@example.com", PriorityNormal)

	// attempt 1 fails: retry in 60s
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, item.ScheduledAt.Equal(baseTime.Add(60*time.Second)), item.ScheduledAt)
	assert.Equal(t, "421 4.7.0 try again later", item.ErrorMessage)

	// not yet eligible
	clock.Advance(30 * time.Second)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)

	// attempt 2 fails: retry in 300s
	clock.Advance(30 * time.Second)
	attempt2 := clock.Now()
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	item, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.True(t, item.ScheduledAt.Equal(attempt2.Add(300*time.Second)), item.ScheduledAt)

	// attempt 3 fails: final
	clock.Advance(300 * time.Second)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	item, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Equal(t, "421 4.7.0 try again later", item.ErrorMessage)

	require.Len(t, esc.items, 1)
	assert.Equal(t, id, esc.items[0].ID)
	assert.Equal(t, StatusFailed, esc.items[0].Status)
	assert.True(t, esc.logs[0].Final)

	logs, err := store.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, l := range logs {
		assert.Equal(t, OutcomeFailure, l.Outcome)
		assert.Equal(t, i == 2, l.Final)
	}

	// further runs leave the failed item alone
	clock.Advance(time.Hour)
	report, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Selected)
	assert.Len(t, tr.recipients(), 3)
}

func TestRunOnceAttemptsNeverDecrease(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	calls := 0
	tr := &scriptedTransport{fn: func(context.Context, *delivery.Message) delivery.Result {
		calls++
		if calls%2 == 1 {
			return delivery.Result{Message: "timeout"}
		}
		return delivery.Result{Success: true}
	}}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	ctx := context.Background()

	id := enqueue(t, m, "c@example.com", PriorityNormal)
	last := 0
	for i := 0; i < 4; i++ {
		_, err := d.RunOnce(ctx)
		require.NoError(t, err)
		item, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, item.Attempts, last)
		last = item.Attempts
		clock.Advance(15 * time.Minute)
	}

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, item.Status)
	assert.Equal(t, 1, item.Attempts)
}

func TestRunOncePriorityOrder(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})

	enqueue(t, m, "a@example.com", PriorityHigh)
	clock.Advance(time.Millisecond)
	enqueue(t, m, "b@example.com", PriorityLow)
	clock.Advance(time.Millisecond)
	enqueue(t, m, "c@example.com", PriorityNormal)

	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "c@example.com", "b@example.com"}, tr.recipients())
}

func TestRunOnceRateLimit(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{clock: clock}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{RateLimit: 5, BatchSize: 50})

	for i := 0; i < 12; i++ {
		enqueue(t, m, fmt.Sprintf("r%d@example.com", i), PriorityNormal)
	}

	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Sent)

	perWindow := map[int64]int{}
	for _, rec := range tr.records() {
		perWindow[int64(rec.At.Sub(baseTime)/time.Second)]++
	}
	for w, n := range perWindow {
		assert.LessOrEqual(t, n, 5, "window %d", w)
	}
	assert.Equal(t, map[int64]int{0: 5, 1: 5, 2: 2}, perWindow)
}

func TestRunOnceBatchSize(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{BatchSize: 3})

	for i := 0; i < 5; i++ {
		enqueue(t, m, fmt.Sprintf("r%d@example.com", i), PriorityNormal)
	}

	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Selected)

	counts, err := store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Pending)
}

func TestConcurrentDispatchersClaimEachItemOnce(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)

	var mu sync.Mutex
	perRecipient := map[string]int{}
	fn := func(_ context.Context, msg *delivery.Message) delivery.Result {
		mu.Lock()
		perRecipient[msg.To]++
		mu.Unlock()
		return delivery.Result{Success: true}
	}

	const items = 20
	for i := 0; i < items; i++ {
		enqueue(t, m, fmt.Sprintf("r%d@example.com", i), PriorityNormal)
	}

	d1 := newTestDispatcher(store, &scriptedTransport{fn: fn}, clock, DispatcherConfig{Workers: 3})
	d2 := newTestDispatcher(store, &scriptedTransport{fn: fn}, clock, DispatcherConfig{Workers: 3})

	var wg sync.WaitGroup
	reports := make([]RunReport, 2)
	for i, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			r, err := d.RunOnce(context.Background())
			assert.NoError(t, err)
			reports[i] = r
		}(i, d)
	}
	wg.Wait()

	assert.Len(t, perRecipient, items)
	for rcpt, n := range perRecipient {
		assert.Equal(t, 1, n, rcpt)
	}
	assert.Equal(t, items, reports[0].Sent+reports[1].Sent)

	counts, err := store.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(items), counts.Sent)
}

func TestOutdatedSnapshotDoesNotResend(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	ctx := context.Background()

	failing := &scriptedTransport{fn: alwaysFail("421 4.7.0 try again later")}
	runB := newTestDispatcher(store, failing, clock, DispatcherConfig{})
	succeeding := &scriptedTransport{}
	runA := newTestDispatcher(store, succeeding, clock, DispatcherConfig{})

	id := enqueue(t, m, "overlap@example.com", PriorityNormal)

	// run A selects its batch, then run B claims the same item, fails it
	// and reschedules it before run A gets to it
	snapshot, err := store.SelectBatch(ctx, 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	report, err := runB.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	var stale RunReport
	runA.processItem(ctx, "run-a", snapshot[0], &runTally{report: &stale})
	assert.Equal(t, 1, stale.Skipped)
	assert.Empty(t, succeeding.recipients())

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.True(t, item.ScheduledAt.Equal(baseTime.Add(60*time.Second)), item.ScheduledAt)

	// a current snapshot is still refused until the retry is due
	current := item
	stale = RunReport{}
	runA.processItem(ctx, "run-a", current, &runTally{report: &stale})
	assert.Equal(t, 1, stale.Skipped)
	assert.Empty(t, succeeding.recipients())

	// once due, the old snapshot stays refused and the next failure
	// follows the schedule
	clock.Advance(60 * time.Second)
	stale = RunReport{}
	runA.processItem(ctx, "run-a", snapshot[0], &runTally{report: &stale})
	assert.Equal(t, 1, stale.Skipped)

	attempt2 := clock.Now()
	report, err = runB.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	item, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.True(t, item.ScheduledAt.Equal(attempt2.Add(300*time.Second)), item.ScheduledAt)
	assert.Len(t, failing.recipients(), 2)
	assert.Empty(t, succeeding.recipients())
}

func TestRunOnceCancellationLeavesUnclaimedPending(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sendCtxErr error
	tr := &scriptedTransport{fn: func(sendCtx context.Context, _ *delivery.Message) delivery.Result {
		cancel()
		sendCtxErr = sendCtx.Err()
		return delivery.Result{Success: true}
	}}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})

	first := enqueue(t, m, "first@example.com", PriorityHigh)
	enqueue(t, m, "second@example.com", PriorityNormal)
	enqueue(t, m, "third@example.com", PriorityNormal)

	report, err := d.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Sent)
	assert.NoError(t, sendCtxErr, "a send in progress is not aborted")

	item, err := store.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, item.Status)

	pending, err := store.ListByStatus(context.Background(), StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, it := range pending {
		assert.Equal(t, 0, it.Attempts)
	}
}

func TestRunOnceRecoversStaleClaims(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{StaleAfter: 10 * time.Minute})
	ctx := context.Background()

	id := enqueue(t, m, "stuck@example.com", PriorityNormal)
	require.NoError(t, store.MarkSending(ctx, id, 0, baseTime))

	clock.Advance(11 * time.Minute)
	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 0, report.Selected)

	item, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "delivery interrupted", item.ErrorMessage)
	assert.True(t, item.ScheduledAt.Equal(clock.Now().Add(time.Minute)))
	assert.Empty(t, tr.recipients())
}

func TestRunOnceStoreUnavailable(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	require.NoError(t, store.Close())

	_, err := d.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Empty(t, tr.recipients())
}

type stubLock struct {
	ok       bool
	err      error
	released int
}

func (l *stubLock) Acquire(context.Context) (bool, error) { return l.ok, l.err }
func (l *stubLock) Release(context.Context) error         { l.released++; return nil }

func TestRunOnceRespectsRunLock(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := newTestManager(store, clock)
	tr := &scriptedTransport{}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	enqueue(t, m, "a@example.com", PriorityNormal)

	d.SetRunLock(&stubLock{ok: false})
	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LockDenied)

	d.SetRunLock(&stubLock{err: errors.New("redis: connection refused")})
	report, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LockDenied)
	assert.Empty(t, tr.recipients())

	lock := &stubLock{ok: true}
	d.SetRunLock(lock)
	report, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, lock.released)
}

type recordingDeliveryRecorder struct {
	sent, failed, deferred int
	errors                 []string
}

func (r *recordingDeliveryRecorder) IncrSent(context.Context) error     { r.sent++; return nil }
func (r *recordingDeliveryRecorder) IncrFailed(context.Context) error   { r.failed++; return nil }
func (r *recordingDeliveryRecorder) IncrDeferred(context.Context) error { r.deferred++; return nil }
func (r *recordingDeliveryRecorder) AddRecentError(_ context.Context, _ int64, recipient, msg string) error {
	r.errors = append(r.errors, recipient+": "+msg)
	return nil
}

func TestRunOnceFeedsDeliveryRecorder(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(baseTime)
	m := NewManager(store, 1)
	m.now = clock.Now
	tr := &scriptedTransport{fn: alwaysFail("550 5.1.1 user unknown")}
	d := newTestDispatcher(store, tr, clock, DispatcherConfig{})
	rec := &recordingDeliveryRecorder{}
	d.SetDeliveryRecorder(rec)

	enqueue(t, m, "gone@example.com", PriorityNormal)
	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, rec.failed)
	assert.Equal(t, []string{"gone@example.com: 550 5.1.1 user unknown"}, rec.errors)
}

func TestDispatcherStartStop(t *testing.T) {
	store := newTestStore(t)
	m := NewManager(store, 3)
	tr := &scriptedTransport{}
	d := NewDispatcher(store, tr, DispatcherConfig{Interval: 20 * time.Millisecond, RateLimit: 100})

	enqueue(t, m, "loop@example.com", PriorityNormal)

	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(tr.recipients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.Stop()
	d.Stop()
}
