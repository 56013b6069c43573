package queue

import (
	"context"
	"time"
)

// MetricsRecorder receives queue events for process metrics
type MetricsRecorder interface {
	RecordEnqueued(priority Priority)
	RecordRejected()
	RecordSent(sendDuration time.Duration)
	RecordRetried(sendDuration time.Duration)
	RecordFailed(sendDuration time.Duration)
	RecordRun(report RunReport)
	RecordQueueDepth(counts StatusCounts)
}

// DeliveryRecorder persists delivery counters outside the process,
// shared by every node (e.g. Redis)
type DeliveryRecorder interface {
	IncrSent(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	AddRecentError(ctx context.Context, itemID int64, recipient, errorMsg string) error
}

// Escalator handles items that exhausted their attempts. Implementations
// append the final attempt log before notifying anyone, and never fail the
// caller: notification errors are logged.
type Escalator interface {
	Escalate(ctx context.Context, item Item, final AttemptLog)
}

// RunLock guards a dispatcher run across processes. Acquire reports false
// when another holder owns the lock.
type RunLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
