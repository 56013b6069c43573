package queue

import (
	"context"
	"time"
)

// Store is the durable table of queue items and delivery attempt logs.
// Every state transition is a single conditional update keyed by id and the
// expected source status, so overlapping dispatcher runs cannot both claim an item.
type Store interface {
	// Insert persists a new pending item and returns its id
	Insert(ctx context.Context, item *Item) (int64, error)
	Get(ctx context.Context, id int64) (Item, error)

	// SelectBatch returns eligible pending items in priority, creation time, id order
	SelectBatch(ctx context.Context, limit int, now time.Time) ([]Item, error)
	// SelectStale returns sending items whose claim is older than cutoff
	SelectStale(ctx context.Context, cutoff time.Time, limit int) ([]Item, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Item, error)

	// pending -> sending, only while the item is due and still has the
	// attempts count the caller selected it with
	MarkSending(ctx context.Context, id int64, attempts int, now time.Time) error
	// sending -> sent
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	// sending -> pending, attempts+1
	Reschedule(ctx context.Context, id int64, nextAttemptAt time.Time, errorMessage string, now time.Time) error
	// sending -> failed, attempts = max_attempts
	MarkFailed(ctx context.Context, id int64, errorMessage string, now time.Time) error

	StatusCounts(ctx context.Context) (StatusCounts, error)
	// Purge removes terminal items whose terminal timestamp is strictly before olderThan
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	AppendAttempt(ctx context.Context, entry AttemptLog) error
	Attempts(ctx context.Context, itemID int64) ([]AttemptLog, error)

	Ping(ctx context.Context) error
	Close() error
}
