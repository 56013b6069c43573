package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/logging"
)

// Envelope is what collaborators hand to Enqueue
type Envelope struct {
	Recipient   string
	Subject     string
	Body        string
	Headers     []string
	Attachments []delivery.Attachment
	Priority    Priority
	// ScheduledAt delays the first attempt; zero means now
	ScheduledAt time.Time
}

// ItemDetail is an item with its attempt history
type ItemDetail struct {
	Item     Item         `json:"item"`
	Attempts []AttemptLog `json:"attempts"`
}

// Manager is the collaborator-facing side of the queue: enqueue, status and
// housekeeping. Delivery is driven by the Dispatcher.
type Manager struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
	msgLogger   *logging.MessageLogger
	metrics     MetricsRecorder
	now         func() time.Time
}

// NewManager creates a queue manager over store. maxAttempts applies to new
// items; values below 1 fall back to DefaultMaxAttempts.
func NewManager(store Store, maxAttempts int) *Manager {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := slog.Default().With("component", "queue")
	return &Manager{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
		msgLogger:   logging.NewMessageLogger(logger),
		now:         time.Now,
	}
}

// SetMetricsRecorder sets the metrics recorder for the manager
func (m *Manager) SetMetricsRecorder(recorder MetricsRecorder) {
	m.metrics = recorder
}

// Store returns the underlying store
func (m *Manager) Store() Store {
	return m.store
}

// Enqueue validates env and inserts a pending item. Validation failures are
// returned synchronously and nothing is written.
func (m *Manager) Enqueue(ctx context.Context, env Envelope) (int64, error) {
	recipient, err := NormalizeRecipient(env.Recipient)
	if err != nil {
		m.msgLogger.LogRejection(logging.ItemContext{
			Recipient: env.Recipient,
			Subject:   env.Subject,
			Error:     err.Error(),
		})
		if m.metrics != nil {
			m.metrics.RecordRejected()
		}
		return 0, err
	}

	for _, h := range env.Headers {
		if _, _, err := delivery.ParseHeader(h); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	for _, att := range env.Attachments {
		if strings.TrimSpace(att.Path) == "" {
			return 0, fmt.Errorf("%w: attachment %q has no path", ErrInvalidMessage, att.Filename)
		}
	}

	priority := env.Priority
	switch priority {
	case 0:
		priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return 0, fmt.Errorf("%w: unknown priority %d", ErrInvalidMessage, int(priority))
	}

	now := m.now()
	scheduled := env.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}

	item := &Item{
		Recipient:   recipient,
		Subject:     env.Subject,
		Body:        env.Body,
		Headers:     env.Headers,
		Attachments: env.Attachments,
		Priority:    priority,
		ScheduledAt: scheduled,
		CreatedAt:   now,
		Status:      StatusPending,
		MaxAttempts: m.maxAttempts,
	}

	id, err := m.store.Insert(ctx, item)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message for %s: %w", recipient, err)
	}

	m.msgLogger.LogEnqueued(logging.ItemContext{
		ItemID:      id,
		Recipient:   recipient,
		Subject:     env.Subject,
		Priority:    priority.String(),
		MaxAttempts: m.maxAttempts,
	})
	if m.metrics != nil {
		m.metrics.RecordEnqueued(priority)
	}
	return id, nil
}

// QueueStatus returns per-status counts
func (m *Manager) QueueStatus(ctx context.Context) (StatusCounts, error) {
	counts, err := m.store.StatusCounts(ctx)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("failed to read queue status: %w", err)
	}
	if m.metrics != nil {
		m.metrics.RecordQueueDepth(counts)
	}
	return counts, nil
}

// RetentionCutoff returns the purge boundary for a retention period in days
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
}

// Purge removes sent and failed items whose terminal time is older than
// retentionDays. Pending and sending items are never touched.
func (m *Manager) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", retentionDays)
	}

	cutoff := RetentionCutoff(m.now(), retentionDays)
	deleted, err := m.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	m.logger.Info("queue_purge",
		"event_type", "purge",
		"retention_days", retentionDays,
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted", deleted)
	return deleted, nil
}

// Get returns an item and its attempt history
func (m *Manager) Get(ctx context.Context, id int64) (ItemDetail, error) {
	item, err := m.store.Get(ctx, id)
	if err != nil {
		return ItemDetail{}, err
	}
	attempts, err := m.store.Attempts(ctx, id)
	if err != nil {
		return ItemDetail{}, err
	}
	if attempts == nil {
		attempts = []AttemptLog{}
	}
	return ItemDetail{Item: item, Attempts: attempts}, nil
}

// List returns up to limit items in the given status
func (m *Manager) List(ctx context.Context, status Status, limit int) ([]Item, error) {
	items, err := m.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}
