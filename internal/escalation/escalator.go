// Package escalation reports items that exhausted their delivery attempts to
// operators.
package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/mailq/internal/queue"
)

// DefaultNotifyTimeout bounds each notification channel
const DefaultNotifyTimeout = 10 * time.Second

// Notice is what operators see about a final failure
type Notice struct {
	ID        string    `json:"id"`
	ItemID    int64     `json:"item_id"`
	RunID     string    `json:"run_id,omitempty"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is one operator channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, notice Notice) error
}

// AttemptWriter appends delivery attempt logs
type AttemptWriter interface {
	AppendAttempt(ctx context.Context, entry queue.AttemptLog) error
}

// Escalator records the final attempt and fans the failure out to every
// configured channel.
type Escalator struct {
	attempts  AttemptWriter
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Ensure Escalator implements queue.Escalator
var _ queue.Escalator = (*Escalator)(nil)

// New creates an Escalator. attempts may be nil when the final attempt log is
// written elsewhere.
func New(attempts AttemptWriter, notifiers ...Notifier) *Escalator {
	return &Escalator{
		attempts:  attempts,
		notifiers: notifiers,
		timeout:   DefaultNotifyTimeout,
		logger:    slog.Default().With("component", "escalation"),
		now:       time.Now,
	}
}

// SetTimeout changes the per-channel notification deadline
func (e *Escalator) SetTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Notifiers returns the configured channel names
func (e *Escalator) Notifiers() []string {
	names := make([]string, 0, len(e.notifiers))
	for _, n := range e.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Escalate implements queue.Escalator. The attempt log is written first;
// channel errors are logged and never returned.
func (e *Escalator) Escalate(ctx context.Context, item queue.Item, final queue.AttemptLog) {
	logger := e.logger.With(
		"item_id", item.ID,
		"recipient", item.Recipient,
		"run_id", final.RunID,
	)

	if e.attempts != nil {
		if err := e.attempts.AppendAttempt(ctx, final); err != nil {
			logger.Error("Failed to record final attempt", "error", err)
		}
	}

	createdAt := final.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	errMsg := final.Error
	if errMsg == "" {
		errMsg = item.ErrorMessage
	}
	notice := Notice{
		ID:        uuid.NewString(),
		ItemID:    item.ID,
		RunID:     final.RunID,
		Recipient: item.Recipient,
		Subject:   item.Subject,
		Attempts:  item.Attempts,
		Error:     errMsg,
		CreatedAt: createdAt.UTC(),
	}

	for _, n := range e.notifiers {
		e.notify(ctx, logger, n, notice)
	}
}

func (e *Escalator) notify(ctx context.Context, logger *slog.Logger, n Notifier, notice Notice) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Escalation channel panicked", "channel", n.Name(), "panic", r)
		}
	}()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := n.Notify(notifyCtx, notice); err != nil {
		logger.Warn("Escalation channel unavailable",
			"event_type", "escalation_failed",
			"channel", n.Name(),
			"error", err,
		)
		return
	}
	logger.Debug("Escalation delivered", "channel", n.Name())
}
