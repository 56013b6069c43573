package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for queue item lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// ItemContext contains all context about a queue item for logging
type ItemContext struct {
	ItemID         int64
	RunID          string
	Recipient      string
	Subject        string
	Priority       string
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	DeliveryTime   time.Time
	NextRetry      time.Time
	ClientHost     string
	RemoteAddr     string
	DeliveryMethod string
	Error          string
}

// LogEnqueued logs when an item is accepted into the queue
func (ml *MessageLogger) LogEnqueued(ctx ItemContext) {
	ml.logger.Info("message_enqueued",
		"event_type", "enqueue",
		"item_id", ctx.ItemID,
		"recipient", ctx.Recipient,
		"subject", ctx.Subject,
		"priority", ctx.Priority,
		"max_attempts", ctx.MaxAttempts,
		"status", "pending",
	)
}

// LogRejection logs a recipient refused at enqueue time
func (ml *MessageLogger) LogRejection(ctx ItemContext) {
	ml.logger.Warn("message_rejection",
		"event_type", "rejection",
		"recipient", ctx.Recipient,
		"subject", ctx.Subject,
		"rejection_reason", ctx.Error,
		"status", "rejected",
	)
}

// LogDelivery logs a successful delivery
func (ml *MessageLogger) LogDelivery(ctx ItemContext) {
	totalDelay := time.Duration(0)
	if !ctx.DeliveryTime.IsZero() && !ctx.CreatedAt.IsZero() {
		totalDelay = ctx.DeliveryTime.Sub(ctx.CreatedAt)
	}

	fields := []any{
		"event_type", "delivery",
		"item_id", ctx.ItemID,
		"run_id", ctx.RunID,
		"recipient", ctx.Recipient,
		"subject", ctx.Subject,
		"priority", ctx.Priority,
		"delivery_method", ctx.DeliveryMethod,
		"attempts", ctx.Attempts,
		"delivery_time", ctx.DeliveryTime.Format(time.RFC3339),
		"total_delay_ms", totalDelay.Milliseconds(),
		"status", "sent",
	}
	if ctx.RemoteAddr != "" {
		fields = append(fields, "remote_addr", ctx.RemoteAddr)
	}

	ml.logger.Info("message_delivery", fields...)
}

// LogDeferral logs a failed attempt that will be retried
func (ml *MessageLogger) LogDeferral(ctx ItemContext) {
	now := time.Now()
	nextRetryDelay := time.Duration(0)
	if !ctx.NextRetry.IsZero() {
		nextRetryDelay = ctx.NextRetry.Sub(now)
	}

	ml.logger.Warn("message_deferral",
		"event_type", "deferral",
		"item_id", ctx.ItemID,
		"run_id", ctx.RunID,
		"recipient", ctx.Recipient,
		"subject", ctx.Subject,
		"delivery_method", ctx.DeliveryMethod,
		"attempts", ctx.Attempts,
		"max_attempts", ctx.MaxAttempts,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
		"next_retry_in_seconds", int(nextRetryDelay.Seconds()),
		"deferral_reason", ctx.Error,
		"status", "pending",
	)
}

// LogBounce logs an item that exhausted its attempts
func (ml *MessageLogger) LogBounce(ctx ItemContext) {
	totalDelay := time.Duration(0)
	if !ctx.CreatedAt.IsZero() {
		totalDelay = time.Since(ctx.CreatedAt)
	}

	ml.logger.Error("message_bounce",
		"event_type", "bounce",
		"item_id", ctx.ItemID,
		"run_id", ctx.RunID,
		"recipient", ctx.Recipient,
		"subject", ctx.Subject,
		"delivery_method", ctx.DeliveryMethod,
		"attempts", ctx.Attempts,
		"max_attempts", ctx.MaxAttempts,
		"total_delay_ms", totalDelay.Milliseconds(),
		"bounce_reason", ctx.Error,
		"status", "failed",
	)
}
