package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/mailq/internal/delivery"
)

// Status represents the lifecycle state of a queue item
type Status string

const (
	// StatusPending items are waiting for their next eligible attempt
	StatusPending Status = "pending"
	// StatusSending items are claimed by exactly one dispatcher run
	StatusSending Status = "sending"
	// StatusSent items were accepted by the transport
	StatusSent Status = "sent"
	// StatusFailed items exhausted their attempts
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Priority represents message priority. Higher values are selected first.
type Priority int

const (
	// PriorityLow is for bulk campaign traffic
	PriorityLow Priority = 1
	// PriorityNormal is the default
	PriorityNormal Priority = 2
	// PriorityHigh is for transactional messages
	PriorityHigh Priority = 3
)

// String returns the configuration name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a name into a Priority. The empty string maps to normal.
func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", name)
	}
}

// DefaultMaxAttempts is the attempt ceiling applied when none is configured
const DefaultMaxAttempts = 3

// Item is a unit of outbound email work
type Item struct {
	ID          int64                 `json:"id"`
	Recipient   string                `json:"recipient"`
	Subject     string                `json:"subject"`
	Body        string                `json:"body"`
	Headers     []string              `json:"headers,omitempty"`
	Attachments []delivery.Attachment `json:"attachments,omitempty"`

	Priority    Priority  `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`

	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	SentAt        time.Time `json:"sent_at,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Message converts the item payload into a transport message.
func (it Item) Message() *delivery.Message {
	return &delivery.Message{
		To:          it.Recipient,
		Subject:     it.Subject,
		HTMLBody:    it.Body,
		Headers:     it.Headers,
		Attachments: it.Attachments,
	}
}

// Outcome is the result recorded for a delivery attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AttemptLog is one append-only record per transport attempt
type AttemptLog struct {
	ID         int64     `json:"id"`
	ItemID     int64     `json:"item_id"`
	RunID      string    `json:"run_id"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	ClientHost string    `json:"client_host"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Final      bool      `json:"final"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusCounts is the aggregate queue view shown to operators
type StatusCounts struct {
	Pending int64 `json:"pending"`
	Sending int64 `json:"sending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}
