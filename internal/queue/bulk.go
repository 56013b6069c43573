package queue

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/busybox42/mailq/internal/delivery"
)

// BulkRecipient is one addressee of a bulk send with its template fields
type BulkRecipient struct {
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// BulkOptions apply to every item of a bulk send
type BulkOptions struct {
	Headers     []string
	Attachments []delivery.Attachment
	Priority    Priority
	ScheduledAt time.Time
}

// BulkFailure records why one recipient was not enqueued
type BulkFailure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// BulkResult summarizes a bulk send
type BulkResult struct {
	Queued   int           `json:"queued"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	Failures []BulkFailure `json:"failures,omitempty"`
}

// SendBulk renders subject and bodyTemplate per recipient and enqueues one
// item each. A recipient that cannot be enqueued is counted as failed and
// the batch continues. Only context cancellation stops it early.
func (m *Manager) SendBulk(ctx context.Context, recipients []BulkRecipient, subject, bodyTemplate string, opts BulkOptions) (BulkResult, error) {
	result := BulkResult{Total: len(recipients)}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityLow
	}

	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, err := m.Enqueue(ctx, Envelope{
			Recipient:   r.Email,
			Subject:     RenderTemplate(subject, r, false),
			Body:        RenderTemplate(bodyTemplate, r, true),
			Headers:     opts.Headers,
			Attachments: opts.Attachments,
			Priority:    priority,
			ScheduledAt: opts.ScheduledAt,
		})
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, BulkFailure{Recipient: r.Email, Error: err.Error()})
			continue
		}
		result.Queued++
	}

	m.logger.Info("bulk_enqueue",
		"event_type", "bulk",
		"queued", result.Queued,
		"failed", result.Failed,
		"total", result.Total)
	return result, nil
}

// RenderTemplate substitutes {{email}}, {{name}} and {{field}} placeholders.
// Values are HTML-escaped when rendering a body. Unknown placeholders are
// left as they are.
func RenderTemplate(tmpl string, r BulkRecipient, escapeHTML bool) string {
	value := func(v string) string {
		if escapeHTML {
			return html.EscapeString(v)
		}
		return v
	}

	pairs := make([]string, 0, 4+2*len(r.Fields))
	for k, v := range r.Fields {
		if k == "email" || k == "name" {
			continue
		}
		pairs = append(pairs, "{{"+k+"}}", value(v))
	}
	pairs = append(pairs,
		"{{email}}", value(strings.TrimSpace(r.Email)),
		"{{name}}", value(r.Name),
	)
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
