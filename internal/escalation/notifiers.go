package escalation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/busybox42/mailq/internal/delivery"
)

// LogNotifier writes notices to the structured log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger selects the default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "escalation")}
}

// Name returns the channel name
func (l *LogNotifier) Name() string { return "log" }

// Notify logs the notice at error level
func (l *LogNotifier) Notify(ctx context.Context, notice Notice) error {
	l.logger.ErrorContext(ctx, "delivery_escalated",
		"event_type", "delivery_escalated",
		"notice_id", notice.ID,
		"item_id", notice.ItemID,
		"run_id", notice.RunID,
		"recipient", notice.Recipient,
		"subject", notice.Subject,
		"attempts", notice.Attempts,
		"error", notice.Error,
	)
	return nil
}

// EmailNotifier mails operators through a transport, bypassing the queue
type EmailNotifier struct {
	transport delivery.Transport
	operators []string
}

// NewEmailNotifier creates an EmailNotifier for the given operator addresses
func NewEmailNotifier(transport delivery.Transport, operators []string) (*EmailNotifier, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	cleaned := make([]string, 0, len(operators))
	for _, op := range operators {
		if op = strings.TrimSpace(op); op != "" {
			cleaned = append(cleaned, op)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("at least one operator address is required")
	}
	return &EmailNotifier{transport: transport, operators: cleaned}, nil
}

// Name returns the channel name
func (n *EmailNotifier) Name() string { return "email" }

// Notify sends one message per operator and reports every rejection
func (n *EmailNotifier) Notify(ctx context.Context, notice Notice) error {
	subject := fmt.Sprintf("[mailq] Delivery failed for item %d", notice.ItemID)
	body := renderNotice(notice)

	var errs []error
	for _, op := range n.operators {
		res := n.transport.Send(ctx, &delivery.Message{
			To:       op,
			Subject:  subject,
			HTMLBody: body,
			Headers:  []string{"X-Mailq-Item: " + fmt.Sprint(notice.ItemID)},
		})
		if !res.Success {
			errs = append(errs, fmt.Errorf("%s: %s", op, res.Message))
		}
	}
	return errors.Join(errs...)
}

func renderNotice(notice Notice) string {
	var b strings.Builder
	b.WriteString("<p>A queued message exhausted its delivery attempts.</p>\n<table>\n")
	row := func(k, v string) {
		fmt.Fprintf(&b, "<tr><th align=\"left\">%s</th><td>%s</td></tr>\n", k, html.EscapeString(v))
	}
	row("Item", fmt.Sprint(notice.ItemID))
	row("Recipient", notice.Recipient)
	row("Subject", notice.Subject)
	row("Attempts", fmt.Sprint(notice.Attempts))
	row("Last error", notice.Error)
	row("Run", notice.RunID)
	row("Time", notice.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("</table>\n")
	return b.String()
}
