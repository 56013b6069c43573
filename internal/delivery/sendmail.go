package delivery

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// SendmailTransport pipes messages into the platform mailer
type SendmailTransport struct {
	path   string
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewSendmailTransport returns a transport invoking the binary at path
func NewSendmailTransport(path string, sender Sender) *SendmailTransport {
	return &SendmailTransport{
		path:   path,
		sender: sender,
		logger: slog.Default().With("component", "sendmail-transport", "path", path),
		now:    time.Now,
	}
}

// Name implements Transport
func (t *SendmailTransport) Name() string {
	return "sendmail"
}

// Send implements Transport
func (t *SendmailTransport) Send(ctx context.Context, msg *Message) Result {
	data, err := Build(t.sender, msg, t.now())
	if err != nil {
		return Failure(err, "")
	}

	// the envelope recipient is passed explicitly so header addresses never
	// add recipients; -i keeps lone dots in the body
	cmd := exec.CommandContext(ctx, t.path, "-i", "-f", t.sender.Address, "--", msg.To) // #nosec G204 -- path comes from operator config
	cmd.Stdin = bytes.NewReader(data)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(output.String())
		if detail != "" {
			return Failure(fmt.Errorf("sendmail failed: %w: %s", err, detail), "")
		}
		return Failure(fmt.Errorf("sendmail failed: %w", err), "")
	}

	return Result{Success: true, Message: "handed to " + t.path}
}
