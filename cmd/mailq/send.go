package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/delivery"
	"github.com/busybox42/mailq/internal/queue"
)

// messageFlags are shared by send and bulk
type messageFlags struct {
	subject  string
	body     string
	bodyFile string
	headers  []string
	attach   []string
	priority string
	at       string
}

func (f *messageFlags) register(cmd *cobra.Command, defaultPriority string) {
	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "message subject")
	cmd.Flags().StringVarP(&f.body, "body", "b", "", "HTML body")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", "read the HTML body from a file")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "extra header line, e.g. \"Reply-To: ops@example.com\" (repeatable)")
	cmd.Flags().StringArrayVarP(&f.attach, "attach", "a", nil, "attach a file by path (repeatable)")
	cmd.Flags().StringVarP(&f.priority, "priority", "p", defaultPriority, "priority: high, normal or low")
	cmd.Flags().StringVar(&f.at, "at", "", "earliest send time (RFC 3339)")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
}

func (f *messageFlags) loadBody() (string, error) {
	if f.bodyFile == "" {
		return f.body, nil
	}
	data, err := os.ReadFile(f.bodyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read body file: %w", err)
	}
	return string(data), nil
}

func (f *messageFlags) attachments() ([]delivery.Attachment, error) {
	var out []delivery.Attachment
	for _, path := range f.attach {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("attachment %s: %w", path, err)
		}
		out = append(out, delivery.Attachment{
			Filename:    filepath.Base(abs),
			ContentType: mime.TypeByExtension(filepath.Ext(abs)),
			Path:        abs,
		})
	}
	return out, nil
}

func (f *messageFlags) scheduledAt() (time.Time, error) {
	if f.at == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, f.at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at value %q: %w", f.at, err)
	}
	return t, nil
}

func newSendCmd() *cobra.Command {
	var (
		to    string
		flags messageFlags
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue a single message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := flags.loadBody()
			if err != nil {
				return err
			}
			attachments, err := flags.attachments()
			if err != nil {
				return err
			}
			at, err := flags.scheduledAt()
			if err != nil {
				return err
			}
			priority, err := queue.ParsePriority(flags.priority)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.manager.Enqueue(cmd.Context(), queue.Envelope{
				Recipient:   to,
				Subject:     flags.subject,
				Body:        body,
				Headers:     flags.headers,
				Attachments: attachments,
				Priority:    priority,
				ScheduledAt: at,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued item %d for %s\n", id, to)
			return nil
		},
	}
	cmd.Flags().StringVarP(&to, "to", "t", "", "recipient address")
	_ = cmd.MarkFlagRequired("to")
	flags.register(cmd, "normal")
	return cmd
}
