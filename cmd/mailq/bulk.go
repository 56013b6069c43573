package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/queue"
)

func newBulkCmd() *cobra.Command {
	var flags messageFlags

	cmd := &cobra.Command{
		Use:   "bulk <recipients.csv>",
		Short: "Queue one templated message per CSV row",
		Long: `Queue one message per row of a CSV file. The header row names the
columns: "email" is required, "name" is optional and every other column is
available to the subject and body as {{column}}.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, err := readRecipients(args[0])
			if err != nil {
				return err
			}
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

			res, err := a.manager.SendBulk(cmd.Context(), recipients, flags.subject, body, queue.BulkOptions{
				Headers:     flags.headers,
				Attachments: attachments,
				Priority:    priority,
				ScheduledAt: at,
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued %d of %d recipients (%d failed)\n", res.Queued, res.Total, res.Failed)
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  %s: %s\n", f.Recipient, f.Error)
			}
			return err
		},
	}
	flags.register(cmd, "low")
	return cmd
}

// readRecipients parses a CSV file with a header row into bulk recipients
func readRecipients(path string) ([]queue.BulkRecipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipients file: %w", err)
	}
	defer f.Close()
	return parseRecipients(f)
}

func parseRecipients(r io.Reader) ([]queue.BulkRecipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("recipients file is empty")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	emailCol := -1
	for i, name := range header {
		header[i] = strings.ToLower(strings.TrimSpace(name))
		if header[i] == "email" {
			emailCol = i
		}
	}
	if emailCol < 0 {
		return nil, errors.New(`recipients file has no "email" column`)
	}

	var recipients []queue.BulkRecipient
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row: %w", err)
		}

		var r queue.BulkRecipient
		for i, value := range record {
			if i >= len(header) {
				break
			}
			switch header[i] {
			case "email":
				r.Email = value
			case "name":
				r.Name = value
			case "":
			default:
				if r.Fields == nil {
					r.Fields = make(map[string]string)
				}
				r.Fields[header[i]] = value
			}
		}
		recipients = append(recipients, r)
	}
	return recipients, nil
}
