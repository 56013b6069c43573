package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/queue"
)

const timeLayout = "2006-01-02 15:04:05"

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the queue",
	}
	cmd.AddCommand(newQueueStatusCmd())
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueShowCmd())
	cmd.AddCommand(newQueuePurgeCmd())
	cmd.AddCommand(newQueueRunCmd())
	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show item counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.manager.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Queue Statistics")
			fmt.Fprintln(w, "----------------")
			fmt.Fprintf(w, "Pending:\t%d\n", counts.Pending)
			fmt.Fprintf(w, "Sending:\t%d\n", counts.Sending)
			fmt.Fprintf(w, "Sent:\t%d\n", counts.Sent)
			fmt.Fprintf(w, "Failed:\t%d\n", counts.Failed)
			fmt.Fprintf(w, "Total:\t%d\n", counts.Total)
			return w.Flush()
		},
	}
}

func newQueueListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items with a given status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := queue.Status(status)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.manager.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No %s items\n", st)
				return nil
			}
			return printItems(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(queue.StatusFailed), "status to list: pending, sending, sent or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of items")
	return cmd
}

func printItems(out io.Writer, items []queue.Item) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTo\tSubject\tPriority\tAttempts\tScheduled\tError")
	fmt.Fprintln(w, "--\t--\t-------\t--------\t--------\t---------\t-----")
	for _, it := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			it.ID,
			it.Recipient,
			truncate(it.Subject, 40),
			it.Priority,
			it.Attempts, it.MaxAttempts,
			it.ScheduledAt.Local().Format(timeLayout),
			truncate(it.ErrorMessage, 60))
	}
	return w.Flush()
}

func newQueueShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item and its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			detail, err := a.manager.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			it := detail.Item
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%d\n", it.ID)
			fmt.Fprintf(w, "To:\t%s\n", it.Recipient)
			fmt.Fprintf(w, "Subject:\t%s\n", it.Subject)
			fmt.Fprintf(w, "Status:\t%s\n", it.Status)
			fmt.Fprintf(w, "Priority:\t%s\n", it.Priority)
			fmt.Fprintf(w, "Attempts:\t%d/%d\n", it.Attempts, it.MaxAttempts)
			fmt.Fprintf(w, "Created:\t%s\n", it.CreatedAt.Local().Format(timeLayout))
			fmt.Fprintf(w, "Scheduled:\t%s\n", it.ScheduledAt.Local().Format(timeLayout))
			if !it.SentAt.IsZero() {
				fmt.Fprintf(w, "Sent:\t%s\n", it.SentAt.Local().Format(timeLayout))
			}
			if it.ErrorMessage != "" {
				fmt.Fprintf(w, "Error:\t%s\n", it.ErrorMessage)
			}
			for _, h := range it.Headers {
				fmt.Fprintf(w, "Header:\t%s\n", h)
			}
			for _, att := range it.Attachments {
				fmt.Fprintf(w, "Attachment:\t%s (%s)\n", att.Filename, att.Path)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(detail.Attempts) == 0 {
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout())
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "Time\tRun\tOutcome\tFinal\tRemote\tError")
			for _, at := range detail.Attempts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					at.CreatedAt.Local().Format(timeLayout),
					truncate(at.RunID, 8),
					at.Outcome,
					at.Final,
					at.RemoteAddr,
					truncate(at.Error, 60))
			}
			return w.Flush()
		},
	}
}

func newQueuePurgeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete sent and failed items older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("days") {
				days = a.cfg.Queue.RetentionDays
			}
			deleted, err := a.manager.Purge(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d items older than %d days\n", deleted, days)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "retention in days (defaults to queue.retention_days)")
	return cmd
}

func newQueueRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one dispatcher pass and exit",
		Long:  "Run one dispatcher pass and exit, for deployments that schedule delivery with cron",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			parts, err := a.newDispatcher()
			if err != nil {
				return err
			}

			report, err := parts.dispatcher.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report.LockDenied {
				fmt.Fprintln(cmd.OutOrStdout(), "Another dispatcher holds the run lease; nothing done")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Run:\t%s\n", report.RunID)
			fmt.Fprintf(w, "Selected:\t%d\n", report.Selected)
			fmt.Fprintf(w, "Sent:\t%d\n", report.Sent)
			fmt.Fprintf(w, "Retried:\t%d\n", report.Retried)
			fmt.Fprintf(w, "Failed:\t%d\n", report.Failed)
			fmt.Fprintf(w, "Skipped:\t%d\n", report.Skipped)
			fmt.Fprintf(w, "Recovered:\t%d\n", report.Recovered)
			fmt.Fprintf(w, "Duration:\t%s\n", report.Duration.Round(time.Millisecond))
			return w.Flush()
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
