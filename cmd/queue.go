package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/models"
)

var (
	queueStopOnError bool
	queueListStatus  string
	queueListLimit   int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the alert processing queue",
}

var queueHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show pending/failed counts and whether the queue is stuck",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.queue.Health(cmd.Context())
		if err != nil {
			return err
		}
		return report(h, "Queue health",
			field{"Pending", strconv.FormatInt(h.QueuePending, 10)},
			field{"Failed", strconv.FormatInt(h.QueueFailed, 10)},
			field{"Oldest pending (min)", strconv.FormatInt(h.OldestPendingMinutes, 10)},
			field{"Stale", strconv.FormatInt(h.StaleCount, 10)},
			field{"Orphaned", strconv.FormatInt(h.OrphanedCount, 10)},
			field{"State", status(!h.Stuck, "flowing", "STUCK")},
		)
	},
}

var queueProcessOneCmd = &cobra.Command{
	Use:   "process-one",
	Short: "Score the oldest pending item",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.queue.ProcessOne(cmd.Context())
		if errors.Is(err, queue.ErrNoPendingItems) {
			return report(out, "Queue is empty")
		}
		return reportOutcome(out, err)
	},
}

var queueProcessAlertCmd = &cobra.Command{
	Use:   "process-alert <alert-id>",
	Short: "Score one specific alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("alert id must be a positive integer, got %q", args[0])
		}
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		out, err := a.queue.ProcessAlert(cmd.Context(), id)
		return reportOutcome(out, err)
	},
}

// reportOutcome prints a processing attempt. A scorer failure is printed
// and returned so the exit code reflects it.
func reportOutcome(out queue.Outcome, err error) error {
	var attemptErr *queue.AttemptError
	if err != nil && !errors.As(err, &attemptErr) {
		return err
	}
	fields := []field{
		{"Alert", strconv.FormatInt(out.AlertID, 10)},
		{"Item", out.ItemID},
		{"Status", status(out.Status == models.QueueSucceeded, string(out.Status), string(out.Status))},
		{"Attempt", strconv.Itoa(out.Attempt)},
	}
	if out.Score != nil {
		fields = append(fields,
			field{"Risk score", strconv.Itoa(out.Score.RiskScore)},
			field{"Should alert", strconv.FormatBool(out.Score.ShouldAlert)})
	}
	if out.AlreadyProcessed {
		fields = append(fields, field{"Reconciled items", strconv.FormatInt(out.Reconciled, 10)})
	}
	if out.Error != "" {
		fields = append(fields, field{"Error", errStyle.Render(out.Error)})
	}
	if rerr := report(out, "Processing outcome", fields...); rerr != nil {
		return rerr
	}
	return err
}

var queueProcessAllCmd = &cobra.Command{
	Use:   "process-all",
	Short: "Score every pending item whose alert is still unprocessed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if cmd.Flags().Changed("stop-on-error") {
			cfg := queue.ConfigFrom(a.cfg.Queue)
			cfg.StopOnError = queueStopOnError
			a.queue = queue.New(a.store, a.scorer, cfg, queue.WithMetrics(a.metrics), queue.WithLogger(a.log))
		}

		res, err := a.queue.ProcessAll(cmd.Context())
		if err != nil {
			return err
		}
		fields := []field{
			{"Requested", strconv.Itoa(res.Requested)},
			{"Processed", strconv.Itoa(res.Processed)},
			{"Failed", status(res.Failed == 0, "0", strconv.Itoa(res.Failed))},
		}
		if res.Error != "" {
			fields = append(fields, field{"Stopped on", errStyle.Render(res.Error)})
		}
		return report(res, "Queue drained", fields...)
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Mark items whose alert is already processed as succeeded",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.queue.CleanupStale(cmd.Context())
		if err != nil {
			return err
		}
		return report(res, "Queue cleanup",
			field{"Cleaned", strconv.FormatInt(res.Cleaned, 10)},
			field{"Orphaned", strconv.FormatInt(res.Orphaned, 10)},
			field{"Recovered", strconv.FormatInt(res.Recovered, 10)},
		)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset every failed item to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		return report(map[string]int64{"reset_count": n}, "Failed items reset",
			field{"Reset", strconv.FormatInt(n, 10)})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete succeeded items older than queue.retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.queue.Purge(cmd.Context())
		if err != nil {
			return err
		}
		return report(map[string]int64{"purged": n}, "Queue purged",
			field{"Deleted", strconv.FormatInt(n, 10)})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st := models.QueueStatus(queueListStatus)
		if st != "" && !st.Valid() {
			return fmt.Errorf("unknown status %q (pending, processing, succeeded, failed)", queueListStatus)
		}
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		items, total, err := a.queue.List(cmd.Context(), st, queueListLimit, 0)
		if err != nil {
			return err
		}
		if jsonOutput {
			return report(map[string]any{"items": items, "total": total}, "")
		}
		rows := make([][]string, len(items))
		for i, it := range items {
			lastErr := ""
			if it.LastError != nil {
				lastErr = *it.LastError
			}
			rows[i] = []string{it.ID, strconv.FormatInt(it.AlertID, 10), string(it.Status),
				strconv.Itoa(it.Attempt), it.CreatedAt.Local().Format("2006-01-02 15:04"), lastErr}
		}
		fmt.Println(table([]string{"ID", "ALERT", "STATUS", "ATTEMPT", "CREATED", "LAST ERROR"}, rows))
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d of %d items", len(items), total)))
		return nil
	},
}

func init() {
	queueProcessAllCmd.Flags().BoolVar(&queueStopOnError, "stop-on-error", false,
		"stop at the first failed item (default from queue.stop_on_error)")
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "filter by status")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "maximum items to show")

	queueCmd.AddCommand(
		queueHealthCmd,
		queueProcessOneCmd,
		queueProcessAlertCmd,
		queueProcessAllCmd,
		queueCleanupCmd,
		queueRetryCmd,
		queuePurgeCmd,
		queueListCmd,
	)
}
