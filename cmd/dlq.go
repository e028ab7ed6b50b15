package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue of abandoned units",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List abandoned units and when they are retried",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := ledgerCmd(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		category, _ := cmd.Flags().GetString("category")
		due, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			Category: model.FailureCategory(category),
			DueOnly:  due,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		total, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintf(os.Stderr, "No entries found (%d queued).\n", total)
			return nil
		}
		formatDLQ(os.Stdout, entries, time.Now())
		fmt.Fprintf(os.Stdout, "\n%d of %d queued entries shown.\n", len(entries), total)
		return nil
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <unit-id>...",
	Short: "Remove units from the dead-letter queue so the next run retries them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := ledgerCmd(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := st.ResolveDLQ(ctx, id); err != nil {
				return eris.Wrap(err, "dlq resolve")
			}
		}
		fmt.Fprintf(os.Stdout, "Resolved %d entries.\n", len(args))
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("category", "", "filter by failure category")
	dlqListCmd.Flags().Bool("due", false, "only entries whose quarantine has ended")
	dlqListCmd.Flags().Int("limit", 100, "max number of entries to display")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqResolveCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDLQ writes a tabular list of dead-letter entries to w.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UNIT\tCLASS\tCATEGORY\tPHASE\tATTEMPTS\tRETRY\tERROR")
	_, _ = fmt.Fprintln(w, "----\t-----\t--------\t-----\t--------\t-----\t-----")
	for _, e := range entries {
		retry := "due"
		if !e.Due(now) {
			retry = "in " + e.NextRetryAt.Sub(now).Round(time.Minute).String()
		}
		msg := e.Error
		if len(msg) > 50 {
			msg = msg[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.UnitID, e.Class, e.Category, e.FailedPhase, e.Attempts, retry, msg)
	}
	_ = w.Flush()
}
