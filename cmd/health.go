package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/monitoring"
)

func newHealthChecker(c *config.Config, ledger monitoring.Ledger) *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(ledger),
		monitoring.NewAlerter(c.Monitoring),
		c.Monitoring,
	)
}

var runsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Evaluate ledger health against the alert thresholds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := ledgerCmd(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if hours, _ := cmd.Flags().GetInt("lookback"); hours > 0 {
			cfg.Monitoring.LookbackWindowHours = hours
		}

		snap, alerts, err := newHealthChecker(cfg, st).Check(ctx)
		if err != nil {
			return err
		}
		formatHealth(os.Stdout, snap, alerts)

		if send, _ := cmd.Flags().GetBool("send"); send && len(alerts) > 0 {
			sent := monitoring.NewAlerter(cfg.Monitoring).SendAlerts(ctx, alerts)
			fmt.Fprintf(os.Stderr, "Sent %d of %d alerts.\n", sent, len(alerts))
		}
		return nil
	},
}

func init() {
	runsHealthCmd.Flags().Int("lookback", 0, "override monitoring.lookback_window_hours")
	runsHealthCmd.Flags().Bool("send", false, "post triggered alerts to monitoring.webhook_url")
	runsCmd.AddCommand(runsHealthCmd)
}

func formatHealth(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Runs:\t%d (complete %d, failed %d, running %d)\n",
		snap.RunsTotal, snap.RunsComplete, snap.RunsFailed, snap.RunsRunning)
	_, _ = fmt.Fprintf(w, "Run failure rate:\t%.1f%%\n", snap.RunFailRate*100)
	_, _ = fmt.Fprintf(w, "Units:\t%d succeeded, %d failed, %d abandoned\n",
		snap.UnitsSucceeded, snap.UnitsFailed, snap.UnitsAbandoned)
	_, _ = fmt.Fprintf(w, "Abandon rate:\t%.1f%%\n", snap.UnitAbandonRate*100)
	_, _ = fmt.Fprintf(w, "DLQ depth:\t%d\n", snap.DLQDepth)
	_ = w.Flush()

	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo alerts.")
		return
	}
	_, _ = fmt.Fprintln(out, "\nAlerts:")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}
