package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/lease"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
)

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "Inspect or clear lease markers in the sheet",
}

// -- leases list --

var leasesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lease and abandoned markers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		found, err := scanLeasesCmd(cmd)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Fprintln(os.Stderr, "No markers found.")
			return nil
		}
		formatLeases(os.Stdout, found)
		return nil
	},
}

// -- leases clear --

var leasesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear lease markers",
	Long:  "Empties marker cells. By default only expired leases are cleared; --all also clears live leases and --abandoned clears abandoned markers.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		sh, err := openSheet(cfg)
		if err != nil {
			return err
		}
		found, err := scanLeases(ctx, cfg, sh, olderThan(cmd))
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")
		abandoned, _ := cmd.Flags().GetBool("abandoned")
		targets := selectForClear(found, all, abandoned)
		if len(targets) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to clear.")
			return nil
		}

		n, err := lease.New(sh, leaseConfig(cfg)).Clear(ctx, targets)
		fmt.Fprintf(os.Stdout, "Cleared %d of %d markers.\n", n, len(targets))
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{leasesListCmd, leasesClearCmd} {
		c.Flags().Duration("older-than", 0, "treat leases older than this as expired (default lease.standard)")
	}
	leasesClearCmd.Flags().Bool("all", false, "also clear live leases")
	leasesClearCmd.Flags().Bool("abandoned", false, "also clear abandoned markers")

	leasesCmd.AddCommand(leasesListCmd)
	leasesCmd.AddCommand(leasesClearCmd)
	rootCmd.AddCommand(leasesCmd)
}

func leaseConfig(c *config.Config) lease.Config {
	return lease.Config{
		Token:            c.Lease.Token,
		VerifyAfterWrite: c.Lease.VerifyAfterWrite,
		ReclaimOnStart:   c.Lease.ReclaimOnStart,
		MarkAbandoned:    c.Lease.MarkAbandoned,
	}
}

func olderThan(cmd *cobra.Command) time.Duration {
	d, _ := cmd.Flags().GetDuration("older-than")
	return d
}

func scanLeasesCmd(cmd *cobra.Command) ([]lease.Found, error) {
	if err := cfg.Validate("sheet"); err != nil {
		return nil, err
	}
	sh, err := openSheet(cfg)
	if err != nil {
		return nil, err
	}
	return scanLeases(cmd.Context(), cfg, sh, olderThan(cmd))
}

// scanLeases lists the markers inside the configured range. d defaults to
// the standard lease duration.
func scanLeases(ctx context.Context, c *config.Config, sh sheet.Store, d time.Duration) ([]lease.Found, error) {
	r, err := snapshotRange(c)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		d = c.Lease.Standard
	}
	found, err := lease.New(sh, leaseConfig(c)).Scan(ctx, r, d)
	if err != nil {
		return nil, eris.Wrap(err, "leases scan")
	}
	return found, nil
}

// selectForClear picks the markers a clear touches: expired leases always,
// live ones with all, abandoned ones with abandoned.
func selectForClear(found []lease.Found, all, abandoned bool) []lease.Found {
	var out []lease.Found
	for _, f := range found {
		switch f.State {
		case lease.CellExpired:
			out = append(out, f)
		case lease.CellLive:
			if all {
				out = append(out, f)
			}
		case lease.CellAbandoned:
			if abandoned {
				out = append(out, f)
			}
		}
	}
	return out
}

// formatLeases writes a tabular list of markers to w.
func formatLeases(out io.Writer, found []lease.Found) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CELL\tSTATE\tAGE\tVALUE")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t-----")
	for _, f := range found {
		age := ""
		if f.Age > 0 {
			age = f.Age.Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Cell, f.State, age, strings.ReplaceAll(f.Value, "\n", " | "))
	}
	_ = w.Flush()
}
