package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/store"
)

// dlqSeedLimit bounds the dead-letter entries loaded into the quarantine.
const dlqSeedLimit = 10000

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every open work unit in the sheet",
	Long:  "Repeatedly reads the sheet, leases open answer cells group by group in dependency order, drives each unit through the surface and writes the answers back until a pass finds nothing to do.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunFlags(cmd, cfg)
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		for _, w := range cfg.Warnings() {
			zap.L().Warn(w)
		}

		sh, err := openSheet(cfg)
		if err != nil {
			return err
		}
		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		if ledger != nil {
			defer ledger.Close() //nolint:errcheck
		}

		run, err := runEngine(ctx, cfg, sh, newDriver(cfg), ledger)
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		return err
	},
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-passes", 0, "stop after this many passes (0 = until a pass runs nothing)")
	cmd.Flags().Int("pool-size", 0, "override pool.size")
	cmd.Flags().String("sheet", "", "override sheet.path")
	cmd.Flags().Bool("simulate", false, "use the in-memory surface and keep no ledger")
}

// applyRunFlags overlays explicitly set flags on c.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("max-passes") {
		c.Scheduler.MaxPasses, _ = cmd.Flags().GetInt("max-passes")
	}
	if cmd.Flags().Changed("pool-size") {
		c.Pool.Size, _ = cmd.Flags().GetInt("pool-size")
	}
	if cmd.Flags().Changed("sheet") {
		c.Sheet.Path, _ = cmd.Flags().GetString("sheet")
	}
	if sim, _ := cmd.Flags().GetBool("simulate"); sim {
		c.Surface.Driver = "memory"
		c.Store.Driver = "none"
	}
}

// sourceName identifies the sheet a run works on.
func sourceName(c *config.Config) string {
	name := c.Sheet.SheetName
	if name == "" {
		name = "#0"
	}
	return fmt.Sprintf("xlsx:%s/%s", filepath.Base(c.Sheet.Path), name)
}

// runEngine records a run in ledger (when set), drives the orchestrator to
// completion and finishes the run record with the outcome.
func runEngine(ctx context.Context, c *config.Config, sh sheet.Store, drv surfaceDriver, ledger store.Store) (*model.Run, error) {
	source := sourceName(c)
	var (
		run *model.Run
		dlq []resilience.DLQEntry
		err error
	)
	if ledger != nil {
		run, err = ledger.CreateRun(ctx, source)
		if err != nil {
			return nil, err
		}
		dlq, err = ledger.ListDLQ(ctx, resilience.DLQFilter{Limit: dlqSeedLimit})
		if err != nil {
			return run, finishRun(ctx, ledger, run, nil, err)
		}
	} else {
		now := time.Now().UTC()
		run = &model.Run{ID: uuid.NewString(), Source: source, Status: model.RunStatusRunning, CreatedAt: now, UpdatedAt: now}
	}

	log := zap.L().With(zap.String("run_id", run.ID), zap.String("source", source))
	log.Info("run: starting", zap.Int("pool_size", c.Pool.Size), zap.Int("quarantined", len(dlq)))

	eng, err := buildEngine(c, engineDeps{Sheet: sh, Driver: drv, Ledger: ledger, RunID: run.ID, DLQ: dlq})
	if err != nil {
		return run, finishRun(ctx, ledger, run, nil, err)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	go eng.slots.Watch(watchCtx, c.Surface.HealthInterval)
	if ledger != nil && c.Monitoring.WebhookURL != "" {
		go newHealthChecker(c, ledger).Run(watchCtx)
	}

	stats, runErr := eng.orch.Run(ctx)
	cancelWatch()
	eng.close(ctx)

	log.Info("run: finished",
		zap.Int("passes", stats.Passes),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("abandoned", stats.Abandoned),
		zap.Error(runErr),
	)
	return run, finishRun(ctx, ledger, run, &stats, runErr)
}

// finishRun stamps the outcome on run and persists it. It returns runErr,
// or the ledger error when runErr is nil.
func finishRun(ctx context.Context, ledger store.Store, run *model.Run, stats *model.RunStats, runErr error) error {
	run.Status = model.RunStatusComplete
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	}
	run.Stats = stats
	run.UpdatedAt = time.Now().UTC()
	if ledger == nil {
		return runErr
	}
	if err := ledger.FinishRun(context.WithoutCancel(ctx), run.ID, run.Status, stats, run.Error); err != nil {
		if runErr != nil {
			zap.L().Error("run: record outcome", zap.String("run_id", run.ID), zap.Error(err))
			return runErr
		}
		return eris.Wrap(err, "run: record outcome")
	}
	return runErr
}

// formatRunSummary writes the outcome of a run to w.
func formatRunSummary(out io.Writer, run *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Source:\t%s\n", run.Source)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if s := run.Stats; s != nil {
		_, _ = fmt.Fprintf(w, "Passes:\t%d\n", s.Passes)
		_, _ = fmt.Fprintf(w, "Batches:\t%d\n", s.Batches)
		_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", s.Succeeded)
		_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
		_, _ = fmt.Fprintf(w, "Abandoned:\t%d\n", s.Abandoned)
	}
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", run.Error)
	}
	_ = w.Flush()
}
