package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/orchestrator"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what the next pass would run",
	Long:  "Reads the sheet and prints the discovered groups in execution order with the units a pass would lease. Nothing is written.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sheet"); err != nil {
			return err
		}
		sh, err := openSheet(cfg)
		if err != nil {
			return err
		}
		p, err := buildPlan(ctx, cfg, sh)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		}
		verbose, _ := cmd.Flags().GetBool("units")
		formatPlan(os.Stdout, p, verbose)
		return nil
	},
}

func init() {
	planCmd.Flags().Bool("json", false, "print the plan as JSON")
	planCmd.Flags().Bool("units", false, "list every unit under its group")
	rootCmd.AddCommand(planCmd)
}

// buildPlan wires an engine with the in-memory surface, which the plan
// never touches, and asks it for the next pass.
func buildPlan(ctx context.Context, c *config.Config, sh sheet.Store) (*orchestrator.Plan, error) {
	eng, err := buildEngine(c, engineDeps{Sheet: sh, Driver: surface.NewMemory()})
	if err != nil {
		return nil, err
	}
	return eng.orch.Plan(ctx)
}

func groupState(g orchestrator.GroupPlan) string {
	switch {
	case g.Blocked:
		return "blocked"
	case g.Gated:
		return "gated"
	case len(g.Units) == 0:
		return "done"
	default:
		return "ready"
	}
}

// formatPlan writes a tabular plan to w.
func formatPlan(out io.Writer, p *orchestrator.Plan, units bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Data rows:\t%d-%d\n\n", p.FirstDataRow, p.LastRow)
	_, _ = fmt.Fprintln(w, "GROUP\tCLASSES\tSTATE\tUNITS\tHELD\tDEPENDS\tREASON")
	_, _ = fmt.Fprintln(w, "-----\t-------\t-----\t-----\t----\t-------\t------")
	for _, g := range p.Groups {
		classes := make([]string, len(g.Group.Classes))
		for i, c := range g.Group.Classes {
			classes[i] = string(c)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			g.Group.ID,
			strings.Join(classes, ","),
			groupState(g),
			len(g.Units),
			g.Held,
			strings.Join(g.Group.DependsOn, ","),
			g.Reason,
		)
		if units {
			for _, u := range g.Units {
				prompt := strings.ReplaceAll(u.Prompt, "\n", " ")
				if len([]rune(prompt)) > 40 {
					prompt = string([]rune(prompt)[:37]) + "..."
				}
				_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t\t\t\t%s\n", u.Target, u.Class, u.Feature(), prompt)
			}
		}
	}
	if len(p.Skipped) > 0 {
		_, _ = fmt.Fprintf(w, "\nSkipped columns:\t%s\n", strings.Join(p.Skipped, ", "))
	}
	_, _ = fmt.Fprintf(w, "\nTotal units:\t%d\n", p.Total())
	_ = w.Flush()
}
