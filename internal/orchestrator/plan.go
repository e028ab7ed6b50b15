package orchestrator

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/taskgen"
)

// GroupPlan is what one pass would do with a group.
type GroupPlan struct {
	Group model.WorkGroup `json:"group"`
	// Blocked is set for groups in a dependency cycle.
	Blocked bool `json:"blocked,omitempty"`
	// Gated is set when a dependency still has open units.
	Gated  bool   `json:"gated,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Units are the candidates whose lease could be taken now.
	Units []model.WorkUnit `json:"units,omitempty"`
	// Held counts candidates currently leased elsewhere.
	Held int `json:"held"`
}

// Plan is a read-only view of the next pass.
type Plan struct {
	Groups []GroupPlan `json:"groups"`
	// Skipped lists the first column of runs that did not form a group.
	Skipped []string `json:"skipped,omitempty"`
	// FirstDataRow and LastRow bound the data rows of the snapshot.
	FirstDataRow int `json:"first_data_row"`
	LastRow      int `json:"last_row"`
}

// Plan reads the snapshot and reports, group by group in execution order,
// the units a pass would run. It writes nothing.
func (o *Orchestrator) Plan(ctx context.Context) (*Plan, error) {
	snap, err := o.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	layout, err := taskgen.ParseLayout(snap, o.deps.Profiles)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: parse layout")
	}
	p := &Plan{
		Skipped:      layout.Skipped,
		FirstDataRow: layout.FirstDataRow,
		LastRow:      layout.LastRow,
	}

	order, blocked := taskgen.Order(layout.Groups)
	for _, i := range order {
		gp := GroupPlan{Group: layout.Groups[i]}
		gated, reason, err := o.planner.Gated(i, snap)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: plan")
		}
		if gated {
			gp.Gated, gp.Reason = true, reason
			p.Groups = append(p.Groups, gp)
			continue
		}
		units, err := o.planner.GenerateUnitsForGroup(i, snap, 0)
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: plan")
		}
		eligible, err := o.deps.Leases.ListEligible(ctx, units, -1)
		if err != nil {
			return nil, err
		}
		gp.Units = eligible
		gp.Held = len(units) - len(eligible)
		p.Groups = append(p.Groups, gp)
	}
	for _, i := range blocked {
		p.Groups = append(p.Groups, GroupPlan{
			Group:   layout.Groups[i],
			Blocked: true,
			Reason:  fmt.Sprintf("dependency cycle through %v", layout.Groups[i].DependsOn),
		})
	}
	return p, nil
}

// Total returns the number of units the plan would run.
func (p *Plan) Total() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Units)
	}
	return n
}
