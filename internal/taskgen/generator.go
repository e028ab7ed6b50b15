// Package taskgen derives work from a snapshot of the tabular store. Every
// pass re-parses the snapshot: groups, their columns and classes, their
// dependencies and the row and column directives are never cached.
package taskgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/lease"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface/profile"
)

// Config sets the per-unit durations handed out by the generator.
type Config struct {
	Token           string
	StandardLease   time.Duration
	ExtendedLease   time.Duration
	StandardCeiling time.Duration
	ExtendedCeiling time.Duration
}

// DefaultConfig returns the production durations.
func DefaultConfig() Config {
	return Config{
		Token:           lease.DefaultToken,
		StandardLease:   5 * time.Minute,
		ExtendedLease:   40 * time.Minute,
		StandardCeiling: 5 * time.Minute,
		ExtendedCeiling: 40 * time.Minute,
	}
}

// Option configures a Generator.
type Option func(*Generator)

// WithTracker gates dependent groups on tracker completion signals.
func WithTracker(t *Tracker) Option {
	return func(g *Generator) { g.tracker = t }
}

// WithSkip excludes units for which skip returns true (quarantined units).
func WithSkip(skip func(unitID string) bool) Option {
	return func(g *Generator) { g.skip = skip }
}

// Generator discovers groups and generates their units.
type Generator struct {
	profiles *profile.Set
	cfg      Config
	tracker  *Tracker
	skip     func(unitID string) bool
}

// New creates a generator.
func New(profiles *profile.Set, cfg Config, opts ...Option) *Generator {
	def := DefaultConfig()
	if cfg.Token == "" {
		cfg.Token = def.Token
	}
	if cfg.StandardLease <= 0 {
		cfg.StandardLease = def.StandardLease
	}
	if cfg.ExtendedLease <= 0 {
		cfg.ExtendedLease = def.ExtendedLease
	}
	if cfg.StandardCeiling <= 0 {
		cfg.StandardCeiling = def.StandardCeiling
	}
	if cfg.ExtendedCeiling <= 0 {
		cfg.ExtendedCeiling = def.ExtendedCeiling
	}
	g := &Generator{profiles: profiles, cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Discover returns the groups of snapshot in sequence order.
func (g *Generator) Discover(snapshot model.Grid) ([]model.WorkGroup, error) {
	l, err := ParseLayout(snapshot, g.profiles)
	if err != nil {
		return nil, err
	}
	return l.Groups, nil
}

// GenerateUnitsForGroup returns up to limit units of the groupIndex-th
// discovered group (limit <= 0 means no limit). A group whose dependencies
// are not drained yields nothing.
func (g *Generator) GenerateUnitsForGroup(groupIndex int, snapshot model.Grid, limit int) ([]model.WorkUnit, error) {
	l, err := ParseLayout(snapshot, g.profiles)
	if err != nil {
		return nil, err
	}
	if groupIndex < 0 || groupIndex >= len(l.Groups) {
		return nil, eris.Errorf("taskgen: group index %d out of range (%d groups)", groupIndex, len(l.Groups))
	}
	group := l.Groups[groupIndex]
	if gated, reason := g.gated(group, l, snapshot); gated {
		zap.L().Info("taskgen: group gated", zap.String("group", group.ID), zap.String("reason", reason))
		return nil, nil
	}

	units := g.candidates(group, l, snapshot)
	if limit > 0 && len(units) > limit {
		units = units[:limit]
	}
	return units, nil
}

// Gated reports whether the groupIndex-th group is waiting on a dependency,
// and which.
func (g *Generator) Gated(groupIndex int, snapshot model.Grid) (bool, string, error) {
	l, err := ParseLayout(snapshot, g.profiles)
	if err != nil {
		return false, "", err
	}
	if groupIndex < 0 || groupIndex >= len(l.Groups) {
		return false, "", eris.Errorf("taskgen: group index %d out of range", groupIndex)
	}
	gated, reason := g.gated(l.Groups[groupIndex], l, snapshot)
	return gated, reason, nil
}

// gated checks every dependency: it must be drained in the tracker and have
// no unit left pending or running in the snapshot. A dependency that column
// directives excluded from this run is never sealed in the tracker, so only
// its cells are checked. Ids naming no group at all are ignored.
func (g *Generator) gated(group model.WorkGroup, l *Layout, snapshot model.Grid) (bool, string) {
	for _, dep := range group.DependsOn {
		d, selected := findGroup(l.Groups, dep)
		if !selected {
			var ok bool
			if d, ok = findGroup(l.All, dep); !ok {
				zap.L().Warn("taskgen: dependency not in layout, ignoring",
					zap.String("group", group.ID),
					zap.String("depends_on", dep),
				)
				continue
			}
		}
		if selected && g.tracker != nil && !g.tracker.Drained(d.ID) {
			return true, fmt.Sprintf("%s not drained", d.ID)
		}
		if open := g.candidates(d, l, snapshot); len(open) > 0 {
			return true, fmt.Sprintf("%s has %d open units", d.ID, len(open))
		}
	}
	return false, ""
}

func findGroup(groups []model.WorkGroup, id string) (model.WorkGroup, bool) {
	f := profile.Fold(id)
	for _, gr := range groups {
		if profile.Fold(gr.ID) == f {
			return gr, true
		}
	}
	return model.WorkGroup{}, false
}

// candidates enumerates the group's units still to be done: the target is
// empty or holds a lease marker of any age. Lease expiry is left to the
// lease manager.
func (g *Generator) candidates(group model.WorkGroup, l *Layout, snapshot model.Grid) []model.WorkUnit {
	last := lastInputRow(group, snapshot, l.LastRow)
	var out []model.WorkUnit
	for row := group.FirstDataRow; row <= last; row++ {
		if !l.Rows.Includes(row) {
			continue
		}
		prompt := composePrompt(group, snapshot, row)
		if prompt == "" {
			continue
		}
		base := model.WorkUnit{
			GroupID:   group.ID,
			Group:     group.Index,
			Row:       row,
			InputCols: group.InputCols,
			Prompt:    prompt,
			Status:    model.UnitPending,
		}
		var units []model.WorkUnit
		if group.MultiSurface {
			units = ExpandMultiSurface(base, group)
		} else {
			units = []model.WorkUnit{bindClass(base, group, group.Classes[0])}
		}
		for _, u := range units {
			if !g.open(snapshot.Get(u.Target)) {
				continue
			}
			if g.skip != nil && g.skip(u.ID) {
				continue
			}
			out = append(out, g.withDurations(u))
		}
	}
	return out
}

// open reports whether a target value leaves its unit to be done: empty or
// a lease marker. Completed and abandoned cells are excluded.
func (g *Generator) open(v string) bool {
	if sheet.IsBlank(v) {
		return true
	}
	_, ok := lease.ParseMarker(g.cfg.Token, v)
	return ok
}

func (g *Generator) withDurations(u model.WorkUnit) model.WorkUnit {
	if g.profiles.Extended(u.Class, u.Feature()) {
		u.LeaseDuration, u.WaitCeiling = g.cfg.ExtendedLease, g.cfg.ExtendedCeiling
	} else {
		u.LeaseDuration, u.WaitCeiling = g.cfg.StandardLease, g.cfg.StandardCeiling
	}
	return u
}

func lastInputRow(group model.WorkGroup, snapshot model.Grid, last int) int {
	for r := last; r >= group.FirstDataRow; r-- {
		for _, c := range group.InputCols {
			if !sheet.IsBlank(snapshot.Get(model.CellRef{Col: c, Row: r})) {
				return r
			}
		}
	}
	return 0
}

// composePrompt joins the row's non-empty input values.
func composePrompt(group model.WorkGroup, snapshot model.Grid, row int) string {
	var parts []string
	for _, c := range group.InputCols {
		if v := strings.TrimSpace(snapshot.Get(model.CellRef{Col: c, Row: row})); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

func bindClass(base model.WorkUnit, group model.WorkGroup, class model.CapabilityClass) model.WorkUnit {
	u := base
	u.Class = class
	u.Target = model.CellRef{Col: group.Outputs[class], Row: base.Row}
	u.ID = model.UnitID(group.ID, u.Target)
	u.Options = group.OptionsFor(class)
	return u
}

// ExpandMultiSurface fans one row of a multi-surface group out into one
// unit per capability class. The siblings share the row's input and a
// correlation id derived from the group and row, and each targets its own
// answer column.
func ExpandMultiSurface(base model.WorkUnit, group model.WorkGroup) []model.WorkUnit {
	corr := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("autoai:%s:%d", group.ID, base.Row))).String()
	out := make([]model.WorkUnit, 0, len(group.Classes))
	for _, class := range group.Classes {
		u := bindClass(base, group, class)
		u.CorrelationID = corr
		out = append(out, u)
	}
	return out
}

// Order returns group indexes in dependency order, declaration order among
// peers. Groups in a dependency cycle, or depending on one, are returned in
// blocked.
func Order(groups []model.WorkGroup) (order []int, blocked []int) {
	byID := make(map[string]int, len(groups))
	for i, gr := range groups {
		byID[profile.Fold(gr.ID)] = i
	}
	indegree := make([]int, len(groups))
	dependents := make([][]int, len(groups))
	for i, gr := range groups {
		for _, dep := range gr.DependsOn {
			j, ok := byID[profile.Fold(dep)]
			if !ok {
				continue
			}
			if j == i {
				// A self-dependency never resolves.
				indegree[i]++
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(groups))
	for len(order) < len(groups) {
		next := -1
		for i := range groups {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	for i := range groups {
		if !done[i] {
			blocked = append(blocked, i)
		}
	}
	return order, blocked
}
