package taskgen

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface/profile"
)

// markerKind names a structural row, identified by its column A label.
type markerKind string

const (
	markerMenu    markerKind = "menu"
	markerAI      markerKind = "ai"
	markerModel   markerKind = "model"
	markerFeature markerKind = "feature"
	markerGroup   markerKind = "group"
	markerDepends markerKind = "depends"
	markerColumn  markerKind = "column"
)

var markerWords = map[string]markerKind{
	"menu":          markerMenu,
	"メニュー":          markerMenu,
	"ai":            markerAI,
	"model":         markerModel,
	"モデル":           markerModel,
	"feature":       markerFeature,
	"機能":            markerFeature,
	"group":         markerGroup,
	"グループ":          markerGroup,
	"depends":       markerDepends,
	"dependson":     markerDepends,
	"依存":            markerDepends,
	"columncontrol": markerColumn,
	"列制御":           markerColumn,
}

var rowDirectives = map[string]model.RowDirective{
	"start":      model.DirectiveStart,
	"この行から処理":    model.DirectiveStart,
	"only":       model.DirectiveOnly,
	"この行のみ処理":    model.DirectiveOnly,
	"stop":       model.DirectiveStop,
	"この行の処理後に停止": model.DirectiveStop,
	"この行で停止":     model.DirectiveStop,
}

var columnDirectives = map[string]model.RowDirective{
	"start":      model.DirectiveStart,
	"この列から処理":    model.DirectiveStart,
	"only":       model.DirectiveOnly,
	"この列のみ処理":    model.DirectiveOnly,
	"stop":       model.DirectiveStop,
	"この列の処理後に停止": model.DirectiveStop,
	"この列で停止":     model.DirectiveStop,
}

var genericAnswers = map[string]bool{"answer": true, "回答": true, "response": true}

func isPrompt(folded string) bool {
	return strings.HasPrefix(folded, "prompt") || strings.HasPrefix(folded, "プロンプト")
}

// RowFilter is the row inclusion decided by column A directives.
type RowFilter struct {
	Start int          `json:"start,omitempty"`
	Stop  int          `json:"stop,omitempty"`
	Only  map[int]bool `json:"only,omitempty"`
}

// Includes reports whether data row r is processed.
func (f RowFilter) Includes(r int) bool {
	if len(f.Only) > 0 {
		return f.Only[r]
	}
	if f.Start > 0 && r < f.Start {
		return false
	}
	if f.Stop > 0 && r > f.Stop {
		return false
	}
	return true
}

// Layout is the parsed structure of one snapshot.
type Layout struct {
	Groups []model.WorkGroup
	// All holds every parsed group, including those column directives
	// left out of Groups. Dependencies resolve against it.
	All          []model.WorkGroup
	FirstDataRow int
	LastRow      int
	Rows         RowFilter
	// Skipped lists the first column of every run that could not form a group.
	Skipped []string

	markerRows map[markerKind]int
}

// column is one menu-row column taking part in a group.
type column struct {
	col    int
	prompt bool
	// class is set for answer columns whose header names a class.
	class model.CapabilityClass
}

type labels func(kind markerKind, col int) string

// ParseLayout derives the layout of snapshot. Only a missing menu row is an
// error; runs that cannot form a group are skipped and reported.
func ParseLayout(snapshot model.Grid, profiles *profile.Set) (*Layout, error) {
	l := &Layout{markerRows: make(map[markerKind]int), LastRow: snapshot.LastRow()}
	for r := snapshot.Origin.Row; r <= l.LastRow; r++ {
		kind, ok := markerWords[profile.Fold(snapshot.Get(model.CellRef{Col: 0, Row: r}))]
		if !ok {
			continue
		}
		if _, seen := l.markerRows[kind]; !seen {
			l.markerRows[kind] = r
		}
		l.FirstDataRow = max(l.FirstDataRow, r+1)
	}
	menu, ok := l.markerRows[markerMenu]
	if !ok {
		return nil, eris.Errorf("taskgen: no menu row in %s", snapshot)
	}
	l.Rows = parseRowFilter(snapshot, l.FirstDataRow, l.LastRow)

	get := func(kind markerKind, col int) string {
		r, ok := l.markerRows[kind]
		if !ok {
			return ""
		}
		return strings.TrimSpace(snapshot.Get(model.CellRef{Col: col, Row: r}))
	}

	width := snapshot.Origin.Col + len(snapshot.Row(menu))
	for i, run := range splitRuns(width, get, profiles) {
		g, err := buildGroup(run, get, profiles)
		if err != nil {
			zap.L().Warn("taskgen: skipping column run",
				zap.String("column", model.ColumnLetter(run[0].col)),
				zap.Error(err),
			)
			l.Skipped = append(l.Skipped, model.ColumnLetter(run[0].col))
			continue
		}
		if g.ID == "" {
			g.ID = fmt.Sprintf("group%d", i+1)
		}
		g.FirstDataRow = l.FirstDataRow
		g.Directive = columnDirectives[profile.Fold(get(markerColumn, run[0].col))]
		l.Groups = append(l.Groups, g)
	}
	l.All = append([]model.WorkGroup(nil), l.Groups...)
	l.Groups = applyColumnDirectives(l.Groups)
	for i := range l.Groups {
		l.Groups[i].Index = i
	}
	return l, nil
}

// splitRuns cuts the menu row into runs of prompt columns followed by their
// answer columns.
func splitRuns(width int, get labels, profiles *profile.Set) [][]column {
	var runs [][]column
	var cur []column
	inAnswers := false
	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, cur)
		}
		cur, inAnswers = nil, false
	}
	for col := 1; col < width; col++ {
		label := get(markerMenu, col)
		folded := profile.Fold(label)
		if folded == "" {
			flush()
			continue
		}
		if isPrompt(folded) {
			if inAnswers {
				flush()
			}
			cur = append(cur, column{col: col, prompt: true})
			continue
		}
		p, labelled := profiles.ResolveAnswer(label)
		if !labelled && !genericAnswers[folded] {
			flush()
			continue
		}
		if len(cur) == 0 {
			continue
		}
		c := column{col: col}
		if labelled {
			c.class = p.Class
		}
		inAnswers = true
		cur = append(cur, c)
	}
	flush()
	return runs
}

func buildGroup(run []column, get labels, profiles *profile.Set) (model.WorkGroup, error) {
	var prompts, answers []column
	for _, c := range run {
		if c.prompt {
			prompts = append(prompts, c)
		} else {
			answers = append(answers, c)
		}
	}
	if len(answers) == 0 {
		return model.WorkGroup{}, eris.New("taskgen: prompt columns without an answer column")
	}

	g := model.WorkGroup{Outputs: make(map[model.CapabilityClass]int)}
	for _, c := range prompts {
		g.InputCols = append(g.InputCols, c.col)
	}
	first := func(kind markerKind) string {
		for _, c := range run {
			if v := get(kind, c.col); v != "" {
				return v
			}
		}
		return ""
	}
	g.ID = first(markerGroup)
	g.DependsOn = splitList(first(markerDepends))

	ai := first(markerAI)
	classes := make([]model.CapabilityClass, len(answers))
	for i, c := range answers {
		class := c.class
		if class == "" {
			if profiles.IsMultiSurface(ai) {
				return model.WorkGroup{}, eris.Errorf("taskgen: multi-surface group needs class-labelled answer columns, %s is generic", model.ColumnLetter(c.col))
			}
			p, ok := profiles.Resolve(ai)
			if !ok {
				return model.WorkGroup{}, eris.Errorf("taskgen: unknown capability class %q", ai)
			}
			class = p.Class
		}
		if _, dup := g.Outputs[class]; dup {
			return model.WorkGroup{}, eris.Errorf("taskgen: class %s has two answer columns", class)
		}
		g.Outputs[class] = c.col
		g.Classes = append(g.Classes, class)
		classes[i] = class
	}
	g.MultiSurface = len(g.Classes) > 1

	if !g.MultiSurface {
		g.Options = optionsAt(get, run)
		return g, nil
	}
	g.Options = optionsAt(get, prompts)
	for i, c := range answers {
		if opts := optionsAt(get, []column{c}); len(opts) > 0 {
			if g.ClassOptions == nil {
				g.ClassOptions = make(map[model.CapabilityClass][]model.Option)
			}
			g.ClassOptions[classes[i]] = mergeOptions(g.Options, opts)
		}
	}
	return g, nil
}

// optionsAt reads the model and feature rows over cols, first value wins.
func optionsAt(get labels, cols []column) []model.Option {
	var opts []model.Option
	for _, kind := range []markerKind{markerModel, markerFeature} {
		for _, c := range cols {
			if v := get(kind, c.col); v != "" {
				opts = append(opts, model.Option{Category: string(kind), Name: v})
				break
			}
		}
	}
	return opts
}

// mergeOptions overlays override on base by category.
func mergeOptions(base, override []model.Option) []model.Option {
	out := make([]model.Option, 0, len(base)+len(override))
	seen := make(map[string]bool)
	for _, o := range override {
		seen[o.Category] = true
	}
	for _, o := range base {
		if !seen[o.Category] {
			out = append(out, o)
		}
	}
	return append(out, override...)
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '、' || r == '，' || r == ' ' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseRowFilter reads column A directives of the data rows.
func parseRowFilter(snapshot model.Grid, first, last int) RowFilter {
	var f RowFilter
	for r := first; r <= last; r++ {
		switch rowDirectives[profile.Fold(snapshot.Get(model.CellRef{Col: 0, Row: r}))] {
		case model.DirectiveStart:
			if f.Start == 0 {
				f.Start = r
			}
		case model.DirectiveStop:
			if f.Stop == 0 && r >= f.Start {
				f.Stop = r
			}
		case model.DirectiveOnly:
			if f.Only == nil {
				f.Only = make(map[int]bool)
			}
			f.Only[r] = true
		}
	}
	return f
}

// applyColumnDirectives keeps the groups selected by column control
// directives: only-groups when any exist, else the start..stop span.
func applyColumnDirectives(groups []model.WorkGroup) []model.WorkGroup {
	var only []model.WorkGroup
	for _, g := range groups {
		if g.Directive == model.DirectiveOnly {
			only = append(only, g)
		}
	}
	if len(only) > 0 {
		return only
	}
	start, stop := 0, len(groups)-1
	for i, g := range groups {
		if g.Directive == model.DirectiveStart {
			start = i
			break
		}
	}
	for i := start; i < len(groups); i++ {
		if groups[i].Directive == model.DirectiveStop {
			stop = i
			break
		}
	}
	if start > stop {
		return nil
	}
	return groups[start : stop+1]
}
