// Package sheet is the tabular store the engine reads work from and writes
// results and lease markers to.
package sheet

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// ErrOutOfRange is returned for ranges or cells the backend cannot address.
var ErrOutOfRange = eris.New("sheet: out of range")

// Store reads rectangular ranges and writes single cells. Implementations
// may be rate-limited and eventually consistent.
type Store interface {
	Read(ctx context.Context, r model.Range) (model.Grid, error)
	Write(ctx context.Context, c model.CellRef, value string) error
}

// ReadCell reads the value of one cell.
func ReadCell(ctx context.Context, s Store, c model.CellRef) (string, error) {
	g, err := s.Read(ctx, model.Range{From: c, To: c})
	if err != nil {
		return "", err
	}
	return g.Get(c), nil
}

// IsBlank reports whether a cell value counts as empty.
func IsBlank(v string) bool {
	return strings.TrimSpace(v) == ""
}

func validate(r model.Range) error {
	if r.From.Col < 0 || r.From.Row < 1 || r.To.Col < r.From.Col || r.To.Row < r.From.Row {
		return eris.Wrapf(ErrOutOfRange, "range %s", r)
	}
	return nil
}

func validateCell(c model.CellRef) error {
	if c.Col < 0 || c.Row < 1 {
		return eris.Wrapf(ErrOutOfRange, "cell %s", c)
	}
	return nil
}

// trimGrid builds a grid of r from get, dropping trailing empty rows and
// trailing empty cells of each row.
func trimGrid(r model.Range, get func(col, row int) string) model.Grid {
	g := model.Grid{Origin: r.From}
	last := -1
	rows := make([][]string, 0, r.To.Row-r.From.Row+1)
	for row := r.From.Row; row <= r.To.Row; row++ {
		var vals []string
		width := 0
		for col := r.From.Col; col <= r.To.Col; col++ {
			v := get(col, row)
			vals = append(vals, v)
			if v != "" {
				width = col - r.From.Col + 1
			}
		}
		vals = vals[:width]
		if width > 0 {
			last = len(rows)
		}
		rows = append(rows, vals)
	}
	g.Values = rows[:last+1]
	return g
}
