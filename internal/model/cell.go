package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// CellRef addresses one cell of the tabular store. Col is zero-based
// (A = 0), Row is one-based like a spreadsheet.
type CellRef struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// String returns the A1 form of the reference.
func (c CellRef) String() string {
	return ColumnLetter(c.Col) + strconv.Itoa(c.Row)
}

// Range is an inclusive rectangle of cells.
type Range struct {
	From CellRef `json:"from"`
	To   CellRef `json:"to"`
}

// String returns the A1 form of the range ("A1:C10").
func (r Range) String() string {
	return r.From.String() + ":" + r.To.String()
}

// Contains reports whether c lies inside r.
func (r Range) Contains(c CellRef) bool {
	return c.Col >= r.From.Col && c.Col <= r.To.Col && c.Row >= r.From.Row && c.Row <= r.To.Row
}

// Bounding returns the smallest range covering all refs. ok is false when
// refs is empty.
func Bounding(refs []CellRef) (r Range, ok bool) {
	for i, c := range refs {
		if i == 0 {
			r = Range{From: c, To: c}
			continue
		}
		r.From.Col = min(r.From.Col, c.Col)
		r.From.Row = min(r.From.Row, c.Row)
		r.To.Col = max(r.To.Col, c.Col)
		r.To.Row = max(r.To.Row, c.Row)
	}
	return r, len(refs) > 0
}

// ColumnLetter converts a zero-based column index to letters (0 -> A, 26 -> AA).
func ColumnLetter(col int) string {
	if col < 0 {
		return "?"
	}
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// ParseColumn converts column letters to a zero-based index.
func ParseColumn(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, eris.New("model: empty column")
	}
	n := 0
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return 0, eris.Errorf("model: invalid column %q", s)
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1, nil
}

// ParseCellRef parses an A1 reference such as "C9".
func ParseCellRef(s string) (CellRef, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return CellRef{}, eris.Errorf("model: invalid cell reference %q", s)
	}
	col, err := ParseColumn(s[:i])
	if err != nil {
		return CellRef{}, err
	}
	row, err := strconv.Atoi(s[i:])
	if err != nil || row < 1 {
		return CellRef{}, eris.Errorf("model: invalid row in %q", s)
	}
	return CellRef{Col: col, Row: row}, nil
}

// ParseRange parses "A1:C10". A single reference yields a one-cell range.
func ParseRange(s string) (Range, error) {
	from, to, found := strings.Cut(s, ":")
	a, err := ParseCellRef(from)
	if err != nil {
		return Range{}, err
	}
	if !found {
		return Range{From: a, To: a}, nil
	}
	b, err := ParseCellRef(to)
	if err != nil {
		return Range{}, err
	}
	if b.Col < a.Col || b.Row < a.Row {
		return Range{}, eris.Errorf("model: inverted range %q", s)
	}
	return Range{From: a, To: b}, nil
}

// Grid is a rectangular block of cell values read from the store. Origin is
// the reference of Values[0][0]. Rows may be ragged; missing cells are empty.
type Grid struct {
	Origin CellRef    `json:"origin"`
	Values [][]string `json:"values"`
}

// Get returns the value at c, or "" when c lies outside the grid.
func (g Grid) Get(c CellRef) string {
	r := c.Row - g.Origin.Row
	col := c.Col - g.Origin.Col
	if r < 0 || r >= len(g.Values) || col < 0 || col >= len(g.Values[r]) {
		return ""
	}
	return g.Values[r][col]
}

// LastRow returns the one-based index of the last row held by the grid.
func (g Grid) LastRow() int {
	return g.Origin.Row + len(g.Values) - 1
}

// Width returns the widest row length.
func (g Grid) Width() int {
	w := 0
	for _, row := range g.Values {
		w = max(w, len(row))
	}
	return w
}

// Row returns the values of the one-based row r (nil when absent).
func (g Grid) Row(r int) []string {
	i := r - g.Origin.Row
	if i < 0 || i >= len(g.Values) {
		return nil
	}
	return g.Values[i]
}

func (g Grid) String() string {
	return fmt.Sprintf("grid@%s[%dx%d]", g.Origin, len(g.Values), g.Width())
}
