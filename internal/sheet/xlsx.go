package sheet

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// XLSXOptions configures an XLSXStore.
type XLSXOptions struct {
	SheetName  string // if set, overrides SheetIndex
	SheetIndex int
	// Create makes a new workbook when the file does not exist.
	Create bool
}

// XLSXStore is a Store over one worksheet of a local workbook. Writes are
// saved through to disk; reads reload the file when it changed on disk.
type XLSXStore struct {
	path string
	opts XLSXOptions

	mu      sync.Mutex
	file    *xlsx.File
	sheet   *xlsx.Sheet
	modTime time.Time
}

// OpenXLSX opens the workbook at path.
func OpenXLSX(path string, opts XLSXOptions) (*XLSXStore, error) {
	s := &XLSXStore{path: path, opts: opts}
	if _, err := os.Stat(path); os.IsNotExist(err) && opts.Create {
		f := xlsx.NewFile()
		name := opts.SheetName
		if name == "" {
			name = "Sheet1"
		}
		if _, err := f.AddSheet(name); err != nil {
			return nil, eris.Wrap(err, "xlsx: add sheet")
		}
		if err := f.Save(path); err != nil {
			return nil, eris.Wrap(err, "xlsx: create file")
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *XLSXStore) load() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return eris.Wrap(err, "xlsx: stat file")
	}
	f, err := xlsx.OpenFile(s.path)
	if err != nil {
		return eris.Wrap(err, "xlsx: open file")
	}
	sh, err := getSheet(f, s.opts)
	if err != nil {
		return err
	}
	s.file, s.sheet, s.modTime = f, sh, info.ModTime()
	return nil
}

func (s *XLSXStore) refreshLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return eris.Wrap(err, "xlsx: stat file")
	}
	if info.ModTime().After(s.modTime) {
		return s.load()
	}
	return nil
}

// Read implements Store.
func (s *XLSXStore) Read(ctx context.Context, r model.Range) (model.Grid, error) {
	if err := ctx.Err(); err != nil {
		return model.Grid{}, err
	}
	if err := validate(r); err != nil {
		return model.Grid{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return model.Grid{}, err
	}
	return trimGrid(r, s.valueLocked), nil
}

func (s *XLSXStore) valueLocked(col, row int) string {
	i := row - 1
	if i >= len(s.sheet.Rows) || s.sheet.Rows[i] == nil {
		return ""
	}
	cells := s.sheet.Rows[i].Cells
	if col >= len(cells) || cells[col] == nil {
		return ""
	}
	return cells[col].String()
}

// Write implements Store. The workbook is saved after every write.
func (s *XLSXStore) Write(ctx context.Context, c model.CellRef, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCell(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return err
	}

	for len(s.sheet.Rows) < c.Row {
		s.sheet.AddRow()
	}
	row := s.sheet.Rows[c.Row-1]
	if row == nil {
		row = &xlsx.Row{Sheet: s.sheet}
		s.sheet.Rows[c.Row-1] = row
	}
	for len(row.Cells) <= c.Col {
		row.AddCell()
	}
	row.Cells[c.Col].SetString(value)

	if err := s.file.Save(s.path); err != nil {
		return eris.Wrapf(err, "xlsx: save after writing %s", c)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// Path returns the workbook path.
func (s *XLSXStore) Path() string { return s.path }

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}
