package sheet

import (
	"context"
	"sync"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// MemoryStore is an in-process Store. It backs dry runs and tests; hooks
// allow failure injection and observing writes.
type MemoryStore struct {
	mu     sync.Mutex
	cells  map[model.CellRef]string
	reads  int
	writes int

	// ReadErr, when non-nil, is returned by every Read.
	ReadErr error
	// WriteErr, when non-nil, is returned by every Write.
	WriteErr error
	// OnWrite runs after each successful write, outside the lock.
	OnWrite func(c model.CellRef, value string)
}

// NewMemoryStore creates a store seeded with rows, where rows[0][0] is A1.
func NewMemoryStore(rows [][]string) *MemoryStore {
	m := &MemoryStore{cells: make(map[model.CellRef]string)}
	for i, row := range rows {
		for j, v := range row {
			if v != "" {
				m.cells[model.CellRef{Col: j, Row: i + 1}] = v
			}
		}
	}
	return m
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, r model.Range) (model.Grid, error) {
	if err := ctx.Err(); err != nil {
		return model.Grid{}, err
	}
	if err := validate(r); err != nil {
		return model.Grid{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.ReadErr != nil {
		return model.Grid{}, m.ReadErr
	}
	return trimGrid(r, func(col, row int) string {
		return m.cells[model.CellRef{Col: col, Row: row}]
	}), nil
}

// Write implements Store. Writing "" clears the cell.
func (m *MemoryStore) Write(ctx context.Context, c model.CellRef, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCell(c); err != nil {
		return err
	}
	m.mu.Lock()
	if m.WriteErr != nil {
		err := m.WriteErr
		m.mu.Unlock()
		return err
	}
	m.writes++
	if value == "" {
		delete(m.cells, c)
	} else {
		m.cells[c] = value
	}
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(c, value)
	}
	return nil
}

// Get returns the current value of c.
func (m *MemoryStore) Get(c model.CellRef) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cells[c]
}

// Set writes c directly, bypassing hooks and counters.
func (m *MemoryStore) Set(c model.CellRef, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == "" {
		delete(m.cells, c)
		return
	}
	m.cells[c] = value
}

// Reads returns the number of Read calls served.
func (m *MemoryStore) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Writes returns the number of successful writes.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Extent returns the range covering every non-empty cell.
func (m *MemoryStore) Extent() (model.Range, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]model.CellRef, 0, len(m.cells))
	for c := range m.cells {
		refs = append(refs, c)
	}
	r, ok := model.Bounding(refs)
	if ok {
		r.From = model.CellRef{Col: 0, Row: 1}
	}
	return r, ok
}
