// Package lease claims work units by writing a marker into their target
// cell. The store offers no compare-and-swap, so a claim is a read, a write
// and an optional verifying re-read; rare double claims end in duplicate,
// equivalent result writes.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
)

// Config tunes the lease manager.
type Config struct {
	Token string
	// VerifyAfterWrite re-reads the cell after writing the marker and gives
	// up the claim when another writer's value is there.
	VerifyAfterWrite bool
	// ReclaimOnStart lets the first pass take over live markers left by a
	// previous run.
	ReclaimOnStart bool
	// MarkAbandoned writes an abandoned marker instead of clearing the cell
	// when a unit gives up.
	MarkAbandoned bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{Token: DefaultToken, VerifyAfterWrite: true}
}

// Manager acquires and releases leases. It remembers the markers it wrote so
// that release never clears someone else's claim.
type Manager struct {
	store   sheet.Store
	cfg     Config
	nowFunc func() time.Time

	mu        sync.Mutex
	held      map[model.CellRef]string
	firstPass bool
}

// New creates a lease manager over store.
func New(store sheet.Store, cfg Config) *Manager {
	if cfg.Token == "" {
		cfg.Token = DefaultToken
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		nowFunc:   time.Now,
		held:      make(map[model.CellRef]string),
		firstPass: true,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.nowFunc = now }

// Token returns the marker token in use.
func (m *Manager) Token() string { return m.cfg.Token }

// EndFirstPass stops first-run reclaiming of live markers.
func (m *Manager) EndFirstPass() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstPass = false
}

// IsExpired reports whether marker is a lease older than the unit's lease
// duration. Values that are not lease markers are never expired.
func (m *Manager) IsExpired(marker string, u model.WorkUnit) bool {
	return Classify(m.cfg.Token, marker, u.LeaseDuration, m.nowFunc()) == CellExpired
}

// eligible reports whether a cell holding v may be claimed for u.
func (m *Manager) eligible(v string, u model.WorkUnit) bool {
	switch Classify(m.cfg.Token, v, u.LeaseDuration, m.nowFunc()) {
	case CellEmpty, CellExpired:
		return true
	case CellLive:
		m.mu.Lock()
		reclaim := m.cfg.ReclaimOnStart && m.firstPass && m.held[u.Target] == ""
		m.mu.Unlock()
		return reclaim
	}
	return false
}

// TryAcquire claims u's target cell. It returns false without error when
// the cell is completed, under a live lease or lost to a concurrent writer.
func (m *Manager) TryAcquire(ctx context.Context, u model.WorkUnit) (bool, error) {
	log := zap.L().With(zap.String("unit", u.ID), zap.String("cell", u.Target.String()))

	v, err := sheet.ReadCell(ctx, m.store, u.Target)
	if err != nil {
		return false, eris.Wrapf(err, "lease: read %s", u.Target)
	}
	if !m.eligible(v, u) {
		log.Debug("lease: cell not eligible")
		return false, nil
	}

	marker := FormatMarker(m.cfg.Token, m.nowFunc())
	if err := m.store.Write(ctx, u.Target, marker); err != nil {
		return false, eris.Wrapf(err, "lease: write marker %s", u.Target)
	}

	if m.cfg.VerifyAfterWrite {
		got, err := sheet.ReadCell(ctx, m.store, u.Target)
		if err != nil {
			return false, eris.Wrapf(err, "lease: verify %s", u.Target)
		}
		if got != marker {
			log.Info("lease: lost claim to concurrent writer")
			return false, nil
		}
	}

	m.mu.Lock()
	m.held[u.Target] = marker
	m.mu.Unlock()
	if !sheet.IsBlank(v) {
		log.Info("lease: reclaimed stale marker", zap.String("previous", v))
	}
	return true, nil
}

// Renew rewrites u's marker with the current time so a long remediation
// delay does not let the lease expire. It returns false when the cell no
// longer holds this manager's marker; the lease is then forgotten.
func (m *Manager) Renew(ctx context.Context, u model.WorkUnit) (bool, error) {
	m.mu.Lock()
	marker, ok := m.held[u.Target]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	v, err := sheet.ReadCell(ctx, m.store, u.Target)
	if err != nil {
		return false, eris.Wrapf(err, "lease: read %s for renew", u.Target)
	}
	if v != marker {
		m.mu.Lock()
		delete(m.held, u.Target)
		m.mu.Unlock()
		zap.L().Warn("lease: lost while held", zap.String("unit", u.ID), zap.String("cell", u.Target.String()))
		return false, nil
	}

	fresh := FormatMarker(m.cfg.Token, m.nowFunc())
	if err := m.store.Write(ctx, u.Target, fresh); err != nil {
		return false, eris.Wrapf(err, "lease: renew %s", u.Target)
	}
	m.mu.Lock()
	m.held[u.Target] = fresh
	m.mu.Unlock()
	return true, nil
}

// Release clears u's cell if it still holds this manager's marker. Calling
// it again, or for a unit never acquired, does nothing.
func (m *Manager) Release(ctx context.Context, u model.WorkUnit) error {
	return m.clearHeld(ctx, u.Target, "")
}

// MarkAbandoned gives up u's lease. With MarkAbandoned configured the cell
// keeps an abandoned marker for operators; otherwise it is cleared so a
// later pass may retry.
func (m *Manager) MarkAbandoned(ctx context.Context, u model.WorkUnit, category model.FailureCategory, attempts int) error {
	if !m.cfg.MarkAbandoned {
		return m.Release(ctx, u)
	}
	return m.clearHeld(ctx, u.Target, FormatAbandoned(category, attempts))
}

func (m *Manager) clearHeld(ctx context.Context, c model.CellRef, replacement string) error {
	m.mu.Lock()
	marker, ok := m.held[c]
	delete(m.held, c)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	v, err := sheet.ReadCell(ctx, m.store, c)
	if err != nil {
		return eris.Wrapf(err, "lease: read %s for release", c)
	}
	if v != marker {
		zap.L().Debug("lease: cell changed since acquire, leaving it", zap.String("cell", c.String()))
		return nil
	}
	if err := m.store.Write(ctx, c, replacement); err != nil {
		return eris.Wrapf(err, "lease: release %s", c)
	}
	return nil
}

// Complete writes the unit's result over its marker, which ends the lease.
// Writing a result for a lease this manager no longer holds is allowed:
// duplicate answers are equivalent, last writer wins.
func (m *Manager) Complete(ctx context.Context, u model.WorkUnit, text string) error {
	if err := m.store.Write(ctx, u.Target, text); err != nil {
		return eris.Wrapf(err, "lease: write result %s", u.Target)
	}
	m.mu.Lock()
	delete(m.held, u.Target)
	m.mu.Unlock()
	return nil
}

// Held reports whether this manager holds a lease on c.
func (m *Manager) Held(c model.CellRef) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[c]
	return ok
}

// HeldCount returns the number of leases held.
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// ReleaseAll releases every held lease, best effort. It returns the first
// error and logs the rest.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	cells := make([]model.CellRef, 0, len(m.held))
	for c := range m.held {
		cells = append(cells, c)
	}
	m.mu.Unlock()

	var first error
	for _, c := range cells {
		if err := m.clearHeld(ctx, c, ""); err != nil {
			zap.L().Warn("lease: release failed", zap.String("cell", c.String()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// ListEligible returns up to limit candidates whose target cell is empty or
// holds an expired lease, in candidate order. All targets are read with a
// single range read.
func (m *Manager) ListEligible(ctx context.Context, candidates []model.WorkUnit, limit int) ([]model.WorkUnit, error) {
	if len(candidates) == 0 || limit == 0 {
		return nil, nil
	}
	refs := make([]model.CellRef, len(candidates))
	for i, u := range candidates {
		refs[i] = u.Target
	}
	r, _ := model.Bounding(refs)
	grid, err := m.store.Read(ctx, r)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: read candidates %s", r)
	}

	var out []model.WorkUnit
	for _, u := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if m.eligible(grid.Get(u.Target), u) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Found is a lease or abandoned marker seen in the store.
type Found struct {
	Cell  model.CellRef
	State CellState
	Age   time.Duration
	Value string
}

// Scan lists every marker inside r. Markers older than d are reported
// expired.
func (m *Manager) Scan(ctx context.Context, r model.Range, d time.Duration) ([]Found, error) {
	grid, err := m.store.Read(ctx, r)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: scan %s", r)
	}
	now := m.nowFunc()
	var out []Found
	for i, row := range grid.Values {
		for j, v := range row {
			st := Classify(m.cfg.Token, v, d, now)
			if st != CellLive && st != CellExpired && st != CellAbandoned {
				continue
			}
			f := Found{
				Cell:  model.CellRef{Col: grid.Origin.Col + j, Row: grid.Origin.Row + i},
				State: st,
				Value: v,
			}
			if mk, ok := ParseMarker(m.cfg.Token, v); ok && mk.Valid {
				f.Age = mk.Age(now)
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// Clear empties the given marker cells, skipping any whose value changed
// since the scan.
func (m *Manager) Clear(ctx context.Context, found []Found) (int, error) {
	n := 0
	for _, f := range found {
		v, err := sheet.ReadCell(ctx, m.store, f.Cell)
		if err != nil {
			return n, eris.Wrapf(err, "lease: read %s", f.Cell)
		}
		if v != f.Value {
			continue
		}
		if err := m.store.Write(ctx, f.Cell, ""); err != nil {
			return n, eris.Wrapf(err, "lease: clear %s", f.Cell)
		}
		n++
	}
	return n, nil
}
