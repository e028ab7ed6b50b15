// Package slot owns the fixed pool of execution contexts. Each position in
// [0, N) holds at most one session, bound to one capability class and used
// by at most one unit at a time.
package slot

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

var (
	// ErrPositionBusy is returned when a position is already serving a unit.
	ErrPositionBusy = eris.New("slot: position busy")
	// ErrBadPosition is returned for positions outside the pool.
	ErrBadPosition = eris.New("slot: position out of range")
)

// Slot is the caller's view of one acquired execution context. Generation
// changes whenever the context at the position is replaced.
type Slot struct {
	Position   int
	Class      model.CapabilityClass
	Handle     surface.Handle
	Generation uint64
}

// Info describes a pool position for status output.
type Info struct {
	Position int                   `json:"position"`
	Class    model.CapabilityClass `json:"class,omitempty"`
	Handle   string                `json:"handle,omitempty"`
	Healthy  bool                  `json:"healthy"`
	Busy     bool                  `json:"busy"`
	UnitID   string                `json:"unit_id,omitempty"`
	Created  time.Time             `json:"created"`
}

type entry struct {
	slot    Slot
	healthy bool
	busy    bool
	open    bool
	unitID  string
	cancel  context.CancelCauseFunc
	created time.Time
}

// URLResolver maps a capability class to the URL its sessions open.
type URLResolver func(class model.CapabilityClass) (string, error)

// Manager is the pool table. It is safe for concurrent use.
type Manager struct {
	driver      surface.Driver
	provisioner surface.Provisioner
	resolve     URLResolver
	nowFunc     func() time.Time

	mu      sync.Mutex
	entries []*entry
	gen     uint64
}

// New creates a pool of size positions. provisioner may be nil, in which
// case Reprovision only recreates the context.
func New(size int, driver surface.Driver, provisioner surface.Provisioner, resolve URLResolver) *Manager {
	if size <= 0 {
		size = 1
	}
	return &Manager{
		driver:      driver,
		provisioner: provisioner,
		resolve:     resolve,
		nowFunc:     time.Now,
		entries:     make([]*entry, size),
	}
}

// Size returns the number of positions.
func (m *Manager) Size() int { return len(m.entries) }

// Position maps the i-th unit of a batch onto the pool.
func (m *Manager) Position(i int) int {
	return Position(i, len(m.entries))
}

// Position returns i mod n for non-negative i.
func Position(i, n int) int {
	if n <= 0 {
		return 0
	}
	return ((i % n) + n) % n
}

// Acquire returns a context of class at position. An idle, healthy context
// already bound to class is reused; any other context at the position is
// closed and replaced. Creation failures wrap model.ErrCreationFailed.
func (m *Manager) Acquire(ctx context.Context, class model.CapabilityClass, position int) (Slot, error) {
	m.mu.Lock()
	if position < 0 || position >= len(m.entries) {
		m.mu.Unlock()
		return Slot{}, eris.Wrapf(ErrBadPosition, "position %d of %d", position, len(m.entries))
	}
	e := m.entries[position]
	if e != nil && e.busy {
		m.mu.Unlock()
		return Slot{}, eris.Wrapf(ErrPositionBusy, "position %d serving %s", position, e.unitID)
	}
	reuse := e != nil && e.open && e.healthy && e.slot.Class == class
	if e == nil {
		e = &entry{}
		m.entries[position] = e
	}
	e.busy = true
	old := e.slot
	wasOpen := e.open
	m.mu.Unlock()

	if reuse {
		alive, err := m.driver.Exists(ctx, old.Handle)
		if err == nil && alive {
			zap.L().Debug("slot: reusing context",
				zap.Int("position", position),
				zap.String("class", string(class)),
				zap.String("handle", old.Handle.ID),
			)
			return old, nil
		}
		zap.L().Info("slot: idle context gone, recreating",
			zap.Int("position", position),
			zap.String("class", string(class)),
		)
	}

	if wasOpen {
		m.closeQuietly(ctx, old)
	}
	return m.open(ctx, e, class, position)
}

// open creates a new session for e. e must be marked busy by the caller.
func (m *Manager) open(ctx context.Context, e *entry, class model.CapabilityClass, position int) (Slot, error) {
	fail := func(err error) (Slot, error) {
		m.mu.Lock()
		e.open, e.healthy, e.busy = false, false, false
		e.unitID, e.cancel = "", nil
		m.mu.Unlock()
		return Slot{}, err
	}

	url, err := m.resolve(class)
	if err != nil {
		return fail(eris.Wrapf(model.ErrCreationFailed, "slot: resolve %s: %v", class, err))
	}
	h, err := m.driver.Open(ctx, url, position)
	if err != nil {
		return fail(eris.Wrapf(model.ErrCreationFailed, "slot: open %s at %d: %v", class, position, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	e.slot = Slot{Position: position, Class: class, Handle: h, Generation: m.gen}
	e.open, e.healthy = true, true
	e.created = m.nowFunc()

	zap.L().Info("slot: created context",
		zap.Int("position", position),
		zap.String("class", string(class)),
		zap.String("handle", h.ID),
		zap.Uint64("generation", m.gen),
	)
	return e.slot, nil
}

// Bind records that unitID runs on s. cancel is called with
// model.ErrContextLost if the health watcher finds the context dead.
func (m *Manager) Bind(s Slot, unitID string, cancel context.CancelCauseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.current(s); e != nil {
		e.unitID, e.cancel = unitID, cancel
	}
}

// Release returns s to the pool. An unhealthy context is closed instead.
// Releasing a replaced or already released slot is a no-op.
func (m *Manager) Release(ctx context.Context, s Slot) {
	m.mu.Lock()
	e := m.current(s)
	if e == nil || !e.busy {
		m.mu.Unlock()
		return
	}
	e.busy = false
	e.unitID, e.cancel = "", nil
	evict := !e.healthy
	if evict {
		e.open = false
	}
	m.mu.Unlock()

	if evict {
		m.closeQuietly(ctx, s)
	}
}

// MarkUnhealthy evicts s from the pool. A unit bound to it is cancelled
// with model.ErrContextLost.
func (m *Manager) MarkUnhealthy(ctx context.Context, s Slot) {
	m.mu.Lock()
	e := m.current(s)
	if e == nil || !e.open {
		m.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.healthy, e.open, e.busy = false, false, false
	e.unitID, e.cancel = "", nil
	m.mu.Unlock()

	zap.L().Warn("slot: context unhealthy, evicted",
		zap.Int("position", s.Position),
		zap.String("class", string(s.Class)),
		zap.String("handle", s.Handle.ID),
	)
	if cancel != nil {
		cancel(eris.Wrapf(model.ErrContextLost, "slot: position %d", s.Position))
	}
	m.closeQuietly(ctx, s)
}

// Recreate discards the context behind s and opens a fresh one of the same
// class at the same position, keeping it acquired.
func (m *Manager) Recreate(ctx context.Context, s Slot) (Slot, error) {
	e, err := m.claimForReplace(s)
	if err != nil {
		return Slot{}, err
	}
	m.closeQuietly(ctx, s)
	return m.open(ctx, e, s.Class, s.Position)
}

// Reprovision discards the context behind s, asks the environment for a new
// surface instance at the position and opens a fresh context there.
func (m *Manager) Reprovision(ctx context.Context, s Slot) (Slot, error) {
	e, err := m.claimForReplace(s)
	if err != nil {
		return Slot{}, err
	}
	m.closeQuietly(ctx, s)
	if m.provisioner != nil {
		if err := m.provisioner.Provision(ctx, s.Position); err != nil {
			m.mu.Lock()
			e.busy = false
			m.mu.Unlock()
			return Slot{}, eris.Wrapf(model.ErrCreationFailed, "slot: provision position %d: %v", s.Position, err)
		}
		zap.L().Info("slot: provisioned new surface", zap.Int("position", s.Position))
	}
	return m.open(ctx, e, s.Class, s.Position)
}

// claimForReplace marks the position busy for a replacement of s. The
// position may already have been evicted by the health watcher.
func (m *Manager) claimForReplace(s Slot) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Position < 0 || s.Position >= len(m.entries) {
		return nil, eris.Wrapf(ErrBadPosition, "position %d", s.Position)
	}
	e := m.entries[s.Position]
	if e == nil {
		e = &entry{}
		m.entries[s.Position] = e
	}
	if e.busy && e.slot.Generation != s.Generation {
		return nil, eris.Wrapf(ErrPositionBusy, "position %d serving %s", s.Position, e.unitID)
	}
	e.busy, e.open, e.healthy = true, false, false
	return e, nil
}

// current returns the entry still holding s, or nil when it was replaced.
func (m *Manager) current(s Slot) *entry {
	if s.Position < 0 || s.Position >= len(m.entries) {
		return nil
	}
	e := m.entries[s.Position]
	if e == nil || e.slot.Generation != s.Generation {
		return nil
	}
	return e
}

func (m *Manager) closeQuietly(ctx context.Context, s Slot) {
	if s.Handle.ID == "" {
		return
	}
	if err := m.driver.Close(ctx, s.Handle); err != nil {
		zap.L().Debug("slot: close failed",
			zap.Int("position", s.Position),
			zap.String("handle", s.Handle.ID),
			zap.Error(err),
		)
	}
}

// Snapshot lists every position.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, len(m.entries))
	for i, e := range m.entries {
		out[i] = Info{Position: i}
		if e == nil || !e.open {
			continue
		}
		out[i] = Info{
			Position: i,
			Class:    e.slot.Class,
			Handle:   e.slot.Handle.ID,
			Healthy:  e.healthy,
			Busy:     e.busy,
			UnitID:   e.unitID,
			Created:  e.created,
		}
	}
	return out
}

// Close closes every open context.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var open []Slot
	for _, e := range m.entries {
		if e != nil && e.open {
			open = append(open, e.slot)
			e.open, e.healthy, e.busy = false, false, false
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range open {
		g.Go(func() error {
			if err := m.driver.Close(gctx, s.Handle); err != nil {
				return eris.Wrapf(err, "slot: close position %d", s.Position)
			}
			return nil
		})
	}
	return g.Wait()
}
