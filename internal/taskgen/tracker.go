package taskgen

import (
	"context"
	"sync"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

type groupState struct {
	inflight int
	sealed   bool
	done     chan struct{}
}

// Tracker signals group completion. A group is drained once it is sealed
// (no more units will be generated for it in this pass) and every unit
// handed out has reached a terminal state. Waiters block on a channel that
// closes at that moment.
type Tracker struct {
	mu     sync.Mutex
	groups map[string]*groupState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{groups: make(map[string]*groupState)}
}

func (t *Tracker) stateLocked(id string) *groupState {
	s, ok := t.groups[id]
	if !ok {
		s = &groupState{done: make(chan struct{})}
		t.groups[id] = s
	}
	return s
}

// Begin registers group id. Calling it again is a no-op.
func (t *Tracker) Begin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(id)
}

// Add records n units of group id entering execution.
func (t *Tracker) Add(id string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateLocked(id).inflight += n
}

// Done records one unit of group id reaching a terminal state.
func (t *Tracker) Done(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(id)
	if s.inflight > 0 {
		s.inflight--
	}
	t.maybeCloseLocked(s)
}

// Seal marks that no more units of group id will be generated.
func (t *Tracker) Seal(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(id)
	s.sealed = true
	t.maybeCloseLocked(s)
}

func (t *Tracker) maybeCloseLocked(s *groupState) {
	if !s.sealed || s.inflight > 0 {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Drained reports whether group id is sealed with nothing in flight.
func (t *Tracker) Drained(id string) bool {
	t.mu.Lock()
	s := t.stateLocked(id)
	t.mu.Unlock()
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// InFlight returns the number of units of group id still running.
func (t *Tracker) InFlight(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(id).inflight
}

// Wait blocks until every group in ids is drained or ctx is done.
func (t *Tracker) Wait(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		t.mu.Lock()
		done := t.stateLocked(id).done
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// UnitDone records u reaching a terminal state. Its signature matches the
// executor's terminal hook.
func (t *Tracker) UnitDone(u model.WorkUnit, _ model.UnitOutcome) {
	t.Done(u.GroupID)
}

// Reset forgets every group. Call it between passes, never while waiters
// are blocked.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = make(map[string]*groupState)
}
