package resilience

import (
	"sync"
	"time"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// DLQEntry records an abandoned unit so later passes skip it until
// NextRetryAt, then retry it fresh.
type DLQEntry struct {
	ID           string                `json:"id"`
	UnitID       string                `json:"unit_id"`
	GroupID      string                `json:"group_id"`
	Target       string                `json:"target"`
	Class        model.CapabilityClass `json:"class"`
	Error        string                `json:"error"`
	Category     model.FailureCategory `json:"category"`
	FailedPhase  model.Phase           `json:"failed_phase,omitempty"`
	Attempts     int                   `json:"attempts"`
	NextRetryAt  time.Time             `json:"next_retry_at"`
	CreatedAt    time.Time             `json:"created_at"`
	LastFailedAt time.Time             `json:"last_failed_at"`
}

// DLQFilter narrows dead-letter queries.
type DLQFilter struct {
	Category model.FailureCategory `json:"category,omitempty"`
	// DueOnly returns only entries whose NextRetryAt has passed.
	DueOnly bool `json:"due_only,omitempty"`
	Limit   int  `json:"limit,omitempty"`
}

// Due reports whether the entry may be retried at now.
func (e DLQEntry) Due(now time.Time) bool {
	return !now.Before(e.NextRetryAt)
}

// NewDLQEntry builds an entry for an abandoned unit.
func NewDLQEntry(u model.WorkUnit, phase model.Phase, err error, d Decision, now time.Time) DLQEntry {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DLQEntry{
		ID:           u.ID,
		UnitID:       u.ID,
		GroupID:      u.GroupID,
		Target:       u.Target.String(),
		Class:        u.Class,
		Error:        msg,
		Category:     d.Category,
		FailedPhase:  phase,
		Attempts:     d.Attempt,
		NextRetryAt:  now.Add(d.Delay),
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// Quarantine is an in-memory set of units kept out of scheduling until
// their retry time. It is seeded from the ledger's dead-letter queue.
type Quarantine struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewQuarantine builds a quarantine from DLQ entries.
func NewQuarantine(entries []DLQEntry) *Quarantine {
	q := &Quarantine{entries: make(map[string]time.Time, len(entries))}
	for _, e := range entries {
		q.entries[e.UnitID] = e.NextRetryAt
	}
	return q
}

// Add quarantines unitID until until.
func (q *Quarantine) Add(unitID string, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[unitID] = until
}

// Remove lifts the quarantine of unitID.
func (q *Quarantine) Remove(unitID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, unitID)
}

// Blocked reports whether unitID is still quarantined at now.
func (q *Quarantine) Blocked(unitID string, now time.Time) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	until, ok := q.entries[unitID]
	return ok && now.Before(until)
}

// Len returns the number of tracked entries.
func (q *Quarantine) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
