package model

import "time"

// RunStatus represents the state of one orchestrator invocation.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one orchestrator invocation against a source.
type Run struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Status    RunStatus `json:"status"`
	Stats     *RunStats `json:"stats,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStats aggregates unit outcomes for a run.
type RunStats struct {
	Passes    int `json:"passes"`
	Batches   int `json:"batches"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// Add folds a batch result into the stats.
func (s *RunStats) Add(b BatchResult) {
	ok, failed, abandoned := b.Counts()
	s.Batches++
	s.Succeeded += ok
	s.Failed += failed
	s.Abandoned += abandoned
}

// Attempt records one attempt of a unit for the run ledger.
type Attempt struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	UnitID    string          `json:"unit_id"`
	Class     CapabilityClass `json:"class"`
	Number    int             `json:"number"`
	Phase     Phase           `json:"phase"`
	Succeeded bool            `json:"succeeded"`
	Category  FailureCategory `json:"category,omitempty"`
	Tier      Tier            `json:"tier,omitempty"`
	Action    Action          `json:"action,omitempty"`
	Error     string          `json:"error,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
	CreatedAt time.Time       `json:"created_at"`
}
