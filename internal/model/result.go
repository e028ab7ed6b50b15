package model

import "time"

// Phase is one step of the per-unit interaction protocol.
type Phase string

const (
	PhasePrepare         Phase = "prepare"
	PhaseConfigure       Phase = "configure"
	PhaseSubmit          Phase = "submit"
	PhaseAwaitCompletion Phase = "await_completion"
	PhaseExtract         Phase = "extract"
	PhasePersist         Phase = "persist"
)

// Phases lists the fixed linear phase order.
var Phases = []Phase{
	PhasePrepare,
	PhaseConfigure,
	PhaseSubmit,
	PhaseAwaitCompletion,
	PhaseExtract,
	PhasePersist,
}

// Next returns the phase after p, or "" after Persist.
func (p Phase) Next() Phase {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return ""
}

// UnitOutcome is the result of one unit within a batch.
type UnitOutcome struct {
	UnitID      string          `json:"unit_id"`
	Target      CellRef         `json:"target"`
	Position    int             `json:"position"`
	Status      UnitStatus      `json:"status"`
	Succeeded   bool            `json:"succeeded"`
	Text        string          `json:"text,omitempty"`
	Category    FailureCategory `json:"category,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	ConfigErrs  []string        `json:"config_errors,omitempty"`
	StartOffset time.Duration   `json:"start_offset"`
	Elapsed     time.Duration   `json:"elapsed"`
}

// BatchResult holds ordered outcomes for one batch.
type BatchResult struct {
	Outcomes []UnitOutcome `json:"outcomes"`
	Started  time.Time     `json:"started"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Counts tallies outcomes by terminal status.
func (b BatchResult) Counts() (succeeded, failed, abandoned int) {
	for _, o := range b.Outcomes {
		switch o.Status {
		case UnitSucceeded:
			succeeded++
		case UnitAbandoned:
			abandoned++
		default:
			failed++
		}
	}
	return succeeded, failed, abandoned
}
