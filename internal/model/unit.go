// Package model holds the shared data types of the orchestration engine.
package model

import (
	"fmt"
	"time"
)

// CapabilityClass names the flavor of external surface a unit runs against.
type CapabilityClass string

// UnitStatus is the lifecycle status of a WorkUnit.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitLeased    UnitStatus = "leased"
	UnitRunning   UnitStatus = "running"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitAbandoned UnitStatus = "abandoned"
)

// Terminal reports whether the status ends a unit's run.
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitSucceeded, UnitFailed, UnitAbandoned:
		return true
	}
	return false
}

// Option is one named selection applied during the Configure phase
// (e.g. Category "model", Name "gpt-4o").
type Option struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

func (o Option) String() string { return o.Category + "=" + o.Name }

// Option categories understood by the executor.
const (
	OptionModel   = "model"
	OptionFeature = "feature"
)

// WorkUnit is one schedulable piece of work mapped to one output cell.
type WorkUnit struct {
	ID            string          `json:"id"`
	GroupID       string          `json:"group_id"`
	Group         int             `json:"group"`
	Row           int             `json:"row"`
	InputCols     []int           `json:"input_cols"`
	Prompt        string          `json:"prompt"`
	Target        CellRef         `json:"target"`
	Class         CapabilityClass `json:"class"`
	Options       []Option        `json:"options,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	LeaseDuration time.Duration   `json:"lease_duration"`
	WaitCeiling   time.Duration   `json:"wait_ceiling"`

	Status       UnitStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	LastCategory FailureCategory `json:"last_category,omitempty"`
}

// Feature returns the unit's feature option, if any.
func (u WorkUnit) Feature() string {
	for _, o := range u.Options {
		if o.Category == OptionFeature {
			return o.Name
		}
	}
	return ""
}

// UnitID builds the stable identifier of a unit from its group and target.
func UnitID(groupID string, target CellRef) string {
	return fmt.Sprintf("%s/%s", groupID, target)
}

// RowDirective controls which data rows a pass considers.
type RowDirective string

const (
	DirectiveNone  RowDirective = ""
	DirectiveStart RowDirective = "start"
	DirectiveStop  RowDirective = "stop"
	DirectiveOnly  RowDirective = "only"
)

// WorkGroup is an ordered set of units sharing layout, capability and
// dependency gating.
type WorkGroup struct {
	ID        string `json:"id"`
	Index     int    `json:"index"`
	InputCols []int  `json:"input_cols"`
	// Outputs maps each capability class of the group to its answer column.
	Outputs      map[CapabilityClass]int `json:"outputs"`
	Classes      []CapabilityClass       `json:"classes"`
	MultiSurface bool                    `json:"multi_surface"`
	Options      []Option                `json:"options,omitempty"`
	// ClassOptions overrides Options per class in a multi-surface group.
	ClassOptions map[CapabilityClass][]Option `json:"class_options,omitempty"`
	DependsOn    []string                     `json:"depends_on,omitempty"`
	FirstDataRow int                          `json:"first_data_row"`
	Directive    RowDirective                 `json:"directive,omitempty"`
}

// OutputCols returns the group's answer columns in class order.
func (g WorkGroup) OutputCols() []int {
	cols := make([]int, 0, len(g.Classes))
	for _, c := range g.Classes {
		if col, ok := g.Outputs[c]; ok {
			cols = append(cols, col)
		}
	}
	return cols
}

// OptionsFor returns the options that apply to class within the group.
func (g WorkGroup) OptionsFor(class CapabilityClass) []Option {
	if opts, ok := g.ClassOptions[class]; ok {
		return opts
	}
	return g.Options
}
