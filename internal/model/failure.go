package model

// FailureCategory classifies a reported error for escalation.
type FailureCategory string

// Categories in classification priority order.
const (
	CategoryAuthOrSession     FailureCategory = "auth_or_session"
	CategoryRateLimit         FailureCategory = "rate_limit"
	CategoryNetwork           FailureCategory = "network"
	CategoryElementNotFound   FailureCategory = "element_not_found"
	CategoryInteractionTiming FailureCategory = "interaction_timing"
	CategoryGeneral           FailureCategory = "general"
)

// Categories lists every category in priority order.
var Categories = []FailureCategory{
	CategoryAuthOrSession,
	CategoryRateLimit,
	CategoryNetwork,
	CategoryElementNotFound,
	CategoryInteractionTiming,
	CategoryGeneral,
}

// Tier is the remediation severity chosen after a failure.
type Tier string

const (
	TierNone Tier = "none"
	TierSoft Tier = "soft"
	TierHard Tier = "hard"
)

// Rank orders tiers from mildest to hardest.
func (t Tier) Rank() int {
	switch t {
	case TierSoft:
		return 1
	case TierHard:
		return 2
	default:
		return 0
	}
}

// Action is the concrete remediation applied before the pipeline resumes.
type Action string

const (
	ActionRetryInPlace    Action = "retry_in_place"
	ActionRecreateContext Action = "recreate_context"
	ActionReprovision     Action = "reprovision"
	ActionAbandon         Action = "abandon"
)
