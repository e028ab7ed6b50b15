// Package resilience classifies failures and decides remediation: the
// escalation controller for units, plus retry and circuit-breaker helpers
// for calls against the tabular store and surface bridge.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// Policy is the escalation policy of one failure category.
type Policy struct {
	// MaxAttempts is the total number of attempts a unit gets before it is
	// abandoned.
	MaxAttempts int
	// Tier is the category's default (minimum) tier.
	Tier model.Tier
	// Immediate forces the hard tier on the first failure.
	Immediate bool
}

// EscalationConfig tunes the controller.
type EscalationConfig struct {
	Policies map[model.FailureCategory]Policy

	// InPlaceMaxAttempt is the last attempt number still retried in place.
	InPlaceMaxAttempt int
	// RecreateMaxAttempt is the last attempt number handled by recreating
	// the context; later attempts go hard.
	RecreateMaxAttempt int
	// ConsecutiveHardThreshold forces the hard tier after this many
	// consecutive same-category failures on one capability class.
	ConsecutiveHardThreshold int

	// Schedules holds the ascending delay schedule of each tier.
	Schedules map[model.Tier][]time.Duration
	// Quarantine is how long an abandoned unit stays out of later passes.
	Quarantine time.Duration
}

// DefaultEscalationConfig returns the production policy table.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Policies: map[model.FailureCategory]Policy{
			model.CategoryAuthOrSession:     {MaxAttempts: 3, Tier: model.TierHard, Immediate: true},
			model.CategoryRateLimit:         {MaxAttempts: 3, Tier: model.TierHard, Immediate: true},
			model.CategoryNetwork:           {MaxAttempts: 5, Tier: model.TierSoft},
			model.CategoryElementNotFound:   {MaxAttempts: 4, Tier: model.TierSoft},
			model.CategoryInteractionTiming: {MaxAttempts: 6, Tier: model.TierNone},
			model.CategoryGeneral:           {MaxAttempts: 8, Tier: model.TierNone},
		},
		InPlaceMaxAttempt:        2,
		RecreateMaxAttempt:       4,
		ConsecutiveHardThreshold: 5,
		Schedules: map[model.Tier][]time.Duration{
			model.TierNone: {5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second},
			model.TierSoft: {30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute},
			model.TierHard: {5 * time.Minute, 20 * time.Minute, time.Hour, 2 * time.Hour},
		},
		Quarantine: 2 * time.Hour,
	}
}

// State is the escalation state of one capability class.
type State struct {
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastCategory        model.FailureCategory `json:"last_category,omitempty"`
	Tier                model.Tier            `json:"tier"`
	// Attempt advances on every failure and is capped by the last
	// category's MaxAttempts.
	Attempt int `json:"attempt"`
	// Observed counts non-fatal failures (configuration) per category.
	Observed map[model.FailureCategory]int `json:"observed,omitempty"`
}

// Decision is the controller's verdict for one failure.
type Decision struct {
	Category    model.FailureCategory
	Tier        model.Tier
	Action      model.Action
	Delay       time.Duration
	Attempt     int
	Consecutive int
	Reason      string
}

// Controller tracks escalation state per capability class and turns
// failures into remediation decisions. It is safe for concurrent use.
type Controller struct {
	cfg    EscalationConfig
	mu     sync.Mutex
	states map[model.CapabilityClass]*State
}

// NewController creates a controller, filling unset config from defaults.
func NewController(cfg EscalationConfig) *Controller {
	def := DefaultEscalationConfig()
	if cfg.Policies == nil {
		cfg.Policies = def.Policies
	}
	if cfg.InPlaceMaxAttempt <= 0 {
		cfg.InPlaceMaxAttempt = def.InPlaceMaxAttempt
	}
	if cfg.RecreateMaxAttempt < cfg.InPlaceMaxAttempt {
		cfg.RecreateMaxAttempt = max(def.RecreateMaxAttempt, cfg.InPlaceMaxAttempt)
	}
	if cfg.ConsecutiveHardThreshold <= 0 {
		cfg.ConsecutiveHardThreshold = def.ConsecutiveHardThreshold
	}
	if cfg.Schedules == nil {
		cfg.Schedules = def.Schedules
	}
	if cfg.Quarantine <= 0 {
		cfg.Quarantine = def.Quarantine
	}
	return &Controller{cfg: cfg, states: make(map[model.CapabilityClass]*State)}
}

// Policy returns the policy of category, falling back to General.
func (c *Controller) Policy(category model.FailureCategory) Policy {
	if p, ok := c.cfg.Policies[category]; ok {
		return p
	}
	if p, ok := c.cfg.Policies[model.CategoryGeneral]; ok {
		return p
	}
	return Policy{MaxAttempts: 3, Tier: model.TierNone}
}

// Quarantine returns how long abandoned units are kept out of later passes.
func (c *Controller) Quarantine() time.Duration {
	return c.cfg.Quarantine
}

// Decide records a failure of a unit of class on its attempt-th attempt and
// returns the remediation to apply.
func (c *Controller) Decide(class model.CapabilityClass, err error, attempt int) Decision {
	category := Classify(err)
	policy := c.Policy(category)

	c.mu.Lock()
	st := c.stateLocked(class)
	if st.LastCategory == category {
		st.ConsecutiveFailures++
	} else {
		st.ConsecutiveFailures = 1
	}
	st.LastCategory = category
	st.Attempt = min(st.Attempt+1, max(policy.MaxAttempts, 1))
	consecutive := st.ConsecutiveFailures

	d := Decision{Category: category, Attempt: attempt, Consecutive: consecutive}
	d.Tier, d.Reason = c.tier(policy, attempt, consecutive)
	if d.Tier.Rank() > st.Tier.Rank() || st.Tier == "" {
		st.Tier = d.Tier
	}
	c.mu.Unlock()

	switch {
	case attempt >= policy.MaxAttempts:
		d.Action = model.ActionAbandon
		d.Delay = c.cfg.Quarantine
		d.Reason = fmt.Sprintf("attempt %d reached max %d", attempt, policy.MaxAttempts)
	case d.Tier == model.TierHard:
		d.Action = model.ActionReprovision
	case d.Tier == model.TierSoft && attempt > c.cfg.InPlaceMaxAttempt:
		d.Action = model.ActionRecreateContext
	default:
		d.Action = model.ActionRetryInPlace
	}

	if d.Action == model.ActionRetryInPlace && RequiresFreshContext(err) {
		d.Action = model.ActionRecreateContext
		if d.Tier.Rank() < model.TierSoft.Rank() {
			d.Tier = model.TierSoft
		}
		d.Reason = "context unusable"
	}
	if d.Action != model.ActionAbandon {
		d.Delay = c.delay(d.Tier, d.Action, attempt, consecutive)
	}

	zap.L().Debug("escalation: decision",
		zap.String("class", string(class)),
		zap.String("category", string(d.Category)),
		zap.String("tier", string(d.Tier)),
		zap.String("action", string(d.Action)),
		zap.Int("attempt", attempt),
		zap.Int("consecutive", consecutive),
		zap.Duration("delay", d.Delay),
		zap.String("reason", d.Reason),
	)
	return d
}

// Observe records a failure that does not abort the unit (a failed option
// selection). It does not advance the consecutive-failure counter.
func (c *Controller) Observe(class model.CapabilityClass, err error) model.FailureCategory {
	category := Classify(err)
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(class)
	if st.Observed == nil {
		st.Observed = make(map[model.FailureCategory]int)
	}
	st.Observed[category]++
	return category
}

// Succeed resets the escalation state of class after a successful unit.
func (c *Controller) Succeed(class model.CapabilityClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(class)
	st.ConsecutiveFailures = 0
	st.Attempt = 0
	st.Tier = model.TierNone
}

// State returns a copy of the escalation state of class.
func (c *Controller) State(class model.CapabilityClass) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := *c.stateLocked(class)
	if st.Observed != nil {
		obs := make(map[model.FailureCategory]int, len(st.Observed))
		for k, v := range st.Observed {
			obs[k] = v
		}
		st.Observed = obs
	}
	return st
}

func (c *Controller) stateLocked(class model.CapabilityClass) *State {
	st, ok := c.states[class]
	if !ok {
		st = &State{Tier: model.TierNone}
		c.states[class] = st
	}
	return st
}

func (c *Controller) tier(p Policy, attempt, consecutive int) (model.Tier, string) {
	switch {
	case p.Immediate:
		return model.TierHard, "immediate escalation category"
	case consecutive >= c.cfg.ConsecutiveHardThreshold:
		return model.TierHard, fmt.Sprintf("%d consecutive failures", consecutive)
	case attempt > c.cfg.RecreateMaxAttempt:
		return model.TierHard, "attempts beyond recreate threshold"
	case attempt > c.cfg.InPlaceMaxAttempt:
		if p.Tier.Rank() > model.TierSoft.Rank() {
			return p.Tier, "category default"
		}
		return model.TierSoft, "attempts beyond in-place threshold"
	}
	if p.Tier == "" {
		return model.TierNone, "category default"
	}
	return p.Tier, "category default"
}

// delay picks the remediation delay from the tier's ascending schedule. In
// place retries walk the schedule by attempt, giving a linear increase.
func (c *Controller) delay(tier model.Tier, action model.Action, attempt, consecutive int) time.Duration {
	if action == model.ActionRetryInPlace {
		tier = model.TierNone
	}
	schedule := c.cfg.Schedules[tier]
	if len(schedule) == 0 {
		return 0
	}
	step := consecutive
	switch action {
	case model.ActionRetryInPlace:
		step = attempt
	case model.ActionRecreateContext:
		step = attempt - c.cfg.InPlaceMaxAttempt
	}
	idx := min(max(step-1, 0), len(schedule)-1)
	return schedule[idx]
}
