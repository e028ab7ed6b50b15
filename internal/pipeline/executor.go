// Package pipeline drives work units through the interaction protocol:
// Prepare, Configure, Submit, AwaitCompletion, Extract and Persist. Units of
// a batch start staggered and then run independently; failures go through
// the escalation controller until the unit succeeds or is abandoned.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/slot"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

// Config tunes the executor.
type Config struct {
	// Stagger is the delay between the starts of consecutive units.
	Stagger time.Duration
	// PollInterval is the busy-indicator polling interval.
	PollInterval time.Duration
	// StableChecks is the number of consecutive idle polls that end a wait.
	StableChecks int
	// AppearTimeout bounds the wait for the busy indicator to show after a
	// submit. Idle polls only count once it showed or this elapsed.
	AppearTimeout time.Duration
	// DefaultCeiling applies to units without a wait ceiling.
	DefaultCeiling time.Duration
	// Strategies is the extraction order used when no per-class order is set.
	Strategies []string
	// OptionAttempts is the number of tries per option selection.
	OptionAttempts int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Stagger:        5 * time.Second,
		PollInterval:   time.Second,
		StableChecks:   3,
		AppearTimeout:  10 * time.Second,
		DefaultCeiling: 5 * time.Minute,
		Strategies:     surface.DefaultStrategies,
		OptionAttempts: 2,
	}
}

// Leases is the part of the lease manager the executor writes through.
type Leases interface {
	Complete(ctx context.Context, u model.WorkUnit, text string) error
	MarkAbandoned(ctx context.Context, u model.WorkUnit, category model.FailureCategory, attempts int) error
	Renew(ctx context.Context, u model.WorkUnit) (bool, error)
}

// Ledger records attempts and dead letters. Its errors are logged, never
// fatal.
type Ledger interface {
	RecordAttempt(ctx context.Context, a model.Attempt) error
	EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error
	ResolveDLQ(ctx context.Context, unitID string) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock replaces the time source and the sleep used for staggering,
// polling and remediation delays.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.nowFunc = now
		e.sleep = sleep
	}
}

// WithStrategies sets the per-class extraction order.
func WithStrategies(fn func(class model.CapabilityClass) []string) Option {
	return func(e *Executor) { e.strategies = fn }
}

// WithLedger records attempts of run runID to l.
func WithLedger(l Ledger, runID string) Option {
	return func(e *Executor) {
		e.ledger = l
		e.runID = runID
	}
}

// WithQuarantine adds abandoned units to q and removes succeeded ones.
func WithQuarantine(q *resilience.Quarantine) Option {
	return func(e *Executor) { e.quarantine = q }
}

// WithOnTerminal registers fn to run as each unit reaches a terminal state.
func WithOnTerminal(fn func(u model.WorkUnit, o model.UnitOutcome)) Option {
	return func(e *Executor) { e.onTerminal = fn }
}

// Executor runs batches of units on the slot pool.
type Executor struct {
	cfg        Config
	driver     surface.Driver
	slots      *slot.Manager
	leases     Leases
	escalation *resilience.Controller

	strategies func(class model.CapabilityClass) []string
	ledger     Ledger
	runID      string
	quarantine *resilience.Quarantine
	onTerminal func(u model.WorkUnit, o model.UnitOutcome)

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an executor. driver must be the driver behind slots.
func New(cfg Config, driver surface.Driver, slots *slot.Manager, leases Leases, escalation *resilience.Controller, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.PollInterval < 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StableChecks <= 0 {
		cfg.StableChecks = def.StableChecks
	}
	if cfg.DefaultCeiling <= 0 {
		cfg.DefaultCeiling = def.DefaultCeiling
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = def.Strategies
	}
	if cfg.OptionAttempts <= 0 {
		cfg.OptionAttempts = def.OptionAttempts
	}
	e := &Executor{
		cfg:        cfg,
		driver:     driver,
		slots:      slots,
		leases:     leases,
		escalation: escalation,
		nowFunc:    time.Now,
		sleep:      resilience.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) now() time.Time { return e.nowFunc() }

// PoolSize returns the largest batch ExecuteBatch accepts.
func (e *Executor) PoolSize() int { return e.slots.Size() }

// Execute runs units in consecutive batches of at most the pool size.
func (e *Executor) Execute(ctx context.Context, units []model.WorkUnit) ([]model.BatchResult, error) {
	var results []model.BatchResult
	size := e.slots.Size()
	for start := 0; start < len(units); start += size {
		end := min(start+size, len(units))
		res, err := e.ExecuteBatch(ctx, units[start:end])
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ExecuteBatch runs one batch. Unit i starts no earlier than i times the
// stagger delay after the batch and no earlier than Stagger after unit i-1
// started, then proceeds on its own. The batch ends when every unit is
// terminal. An error means a store write failed; the batch was aborted and
// the caller owns the cleanup of leases.
func (e *Executor) ExecuteBatch(ctx context.Context, units []model.WorkUnit) (model.BatchResult, error) {
	if len(units) > e.slots.Size() {
		return model.BatchResult{}, eris.Errorf("pipeline: batch of %d exceeds pool size %d", len(units), e.slots.Size())
	}
	start := e.now()
	res := model.BatchResult{Started: start, Outcomes: make([]model.UnitOutcome, len(units))}
	if len(units) == 0 {
		return res, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	launched := 0
	prev := time.Duration(0)
	for i, u := range units {
		if i > 0 {
			target := max(time.Duration(i)*e.cfg.Stagger, prev+e.cfg.Stagger)
			if err := e.waitUntil(gctx, start.Add(target)); err != nil {
				break
			}
		}
		started := make(chan time.Duration, 1)
		g.Go(func() error {
			out, err := e.runUnit(gctx, u, slot.Position(i, e.slots.Size()), start, started)
			res.Outcomes[i] = out
			return err
		})
		launched++
		select {
		case prev = <-started:
		case <-gctx.Done():
		}
		if gctx.Err() != nil {
			break
		}
	}
	err := g.Wait()

	for i := launched; i < len(units); i++ {
		res.Outcomes[i] = model.UnitOutcome{
			UnitID: units[i].ID,
			Target: units[i].Target,
			Status: model.UnitFailed,
			Error:  "batch aborted before start",
		}
	}
	res.Elapsed = e.now().Sub(start)

	ok, failed, abandoned := res.Counts()
	zap.L().Info("pipeline: batch complete",
		zap.Int("units", len(units)),
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
		zap.Int("abandoned", abandoned),
		zap.Duration("elapsed", res.Elapsed),
	)
	if err != nil {
		return res, eris.Wrap(err, "pipeline: batch aborted")
	}
	return res, nil
}

// waitUntil sleeps until t by the executor's clock.
func (e *Executor) waitUntil(ctx context.Context, t time.Time) error {
	for {
		d := t.Sub(e.now())
		if d <= 0 {
			return nil
		}
		if err := e.sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (e *Executor) strategiesFor(class model.CapabilityClass) []string {
	if e.strategies != nil {
		if s := e.strategies(class); len(s) > 0 {
			return s
		}
	}
	return e.cfg.Strategies
}
