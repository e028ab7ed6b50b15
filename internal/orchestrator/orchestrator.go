// Package orchestrator runs the scheduling loop: each pass re-reads the
// tabular store, discovers groups in dependency order and drains them batch
// by batch through lease acquisition and the phase executor.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface/profile"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/taskgen"
)

// Config tunes the scheduling loop.
type Config struct {
	// Range is the part of the store read as the snapshot.
	Range model.Range
	// MaxPasses bounds the number of passes; 0 means until a pass runs
	// nothing.
	MaxPasses int
	// PassInterval is the pause between passes.
	PassInterval time.Duration
	// MaxStoreFailures is the number of consecutive passes aborted by a
	// store failure after which Run gives up.
	MaxStoreFailures int
	// StoreFailureDelay is the pause after an aborted pass.
	StoreFailureDelay time.Duration
	Generator         taskgen.Config
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Range:             model.Range{From: model.CellRef{Col: 0, Row: 1}, To: model.CellRef{Col: 51, Row: 2000}},
		PassInterval:      10 * time.Second,
		MaxStoreFailures:  3,
		StoreFailureDelay: 30 * time.Second,
		Generator:         taskgen.DefaultConfig(),
	}
}

// Leases is the part of the lease manager the loop claims work through.
type Leases interface {
	TryAcquire(ctx context.Context, u model.WorkUnit) (bool, error)
	ListEligible(ctx context.Context, candidates []model.WorkUnit, limit int) ([]model.WorkUnit, error)
	Release(ctx context.Context, u model.WorkUnit) error
	ReleaseAll(ctx context.Context) error
	EndFirstPass()
}

// Executor runs one batch of leased units.
type Executor interface {
	ExecuteBatch(ctx context.Context, units []model.WorkUnit) (model.BatchResult, error)
	PoolSize() int
}

// Deps are the collaborators of an Orchestrator. Tracker must be the one
// the executor reports terminal units to.
type Deps struct {
	Store      sheet.Store
	Profiles   *profile.Set
	Leases     Leases
	Executor   Executor
	Tracker    *taskgen.Tracker
	Quarantine *resilience.Quarantine
}

// Orchestrator ties the generator, the lease manager and the executor.
type Orchestrator struct {
	cfg  Config
	deps Deps
	gen  *taskgen.Generator
	// planner generates without tracker gating, for Plan.
	planner *taskgen.Generator

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.Range == (model.Range{}) {
		cfg.Range = def.Range
	}
	if cfg.MaxStoreFailures <= 0 {
		cfg.MaxStoreFailures = def.MaxStoreFailures
	}
	if cfg.PassInterval < 0 {
		cfg.PassInterval = def.PassInterval
	}
	if cfg.StoreFailureDelay < 0 {
		cfg.StoreFailureDelay = def.StoreFailureDelay
	}
	if deps.Tracker == nil {
		deps.Tracker = taskgen.NewTracker()
	}
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		nowFunc: time.Now,
		sleep:   resilience.Sleep,
	}
	skip := taskgen.WithSkip(o.quarantined)
	o.gen = taskgen.New(deps.Profiles, cfg.Generator, taskgen.WithTracker(deps.Tracker), skip)
	o.planner = taskgen.New(deps.Profiles, cfg.Generator, skip)
	return o
}

// SetClock replaces the time source and the sleep between passes.
func (o *Orchestrator) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	o.nowFunc = now
	o.sleep = sleep
}

func (o *Orchestrator) quarantined(unitID string) bool {
	return o.deps.Quarantine != nil && o.deps.Quarantine.Blocked(unitID, o.nowFunc())
}

// Run executes passes until one runs no unit, MaxPasses is reached or ctx
// ends. A pass aborted by a store failure releases every held lease and is
// retried; MaxStoreFailures consecutive aborts end the run with an error.
func (o *Orchestrator) Run(ctx context.Context) (model.RunStats, error) {
	var stats model.RunStats
	storeFailures := 0
	for pass := 1; o.cfg.MaxPasses <= 0 || pass <= o.cfg.MaxPasses; pass++ {
		executed, err := o.pass(ctx, pass, &stats)
		if pass == 1 {
			o.deps.Leases.EndFirstPass()
		}
		if err != nil {
			o.releaseAll(ctx)
			if ctx.Err() != nil {
				return stats, eris.Wrap(ctx.Err(), "orchestrator: run cancelled")
			}
			storeFailures++
			zap.L().Error("orchestrator: pass aborted",
				zap.Int("pass", pass),
				zap.Int("consecutive_failures", storeFailures),
				zap.Error(err),
			)
			if storeFailures >= o.cfg.MaxStoreFailures {
				return stats, eris.Wrapf(err, "orchestrator: %d consecutive passes aborted", storeFailures)
			}
			if serr := o.sleep(ctx, o.cfg.StoreFailureDelay); serr != nil {
				return stats, eris.Wrap(serr, "orchestrator: run cancelled")
			}
			continue
		}
		storeFailures = 0
		if executed == 0 {
			zap.L().Info("orchestrator: nothing left to run", zap.Int("pass", pass))
			break
		}
		if o.cfg.MaxPasses > 0 && pass == o.cfg.MaxPasses {
			break
		}
		if err := o.sleep(ctx, o.cfg.PassInterval); err != nil {
			return stats, eris.Wrap(err, "orchestrator: run cancelled")
		}
	}
	return stats, nil
}

// pass drains every group once, in dependency order, and returns the
// number of units executed.
func (o *Orchestrator) pass(ctx context.Context, pass int, stats *model.RunStats) (int, error) {
	log := zap.L().With(zap.Int("pass", pass))
	stats.Passes++
	o.deps.Tracker.Reset()

	snap, err := o.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	groups, err := o.gen.Discover(snap)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: discover")
	}
	order, blocked := taskgen.Order(groups)
	for _, i := range blocked {
		log.Warn("orchestrator: group in dependency cycle, skipped",
			zap.String("group", groups[i].ID),
			zap.Strings("depends_on", groups[i].DependsOn),
		)
		o.deps.Tracker.Seal(groups[i].ID)
	}
	log.Info("orchestrator: pass started",
		zap.Int("groups", len(groups)),
		zap.Int("blocked", len(blocked)),
	)

	attempted := make(map[string]bool)
	executed := 0
	for _, i := range order {
		g := groups[i]
		// Groups drain one after another, so this returns at once. The
		// tracker is the completion signal the generator's gate consults.
		if err := o.deps.Tracker.Wait(ctx, knownDeps(g, groups)...); err != nil {
			return executed, err
		}
		o.deps.Tracker.Begin(g.ID)
		n, err := o.drainGroup(ctx, g.ID, attempted, stats)
		executed += n
		o.deps.Tracker.Seal(g.ID)
		if err != nil {
			return executed, err
		}
	}
	log.Info("orchestrator: pass complete",
		zap.Int("executed", executed),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("abandoned", stats.Abandoned),
	)
	return executed, nil
}

// drainGroup runs batches of the group until it has no eligible unit left
// that this pass has not tried. The snapshot is re-read before every batch.
func (o *Orchestrator) drainGroup(ctx context.Context, groupID string, attempted map[string]bool, stats *model.RunStats) (int, error) {
	log := zap.L().With(zap.String("group", groupID))
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		snap, err := o.snapshot(ctx)
		if err != nil {
			return executed, err
		}
		groups, err := o.gen.Discover(snap)
		if err != nil {
			return executed, eris.Wrap(err, "orchestrator: discover")
		}
		idx := indexOf(groups, groupID)
		if idx < 0 {
			log.Info("orchestrator: group no longer in layout")
			return executed, nil
		}
		units, err := o.gen.GenerateUnitsForGroup(idx, snap, 0)
		if err != nil {
			return executed, eris.Wrap(err, "orchestrator: generate")
		}
		fresh := units[:0:0]
		for _, u := range units {
			if !attempted[u.ID] {
				fresh = append(fresh, u)
			}
		}
		if len(fresh) == 0 {
			return executed, nil
		}

		eligible, err := o.deps.Leases.ListEligible(ctx, fresh, o.deps.Executor.PoolSize())
		if err != nil {
			return executed, err
		}
		if len(eligible) == 0 {
			log.Debug("orchestrator: remaining units leased elsewhere", zap.Int("candidates", len(fresh)))
			return executed, nil
		}

		batch, err := o.acquire(ctx, eligible, attempted)
		if err != nil {
			return executed, err
		}
		if len(batch) == 0 {
			continue
		}

		o.deps.Tracker.Add(groupID, len(batch))
		res, err := o.deps.Executor.ExecuteBatch(ctx, batch)
		stats.Add(res)
		executed += len(batch)
		o.releaseFailed(ctx, batch, res)
		if err != nil {
			return executed, err
		}
	}
}

// acquire leases the eligible units. Each is marked attempted whether or
// not the lease was won, so a lost race is not retried within the pass.
func (o *Orchestrator) acquire(ctx context.Context, eligible []model.WorkUnit, attempted map[string]bool) ([]model.WorkUnit, error) {
	batch := make([]model.WorkUnit, 0, len(eligible))
	for _, u := range eligible {
		attempted[u.ID] = true
		ok, err := o.deps.Leases.TryAcquire(ctx, u)
		if err != nil {
			return nil, err
		}
		if !ok {
			zap.L().Debug("orchestrator: lease not acquired", zap.String("unit", u.ID))
			continue
		}
		u.Status = model.UnitLeased
		batch = append(batch, u)
	}
	return batch, nil
}

// releaseFailed clears the leases of units that ended failed so a later
// pass can retry them. Succeeded units hold their result and abandoned ones
// were released by the executor.
func (o *Orchestrator) releaseFailed(ctx context.Context, batch []model.WorkUnit, res model.BatchResult) {
	rctx := context.WithoutCancel(ctx)
	for i, out := range res.Outcomes {
		if out.Status != model.UnitFailed || i >= len(batch) {
			continue
		}
		if err := o.deps.Leases.Release(rctx, batch[i]); err != nil {
			zap.L().Warn("orchestrator: release of failed unit", zap.String("unit", batch[i].ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) releaseAll(ctx context.Context) {
	if err := o.deps.Leases.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
		zap.L().Warn("orchestrator: release of held leases", zap.Error(err))
	}
}

func (o *Orchestrator) snapshot(ctx context.Context) (model.Grid, error) {
	g, err := o.deps.Store.Read(ctx, o.cfg.Range)
	if err != nil {
		return model.Grid{}, eris.Wrapf(err, "orchestrator: read snapshot %s", o.cfg.Range)
	}
	return g, nil
}

func indexOf(groups []model.WorkGroup, id string) int {
	f := profile.Fold(id)
	for i, g := range groups {
		if profile.Fold(g.ID) == f {
			return i
		}
	}
	return -1
}

// knownDeps returns the dependency ids of g that name a group selected for
// this pass. Groups left out by column directives are never sealed and are
// gated on their cells by the generator instead.
func knownDeps(g model.WorkGroup, groups []model.WorkGroup) []string {
	var out []string
	for _, dep := range g.DependsOn {
		if i := indexOf(groups, dep); i >= 0 && i != g.Index {
			out = append(out, groups[i].ID)
		}
	}
	return out
}
