package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/lease"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/orchestrator"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/pipeline"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/slot"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/store"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface/profile"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/taskgen"
	"github.com/yamakatsunamamugi/11.autoai-sub001/pkg/anthropic"
	"github.com/yamakatsunamamugi/11.autoai-sub001/pkg/bridge"
)

// surfaceDriver is a driver that can also provision fresh windows.
type surfaceDriver interface {
	surface.Driver
	surface.Provisioner
}

// engine holds the wired components of one run.
type engine struct {
	sheet      sheet.Store
	profiles   *profile.Set
	leases     *lease.Manager
	slots      *slot.Manager
	escalation *resilience.Controller
	tracker    *taskgen.Tracker
	quarantine *resilience.Quarantine
	executor   *pipeline.Executor
	orch       *orchestrator.Orchestrator
}

// engineDeps are the externally owned parts an engine is built over.
// Ledger may be nil when no run ledger is kept.
type engineDeps struct {
	Sheet  sheet.Store
	Driver surfaceDriver
	Ledger store.Store
	RunID  string
	// DLQ seeds the quarantine.
	DLQ []resilience.DLQEntry
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "autoai.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openLedger opens and migrates the configured ledger. It returns nil when
// the store driver is none.
func openLedger(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil || st == nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// openSheet opens the workbook and wraps it with rate limiting, retry and a
// circuit breaker.
func openSheet(c *config.Config) (sheet.Store, error) {
	xs, err := sheet.OpenXLSX(c.Sheet.Path, sheet.XLSXOptions{SheetName: c.Sheet.SheetName})
	if err != nil {
		return nil, err
	}
	return guardSheet(c, xs), nil
}

func guardSheet(c *config.Config, inner sheet.Store) *sheet.Guarded {
	def := resilience.DefaultRetryConfig()
	retry := resilience.FromRetryConfig(c.Sheet.RetryAttempts, c.Sheet.RetryInitialMs, c.Sheet.RetryMaxMs,
		def.Multiplier, def.JitterFraction)
	cb := resilience.FromCircuitConfig(c.Sheet.BreakerThreshold, c.Sheet.BreakerResetSecs)
	cb.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("sheet: circuit state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return sheet.NewGuarded(inner,
		sheet.WithRateLimit(c.Sheet.RateLimit),
		sheet.WithRetry(retry),
		sheet.WithBreaker(resilience.NewCircuitBreaker(cb)),
	)
}

func loadProfiles(c *config.Config) (*profile.Set, error) {
	if c.Surface.ProfilesPath == "" {
		return profile.Default()
	}
	return profile.Load(c.Surface.ProfilesPath)
}

// newDriver builds the configured surface driver. With an Anthropic API key
// set, profiles whose URL starts with "anthropic:" are answered by the
// Messages API and everything else goes to the configured driver.
func newDriver(c *config.Config) surfaceDriver {
	var base surfaceDriver
	if c.Surface.Driver == "memory" {
		base = surface.NewMemory()
	} else {
		base = bridge.NewClient(
			bridge.WithBaseURL(c.Surface.BridgeURL),
			bridge.WithHTTPClient(&http.Client{Timeout: c.Surface.BridgeTimeout}),
			bridge.WithToken(c.Surface.BridgeToken),
			bridge.WithRateLimit(c.Surface.BridgeRate),
		)
	}

	a := c.Surface.Anthropic
	if a.APIKey == "" {
		return base
	}
	api := anthropic.NewSurface(anthropic.NewClient(a.APIKey, a.BaseURL),
		anthropic.WithMaxTokens(a.MaxTokens),
		anthropic.WithSystem(a.System),
	)
	return surface.NewRouter(base).Route(anthropic.Scheme, api)
}

func snapshotRange(c *config.Config) (model.Range, error) {
	r, err := model.ParseRange(c.Sheet.Range)
	if err != nil {
		return model.Range{}, eris.Wrapf(err, "parse sheet.range %q", c.Sheet.Range)
	}
	return r, nil
}

func generatorConfig(c *config.Config) taskgen.Config {
	return taskgen.Config{
		Token:           c.Lease.Token,
		StandardLease:   c.Lease.Standard,
		ExtendedLease:   c.Lease.Extended,
		StandardCeiling: c.Await.StandardCeiling,
		ExtendedCeiling: c.Await.ExtendedCeiling,
	}
}

func orchestratorConfig(c *config.Config) (orchestrator.Config, error) {
	r, err := snapshotRange(c)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Range:             r,
		MaxPasses:         c.Scheduler.MaxPasses,
		PassInterval:      c.Scheduler.PassInterval,
		MaxStoreFailures:  c.Scheduler.MaxStoreFailures,
		StoreFailureDelay: c.Scheduler.StoreFailureDelay,
		Generator:         generatorConfig(c),
	}, nil
}

func escalationConfig(c *config.Config) resilience.EscalationConfig {
	e := c.Escalation
	return resilience.FromEscalationConfig(e.InPlaceMaxAttempt, e.RecreateMaxAttempt, e.ConsecutiveHardThreshold,
		e.MaxAttempts, e.Schedules, e.QuarantineMins)
}

// buildEngine wires the slot pool, lease manager, executor and orchestrator
// over the given sheet and driver.
func buildEngine(c *config.Config, d engineDeps) (*engine, error) {
	profiles, err := loadProfiles(c)
	if err != nil {
		return nil, err
	}
	ocfg, err := orchestratorConfig(c)
	if err != nil {
		return nil, err
	}

	e := &engine{
		sheet:      d.Sheet,
		profiles:   profiles,
		tracker:    taskgen.NewTracker(),
		quarantine: resilience.NewQuarantine(d.DLQ),
		escalation: resilience.NewController(escalationConfig(c)),
	}
	e.leases = lease.New(d.Sheet, lease.Config{
		Token:            c.Lease.Token,
		VerifyAfterWrite: c.Lease.VerifyAfterWrite,
		ReclaimOnStart:   c.Lease.ReclaimOnStart,
		MarkAbandoned:    c.Lease.MarkAbandoned,
	})
	e.slots = slot.New(c.Pool.Size, d.Driver, d.Driver, func(class model.CapabilityClass) (string, error) {
		p, ok := profiles.Get(class)
		if !ok || p.URL == "" {
			return "", eris.Errorf("no surface url for class %s", class)
		}
		return p.URL, nil
	})

	opts := []pipeline.Option{
		pipeline.WithStrategies(func(class model.CapabilityClass) []string {
			return profiles.Strategies(class, c.Extract.Strategies)
		}),
		pipeline.WithQuarantine(e.quarantine),
		pipeline.WithOnTerminal(e.tracker.UnitDone),
	}
	if d.Ledger != nil {
		opts = append(opts, pipeline.WithLedger(d.Ledger, d.RunID))
	}
	e.executor = pipeline.New(pipeline.Config{
		Stagger:        c.Pool.Stagger,
		PollInterval:   c.Await.PollInterval,
		StableChecks:   c.Await.StableChecks,
		AppearTimeout:  c.Await.AppearTimeout,
		DefaultCeiling: c.Await.StandardCeiling,
		Strategies:     c.Extract.Strategies,
		OptionAttempts: c.Extract.OptionAttempts,
	}, d.Driver, e.slots, e.leases, e.escalation, opts...)

	e.orch = orchestrator.New(ocfg, orchestrator.Deps{
		Store:      d.Sheet,
		Profiles:   profiles,
		Leases:     e.leases,
		Executor:   e.executor,
		Tracker:    e.tracker,
		Quarantine: e.quarantine,
	})
	return e, nil
}

// close tears the slot pool down and gives back any lease still held.
func (e *engine) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := e.leases.ReleaseAll(ctx); err != nil {
		zap.L().Warn("release leases on shutdown", zap.Error(err))
	}
	if err := e.slots.Close(ctx); err != nil {
		zap.L().Warn("close slots", zap.Error(err))
	}
}
