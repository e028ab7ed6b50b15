package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/lease"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/pipeline"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/slot"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface/profile"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/taskgen"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept = append(c.slept, d)
	}
	return nil
}

// Two groups: A (ChatGPT, column C) and B (Claude, column F) depending on A.
func sheetRows() [][]string {
	return [][]string{
		{"メニュー", "プロンプト", "回答", "", "プロンプト", "回答"},
		{"AI", "ChatGPT", "", "", "Claude"},
		{"group", "A", "", "", "B"},
		{"依存", "", "", "", "A"},
		{"", "q1", "", "", "x1"},
		{"", "q2", "", "", "x2"},
		{"", "q3"},
	}
}

func cell(t *testing.T, ref string) model.CellRef {
	t.Helper()
	c, err := model.ParseCellRef(ref)
	require.NoError(t, err)
	return c
}

type env struct {
	store      *sheet.MemoryStore
	driver     *surface.Memory
	leases     *lease.Manager
	tracker    *taskgen.Tracker
	quarantine *resilience.Quarantine
	clock      *fakeClock
	exec       *pipeline.Executor
	orch       *Orchestrator
}

func testConfig() Config {
	return Config{
		Range:             model.Range{From: model.CellRef{Col: 0, Row: 1}, To: model.CellRef{Col: 10, Row: 50}},
		MaxStoreFailures:  2,
		StoreFailureDelay: time.Minute,
		PassInterval:      0,
	}
}

func newEnv(t *testing.T, pool int, cfg Config) *env {
	t.Helper()
	return newEnvRows(t, pool, cfg, sheetRows())
}

func newEnvRows(t *testing.T, pool int, cfg Config, rows [][]string) *env {
	t.Helper()
	profiles, err := profile.Default()
	require.NoError(t, err)

	e := &env{
		store:      sheet.NewMemoryStore(rows),
		driver:     surface.NewMemory(),
		tracker:    taskgen.NewTracker(),
		quarantine: resilience.NewQuarantine(nil),
		clock:      &fakeClock{now: t0},
	}
	e.leases = lease.New(e.store, lease.DefaultConfig())
	e.leases.SetClock(e.clock.Now)
	slots := slot.New(pool, e.driver, e.driver, func(class model.CapabilityClass) (string, error) {
		return "https://" + string(class) + ".example", nil
	})
	execCfg := pipeline.Config{
		Stagger:        time.Second,
		StableChecks:   1,
		DefaultCeiling: time.Minute,
	}
	e.exec = pipeline.New(execCfg, e.driver, slots, e.leases, resilience.NewController(resilience.DefaultEscalationConfig()),
		pipeline.WithClock(e.clock.Now, e.clock.Sleep),
		pipeline.WithQuarantine(e.quarantine),
		pipeline.WithOnTerminal(e.tracker.UnitDone),
	)
	e.orch = New(cfg, Deps{
		Store:      e.store,
		Profiles:   profiles,
		Leases:     e.leases,
		Executor:   e.exec,
		Tracker:    e.tracker,
		Quarantine: e.quarantine,
	})
	e.orch.SetClock(e.clock.Now, e.clock.Sleep)
	return e
}

func inputs(d *surface.Memory) []string {
	var out []string
	for _, c := range d.CallsOf(surface.OpInput) {
		out = append(out, c.Arg)
	}
	return out
}

func TestRun_DrainsGroupsInDependencyOrder(t *testing.T) {
	e := newEnv(t, 2, testConfig())

	stats, err := e.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Passes, "the second pass finds nothing")
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 5, stats.Succeeded)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Abandoned)

	for ref, prompt := range map[string]string{"C5": "q1", "C6": "q2", "C7": "q3", "F5": "x1", "F6": "x2"} {
		assert.Equal(t, `answer to "`+prompt+`"`, e.store.Get(cell(t, ref)), ref)
	}
	in := inputs(e.driver)
	require.Len(t, in, 5)
	assert.ElementsMatch(t, []string{"q1", "q2", "q3"}, in[:3], "group A runs first")
	assert.ElementsMatch(t, []string{"x1", "x2"}, in[3:])
	assert.Zero(t, e.leases.HeldCount())
}

func TestRun_ForeignLeaseGatesDependents(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	e.leases.EndFirstPass()
	foreign := lease.FormatMarker(lease.DefaultToken, t0)
	e.store.Set(cell(t, "C6"), foreign)

	stats, err := e.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, foreign, e.store.Get(cell(t, "C6")), "a live lease of another worker is left alone")
	assert.Empty(t, e.store.Get(cell(t, "F5")), "B waits for A's open unit")
	assert.Empty(t, e.store.Get(cell(t, "F6")))
}

func TestRun_QuarantinedUnitDoesNotBlockDependents(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	e.quarantine.Add("A/C6", t0.Add(2*time.Hour))

	stats, err := e.orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Succeeded)
	assert.Empty(t, e.store.Get(cell(t, "C6")))
	assert.NotEmpty(t, e.store.Get(cell(t, "F5")))
	assert.NotEmpty(t, e.store.Get(cell(t, "F6")))
}

func TestRun_ColumnSelectionKeepsDependencyGate(t *testing.T) {
	rows := [][]string{
		{"メニュー", "プロンプト", "回答", "", "プロンプト", "回答"},
		{"AI", "ChatGPT", "", "", "Claude"},
		{"group", "A", "", "", "B"},
		{"依存", "", "", "", "A"},
		{"列制御", "", "", "", "only"},
		{"", "q1", "", "", "x1"},
		{"", "q2", "", "", "x2"},
		{"", "q3"},
	}
	e := newEnvRows(t, 2, testConfig(), rows)

	stats, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Succeeded)
	assert.Empty(t, e.store.Get(cell(t, "F6")), "B waits for A even though A is not selected")
	assert.Empty(t, e.store.Get(cell(t, "F7")))
	assert.Empty(t, e.driver.CallsOf(surface.OpInput))

	for _, ref := range []string{"C6", "C7", "C8"} {
		e.store.Set(cell(t, ref), "done elsewhere")
	}
	stats, err = e.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, `answer to "x1"`, e.store.Get(cell(t, "F6")))
	assert.Equal(t, `answer to "x2"`, e.store.Get(cell(t, "F7")))
}

func TestRun_MaxPasses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPasses = 1
	e := newEnv(t, 2, cfg)

	stats, err := e.orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Passes)
	assert.Equal(t, 5, stats.Succeeded)
}

func TestRun_StoreFailureAbortsAfterConsecutivePasses(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	e.store.ReadErr = errors.New("sheet unavailable")

	stats, err := e.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 consecutive passes aborted")
	assert.Contains(t, err.Error(), "sheet unavailable")
	assert.Equal(t, 2, stats.Passes)
	assert.Equal(t, []time.Duration{time.Minute}, e.clock.slept)
}

func TestRun_Cancelled(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.orch.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.leases.HeldCount())
}

// stubExecutor fails every unit without touching the surface.
type stubExecutor struct {
	pool    int
	err     error
	batches [][]model.WorkUnit
}

func (s *stubExecutor) PoolSize() int { return s.pool }

func (s *stubExecutor) ExecuteBatch(_ context.Context, units []model.WorkUnit) (model.BatchResult, error) {
	s.batches = append(s.batches, units)
	res := model.BatchResult{}
	for _, u := range units {
		res.Outcomes = append(res.Outcomes, model.UnitOutcome{UnitID: u.ID, Target: u.Target, Status: model.UnitFailed})
	}
	return res, s.err
}

func newStubEnv(t *testing.T, exec *stubExecutor, cfg Config) (*Orchestrator, *sheet.MemoryStore, *lease.Manager, *fakeClock) {
	t.Helper()
	profiles, err := profile.Default()
	require.NoError(t, err)
	store := sheet.NewMemoryStore(sheetRows())
	clock := &fakeClock{now: t0}
	leases := lease.New(store, lease.DefaultConfig())
	leases.SetClock(clock.Now)
	o := New(cfg, Deps{Store: store, Profiles: profiles, Leases: leases, Executor: exec})
	o.SetClock(clock.Now, clock.Sleep)
	return o, store, leases, clock
}

func TestRun_FailedUnitsAreReleasedAndTriedOncePerPass(t *testing.T) {
	exec := &stubExecutor{pool: 2}
	cfg := testConfig()
	cfg.MaxPasses = 2
	o, store, leases, _ := newStubEnv(t, exec, cfg)

	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	// Per pass: A in batches of 2 and 1; B stays gated on A's open units.
	require.Len(t, exec.batches, 4)
	assert.Len(t, exec.batches[0], 2)
	assert.Len(t, exec.batches[1], 1)
	assert.Equal(t, 6, stats.Failed)
	for _, ref := range []string{"C5", "C6", "C7"} {
		assert.Empty(t, store.Get(cell(t, ref)), ref)
	}
	assert.Zero(t, leases.HeldCount())
}

func TestRun_ExecutorErrorReleasesLeases(t *testing.T) {
	exec := &stubExecutor{pool: 2, err: errors.New("persist failed")}
	o, store, leases, _ := newStubEnv(t, exec, testConfig())

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist failed")
	assert.Zero(t, leases.HeldCount())
	assert.Empty(t, store.Get(cell(t, "C5")))
	assert.Len(t, exec.batches, 2, "one batch per aborted pass")
}

func TestPlan(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	writes := e.store.Writes()

	p, err := e.orch.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Groups, 2)

	a, b := p.Groups[0], p.Groups[1]
	assert.Equal(t, "A", a.Group.ID)
	assert.False(t, a.Gated)
	assert.Len(t, a.Units, 3)
	assert.Equal(t, "B", b.Group.ID)
	assert.True(t, b.Gated)
	assert.Contains(t, b.Reason, "A has 3 open units")
	assert.Equal(t, 3, p.Total())
	assert.Equal(t, 5, p.FirstDataRow)
	assert.Equal(t, writes, e.store.Writes(), "planning writes nothing")
}

func TestPlan_CountsHeldUnits(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	e.store.Set(cell(t, "C5"), lease.FormatMarker(lease.DefaultToken, t0))

	p, err := e.orch.Plan(context.Background())
	require.NoError(t, err)
	assert.Len(t, p.Groups[0].Units, 2)
	assert.Equal(t, 1, p.Groups[0].Held)
}

func TestPlan_BlockedCycle(t *testing.T) {
	e := newEnv(t, 2, testConfig())
	e.store.Set(cell(t, "B4"), "B")

	p, err := e.orch.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Groups, 2)
	for _, g := range p.Groups {
		assert.True(t, g.Blocked, g.Group.ID)
		assert.Contains(t, g.Reason, "dependency cycle")
	}
}
