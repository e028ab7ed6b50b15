package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/lease"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/slot"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeClock advances only when something sleeps on it.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func()
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
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

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type memLedger struct {
	mu       sync.Mutex
	attempts []model.Attempt
	dlq      map[string]resilience.DLQEntry
	resolved []string
}

func (l *memLedger) RecordAttempt(_ context.Context, a model.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *memLedger) EnqueueDLQ(_ context.Context, e resilience.DLQEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dlq == nil {
		l.dlq = make(map[string]resilience.DLQEntry)
	}
	l.dlq[e.UnitID] = e
	return nil
}

func (l *memLedger) ResolveDLQ(_ context.Context, unitID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = append(l.resolved, unitID)
	return nil
}

func (l *memLedger) Attempts() []model.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Attempt(nil), l.attempts...)
}

type harness struct {
	store      *sheet.MemoryStore
	driver     *surface.Memory
	slots      *slot.Manager
	leases     *lease.Manager
	ctrl       *resilience.Controller
	clock      *fakeClock
	ledger     *memLedger
	quarantine *resilience.Quarantine
	exec       *Executor

	mu        sync.Mutex
	terminals []string
}

func testConfig() Config {
	return Config{
		Stagger:        2 * time.Second,
		PollInterval:   0,
		StableChecks:   2,
		AppearTimeout:  0,
		DefaultCeiling: time.Minute,
		OptionAttempts: 2,
	}
}

func newHarness(t require.TestingT, pool int, cfg Config, leaseCfg lease.Config) *harness {
	h := &harness{
		store:      sheet.NewMemoryStore(nil),
		driver:     surface.NewMemory(),
		clock:      &fakeClock{now: t0},
		ledger:     &memLedger{},
		quarantine: resilience.NewQuarantine(nil),
		ctrl:       resilience.NewController(resilience.DefaultEscalationConfig()),
	}
	h.slots = slot.New(pool, h.driver, h.driver, func(class model.CapabilityClass) (string, error) {
		return "https://" + string(class) + ".example", nil
	})
	h.leases = lease.New(h.store, leaseCfg)
	h.leases.SetClock(h.clock.Now)
	h.exec = New(cfg, h.driver, h.slots, h.leases, h.ctrl,
		WithClock(h.clock.Now, h.clock.Sleep),
		WithLedger(h.ledger, "run-1"),
		WithQuarantine(h.quarantine),
		WithOnTerminal(func(u model.WorkUnit, o model.UnitOutcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.terminals = append(h.terminals, u.ID)
		}),
	)
	require.NotNil(t, h.exec)
	return h
}

func unitAt(row int) model.WorkUnit {
	target := model.CellRef{Col: 2, Row: row}
	return model.WorkUnit{
		ID:            model.UnitID("g", target),
		GroupID:       "g",
		Row:           row,
		InputCols:     []int{1},
		Prompt:        fmt.Sprintf("q%d", row),
		Target:        target,
		Class:         "chatgpt",
		LeaseDuration: 5 * time.Minute,
		WaitCeiling:   time.Minute,
		Status:        model.UnitLeased,
	}
}

func (h *harness) acquire(t require.TestingT, units ...model.WorkUnit) {
	for _, u := range units {
		ok, err := h.leases.TryAcquire(context.Background(), u)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestExecuteBatch_StaggeredRowsSucceed(t *testing.T) {
	h := newHarness(t, 3, testConfig(), lease.DefaultConfig())
	units := []model.WorkUnit{unitAt(9), unitAt(10), unitAt(11)}
	h.acquire(t, units...)

	res, err := h.exec.ExecuteBatch(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)

	delta := 2 * time.Second
	for i, o := range res.Outcomes {
		assert.Equal(t, model.UnitSucceeded, o.Status, o.UnitID)
		assert.True(t, o.Succeeded)
		assert.Equal(t, units[i].ID, o.UnitID)
		assert.Equal(t, i, o.Position)
		assert.Equal(t, time.Duration(i)*delta, o.StartOffset)
		assert.Equal(t, 1, o.Attempts)
		assert.Equal(t, fmt.Sprintf("answer to %q", units[i].Prompt), h.store.Get(units[i].Target))
	}
	ok, failed, abandoned := res.Counts()
	assert.Equal(t, []int{3, 0, 0}, []int{ok, failed, abandoned})
	assert.Equal(t, 0, h.leases.HeldCount())
	assert.ElementsMatch(t, []string{"g/C9", "g/C10", "g/C11"}, h.terminals)
	assert.Equal(t, 3, h.driver.Live(), "contexts stay open for reuse")
	assert.ElementsMatch(t, []string{"g/C9", "g/C10", "g/C11"}, h.ledger.resolved)

	// A second batch of the same class reuses the idle contexts.
	next := []model.WorkUnit{unitAt(12)}
	h.acquire(t, next...)
	_, err = h.exec.ExecuteBatch(context.Background(), next)
	require.NoError(t, err)
	assert.Len(t, h.driver.CallsOf(surface.OpOpen), 3)
}

func TestExecuteBatch_StaggerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 4).Draw(t, "units")
		delta := time.Duration(rapid.IntRange(1, 10).Draw(t, "delta_seconds")) * time.Second
		failures := rapid.IntRange(0, 3).Draw(t, "submit_failures")

		cfg := testConfig()
		cfg.Stagger = delta
		h := newHarness(t, k, cfg, lease.DefaultConfig())
		for i := 0; i < failures; i++ {
			h.driver.Fail(surface.OpSubmit, errors.New("element not found: send button"))
		}
		units := make([]model.WorkUnit, k)
		for i := range units {
			units[i] = unitAt(9 + i)
		}
		h.acquire(t, units...)

		res, err := h.exec.ExecuteBatch(context.Background(), units)
		require.NoError(t, err)
		require.Len(t, res.Outcomes, k)
		assert.Equal(t, time.Duration(0), res.Outcomes[0].StartOffset)
		for i := 1; i < k; i++ {
			prev, cur := res.Outcomes[i-1].StartOffset, res.Outcomes[i].StartOffset
			assert.GreaterOrEqual(t, cur-prev, delta, "unit %d", i)
			assert.GreaterOrEqual(t, cur, time.Duration(i)*delta, "unit %d", i)
		}
		for _, o := range res.Outcomes {
			assert.Equal(t, model.UnitSucceeded, o.Status, o.UnitID)
		}
	})
}

func TestExecuteBatch_TooLarge(t *testing.T) {
	h := newHarness(t, 2, testConfig(), lease.DefaultConfig())
	_, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{unitAt(1), unitAt(2), unitAt(3)})
	assert.Error(t, err)
}

func TestExecute_SplitsIntoPoolSizedBatches(t *testing.T) {
	h := newHarness(t, 2, testConfig(), lease.DefaultConfig())
	var units []model.WorkUnit
	for r := 3; r <= 7; r++ {
		units = append(units, unitAt(r))
	}
	h.acquire(t, units...)

	results, err := h.exec.Execute(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Len(t, results[0].Outcomes, 2)
	assert.Len(t, results[2].Outcomes, 1)
	for r := 3; r <= 7; r++ {
		assert.NotEmpty(t, h.store.Get(model.CellRef{Col: 2, Row: r}))
	}
}

func TestUnit_ConfigureFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	u := unitAt(9)
	u.Options = []model.Option{
		{Category: model.OptionModel, Name: "gpt-4o"},
		{Category: model.OptionFeature, Name: "DeepResearch"},
	}
	h.acquire(t, u)
	h.driver.Fail(surface.OpSelect, errors.New("menu closed"), errors.New("menu closed"))

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitSucceeded, o.Status)
	require.Len(t, o.ConfigErrs, 1)
	assert.Contains(t, o.ConfigErrs[0], "model=gpt-4o")

	selects := h.driver.CallsOf(surface.OpSelect)
	require.Len(t, selects, 3)
	assert.Equal(t, "feature=DeepResearch", selects[2].Arg)
	assert.Equal(t, 1, h.ctrl.State("chatgpt").Observed[model.CategoryElementNotFound])
	assert.Equal(t, 0, h.ctrl.State("chatgpt").ConsecutiveFailures)
}

func TestUnit_ExtractFallsBackToNextStrategy(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	h.driver.EmptyStrategies[surface.StrategyResponse] = true
	u := unitAt(9)
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	assert.Equal(t, model.UnitSucceeded, res.Outcomes[0].Status)

	var args []string
	for _, c := range h.driver.CallsOf(surface.OpExtract) {
		args = append(args, c.Arg)
	}
	assert.Equal(t, []string{surface.StrategyResponse, surface.StrategyLastMessage}, args)
}

func TestUnit_PerClassStrategies(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	h.exec.strategies = func(class model.CapabilityClass) []string {
		return []string{surface.StrategyCopyButton}
	}
	u := unitAt(9)
	h.acquire(t, u)

	_, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	extracts := h.driver.CallsOf(surface.OpExtract)
	require.Len(t, extracts, 1)
	assert.Equal(t, surface.StrategyCopyButton, extracts[0].Arg)
}

func TestUnit_ExhaustedExtractionIsAbandoned(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	h.driver.EmptyStrategies[surface.StrategyResponse] = true
	h.driver.EmptyStrategies[surface.StrategyLastMessage] = true
	u := unitAt(9)
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitAbandoned, o.Status)
	assert.Equal(t, model.CategoryElementNotFound, o.Category)
	assert.Equal(t, 4, o.Attempts)
	assert.Equal(t, "", h.store.Get(u.Target), "abandoned cell is left empty for a later pass")
	assert.Equal(t, 0, h.leases.HeldCount())

	attempts := h.ledger.Attempts()
	require.Len(t, attempts, 4)
	actions := make([]model.Action, len(attempts))
	for i, a := range attempts {
		assert.Equal(t, model.PhaseExtract, a.Phase)
		assert.Equal(t, "run-1", a.RunID)
		actions[i] = a.Action
	}
	assert.Equal(t, []model.Action{
		model.ActionRetryInPlace,
		model.ActionRetryInPlace,
		model.ActionRecreateContext,
		model.ActionAbandon,
	}, actions)
	assert.Len(t, h.driver.CallsOf(surface.OpOpen), 2)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second}, h.clock.Slept())

	entry, ok := h.ledger.dlq[u.ID]
	require.True(t, ok)
	assert.Equal(t, model.PhaseExtract, entry.FailedPhase)
	assert.True(t, h.quarantine.Blocked(u.ID, h.clock.Now()))
	assert.False(t, h.quarantine.Blocked(u.ID, h.clock.Now().Add(3*time.Hour)))
}

func TestUnit_AbandonedMarkerWhenConfigured(t *testing.T) {
	cfg := lease.DefaultConfig()
	cfg.MarkAbandoned = true
	h := newHarness(t, 1, testConfig(), cfg)
	h.driver.EmptyStrategies[surface.StrategyResponse] = true
	h.driver.EmptyStrategies[surface.StrategyLastMessage] = true
	u := unitAt(9)
	h.acquire(t, u)

	_, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	assert.Equal(t, lease.FormatAbandoned(model.CategoryElementNotFound, 4), h.store.Get(u.Target))
}

func TestUnit_AuthFailureReprovisionsOnFirstAttempt(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	h.driver.Fail(surface.OpSubmit, errors.New("please log in to continue"))
	u := unitAt(9)
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitSucceeded, o.Status)
	assert.Equal(t, 2, o.Attempts)

	attempts := h.ledger.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, model.CategoryAuthOrSession, attempts[0].Category)
	assert.Equal(t, model.TierHard, attempts[0].Tier)
	assert.Equal(t, model.ActionReprovision, attempts[0].Action)
	assert.Equal(t, model.PhaseSubmit, attempts[0].Phase)
	assert.True(t, attempts[1].Succeeded)

	assert.Len(t, h.driver.CallsOf(surface.OpProvision), 1)
	assert.Len(t, h.driver.CallsOf(surface.OpOpen), 2)
	assert.Equal(t, []time.Duration{5 * time.Minute}, h.clock.Slept())
	assert.Equal(t, model.TierNone, h.ctrl.State("chatgpt").Tier)
}

func TestUnit_TimeoutIsInteractionTiming(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Second
	h := newHarness(t, 1, cfg, lease.DefaultConfig())
	h.driver.BusyPolls = 1000
	u := unitAt(9)
	u.WaitCeiling = 3 * time.Second
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitAbandoned, o.Status)
	assert.Equal(t, model.CategoryInteractionTiming, o.Category)
	assert.Equal(t, 6, o.Attempts)

	first := h.ledger.Attempts()[0]
	assert.Equal(t, model.PhaseAwaitCompletion, first.Phase)
	assert.Contains(t, first.Error, "timed out")
}

func TestUnit_ContextLostRecreatesContext(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Second
	h := newHarness(t, 1, cfg, lease.DefaultConfig())
	h.driver.BusyPolls = 2

	var once sync.Once
	h.clock.onSleep = func() {
		once.Do(func() {
			for _, info := range h.slots.Snapshot() {
				if info.Busy {
					h.driver.Kill(surface.Handle{ID: info.Handle})
				}
			}
			assert.Equal(t, 1, h.slots.CheckHealth(context.Background()))
		})
	}
	u := unitAt(9)
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitSucceeded, o.Status)
	assert.Equal(t, 2, o.Attempts)

	first := h.ledger.Attempts()[0]
	assert.Equal(t, model.PhaseAwaitCompletion, first.Phase)
	assert.Equal(t, model.ActionRecreateContext, first.Action)
	assert.Contains(t, first.Error, "execution context lost")
	assert.Len(t, h.driver.CallsOf(surface.OpOpen), 2)
}

func TestUnit_LeaseRenewedWhileAwaiting(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Second
	h := newHarness(t, 1, cfg, lease.DefaultConfig())
	h.driver.BusyPolls = 298
	u := unitAt(9)
	u.WaitCeiling = 5 * time.Minute
	h.acquire(t, u)
	// The unit starts where the third unit of a batch would, two staggers
	// after its lease was written.
	h.clock.now = h.clock.now.Add(10 * time.Second)

	rival := lease.New(h.store, lease.DefaultConfig())
	rival.SetClock(h.clock.Now)
	rival.EndFirstPass()
	var tried, stolen bool
	h.clock.onSleep = func() {
		if tried || h.clock.Now().Before(t0.Add(5*time.Minute+5*time.Second)) {
			return
		}
		tried = true
		ok, err := rival.TryAcquire(context.Background(), u)
		assert.NoError(t, err)
		stolen = ok
	}

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitSucceeded, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Greater(t, o.Elapsed, 4*time.Minute+50*time.Second)

	require.True(t, tried, "the run outlived the original lease")
	assert.False(t, stolen, "the lease stays live past its original expiry")
	assert.Equal(t, `answer to "q9"`, h.store.Get(u.Target))
	assert.Zero(t, h.leases.HeldCount())
}

func TestUnit_LostLeaseWhileAwaitingGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Second
	h := newHarness(t, 1, cfg, lease.DefaultConfig())
	h.driver.BusyPolls = 200
	u := unitAt(9)
	u.WaitCeiling = 5 * time.Minute
	h.acquire(t, u)

	var once sync.Once
	h.clock.onSleep = func() {
		if h.clock.Now().Sub(t0) >= time.Minute {
			once.Do(func() { h.store.Set(u.Target, "taken over") })
		}
	}

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	o := res.Outcomes[0]
	assert.Equal(t, model.UnitFailed, o.Status)
	assert.Contains(t, o.Error, "lease lost")
	assert.Equal(t, "taken over", h.store.Get(u.Target))
	assert.Empty(t, h.ledger.Attempts(), "a lost lease is not escalated")
}

func TestExecuteBatch_LedgerErrorsAreNotFatal(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	ml := new(mockLedger)
	ml.On("RecordAttempt", mock.Anything, mock.MatchedBy(func(a model.Attempt) bool {
		return a.RunID == "run-2" && a.UnitID == "g/C9" && a.Phase == model.PhasePersist && a.Succeeded
	})).Return(errors.New("ledger down")).Once()
	ml.On("ResolveDLQ", mock.Anything, "g/C9").Return(errors.New("ledger down")).Once()
	h.exec = New(testConfig(), h.driver, h.slots, h.leases, h.ctrl,
		WithClock(h.clock.Now, h.clock.Sleep),
		WithLedger(ml, "run-2"),
	)
	u := unitAt(9)
	h.acquire(t, u)

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.NoError(t, err)
	assert.Equal(t, model.UnitSucceeded, res.Outcomes[0].Status)
	assert.Equal(t, `answer to "q9"`, h.store.Get(u.Target))
	ml.AssertExpectations(t)
	ml.AssertNotCalled(t, "EnqueueDLQ", mock.Anything, mock.Anything)
}

func TestExecuteBatch_PersistFailureAbortsBatch(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	u := unitAt(9)
	h.acquire(t, u)
	h.store.WriteErr = errors.New("disk full")

	res, err := h.exec.ExecuteBatch(context.Background(), []model.WorkUnit{u})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, model.UnitFailed, res.Outcomes[0].Status)
	assert.Equal(t, []string{"g/C9"}, h.terminals)
}

func TestExecuteBatch_CancelledContext(t *testing.T) {
	h := newHarness(t, 1, testConfig(), lease.DefaultConfig())
	u := unitAt(9)
	h.acquire(t, u)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.exec.ExecuteBatch(ctx, []model.WorkUnit{u})
	require.NoError(t, err)
	assert.Equal(t, model.UnitFailed, res.Outcomes[0].Status)
	assert.Empty(t, h.ledger.Attempts(), "cancellation is not an escalated failure")
	assert.True(t, h.leases.Held(u.Target), "lease cleanup belongs to the caller")
}
