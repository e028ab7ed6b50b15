package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/surface"
	"github.com/yamakatsunamamugi/11.autoai-sub001/pkg/bridge"
)

func TestInitStore_Drivers(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	c.Store.Driver = "none"
	st, err := initStore(ctx, c)
	require.NoError(t, err)
	assert.Nil(t, st)

	c.Store.Driver = "mysql"
	_, err = initStore(ctx, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestOpenLedger_Migrates(t *testing.T) {
	c := testConfig(t)
	st := newTestLedger(t, c)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewDriver(t *testing.T) {
	c := testConfig(t)
	_, ok := newDriver(c).(*surface.Memory)
	assert.True(t, ok)

	c.Surface.Driver = "bridge"
	c.Surface.BridgeURL = "http://127.0.0.1:1"
	_, ok = newDriver(c).(*bridge.Client)
	assert.True(t, ok)

	c.Surface.Anthropic.APIKey = "sk-test"
	_, ok = newDriver(c).(*surface.Router)
	assert.True(t, ok, "an api key routes anthropic: profiles through the api surface")
}

func TestBuildEngine_RoutesAPIProfiles(t *testing.T) {
	c := testConfig(t)
	c.Surface.Anthropic.APIKey = "sk-test"
	c.Surface.Anthropic.BaseURL = "http://127.0.0.1:1"
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - class: claude-api
    url: anthropic:claude-sonnet-4-5
    aliases: [claude api]
`), 0o644))
	c.Surface.ProfilesPath = path

	drv, ok := newDriver(c).(*surface.Router)
	require.True(t, ok)
	eng, err := buildEngine(c, engineDeps{Sheet: sheet.NewMemoryStore(nil), Driver: drv})
	require.NoError(t, err)
	defer eng.close(context.Background())

	s, err := eng.slots.Acquire(context.Background(), "claude-api", 0)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-sonnet-4-5", s.Handle.URL)
}

func TestEscalationConfig_Overlay(t *testing.T) {
	c := testConfig(t)
	c.Escalation.MaxAttempts = map[string]int{"network": 2}
	c.Escalation.Schedules = map[string][]int{"soft": {1, 2}}
	c.Escalation.QuarantineMins = 30

	e := escalationConfig(c)
	assert.Equal(t, 2, e.Policies[model.CategoryNetwork].MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.Schedules[model.TierSoft])
	assert.Equal(t, 30*time.Minute, e.Quarantine)
	assert.Equal(t, 2, e.InPlaceMaxAttempt, "unset values keep the default")
}

func TestGeneratorConfig(t *testing.T) {
	c := testConfig(t)
	g := generatorConfig(c)
	assert.Equal(t, "[processing]", g.Token)
	assert.Equal(t, 40*time.Minute, g.ExtendedLease)
	assert.Equal(t, time.Minute, g.StandardCeiling)
}

func TestLoadProfiles_FromFile(t *testing.T) {
	c := testConfig(t)
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profiles:
  - class: local
    url: http://localhost:3000/
    aliases: [local, ローカル]
    answer_labels: [local answer]
`), 0o644))
	c.Surface.ProfilesPath = path

	set, err := loadProfiles(c)
	require.NoError(t, err)
	p, ok := set.Get("local")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:3000/", p.URL)
}

func TestBuildEngine_UnknownClassURL(t *testing.T) {
	c := testConfig(t)
	eng, err := buildEngine(c, engineDeps{Sheet: sheet.NewMemoryStore(nil), Driver: surface.NewMemory()})
	require.NoError(t, err)

	_, err = eng.slots.Acquire(context.Background(), "nonexistent", 0)
	require.Error(t, err)
	eng.close(context.Background())
}

func TestGuardSheet_PassesThrough(t *testing.T) {
	c := testConfig(t)
	mem := sheet.NewMemoryStore(sheetRows())
	g := guardSheet(c, mem)

	ctx := context.Background()
	require.NoError(t, g.Write(ctx, model.CellRef{Col: 2, Row: 5}, "done"))
	v, err := sheet.ReadCell(ctx, g, model.CellRef{Col: 2, Row: 5})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 1, mem.Writes())
}
