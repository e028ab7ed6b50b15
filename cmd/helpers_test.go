package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/sheet"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/store"
)

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

// testConfig returns a config with no delays, the in-memory surface and a
// sqlite ledger in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{}
	c.Sheet = config.SheetConfig{
		Path:          filepath.Join(dir, "tasks.xlsx"),
		Range:         "A1:J50",
		RetryAttempts: 1,
	}
	c.Surface.Driver = "memory"
	c.Pool.Size = 2
	c.Lease = config.LeaseConfig{
		Token:            "[processing]",
		Standard:         5 * time.Minute,
		Extended:         40 * time.Minute,
		VerifyAfterWrite: true,
	}
	c.Await = config.AwaitConfig{
		StableChecks:    1,
		StandardCeiling: time.Minute,
		ExtendedCeiling: time.Minute,
	}
	c.Extract.Strategies = []string{"response", "last_message"}
	c.Scheduler.MaxStoreFailures = 1
	c.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "ledger.db")}
	c.Log = config.LogConfig{Level: "info", Format: "json"}
	return c
}

func newTestLedger(t *testing.T, c *config.Config) store.Store {
	t.Helper()
	st, err := openLedger(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// writeWorkbook creates the workbook at path holding rows.
func writeWorkbook(t *testing.T, path string, rows [][]string) {
	t.Helper()
	ctx := context.Background()
	xs, err := sheet.OpenXLSX(path, sheet.XLSXOptions{Create: true})
	require.NoError(t, err)
	for r, row := range rows {
		for col, v := range row {
			if v == "" {
				continue
			}
			require.NoError(t, xs.Write(ctx, model.CellRef{Col: col, Row: r + 1}, v))
		}
	}
}

func cellRef(t *testing.T, ref string) model.CellRef {
	t.Helper()
	c, err := model.ParseCellRef(ref)
	require.NoError(t, err)
	return c
}
