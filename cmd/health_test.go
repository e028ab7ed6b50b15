package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/monitoring"
)

func TestHealthChecker_ReadsLedger(t *testing.T) {
	c := testConfig(t)
	c.Monitoring.DLQThreshold = 1
	st := newTestLedger(t, c)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "xlsx:tasks.xlsx/#0")
	require.NoError(t, err)
	stats := &model.RunStats{Passes: 1, Succeeded: 4, Abandoned: 1}
	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusComplete, stats, ""))

	snap, _, err := newHealthChecker(c, st).Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 4, snap.UnitsSucceeded)
	assert.Equal(t, 1, snap.UnitsAbandoned)
	assert.Zero(t, snap.DLQDepth)
}

func TestFormatHealth(t *testing.T) {
	snap := &monitoring.MetricsSnapshot{
		RunsTotal: 4, RunsComplete: 3, RunsFailed: 1,
		RunFailRate: 0.25, UnitsSucceeded: 9, UnitsAbandoned: 1,
		UnitAbandonRate: 0.1, DLQDepth: 2, LookbackHours: 24,
	}

	var buf bytes.Buffer
	formatHealth(&buf, snap, nil)
	out := buf.String()
	assert.Contains(t, out, "24h")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "No alerts.")

	buf.Reset()
	formatHealth(&buf, snap, []monitoring.Alert{{Type: monitoring.AlertDLQBacklog, Severity: "medium", Message: "2 abandoned units queued"}})
	assert.Contains(t, buf.String(), "[medium] 2 abandoned units queued")
}
