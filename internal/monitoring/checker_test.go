package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/config"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := newTestCollector(&mockLedger{})
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&mockLedger{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24, checker.lookback())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check(t *testing.T) {
	cfg := thresholds()
	checker := NewChecker(newTestCollector(&mockLedger{dlqCount: 70}), NewAlerter(cfg), cfg)

	snap, alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 70, snap.DLQDepth)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQBacklog, alerts[0].Type)
}

func TestChecker_TickSendsOnlyNewAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	ledger := &mockLedger{dlqCount: 70}
	cfg := thresholds()
	cfg.WebhookURL = ts.URL
	checker := NewChecker(newTestCollector(ledger), NewAlerter(cfg), cfg)
	ctx := context.Background()
	log := zap.NewNop()

	assert.Equal(t, 1, checker.tick(ctx, log))
	assert.Equal(t, 0, checker.tick(ctx, log), "still firing, not resent")

	ledger.dlqCount = 0
	assert.Equal(t, 0, checker.tick(ctx, log))

	ledger.dlqCount = 80
	assert.Equal(t, 1, checker.tick(ctx, log), "fires again after clearing")
	assert.Equal(t, int32(2), received.Load())
}
