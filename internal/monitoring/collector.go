package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run ledger health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Unit metrics summed over the runs in the window.
	UnitsSucceeded  int     `json:"units_succeeded"`
	UnitsFailed     int     `json:"units_failed"`
	UnitsAbandoned  int     `json:"units_abandoned"`
	UnitAbandonRate float64 `json:"unit_abandon_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Ledger is the part of the run ledger the collector reads.
type Ledger interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the run ledger.
type Collector struct {
	ledger  Ledger
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(l Ledger) *Collector {
	return &Collector{ledger: l, nowFunc: time.Now}
}

// Collect gathers a snapshot of ledger metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs come newest first; stop at the first one before the window.
	runs, err := c.ledger.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Stats != nil {
			snap.UnitsSucceeded += r.Stats.Succeeded
			snap.UnitsFailed += r.Stats.Failed
			snap.UnitsAbandoned += r.Stats.Abandoned
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if terminal := snap.UnitsSucceeded + snap.UnitsAbandoned; terminal > 0 {
		snap.UnitAbandonRate = float64(snap.UnitsAbandoned) / float64(terminal)
	}

	dlqCount, err := c.ledger.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
