package slot

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CheckHealth polls Exists for every busy context once and evicts the dead
// ones. It returns the number of contexts evicted.
func (m *Manager) CheckHealth(ctx context.Context) int {
	m.mu.Lock()
	var busy []Slot
	for _, e := range m.entries {
		if e != nil && e.open && e.busy {
			busy = append(busy, e.slot)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range busy {
		alive, err := m.driver.Exists(ctx, s.Handle)
		if err != nil {
			// Unknown state; the unit's own commands will surface real loss.
			zap.L().Debug("slot: health probe failed",
				zap.Int("position", s.Position),
				zap.Error(err),
			)
			continue
		}
		if !alive {
			m.MarkUnhealthy(ctx, s)
			evicted++
		}
	}
	return evicted
}

// Watch runs CheckHealth every interval until ctx is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}
