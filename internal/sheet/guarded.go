package sheet

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
)

// GuardOption configures a Guarded store.
type GuardOption func(*Guarded)

// WithRateLimit throttles calls to rps requests per second. Zero disables
// throttling.
func WithRateLimit(rps float64) GuardOption {
	return func(g *Guarded) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		} else {
			g.limiter = nil
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) GuardOption {
	return func(g *Guarded) { g.retry = cfg }
}

// WithBreaker sets the circuit breaker shared by reads and writes.
func WithBreaker(cb *resilience.CircuitBreaker) GuardOption {
	return func(g *Guarded) { g.breaker = cb }
}

// Guarded wraps a Store with rate limiting, retry of transient failures and
// a circuit breaker, so a store outage fails the current batch fast.
type Guarded struct {
	inner   Store
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewGuarded wraps inner. By default calls are limited to 5 req/s.
func NewGuarded(inner Store, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry.OnRetry == nil {
		g.retry.OnRetry = resilience.RetryLogger("sheet", "store call")
	}
	if g.breaker == nil {
		g.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("sheet: circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return g
}

func (g *Guarded) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// Read implements Store.
func (g *Guarded) Read(ctx context.Context, r model.Range) (model.Grid, error) {
	grid, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (model.Grid, error) {
		return resilience.DoVal(ctx, g.retry, func(ctx context.Context) (model.Grid, error) {
			if err := g.wait(ctx); err != nil {
				return model.Grid{}, eris.Wrap(err, "sheet: rate limit")
			}
			return g.inner.Read(ctx, r)
		})
	})
	if err != nil {
		return model.Grid{}, eris.Wrapf(err, "sheet: read %s", r)
	}
	return grid, nil
}

// Write implements Store.
func (g *Guarded) Write(ctx context.Context, c model.CellRef, value string) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, g.retry, func(ctx context.Context) error {
			if err := g.wait(ctx); err != nil {
				return eris.Wrap(err, "sheet: rate limit")
			}
			return g.inner.Write(ctx, c, value)
		})
	})
	if err != nil {
		return eris.Wrapf(err, "sheet: write %s", c)
	}
	return nil
}

// Breaker exposes the circuit breaker for status reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker { return g.breaker }
