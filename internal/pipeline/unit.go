package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/slot"
)

// unitRun is the state of one unit carried across its attempts.
type unitRun struct {
	u        model.WorkUnit
	position int
	log      *zap.Logger

	slot     slot.Slot
	acquired bool
	cancel   context.CancelCauseFunc

	text       string
	configErrs []string

	// renewedAt is when the lease was last known written.
	renewedAt time.Time
	storeErr  error
}

var errLeaseLost = eris.New("pipeline: lease lost")

// runUnit drives u until it is terminal. The returned error is non-nil
// only when a store write failed.
func (e *Executor) runUnit(ctx context.Context, u model.WorkUnit, position int, batchStart time.Time, started chan<- time.Duration) (model.UnitOutcome, error) {
	r := &unitRun{
		u:         u,
		position:  position,
		renewedAt: batchStart,
		log: zap.L().With(
			zap.String("unit", u.ID),
			zap.String("group", u.GroupID),
			zap.String("class", string(u.Class)),
			zap.Int("position", position),
		),
	}
	begin := e.now()
	out := model.UnitOutcome{
		UnitID:      u.ID,
		Target:      u.Target,
		Position:    position,
		StartOffset: begin.Sub(batchStart),
	}
	started <- out.StartOffset
	r.log.Debug("pipeline: unit started", zap.Duration("offset", out.StartOffset))

	finish := func(status model.UnitStatus, category model.FailureCategory, err error) model.UnitOutcome {
		out.Status = status
		out.Succeeded = status == model.UnitSucceeded
		out.Category = category
		if err != nil {
			out.Error = err.Error()
		}
		out.Text = r.text
		out.ConfigErrs = r.configErrs
		out.Elapsed = e.now().Sub(begin)
		if e.onTerminal != nil {
			e.onTerminal(u, out)
		}
		return out
	}

	phase := model.PhasePrepare
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		attemptStart := e.now()
		failed, err := e.attempt(ctx, r, phase)

		if err == nil {
			if perr := e.leases.Complete(ctx, u, r.text); perr != nil {
				e.releaseSlot(ctx, r)
				e.record(ctx, r, attempt, model.PhasePersist, perr, nil, attemptStart)
				r.log.Error("pipeline: persist failed", zap.Error(perr))
				return finish(model.UnitFailed, resilience.Classify(perr), perr), eris.Wrapf(perr, "pipeline: persist %s", u.ID)
			}
			e.escalation.Succeed(u.Class)
			e.releaseSlot(ctx, r)
			e.record(ctx, r, attempt, model.PhasePersist, nil, nil, attemptStart)
			e.resolve(ctx, u)
			r.log.Info("pipeline: unit succeeded",
				zap.Int("attempt", attempt),
				zap.Int("chars", len(r.text)),
			)
			return finish(model.UnitSucceeded, "", nil), nil
		}

		if r.storeErr != nil && ctx.Err() == nil {
			e.releaseSlot(ctx, r)
			return finish(model.UnitFailed, resilience.Classify(err), err), r.storeErr
		}
		if errors.Is(err, errLeaseLost) {
			e.releaseSlot(ctx, r)
			r.log.Warn("pipeline: lease lost while waiting, giving up unit")
			return finish(model.UnitFailed, model.CategoryGeneral, err), nil
		}

		if ctx.Err() != nil {
			e.releaseSlot(ctx, r)
			r.log.Warn("pipeline: unit cancelled", zap.String("phase", string(failed)), zap.Error(err))
			return finish(model.UnitFailed, resilience.Classify(err), err), nil
		}

		d := e.escalation.Decide(u.Class, err, attempt)
		e.record(ctx, r, attempt, failed, err, &d, attemptStart)
		r.log.Warn("pipeline: attempt failed",
			zap.String("phase", string(failed)),
			zap.Int("attempt", attempt),
			zap.String("category", string(d.Category)),
			zap.String("tier", string(d.Tier)),
			zap.String("action", string(d.Action)),
			zap.Duration("delay", d.Delay),
			zap.Error(err),
		)

		if d.Action == model.ActionAbandon {
			if aerr := e.abandon(ctx, r, failed, err, d); aerr != nil {
				return finish(model.UnitFailed, d.Category, err), aerr
			}
			return finish(model.UnitAbandoned, d.Category, err), nil
		}

		if err := e.sleep(ctx, d.Delay); err != nil {
			e.releaseSlot(ctx, r)
			return finish(model.UnitFailed, d.Category, err), nil
		}
		if d.Delay > 0 {
			if rerr := e.keepLease(ctx, r, true); rerr != nil {
				e.releaseSlot(ctx, r)
				if r.storeErr != nil {
					return finish(model.UnitFailed, d.Category, rerr), r.storeErr
				}
				r.log.Warn("pipeline: lease lost during remediation, giving up unit")
				return finish(model.UnitFailed, d.Category, eris.Wrap(err, "lease lost")), nil
			}
		}
		phase = e.remediate(ctx, r, failed, d)
	}
}

// keepLease rewrites the unit's lease marker when force is set or once half
// of its lease duration has passed since the last write. A lost lease
// returns errLeaseLost; a store failure is also kept in r.storeErr.
func (e *Executor) keepLease(ctx context.Context, r *unitRun, force bool) error {
	if !force && (r.u.LeaseDuration <= 0 || e.now().Sub(r.renewedAt) < r.u.LeaseDuration/2) {
		return nil
	}
	held, err := e.leases.Renew(ctx, r.u)
	if err != nil {
		r.storeErr = eris.Wrapf(err, "pipeline: renew %s", r.u.ID)
		return r.storeErr
	}
	if !held {
		return errLeaseLost
	}
	r.renewedAt = e.now()
	r.log.Debug("pipeline: lease renewed")
	return nil
}

// attempt runs the phases from `from` through Extract under a context the
// health watcher can cancel.
func (e *Executor) attempt(ctx context.Context, r *unitRun, from model.Phase) (model.Phase, error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancel = cancel
	if r.acquired {
		e.slots.Bind(r.slot, r.u.ID, cancel)
	}

	for ph := from; ph != "" && ph != model.PhasePersist; ph = ph.Next() {
		var err error
		switch ph {
		case model.PhasePrepare:
			err = e.prepare(actx, r)
		case model.PhaseConfigure:
			err = e.configure(actx, r)
		case model.PhaseSubmit:
			err = e.submit(actx, r)
		case model.PhaseAwaitCompletion:
			err = e.await(actx, r)
		case model.PhaseExtract:
			err = e.extract(actx, r)
		}
		if err != nil {
			return ph, contextLost(actx, err)
		}
	}
	return "", nil
}

// contextLost replaces err with the health watcher's cause when the
// context died under the unit.
func contextLost(actx context.Context, err error) error {
	if cause := context.Cause(actx); cause != nil && errors.Is(cause, model.ErrContextLost) {
		return cause
	}
	return err
}

// remediate applies d and returns the phase to resume from.
func (e *Executor) remediate(ctx context.Context, r *unitRun, failed model.Phase, d resilience.Decision) model.Phase {
	switch d.Action {
	case model.ActionRecreateContext:
		if !r.acquired {
			return model.PhasePrepare
		}
		s, err := e.slots.Recreate(ctx, r.slot)
		if err != nil {
			r.acquired = false
			r.log.Warn("pipeline: recreate failed", zap.Error(err))
			return model.PhasePrepare
		}
		r.slot = s
		return model.PhasePrepare

	case model.ActionReprovision:
		base := r.slot
		if !r.acquired {
			base = slot.Slot{Position: r.position, Class: r.u.Class}
		}
		s, err := e.slots.Reprovision(ctx, base)
		if err != nil {
			r.acquired = false
			r.log.Warn("pipeline: reprovision failed", zap.Error(err))
			return model.PhasePrepare
		}
		r.slot, r.acquired = s, true
		return model.PhasePrepare
	}

	if !r.acquired || failed == "" {
		return model.PhasePrepare
	}
	return failed
}

// abandon gives the unit up: the lease goes, the unit is dead-lettered and
// quarantined, and its slot is returned.
func (e *Executor) abandon(ctx context.Context, r *unitRun, failed model.Phase, cause error, d resilience.Decision) error {
	e.releaseSlot(ctx, r)
	if err := e.leases.MarkAbandoned(ctx, r.u, d.Category, d.Attempt); err != nil {
		r.log.Error("pipeline: release of abandoned unit failed", zap.Error(err))
		return eris.Wrapf(err, "pipeline: abandon %s", r.u.ID)
	}

	entry := resilience.NewDLQEntry(r.u, failed, cause, d, e.now())
	if e.quarantine != nil {
		e.quarantine.Add(r.u.ID, entry.NextRetryAt)
	}
	if e.ledger != nil {
		if err := e.ledger.EnqueueDLQ(ctx, entry); err != nil {
			r.log.Warn("pipeline: dead-letter enqueue failed", zap.Error(err))
		}
	}
	r.log.Warn("pipeline: unit abandoned",
		zap.String("category", string(d.Category)),
		zap.Int("attempts", d.Attempt),
		zap.Time("next_retry_at", entry.NextRetryAt),
	)
	return nil
}

func (e *Executor) resolve(ctx context.Context, u model.WorkUnit) {
	if e.quarantine != nil {
		e.quarantine.Remove(u.ID)
	}
	if e.ledger != nil {
		if err := e.ledger.ResolveDLQ(ctx, u.ID); err != nil {
			zap.L().Warn("pipeline: dead-letter resolve failed", zap.String("unit", u.ID), zap.Error(err))
		}
	}
}

func (e *Executor) releaseSlot(ctx context.Context, r *unitRun) {
	if !r.acquired {
		return
	}
	e.slots.Release(context.WithoutCancel(ctx), r.slot)
	r.acquired = false
}

func (e *Executor) record(ctx context.Context, r *unitRun, attempt int, phase model.Phase, err error, d *resilience.Decision, start time.Time) {
	if e.ledger == nil {
		return
	}
	a := model.Attempt{
		ID:        uuid.NewString(),
		RunID:     e.runID,
		UnitID:    r.u.ID,
		Class:     r.u.Class,
		Number:    attempt,
		Phase:     phase,
		Succeeded: err == nil,
		Elapsed:   e.now().Sub(start),
		CreatedAt: e.now(),
	}
	if err != nil {
		a.Error = err.Error()
		a.Category = resilience.Classify(err)
	}
	if d != nil {
		a.Category, a.Tier, a.Action = d.Category, d.Tier, d.Action
	}
	if lerr := e.ledger.RecordAttempt(context.WithoutCancel(ctx), a); lerr != nil {
		zap.L().Warn("pipeline: record attempt failed", zap.String("unit", r.u.ID), zap.Error(lerr))
	}
}
