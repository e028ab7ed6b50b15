package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
)

// prepare acquires the unit's context, unless it still holds one, and
// enters the prompt.
func (e *Executor) prepare(ctx context.Context, r *unitRun) error {
	if !r.acquired {
		s, err := e.slots.Acquire(ctx, r.u.Class, r.position)
		if err != nil {
			return err
		}
		r.slot, r.acquired = s, true
		e.slots.Bind(s, r.u.ID, r.cancel)
	}
	if err := e.driver.InputText(ctx, r.slot.Handle, r.u.Prompt); err != nil {
		return eris.Wrapf(err, "pipeline: input %s", r.slot.Handle)
	}
	return nil
}

// configure selects each option of the unit. Every selection is retried on
// its own; one that still fails is recorded and reported to the escalation
// controller, and the unit goes on.
func (e *Executor) configure(ctx context.Context, r *unitRun) error {
	r.configErrs = nil
	for _, opt := range r.u.Options {
		var err error
		for try := 1; try <= e.cfg.OptionAttempts; try++ {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			if err = e.driver.SelectOption(ctx, r.slot.Handle, opt.Category, opt.Name); err == nil {
				break
			}
			if try < e.cfg.OptionAttempts {
				if serr := e.sleep(ctx, e.cfg.PollInterval); serr != nil {
					return serr
				}
			}
		}
		if err == nil {
			continue
		}
		cerr := eris.Wrapf(model.ErrConfigurationFailed, "pipeline: select %s=%s: %v", opt.Category, opt.Name, err)
		category := e.escalation.Observe(r.u.Class, cerr)
		r.configErrs = append(r.configErrs, cerr.Error())
		r.log.Warn("pipeline: option not applied",
			zap.String("option", opt.String()),
			zap.String("category", string(category)),
			zap.Error(err),
		)
	}
	return nil
}

func (e *Executor) submit(ctx context.Context, r *unitRun) error {
	if err := e.driver.Submit(ctx, r.slot.Handle); err != nil {
		return eris.Wrapf(err, "pipeline: submit %s", r.slot.Handle)
	}
	return nil
}

// await polls the busy indicator until it has been absent for StableChecks
// consecutive polls. Absences only count once the indicator has shown or
// AppearTimeout has passed. Exceeding the unit's ceiling is a timeout. The
// lease is renewed while waiting.
func (e *Executor) await(ctx context.Context, r *unitRun) error {
	ceiling := r.u.WaitCeiling
	if ceiling <= 0 {
		ceiling = e.cfg.DefaultCeiling
	}
	start := e.now()
	appeared := false
	idle := 0
	polls := 0
	for {
		busy, err := e.driver.PollBusy(ctx, r.slot.Handle)
		if err != nil {
			return eris.Wrapf(err, "pipeline: poll %s", r.slot.Handle)
		}
		polls++
		elapsed := e.now().Sub(start)
		switch {
		case busy:
			appeared, idle = true, 0
		case appeared || elapsed >= e.cfg.AppearTimeout:
			idle++
		}
		if idle >= e.cfg.StableChecks {
			r.log.Debug("pipeline: completion detected",
				zap.Int("polls", polls),
				zap.Bool("appeared", appeared),
				zap.Duration("elapsed", elapsed),
			)
			return nil
		}
		if elapsed >= ceiling {
			return eris.Wrapf(model.ErrTimeout, "pipeline: await %s after %s", r.u.ID, ceiling)
		}
		if err := e.keepLease(ctx, r, false); err != nil {
			return err
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// extract tries each strategy in order until one yields text.
func (e *Executor) extract(ctx context.Context, r *unitRun) error {
	strategies := e.strategiesFor(r.u.Class)
	var last error
	for _, strategy := range strategies {
		text, err := e.driver.ExtractText(ctx, r.slot.Handle, strategy)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			last = err
			r.log.Debug("pipeline: extraction strategy failed", zap.String("strategy", strategy), zap.Error(err))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			r.text = text
			return nil
		}
		r.log.Debug("pipeline: extraction strategy empty", zap.String("strategy", strategy))
	}
	if last != nil {
		return eris.Wrapf(model.ErrExtractFailed, "pipeline: extract %s: %v", r.u.ID, last)
	}
	return eris.Wrapf(model.ErrExtractFailed, "pipeline: extract %s: no text from %s", r.u.ID, strings.Join(strategies, ", "))
}
