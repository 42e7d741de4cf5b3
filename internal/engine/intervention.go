package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trailhead/internal/catalog"
	"trailhead/internal/domain"
	"trailhead/internal/outcome"
	"trailhead/internal/scheduler"
)

// Respond applies a player's choice to a pending event. Responses to events
// that were already settled, by another response or by the deadline, return a
// StaleResponseError and change nothing.
func (e *Engine) Respond(ctx context.Context, resp domain.PlayerResponse) (domain.ResponseResult, error) {
	resp.EventID = strings.TrimSpace(resp.EventID)
	if resp.EventID == "" || strings.TrimSpace(resp.OptionID) == "" {
		return domain.ResponseResult{}, fmt.Errorf("event_id and option_id are required: %w", ErrInvalidInput)
	}
	var (
		result domain.ResponseResult
		rerr   error
	)
	err := e.do(ctx, func(now time.Time) {
		r, ok := e.events[resp.EventID]
		if !ok || r.done {
			rerr = fmt.Errorf("event %s: %w", resp.EventID, ErrNotFound)
			return
		}
		ev := r.event(resp.EventID)
		if ev.Status != domain.StatusPending {
			rerr = &StaleResponseError{EventID: ev.ID, Status: ev.Status}
			return
		}
		opt, ok := catalog.FindOption(ev.Options, resp.OptionID)
		if !ok {
			rerr = fmt.Errorf("option %s on event %s: %w", resp.OptionID, ev.ID, ErrInvalidOption)
			return
		}
		ev.Status = domain.StatusResponded
		e.cancelDeadline(r, ev.ID)
		res := outcome.Resolve(e.rng, e.cfg.Rules, &r.exp, opt, false)
		ev.Resolution = resolution(opt, res, false, now)
		if resp.Latency > 0 {
			ev.Resolution.Latency = resp.Latency.String()
		}
		result = domain.ResponseResult{
			ExpeditionID:          r.exp.ID,
			EventID:               ev.ID,
			OptionID:              opt.ID,
			Success:               res.Success,
			TotalRewardMultiplier: r.exp.TotalRewardMultiplier,
			SuccessProbability:    r.exp.SuccessProbability,
			TimeRemaining:         r.exp.TimeRemaining,
		}
		e.publish(r, now, domain.KindResponseResult, result)
	})
	if err != nil {
		return domain.ResponseResult{}, err
	}
	return result, rerr
}

// ExpeditionForEvent returns a snapshot of the running expedition that owns an event.
func (e *Engine) ExpeditionForEvent(ctx context.Context, eventID string) (domain.Expedition, error) {
	var (
		snap domain.Expedition
		rerr error
	)
	err := e.do(ctx, func(time.Time) {
		r, ok := e.events[eventID]
		if !ok || r.done {
			rerr = fmt.Errorf("event %s: %w", eventID, ErrNotFound)
			return
		}
		snap = snapshot(r.exp)
	})
	if err != nil {
		return domain.Expedition{}, err
	}
	return snap, rerr
}

// raise appends a new event to the run. Events that need no answer go through
// the same auto-resolution as an expired deadline.
func (e *Engine) raise(r *run, now time.Time, category string) (domain.ExpeditionEvent, error) {
	ev, err := e.catalog.Generate(e.rng, category, r.exp)
	if err != nil {
		return domain.ExpeditionEvent{}, err
	}
	ev.ID = eventID(r, len(r.exp.Events)+1)
	ev.CreatedAt = now
	r.exp.Events = append(r.exp.Events, ev)
	r.index[ev.ID] = len(r.exp.Events) - 1
	e.events[ev.ID] = r

	if !ev.ResponseRequired {
		e.autoResolve(r, ev.ID, now)
		return copyEvent(*r.event(ev.ID)), nil
	}
	deadline := catalog.Deadline(now, e.cfg.Simulation.AutoResolveSeconds, e.cfg.Tick())
	stored := r.event(ev.ID)
	stored.Deadline = &deadline
	r.deadlines[ev.ID] = e.sched.At(deadline, e.onDeadline(r, ev.ID))
	out := copyEvent(*stored)
	e.publish(r, now, domain.KindInterventionRequired, out)
	return copyEvent(out), nil
}

func (e *Engine) onDeadline(r *run, eventID string) scheduler.Func {
	return func(now time.Time) {
		if r.done {
			return
		}
		delete(r.deadlines, eventID)
		e.autoResolve(r, eventID, now)
	}
}

// autoResolve settles a pending event with its safest option. It is a no-op
// once the event has left pending.
func (e *Engine) autoResolve(r *run, eventID string, now time.Time) {
	ev := r.event(eventID)
	if ev == nil || ev.Status != domain.StatusPending {
		return
	}
	ev.Status = domain.StatusAutoResolved
	e.cancelDeadline(r, eventID)
	opt, ok := catalog.SafestOption(ev.Options)
	if !ok {
		return
	}
	res := outcome.Resolve(e.rng, e.cfg.Rules, &r.exp, opt, true)
	ev.Resolution = resolution(opt, res, true, now)
	e.publish(r, now, domain.KindAutoResolved, copyEvent(*ev))
}

func (e *Engine) cancelDeadline(r *run, eventID string) {
	if h, ok := r.deadlines[eventID]; ok {
		e.sched.Cancel(h)
		delete(r.deadlines, eventID)
	}
}

func resolution(opt domain.EventOption, res outcome.Result, automatic bool, now time.Time) *domain.EventResolution {
	return &domain.EventResolution{
		OptionID:           opt.ID,
		Automatic:          automatic,
		Success:            res.Success,
		MultiplierApplied:  res.MultiplierApplied,
		ProbabilityDelta:   res.ProbabilityDelta,
		TimePenaltySeconds: res.TimePenaltySeconds,
		ResolvedAt:         now,
	}
}
