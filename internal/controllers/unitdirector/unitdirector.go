package unitdirector

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Decision is the outcome of one evaluation. State is what gets committed once the
// command has been written.
type Decision struct {
	UnitID  string
	State   model.UnitState
	Command model.UnitCommand
	Changed bool
	Reason  string

	// Pending is the transition under confirmation, including one confirmed this cycle.
	// It survives a failed write so the retry does not restart debounce.
	Pending *model.PendingTransition
}

// Initial is the state of a unit at startup. Startup counts as an off transition.
func Initial(unitID string, now time.Time) model.UnitState {
	return model.UnitState{
		UnitID:         unitID,
		Direction:      model.DirectionNone,
		LastDirection:  model.DirectionNone,
		LastOff:        now,
		LastTransition: now,
	}
}

// Evaluate decides the stage and direction a unit should run at for demand v.
func Evaluate(unit model.Unit, st model.UnitState, v model.DemandVector, now time.Time) Decision {
	dec := Decision{UnitID: unit.ID, State: st, Command: st.Command()}

	target, dir, reason := desired(unit, st, v)
	if target == st.Stage && (target == 0 || dir == st.Direction) {
		dec.State.Pending = nil
		dec.Reason = "steady"
		return dec
	}

	pending := &model.PendingTransition{Target: target, Direction: dir, Since: now, Reason: reason}
	if p := st.Pending; p != nil && p.Target == target && p.Direction == dir {
		pending.Since = p.Since
	}
	dec.Pending = pending
	dec.State.Pending = pending

	delay := unit.StageUpDelay
	if target < st.Stage {
		delay = unit.StageDownDelay
	}
	if now.Sub(pending.Since) < delay {
		dec.Reason = fmt.Sprintf("%s, confirming", reason)
		return dec
	}

	if blocked := protect(unit, st, target, dir, now); blocked != "" {
		pending.Deferred = true
		pending.Reason = blocked
		dec.Reason = blocked
		if st.Pending == nil || !st.Pending.Deferred {
			log.Info().
				Str("unit", unit.ID).
				Int("stage", st.Stage).
				Int("target", target).
				Str("direction", string(dir)).
				Msg("Unit transition deferred: " + blocked)
		}
		return dec
	}

	next := st
	next.Pending = nil
	next.LastTransition = now
	switch {
	case st.Stage == 0 && target > 0:
		next.LastOn = now
	case st.Stage > 0 && target == 0:
		next.LastOff = now
		next.LastDirection = st.Direction
	}
	next.Stage = target
	next.Direction = dir
	if target == 0 {
		next.Direction = model.DirectionNone
	}

	dec.State = next
	dec.Command = next.Command()
	dec.Changed = true
	dec.Reason = reason
	return dec
}

// desired picks the next stage one step from the current one.
func desired(unit model.Unit, st model.UnitState, v model.DemandVector) (int, model.Direction, string) {
	if !v.Direction.Active() || !unit.Capability.Serves(v.Direction) {
		return 0, model.DirectionNone, "no demand"
	}
	if st.Stage == 0 {
		return 1, v.Direction, fmt.Sprintf("%s demand", v.Direction)
	}
	if v.Direction != st.Direction {
		return 0, model.DirectionNone, fmt.Sprintf("changeover to %s", v.Direction)
	}

	thresholds := unit.StageThresholds
	if st.Stage < unit.Stages && st.Stage < len(thresholds) && v.Magnitude > thresholds[st.Stage].Upper {
		return st.Stage + 1, st.Direction, fmt.Sprintf("magnitude %.2f above stage %d entry", v.Magnitude, st.Stage+1)
	}
	if st.Stage > 1 && st.Stage-1 < len(thresholds) && v.Magnitude < thresholds[st.Stage-1].Lower {
		return st.Stage - 1, st.Direction, fmt.Sprintf("magnitude %.2f below stage %d exit", v.Magnitude, st.Stage)
	}
	if st.Stage > unit.Stages {
		return unit.Stages, st.Direction, "stage above unit maximum"
	}
	return st.Stage, st.Direction, ""
}

// protect returns why the protection timers block a transition, or "" when it may proceed.
func protect(unit model.Unit, st model.UnitState, target int, dir model.Direction, now time.Time) string {
	switch {
	case st.Stage == 0 && target > 0:
		minOff := unit.MinOff
		if st.LastDirection.Active() && st.LastDirection != dir && unit.Changeover > minOff {
			minOff = unit.Changeover
		}
		if now.Sub(st.LastOff) < minOff {
			return fmt.Sprintf("off for %s of %s", now.Sub(st.LastOff).Round(time.Second), minOff)
		}
	case st.Stage > 0 && target == 0:
		if now.Sub(st.LastOn) < unit.MinOn {
			return fmt.Sprintf("on for %s of %s", now.Sub(st.LastOn).Round(time.Second), unit.MinOn)
		}
	}
	return ""
}

// Confirm commits a decision after its command was written.
func Confirm(dec Decision, now time.Time) model.UnitState {
	st := dec.State
	if st.Degraded || st.Fatal {
		log.Info().Str("unit", dec.UnitID).Msg("Unit write succeeded, clearing degraded state")
	}
	st.Degraded = false
	st.Fatal = false
	st.ConsecutiveFailures = 0
	if dec.Changed {
		log.Info().
			Str("unit", dec.UnitID).
			Int("stage", st.Stage).
			Str("direction", string(st.Direction)).
			Str("reason", dec.Reason).
			Time("at", now).
			Msg("Unit transitioned")
	}
	return st
}

// Fail records a failed write. Stage, direction and timers keep their last confirmed values.
func Fail(st model.UnitState, now time.Time, threshold int) model.UnitState {
	st.Degraded = true
	st.ConsecutiveFailures++
	if threshold > 0 && st.ConsecutiveFailures >= threshold && !st.Fatal {
		st.Fatal = true
		log.Error().
			Str("unit", st.UnitID).
			Int("failures", st.ConsecutiveFailures).
			Time("at", now).
			Err(model.ErrActuatorWrite).
			Msg("Unit write failures reached threshold")
	}
	return st
}

// SafeOff is the command sent to every unit on shutdown, regardless of minimum on time.
func SafeOff() model.UnitCommand {
	return model.UnitCommand{Stage: 0, Direction: model.DirectionNone}
}

// Stopped records a shutdown off transition.
func Stopped(st model.UnitState, now time.Time) model.UnitState {
	if st.Stage > 0 {
		st.LastOff = now
		st.LastDirection = st.Direction
	}
	st.Stage = 0
	st.Direction = model.DirectionNone
	st.Pending = nil
	st.LastTransition = now
	return st
}
