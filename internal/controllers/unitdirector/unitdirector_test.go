package unitdirector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

var t0 = time.Date(2026, 1, 5, 6, 0, 0, 0, time.UTC)

func furnace() model.Unit {
	return model.Unit{
		ID:              "furnace",
		Capability:      model.CapabilityHeat,
		Stages:          1,
		StageThresholds: []model.StageThreshold{{Upper: 0, Lower: 0}},
		MinOn:           600 * time.Second,
		MinOff:          300 * time.Second,
	}
}

func heatPump() model.Unit {
	return model.Unit{
		ID:              "hp",
		Capability:      model.CapabilityBoth,
		Stages:          2,
		StageThresholds: []model.StageThreshold{{Upper: 0, Lower: 0}, {Upper: 0.5, Lower: 0.4}},
		MinOn:           time.Minute,
		MinOff:          time.Minute,
		Changeover:      5 * time.Minute,
		StageUpDelay:    30 * time.Second,
		StageDownDelay:  30 * time.Second,
	}
}

func demand(dir model.Direction, mag float64) model.DemandVector {
	return model.DemandVector{Direction: dir, Magnitude: mag}
}

func running(unit model.Unit, stage int, dir model.Direction, since time.Time) model.UnitState {
	return model.UnitState{UnitID: unit.ID, Stage: stage, Direction: dir, LastOn: since, LastOff: since.Add(-time.Hour), LastTransition: since}
}

// Unit off for 310s with a 300s minimum off time starts on the first heat call.
func TestEvaluate_StartsWhenMinOffElapsed(t *testing.T) {
	u := furnace()
	st := Initial(u.ID, t0.Add(-310*time.Second))

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.75), t0)
	require.True(t, dec.Changed)
	assert.Equal(t, model.UnitCommand{Stage: 1, Direction: model.DirectionHeat}, dec.Command)
	assert.Equal(t, t0, dec.State.LastOn)
	assert.Nil(t, dec.State.Pending)
}

func TestEvaluate_MinOffDefersStart(t *testing.T) {
	u := furnace()
	st := Initial(u.ID, t0)

	dec := Evaluate(u, st, demand(model.DirectionHeat, 1), t0.Add(100*time.Second))
	assert.False(t, dec.Changed)
	require.NotNil(t, dec.State.Pending)
	assert.True(t, dec.State.Pending.Deferred)
	assert.Equal(t, 0, dec.Command.Stage)

	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 1), t0.Add(300*time.Second))
	assert.True(t, dec.Changed)
	assert.Equal(t, 1, dec.Command.Stage)
}

// On at t=0 with minOn 600s: demand gone at 200s defers off until 600s.
func TestEvaluate_MinOnDefersStop(t *testing.T) {
	u := furnace()
	st := running(u, 1, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionNone, 0), t0.Add(200*time.Second))
	assert.False(t, dec.Changed)
	assert.Equal(t, 1, dec.Command.Stage)
	require.NotNil(t, dec.State.Pending)
	assert.True(t, dec.State.Pending.Deferred)
	assert.Equal(t, 0, dec.State.Pending.Target)
	st = dec.State

	dec = Evaluate(u, st, demand(model.DirectionNone, 0), t0.Add(599*time.Second))
	assert.False(t, dec.Changed)
	st = dec.State

	dec = Evaluate(u, st, demand(model.DirectionNone, 0), t0.Add(600*time.Second))
	require.True(t, dec.Changed)
	assert.Equal(t, 0, dec.Command.Stage)
	assert.Equal(t, model.DirectionNone, dec.State.Direction)
	assert.Equal(t, model.DirectionHeat, dec.State.LastDirection)
	assert.Equal(t, t0.Add(600*time.Second), dec.State.LastOff)
}

func TestEvaluate_DemandReturnsClearsDeferredOff(t *testing.T) {
	u := furnace()
	st := running(u, 1, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionNone, 0), t0.Add(200*time.Second))
	require.NotNil(t, dec.State.Pending)

	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.3), t0.Add(205*time.Second))
	assert.False(t, dec.Changed)
	assert.Nil(t, dec.State.Pending)
}

func TestEvaluate_StageUpNeedsConfirmation(t *testing.T) {
	u := heatPump()
	st := running(u, 1, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.9), t0.Add(10*time.Second))
	assert.False(t, dec.Changed)
	require.NotNil(t, dec.State.Pending)
	assert.False(t, dec.State.Pending.Deferred)
	assert.Equal(t, 2, dec.State.Pending.Target)

	// A dip resets the confirmation clock.
	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.45), t0.Add(20*time.Second))
	assert.Nil(t, dec.State.Pending)

	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.9), t0.Add(30*time.Second))
	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.9), t0.Add(50*time.Second))
	assert.False(t, dec.Changed)
	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.9), t0.Add(60*time.Second))
	require.True(t, dec.Changed)
	assert.Equal(t, 2, dec.Command.Stage)
}

func TestEvaluate_StageDownBelowLower(t *testing.T) {
	u := heatPump()
	st := running(u, 2, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.45), t0.Add(time.Minute))
	assert.Nil(t, dec.State.Pending, "between lower and upper holds the stage")

	dec = Evaluate(u, st, demand(model.DirectionHeat, 0.3), t0.Add(time.Minute))
	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.3), t0.Add(time.Minute+30*time.Second))
	require.True(t, dec.Changed)
	assert.Equal(t, 1, dec.Command.Stage)
	assert.Equal(t, model.DirectionHeat, dec.Command.Direction)
}

func TestEvaluate_NeverExceedsStageCount(t *testing.T) {
	u := heatPump()
	st := running(u, 2, model.DirectionHeat, t0)

	for i := 0; i < 10; i++ {
		dec := Evaluate(u, st, demand(model.DirectionHeat, 1), t0.Add(time.Duration(i)*time.Minute))
		assert.LessOrEqual(t, dec.Command.Stage, u.Stages)
		st = dec.State
	}
}

func TestEvaluate_Changeover(t *testing.T) {
	u := heatPump()
	u.StageUpDelay, u.StageDownDelay = 0, 0
	st := running(u, 1, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionCool, 0.8), t0.Add(2*time.Minute))
	require.True(t, dec.Changed)
	assert.Equal(t, model.UnitCommand{Stage: 0, Direction: model.DirectionNone}, dec.Command)
	st = dec.State

	// MinOff is met, the changeover cool-down is not.
	dec = Evaluate(u, st, demand(model.DirectionCool, 0.8), t0.Add(4*time.Minute))
	assert.False(t, dec.Changed)
	require.NotNil(t, dec.State.Pending)
	assert.True(t, dec.State.Pending.Deferred)
	st = dec.State

	dec = Evaluate(u, st, demand(model.DirectionCool, 0.8), t0.Add(7*time.Minute))
	require.True(t, dec.Changed)
	assert.Equal(t, model.UnitCommand{Stage: 1, Direction: model.DirectionCool}, dec.Command)
}

func TestEvaluate_SameDirectionRestartUsesMinOff(t *testing.T) {
	u := heatPump()
	u.StageUpDelay = 0
	st := model.UnitState{UnitID: u.ID, LastDirection: model.DirectionHeat, LastOff: t0}

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.2), t0.Add(time.Minute))
	assert.True(t, dec.Changed)
}

func TestEvaluate_UnservedDirectionIsNoDemand(t *testing.T) {
	u := furnace()
	st := Initial(u.ID, t0.Add(-time.Hour))

	dec := Evaluate(u, st, demand(model.DirectionCool, 1), t0)
	assert.False(t, dec.Changed)
	assert.Equal(t, 0, dec.Command.Stage)
}

// No sequence of demand can produce transitions faster than the protection timers.
func TestEvaluate_ProtectionTimersHold(t *testing.T) {
	u := heatPump()
	u.StageUpDelay, u.StageDownDelay = 0, 0
	st := Initial(u.ID, t0)

	pattern := []model.DemandVector{
		demand(model.DirectionHeat, 0.9),
		demand(model.DirectionNone, 0),
		demand(model.DirectionCool, 0.3),
		demand(model.DirectionHeat, 0.2),
		demand(model.DirectionNone, 0),
	}

	for i := 1; i < 400; i++ {
		now := t0.Add(time.Duration(i) * 7 * time.Second)
		dec := Evaluate(u, st, pattern[(i/3)%len(pattern)], now)
		if dec.Changed {
			prev, next := st, dec.State
			if prev.Stage == 0 && next.Stage > 0 {
				assert.GreaterOrEqual(t, now.Sub(prev.LastOff), u.MinOff)
				if prev.LastDirection.Active() && prev.LastDirection != next.Direction {
					assert.GreaterOrEqual(t, now.Sub(prev.LastOff), u.Changeover)
				}
			}
			if prev.Stage > 0 && next.Stage == 0 {
				assert.GreaterOrEqual(t, now.Sub(prev.LastOn), u.MinOn)
			}
			assert.LessOrEqual(t, next.Stage, u.Stages)
		}
		st = Confirm(dec, now)
	}
}

func TestFailAndConfirm(t *testing.T) {
	u := furnace()
	st := running(u, 1, model.DirectionHeat, t0)

	for i := 1; i <= 3; i++ {
		st = Fail(st, t0, 3)
		assert.True(t, st.Degraded)
		assert.Equal(t, i, st.ConsecutiveFailures)
		assert.Equal(t, i == 3, st.Fatal)
		assert.Equal(t, 1, st.Stage)
		assert.Equal(t, model.DirectionHeat, st.Direction)
	}

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.5), t0.Add(time.Minute))
	st = Confirm(dec, t0.Add(time.Minute))
	assert.False(t, st.Degraded)
	assert.False(t, st.Fatal)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestFailKeepsPendingClock(t *testing.T) {
	u := heatPump()
	st := running(u, 1, model.DirectionHeat, t0)

	dec := Evaluate(u, st, demand(model.DirectionHeat, 0.9), t0)
	dec = Evaluate(u, dec.State, demand(model.DirectionHeat, 0.9), t0.Add(30*time.Second))
	require.True(t, dec.Changed)

	held := st
	held.Pending = dec.Pending
	held = Fail(held, t0.Add(30*time.Second), 5)
	assert.Equal(t, 1, held.Stage)

	dec = Evaluate(u, held, demand(model.DirectionHeat, 0.9), t0.Add(35*time.Second))
	assert.True(t, dec.Changed, "retry after a failed write does not restart confirmation")
}

func TestSafeOffAndStopped(t *testing.T) {
	assert.Equal(t, model.UnitCommand{Stage: 0, Direction: model.DirectionNone}, SafeOff())

	u := furnace()
	st := Stopped(running(u, 1, model.DirectionHeat, t0), t0.Add(time.Second))
	assert.Equal(t, 0, st.Stage)
	assert.Equal(t, model.DirectionHeat, st.LastDirection)
	assert.Equal(t, t0.Add(time.Second), st.LastOff)
}
