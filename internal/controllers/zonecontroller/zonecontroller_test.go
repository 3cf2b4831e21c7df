package zonecontroller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

var base = time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)

func zone(mode model.ZoneMode) model.Zone {
	return model.Zone{ID: "z1", Mode: mode, Enabled: true, Voting: true, DefaultSetpoint: 70}
}

func input(z model.Zone, value float64, ts time.Time) Input {
	return Input{
		Zone:            z,
		Reading:         model.Reading{ZoneID: z.ID, Value: value, Timestamp: ts, Valid: true},
		HasReading:      true,
		Setpoint:        70,
		Deadband:        1,
		Band:            2,
		StalenessCycles: 3,
	}
}

func TestEvaluate_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		mode      model.ZoneMode
		prev      model.CallState
		reading   float64
		wantState model.CallState
		wantMag   float64
	}{
		{"idle stays idle inside deadband", model.ZoneHeat, model.CallIdle, 69.6, model.CallIdle, 0},
		{"enter heat below threshold", model.ZoneHeat, model.CallIdle, 69.4, model.CallingHeat, 0.55},
		{"heat holds inside deadband", model.ZoneHeat, model.CallingHeat, 70.4, model.CallingHeat, 0.05},
		{"heat exits above upper threshold", model.ZoneHeat, model.CallingHeat, 70.6, model.CallIdle, 0},
		{"heat magnitude clamps to one", model.ZoneHeat, model.CallIdle, 60, model.CallingHeat, 1},
		{"heat mode never cools", model.ZoneHeat, model.CallIdle, 80, model.CallIdle, 0},
		{"enter cool above threshold", model.ZoneCool, model.CallIdle, 71, model.CallingCool, 0.75},
		{"cool exits below lower threshold", model.ZoneCool, model.CallingCool, 69.4, model.CallIdle, 0},
		{"auto heats", model.ZoneAuto, model.CallIdle, 69, model.CallingHeat, 0.75},
		{"auto cools", model.ZoneAuto, model.CallIdle, 71, model.CallingCool, 0.75},
		{"auto heat to cool passes idle", model.ZoneAuto, model.CallingHeat, 72, model.CallIdle, 0},
		{"off mode is idle", model.ZoneOff, model.CallingHeat, 60, model.CallIdle, 0},
		{"mode change drops call", model.ZoneCool, model.CallingHeat, 69, model.CallIdle, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := State{Call: tt.prev, LastReadingAt: base, LastValue: 70, HasValue: true}
			next, sig := Evaluate(prev, input(zone(tt.mode), tt.reading, base.Add(5*time.Second)))

			assert.Equal(t, tt.wantState, next.Call)
			assert.Equal(t, tt.wantState, sig.State)
			assert.Equal(t, tt.wantState.Direction(), sig.Direction)
			assert.InDelta(t, tt.wantMag, sig.Magnitude, 1e-9)
			assert.False(t, sig.Stale)
			assert.Equal(t, tt.reading, sig.Reading)
		})
	}
}

func TestEvaluate_DisabledZone(t *testing.T) {
	z := zone(model.ZoneHeat)
	z.Enabled = false

	next, sig := Evaluate(State{}, input(z, 60, base))
	assert.Equal(t, model.CallIdle, next.Call)
	assert.Equal(t, 0.0, sig.Magnitude)
	assert.Equal(t, 0, next.MissedCycles)
}

func TestEvaluate_DoesNotMutatePrev(t *testing.T) {
	prev := State{Call: model.CallIdle, LastReadingAt: base, LastValue: 70, HasValue: true}
	copyOfPrev := prev
	Evaluate(prev, input(zone(model.ZoneHeat), 60, base.Add(time.Second)))
	assert.Equal(t, copyOfPrev, prev)
}

// A reading oscillating inside the deadband never toggles the call.
func TestEvaluate_HysteresisStability(t *testing.T) {
	z := zone(model.ZoneHeat)
	st := State{}
	transitions := 0
	prevCall := model.CallIdle

	values := []float64{71, 69.4}
	for i := 0; i < 40; i++ {
		values = append(values, 69.5+float64(i%5)*0.25)
	}
	values = append(values, 70.6, 70.2, 69.8, 69.6, 69.5, 69.9)

	for i, v := range values {
		var sig model.DemandSignal
		st, sig = Evaluate(st, input(z, v, base.Add(time.Duration(i)*5*time.Second)))
		if sig.State != prevCall {
			transitions++
			prevCall = sig.State
		}
	}

	// idle -> heat at 69.4, heat -> idle at 70.6; nothing while inside [69.5, 70.5].
	assert.Equal(t, 2, transitions)
	assert.Equal(t, model.CallIdle, st.Call)
}

func TestEvaluate_StaleAfterExactlyNCycles(t *testing.T) {
	z := zone(model.ZoneHeat)
	in := input(z, 68, base)

	st, sig := Evaluate(State{}, in)
	require.Equal(t, model.CallingHeat, sig.State)

	// Same reading timestamp: the feed has stopped.
	st, sig = Evaluate(st, in)
	assert.Equal(t, model.CallingHeat, sig.State, "missed cycle 1 keeps last known state")
	st, sig = Evaluate(st, in)
	assert.Equal(t, model.CallingHeat, sig.State, "missed cycle 2 keeps last known state")
	st, sig = Evaluate(st, in)
	assert.Equal(t, model.CallStale, sig.State, "missed cycle 3 is stale")
	assert.True(t, sig.Stale)
	assert.Equal(t, 0.0, sig.Magnitude)
	assert.Equal(t, model.DirectionNone, sig.Direction)

	for i := 0; i < 5; i++ {
		st, sig = Evaluate(st, in)
		assert.Equal(t, model.CallStale, sig.State)
		assert.Equal(t, 0.0, sig.Magnitude)
	}

	// Invalid readings do not revive the zone.
	bad := input(z, 68, base.Add(time.Minute))
	bad.Reading.Valid = false
	st, sig = Evaluate(st, bad)
	assert.Equal(t, model.CallStale, sig.State)

	st, sig = Evaluate(st, input(z, 68, base.Add(2*time.Minute)))
	assert.Equal(t, model.CallingHeat, sig.State)
	assert.False(t, sig.Stale)
	assert.Equal(t, 0, st.MissedCycles)
}

func TestEvaluate_NoReadingEverGoesStale(t *testing.T) {
	in := Input{Zone: zone(model.ZoneHeat), Setpoint: 70, Deadband: 1, Band: 2, StalenessCycles: 2}

	st, sig := Evaluate(State{}, in)
	assert.Equal(t, model.CallIdle, sig.State)
	_, sig = Evaluate(st, in)
	assert.Equal(t, model.CallStale, sig.State)
}

// Scenario: reading drops 71 -> 70 -> 69; the call starts on the cycle below 69.5.
func TestEvaluate_ReadingDropsIntoHeatCall(t *testing.T) {
	z := zone(model.ZoneHeat)
	st := State{}
	var sig model.DemandSignal

	for i, v := range []float64{71, 70, 69} {
		st, sig = Evaluate(st, input(z, v, base.Add(time.Duration(i)*5*time.Second)))
		if v >= 69.5 {
			assert.Equal(t, model.CallIdle, sig.State)
		}
	}
	assert.Equal(t, model.CallingHeat, sig.State)
	assert.InDelta(t, 0.75, sig.Magnitude, 1e-9)
}
