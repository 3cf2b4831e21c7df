package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

var heatPump = model.Unit{ID: "hp1", Capability: model.CapabilityBoth, Stages: 2, Zones: []string{"z1", "z2", "z3"}}

func heat(zone string, mag float64) model.DemandSignal {
	return model.DemandSignal{ZoneID: zone, State: model.CallingHeat, Direction: model.DirectionHeat, Magnitude: mag, Voting: true}
}

func cool(zone string, mag float64) model.DemandSignal {
	return model.DemandSignal{ZoneID: zone, State: model.CallingCool, Direction: model.DirectionCool, Magnitude: mag, Voting: true}
}

func idle(zone string) model.DemandSignal {
	return model.DemandSignal{ZoneID: zone, State: model.CallIdle, Direction: model.DirectionNone, Voting: true}
}

func stale(zone string) model.DemandSignal {
	return model.DemandSignal{ZoneID: zone, State: model.CallStale, Direction: model.DirectionNone, Stale: true, Voting: true}
}

func nonVoting(s model.DemandSignal) model.DemandSignal {
	s.Voting = false
	return s
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name         string
		unit         model.Unit
		signals      []model.DemandSignal
		previous     model.Direction
		wantDir      model.Direction
		wantMag      float64
		wantConflict bool
		wantLosers   []string
		wantUnserved []string
	}{
		{
			name:    "no demand",
			unit:    heatPump,
			signals: []model.DemandSignal{idle("z1"), idle("z2")},
			wantDir: model.DirectionNone,
		},
		{
			name:    "single heat call",
			unit:    heatPump,
			signals: []model.DemandSignal{heat("z1", 0.4), idle("z2")},
			wantDir: model.DirectionHeat,
			wantMag: 0.4,
		},
		{
			name:    "magnitude is max of winners",
			unit:    heatPump,
			signals: []model.DemandSignal{heat("z1", 0.4), heat("z2", 0.9)},
			wantDir: model.DirectionHeat,
			wantMag: 0.9,
		},
		{
			name:         "equal conflict without history goes heat",
			unit:         heatPump,
			signals:      []model.DemandSignal{heat("z1", 0.6), cool("z2", 0.6)},
			previous:     model.DirectionNone,
			wantDir:      model.DirectionHeat,
			wantMag:      0.6,
			wantConflict: true,
			wantLosers:   []string{"z2"},
		},
		{
			name:         "equal conflict keeps previous direction",
			unit:         heatPump,
			signals:      []model.DemandSignal{heat("z1", 0.6), cool("z2", 0.6)},
			previous:     model.DirectionCool,
			wantDir:      model.DirectionCool,
			wantMag:      0.6,
			wantConflict: true,
			wantLosers:   []string{"z1"},
		},
		{
			name:         "summed magnitude beats single larger call",
			unit:         heatPump,
			signals:      []model.DemandSignal{heat("z1", 0.7), cool("z2", 0.5), cool("z3", 0.5)},
			previous:     model.DirectionHeat,
			wantDir:      model.DirectionCool,
			wantMag:      0.5,
			wantConflict: true,
			wantLosers:   []string{"z1"},
		},
		{
			name:    "stale zones never count",
			unit:    heatPump,
			signals: []model.DemandSignal{stale("z1"), cool("z2", 0.3)},
			wantDir: model.DirectionCool,
			wantMag: 0.3,
		},
		{
			name:    "zones of other units ignored",
			unit:    heatPump,
			signals: []model.DemandSignal{heat("z9", 1), cool("z2", 0.3)},
			wantDir: model.DirectionCool,
			wantMag: 0.3,
		},
		{
			name:         "heat only unit cannot serve cooling",
			unit:         model.Unit{ID: "furnace", Capability: model.CapabilityHeat, Stages: 1, Zones: []string{"z1", "z2"}},
			signals:      []model.DemandSignal{heat("z1", 0.2), cool("z2", 0.8)},
			wantDir:      model.DirectionHeat,
			wantMag:      0.2,
			wantUnserved: []string{"z2"},
		},
		{
			name:    "non voting zone cannot start the unit",
			unit:    heatPump,
			signals: []model.DemandSignal{nonVoting(heat("z1", 0.9)), heat("z2", 0.1)},
			wantDir: model.DirectionHeat,
			wantMag: 0.1,
		},
		{
			name:    "non voting alone is no demand",
			unit:    heatPump,
			signals: []model.DemandSignal{nonVoting(heat("z1", 0.9)), idle("z2")},
			wantDir: model.DirectionNone,
		},
		{
			name:    "all non voting zones vote",
			unit:    heatPump,
			signals: []model.DemandSignal{nonVoting(heat("z1", 0.9)), nonVoting(idle("z2")), nonVoting(idle("z3"))},
			wantDir: model.DirectionHeat,
			wantMag: 0.9,
		},
		{
			name:       "non voting opposite call still loses",
			unit:       heatPump,
			signals:    []model.DemandSignal{heat("z1", 0.3), nonVoting(cool("z2", 0.9))},
			wantDir:    model.DirectionHeat,
			wantMag:    0.3,
			wantLosers: []string{"z2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Aggregate(tt.unit, tt.signals, tt.previous)
			assert.Equal(t, tt.unit.ID, v.UnitID)
			assert.Equal(t, tt.wantDir, v.Direction)
			assert.InDelta(t, tt.wantMag, v.Magnitude, 1e-9)
			assert.Equal(t, tt.wantConflict, v.Conflict)
			assert.Equal(t, tt.wantLosers, v.Losers)
			assert.Equal(t, tt.wantUnserved, v.Unserved)
		})
	}
}

func TestAggregate_ConflictNeverResolvesOff(t *testing.T) {
	for _, prev := range []model.Direction{model.DirectionNone, model.DirectionHeat, model.DirectionCool} {
		for _, mags := range [][2]float64{{0.1, 0.9}, {0.5, 0.5}, {0.9, 0.1}, {0, 0}} {
			v := Aggregate(heatPump, []model.DemandSignal{heat("z1", mags[0]), cool("z2", mags[1])}, prev)
			assert.True(t, v.Direction.Active(), "prev=%s mags=%v", prev, mags)
			assert.Len(t, v.Losers, 1)
		}
	}
}

func TestAggregate_SignalsSorted(t *testing.T) {
	v := Aggregate(heatPump, []model.DemandSignal{idle("z3"), idle("z1"), idle("z2")}, model.DirectionNone)
	var ids []string
	for _, s := range v.Signals {
		ids = append(ids, s.ZoneID)
	}
	assert.Equal(t, []string{"z1", "z2", "z3"}, ids)
}
