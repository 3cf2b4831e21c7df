package aggregator

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

type tally struct {
	sum   float64
	max   float64
	calls int
}

// Aggregate folds the demand signals of the zones a unit serves into one demand vector.
// previous is the direction the unit last ran in and breaks exact ties.
func Aggregate(unit model.Unit, signals []model.DemandSignal, previous model.Direction) model.DemandVector {
	v := model.DemandVector{UnitID: unit.ID, Direction: model.DirectionNone}

	for _, s := range signals {
		if unit.ServesZone(s.ZoneID) {
			v.Signals = append(v.Signals, s)
		}
	}
	sort.Slice(v.Signals, func(i, j int) bool { return v.Signals[i].ZoneID < v.Signals[j].ZoneID })

	allNonVoting := true
	for _, s := range v.Signals {
		if s.Voting {
			allNonVoting = false
			break
		}
	}

	tallies := map[model.Direction]*tally{
		model.DirectionHeat: {},
		model.DirectionCool: {},
	}
	for _, s := range v.Signals {
		if s.Stale || !s.Direction.Active() {
			continue
		}
		if !unit.Capability.Serves(s.Direction) {
			v.Unserved = append(v.Unserved, s.ZoneID)
			continue
		}
		if !s.Voting && !allNonVoting {
			continue
		}
		t := tallies[s.Direction]
		t.calls++
		t.sum += s.Magnitude
		if s.Magnitude > t.max {
			t.max = s.Magnitude
		}
	}

	heat, cool := tallies[model.DirectionHeat], tallies[model.DirectionCool]
	switch {
	case heat.calls == 0 && cool.calls == 0:
		return v
	case cool.calls == 0:
		v.Direction = model.DirectionHeat
	case heat.calls == 0:
		v.Direction = model.DirectionCool
	default:
		v.Conflict = true
		v.Direction = breakTie(heat.sum, cool.sum, previous)
	}
	v.Magnitude = tallies[v.Direction].max

	loser := v.Direction.Opposite()
	for _, s := range v.Signals {
		if !s.Stale && s.Direction == loser && unit.Capability.Serves(loser) {
			v.Losers = append(v.Losers, s.ZoneID)
		}
	}

	if v.Conflict {
		log.Info().
			Str("unit", unit.ID).
			Str("direction", string(v.Direction)).
			Float64("heat_demand", heat.sum).
			Float64("cool_demand", cool.sum).
			Strs("losers", v.Losers).
			Msg("Conflicting zone demand resolved")
	}
	return v
}

func breakTie(heat, cool float64, previous model.Direction) model.Direction {
	switch {
	case heat > cool:
		return model.DirectionHeat
	case cool > heat:
		return model.DirectionCool
	case previous.Active():
		return previous
	default:
		return model.DirectionHeat
	}
}
