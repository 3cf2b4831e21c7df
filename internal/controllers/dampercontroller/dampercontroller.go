package dampercontroller

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Compute returns damper targets for the zones a unit serves, ordered by zone id.
// st is the unit state the cycle is about to commit.
func Compute(unit model.Unit, st model.UnitState, v model.DemandVector, zones []model.Zone) []model.DamperState {
	var served []model.Zone
	for _, z := range zones {
		if unit.ServesZone(z.ID) {
			served = append(served, z)
		}
	}
	sort.Slice(served, func(i, j int) bool { return served[i].ID < served[j].ID })

	active := model.DirectionNone
	if st.Stage > 0 {
		active = st.Direction
	}

	out := make([]model.DamperState, 0, len(served))
	anyOpen := false
	for _, z := range served {
		d := model.DamperState{ZoneID: z.ID, Target: model.DamperClosed}
		if s, ok := v.Signal(z.ID); ok && active.Active() && !s.Stale && s.Direction == active {
			d.Target = model.DamperOpen
			anyOpen = true
		}
		out = append(out, d)
	}

	if st.Stage > 0 && !anyOpen && len(out) > 0 {
		i := mostDemanding(served, v)
		out[i].Target = model.DamperOpen
		out[i].Forced = true
		log.Warn().
			Str("unit", unit.ID).
			Str("zone", out[i].ZoneID).
			Int("stage", st.Stage).
			Msg("No zone open while unit running, forcing damper open")
	}
	return out
}

func mostDemanding(zones []model.Zone, v model.DemandVector) int {
	best := 0
	bestMag := -1.0
	for i, z := range zones {
		mag := 0.0
		if s, ok := v.Signal(z.ID); ok && !s.Stale {
			mag = s.Magnitude
		}
		switch {
		case mag > bestMag:
		case mag == bestMag && z.DumpPriority > zones[best].DumpPriority:
		default:
			continue
		}
		best, bestMag = i, mag
	}
	return best
}

// Park returns shutdown targets for zones.
func Park(zones []model.Zone, position int) []model.DamperState {
	if position < model.DamperClosed {
		position = model.DamperClosed
	}
	if position > model.DamperOpen {
		position = model.DamperOpen
	}
	out := make([]model.DamperState, 0, len(zones))
	for _, z := range zones {
		out = append(out, model.DamperState{ZoneID: z.ID, Target: position})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}
