package zonecontroller

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// State is what a zone controller carries from one cycle to the next.
type State struct {
	Call          model.CallState `json:"call"`
	LastReadingAt time.Time       `json:"last_reading_at"`
	LastValue     float64         `json:"last_value"`
	HasValue      bool            `json:"has_value"`
	MissedCycles  int             `json:"missed_cycles"`
}

type Input struct {
	Zone            model.Zone
	Reading         model.Reading
	HasReading      bool
	Setpoint        float64
	Deadband        float64
	Band            float64
	StalenessCycles int
}

// Evaluate runs one cycle of the zone state machine. It does not mutate prev.
func Evaluate(prev State, in Input) (State, model.DemandSignal) {
	next := prev
	if next.Call == "" {
		next.Call = model.CallIdle
	}

	fresh := in.HasReading && in.Reading.Valid && in.Reading.Timestamp.After(prev.LastReadingAt)
	if fresh {
		next.LastReadingAt = in.Reading.Timestamp
		next.LastValue = in.Reading.Value
		next.HasValue = true
		next.MissedCycles = 0
		if prev.Call == model.CallStale {
			log.Info().Str("zone", in.Zone.ID).Float64("reading", in.Reading.Value).Msg("Fresh reading, zone leaves stale")
			next.Call = model.CallIdle
		}
	} else {
		next.MissedCycles = prev.MissedCycles + 1
	}

	signal := model.DemandSignal{
		ZoneID:   in.Zone.ID,
		Voting:   in.Zone.Voting,
		Setpoint: in.Setpoint,
		Reading:  next.LastValue,
	}

	if !fresh && (prev.Call == model.CallStale || next.MissedCycles >= in.StalenessCycles) {
		if prev.Call != model.CallStale {
			log.Warn().
				Str("zone", in.Zone.ID).
				Int("missed_cycles", next.MissedCycles).
				Err(model.ErrSensorStale).
				Msg("Zone sensor stale, dropping demand")
		}
		next.Call = model.CallStale
		signal.State = model.CallStale
		signal.Direction = model.DirectionNone
		signal.Stale = true
		return next, signal
	}

	if !in.Zone.Enabled || in.Zone.Mode == model.ZoneOff || !next.HasValue {
		next.Call = model.CallIdle
		signal.State = model.CallIdle
		signal.Direction = model.DirectionNone
		return next, signal
	}

	next.Call = transition(next.Call, in.Zone.Mode, next.LastValue, in.Setpoint, in.Deadband/2)
	if next.Call != prev.Call && prev.Call != model.CallStale {
		log.Debug().
			Str("zone", in.Zone.ID).
			Str("from", string(prev.Call)).
			Str("to", string(next.Call)).
			Float64("reading", next.LastValue).
			Float64("setpoint", in.Setpoint).
			Msg("Zone call state changed")
	}

	signal.State = next.Call
	signal.Direction = next.Call.Direction()
	signal.Magnitude = magnitude(next.Call, next.LastValue, in.Setpoint, in.Deadband/2, in.Band)
	return next, signal
}

// transition applies the deadband. A calling zone must pass its exit threshold before it
// can call the other way.
func transition(call model.CallState, mode model.ZoneMode, reading, setpoint, half float64) model.CallState {
	switch call {
	case model.CallingHeat:
		if !mode.CanHeat() || reading > setpoint+half {
			return model.CallIdle
		}
		return model.CallingHeat
	case model.CallingCool:
		if !mode.CanCool() || reading < setpoint-half {
			return model.CallIdle
		}
		return model.CallingCool
	}

	if mode.CanHeat() && reading < setpoint-half {
		return model.CallingHeat
	}
	if mode.CanCool() && reading > setpoint+half {
		return model.CallingCool
	}
	return model.CallIdle
}

// magnitude is the distance from the exit threshold, normalized by band and clamped to [0,1].
func magnitude(call model.CallState, reading, setpoint, half, band float64) float64 {
	if band <= 0 {
		band = 1
	}
	var d float64
	switch call {
	case model.CallingHeat:
		d = (setpoint + half - reading) / band
	case model.CallingCool:
		d = (reading - (setpoint - half)) / band
	default:
		return 0
	}
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
