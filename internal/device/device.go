package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Relay is one GPIO driven output. Setting it to the state it already holds does not touch the pin.
type Relay struct {
	Name string
	Pin  model.GPIOPin

	mu          sync.Mutex
	active      bool
	known       bool
	lastChanged time.Time
}

func NewRelay(name string, pin model.GPIOPin) *Relay {
	return &Relay{Name: name, Pin: pin}
}

// Set drives the relay and reports whether the pin actually changed.
func (r *Relay) Set(ctx context.Context, on bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known && r.active == on {
		return false, nil
	}

	var err error
	if on {
		log.Debug().Str("device", r.Name).Int("pin", r.Pin.Number).Msg("Activating relay")
		err = gpio.Activate(ctx, r.Pin)
	} else {
		log.Debug().Str("device", r.Name).Int("pin", r.Pin.Number).Msg("Deactivating relay")
		err = gpio.Deactivate(ctx, r.Pin)
	}
	if err != nil {
		r.known = false
		return false, fmt.Errorf("relay %s: %w", r.Name, err)
	}
	r.active = on
	r.known = true
	r.lastChanged = time.Now()
	return true, nil
}

func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known && r.active
}

// Is reports whether the relay is known to be in state on.
func (r *Relay) Is(on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known && r.active == on
}

func (r *Relay) LastChanged() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChanged
}

// Damper is a two-position zone damper on a relay. Any position above closed opens it.
type Damper struct {
	ZoneID string
	Relay  *Relay
}

func (d *Damper) SetPosition(ctx context.Context, position int) error {
	changed, err := d.Relay.Set(ctx, position > model.DamperClosed)
	if err != nil {
		return err
	}
	if changed {
		log.Info().Str("zone", d.ZoneID).Int("position", position).Msg("Damper moved")
	}
	return nil
}

// StagedUnit drives a unit's stage relays and its heat/cool changeover (reversing valve) relay.
type StagedUnit struct {
	UnitID string
	Stages []*Relay
	Mode   *Relay // energized for cooling, nil for single-capability units
}

// Apply moves the relays to cmd. Stages drop top-down, the mode relay only moves with all
// stages off, then stages rise bottom-up.
func (u *StagedUnit) Apply(ctx context.Context, cmd model.UnitCommand) error {
	if cmd.Stage < 0 || cmd.Stage > len(u.Stages) {
		return fmt.Errorf("unit %s: stage %d out of range [0, %d]", u.UnitID, cmd.Stage, len(u.Stages))
	}

	modeChange := u.Mode != nil && cmd.Stage > 0 && !u.Mode.Is(cmd.Direction == model.DirectionCool)
	keep := cmd.Stage
	if modeChange {
		keep = 0
	}
	for i := len(u.Stages) - 1; i >= keep; i-- {
		if _, err := u.Stages[i].Set(ctx, false); err != nil {
			return err
		}
	}

	if modeChange {
		if _, err := u.Mode.Set(ctx, cmd.Direction == model.DirectionCool); err != nil {
			return err
		}
	}

	for i := 0; i < cmd.Stage; i++ {
		changed, err := u.Stages[i].Set(ctx, true)
		if err != nil {
			return err
		}
		if changed {
			log.Info().Str("unit", u.UnitID).Int("stage", i+1).Str("direction", string(cmd.Direction)).Msg("Unit stage energized")
		}
	}
	return nil
}

// Relays returns every relay of the unit, stages first.
func (u *StagedUnit) Relays() []*Relay {
	out := append([]*Relay(nil), u.Stages...)
	if u.Mode != nil {
		out = append(out, u.Mode)
	}
	return out
}
