package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// ReadingSink receives sensor readings from an adapter.
type ReadingSink interface {
	ReportReading(zoneID string, value float64, ts time.Time)
}

// Adapter is one field bus. It reads the sensors and drives the actuators wired to it.
type Adapter interface {
	Name() string
	Start(ctx context.Context, sink ReadingSink) error
	SetDamperPosition(ctx context.Context, zoneID string, position int) error
	SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error
	Close() error
}

// Router sends each device write to the bus the device is wired to.
type Router struct {
	adapters  map[string]Adapter
	damperBus map[string]string
	unitBus   map[string]string
}

func NewRouter(zones []model.Zone, units []model.Unit, adapters ...Adapter) (*Router, error) {
	r := &Router{
		adapters:  make(map[string]Adapter, len(adapters)),
		damperBus: make(map[string]string, len(zones)),
		unitBus:   make(map[string]string, len(units)),
	}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			return nil, fmt.Errorf("%w: duplicate bus %s", model.ErrInvalidTopology, a.Name())
		}
		r.adapters[a.Name()] = a
	}
	for _, z := range zones {
		if _, ok := r.adapters[z.DamperBus]; !ok {
			return nil, fmt.Errorf("%w: zone %s damper on unknown bus %q", model.ErrInvalidTopology, z.ID, z.DamperBus)
		}
		r.damperBus[z.ID] = z.DamperBus
	}
	for _, u := range units {
		if _, ok := r.adapters[u.Bus]; !ok {
			return nil, fmt.Errorf("%w: unit %s on unknown bus %q", model.ErrInvalidTopology, u.ID, u.Bus)
		}
		r.unitBus[u.ID] = u.Bus
	}
	return r, nil
}

// Start starts every adapter, stopping at the first failure.
func (r *Router) Start(ctx context.Context, sink ReadingSink) error {
	for _, name := range r.names() {
		if err := r.adapters[name].Start(ctx, sink); err != nil {
			return fmt.Errorf("start bus %s: %w", name, err)
		}
		log.Info().Str("bus", name).Msg("Bus started")
	}
	return nil
}

func (r *Router) SetDamperPosition(ctx context.Context, zoneID string, position int) error {
	name, ok := r.damperBus[zoneID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownZone, zoneID)
	}
	return r.adapters[name].SetDamperPosition(ctx, zoneID, position)
}

func (r *Router) SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error {
	name, ok := r.unitBus[unitID]
	if !ok {
		return fmt.Errorf("unknown unit %s", unitID)
	}
	return r.adapters[name].SetUnitStage(ctx, unitID, cmd)
}

func (r *Router) Close() error {
	var errs []error
	for _, name := range r.names() {
		if err := r.adapters[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SensorMap returns sensor id to zone id for the zones whose sensors sit on bus.
func SensorMap(bus string, zones []model.Zone) map[string]string {
	out := make(map[string]string)
	for _, z := range zones {
		if z.SensorBus == bus {
			out[z.SensorID] = z.ID
		}
	}
	return out
}
