package onewire

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/bus"
	"github.com/thatsimonsguy/hvac-director/internal/config"
	"github.com/thatsimonsguy/hvac-director/internal/device"
	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

const defaultSensorBase = "/sys/bus/w1/devices"

// Bus polls 1-Wire temperature sensors and switches dampers and unit stages through GPIO relays.
type Bus struct {
	name       string
	sensorBase string
	poll       time.Duration
	sensors    map[string]string
	dampers    map[string]*device.Damper
	units      map[string]*device.StagedUnit

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New maps the devices wired to this bus onto their relay pins.
func New(cfg config.BusConfig, zones []model.Zone, units []model.Unit) (*Bus, error) {
	b := &Bus{
		name:       cfg.Name,
		sensorBase: cfg.SensorBase,
		poll:       time.Duration(cfg.PollIntervalSeconds) * time.Second,
		sensors:    bus.SensorMap(cfg.Name, zones),
		dampers:    make(map[string]*device.Damper),
		units:      make(map[string]*device.StagedUnit),
	}
	if b.sensorBase == "" {
		b.sensorBase = defaultSensorBase
	}
	if b.poll <= 0 {
		b.poll = time.Second
	}
	gpio.SetSafeMode(cfg.SafeMode)

	for _, z := range zones {
		if z.DamperBus != cfg.Name {
			continue
		}
		pin, ok := cfg.DamperPins[z.ID]
		if !ok {
			return nil, fmt.Errorf("%w: bus %s has no damper pin for zone %s", model.ErrInvalidTopology, cfg.Name, z.ID)
		}
		b.dampers[z.ID] = &device.Damper{ZoneID: z.ID, Relay: device.NewRelay(z.ID+".damper", pin)}
	}

	for _, u := range units {
		if u.Bus != cfg.Name {
			continue
		}
		pins, ok := cfg.UnitPins[u.ID]
		if !ok || len(pins.Stages) != u.Stages {
			return nil, fmt.Errorf("%w: bus %s needs %d stage pins for unit %s", model.ErrInvalidTopology, cfg.Name, u.Stages, u.ID)
		}
		if u.Capability == model.CapabilityBoth && pins.ModePin == nil {
			return nil, fmt.Errorf("%w: unit %s heats and cools but has no mode pin", model.ErrInvalidTopology, u.ID)
		}
		su := &device.StagedUnit{UnitID: u.ID}
		for i, pin := range pins.Stages {
			su.Stages = append(su.Stages, device.NewRelay(fmt.Sprintf("%s.stage%d", u.ID, i+1), pin))
		}
		if pins.ModePin != nil {
			su.Mode = device.NewRelay(u.ID+".mode", *pins.ModePin)
		}
		b.units[u.ID] = su
	}
	return b, nil
}

func (b *Bus) Name() string { return b.name }

// Start polls every mapped sensor once per poll interval until Close.
func (b *Bus) Start(ctx context.Context, sink bus.ReadingSink) error {
	ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.poll)
		defer ticker.Stop()
		for {
			b.pollOnce(sink)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (b *Bus) pollOnce(sink bus.ReadingSink) {
	for sensorID, zoneID := range b.sensors {
		temp, err := gpio.ReadSensorTemp(filepath.Join(b.sensorBase, sensorID))
		if err != nil {
			log.Warn().Err(err).Str("bus", b.name).Str("zone", zoneID).Msg("Sensor read failed")
			continue
		}
		sink.ReportReading(zoneID, temp, time.Now())
	}
}

func (b *Bus) SetDamperPosition(ctx context.Context, zoneID string, position int) error {
	d, ok := b.dampers[zoneID]
	if !ok {
		return fmt.Errorf("%w: no damper for %s on bus %s", model.ErrUnknownZone, zoneID, b.name)
	}
	return d.SetPosition(ctx, position)
}

func (b *Bus) SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error {
	u, ok := b.units[unitID]
	if !ok {
		return fmt.Errorf("no unit %s on bus %s", unitID, b.name)
	}
	return u.Apply(ctx, cmd)
}

func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	return nil
}

// Relays lists every relay on the bus in a stable order.
func (b *Bus) Relays() []*device.Relay {
	var out []*device.Relay
	for _, id := range sortedKeys(b.dampers) {
		out = append(out, b.dampers[id].Relay)
	}
	for _, id := range sortedKeys(b.units) {
		out = append(out, b.units[id].Relays()...)
	}
	return out
}

// StartupChecks expects every relay off before the first cycle.
func (b *Bus) StartupChecks() []gpio.PinCheck {
	var checks []gpio.PinCheck
	for _, r := range b.Relays() {
		checks = append(checks, gpio.PinCheck{Name: r.Name, Pin: r.Pin, ShouldBeOn: false})
	}
	return checks
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
