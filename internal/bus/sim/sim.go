package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/bus"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Bus is an in-memory field bus for dry runs and tests. Devices only count as moved when
// their position actually changes.
type Bus struct {
	name string

	mu       sync.Mutex
	sensors  map[string]string
	sink     bus.ReadingSink
	dampers  map[string]int
	units    map[string]model.UnitCommand
	moves    int
	log      []string
	failures map[string]error
	hung     map[string]bool
}

func New(name string, zones []model.Zone) *Bus {
	return &Bus{
		name:     name,
		sensors:  bus.SensorMap(name, zones),
		dampers:  make(map[string]int),
		units:    make(map[string]model.UnitCommand),
		failures: make(map[string]error),
		hung:     make(map[string]bool),
	}
}

func (b *Bus) Name() string { return b.name }

func (b *Bus) Start(_ context.Context, sink bus.ReadingSink) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()
	log.Info().Str("bus", b.name).Int("sensors", len(b.sensors)).Msg("Simulated bus ready")
	return nil
}

// Inject delivers a reading from sensorID as if it came off the wire.
func (b *Bus) Inject(sensorID string, value float64, ts time.Time) error {
	b.mu.Lock()
	sink := b.sink
	zoneID, ok := b.sensors[sensorID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus %s has no sensor %s", b.name, sensorID)
	}
	if sink == nil {
		return fmt.Errorf("bus %s not started", b.name)
	}
	sink.ReportReading(zoneID, value, ts)
	return nil
}

func (b *Bus) SetDamperPosition(ctx context.Context, zoneID string, position int) error {
	if err := b.fault(ctx, zoneID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.dampers[zoneID]; !ok || cur != position {
		b.moves++
		b.log = append(b.log, fmt.Sprintf("damper %s %d", zoneID, position))
	}
	b.dampers[zoneID] = position
	return nil
}

func (b *Bus) SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error {
	if err := b.fault(ctx, unitID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.units[unitID]; !ok || cur != cmd {
		b.moves++
		b.log = append(b.log, fmt.Sprintf("unit %s %d %s", unitID, cmd.Stage, cmd.Direction))
	}
	b.units[unitID] = cmd
	return nil
}

func (b *Bus) fault(ctx context.Context, device string) error {
	b.mu.Lock()
	hung, err := b.hung[device], b.failures[device]
	b.mu.Unlock()
	if hung {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (b *Bus) Close() error { return nil }

// Fail makes every write to device return err until cleared with a nil err.
func (b *Bus) Fail(device string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, device)
		return
	}
	b.failures[device] = err
}

// Hang makes writes to device block until their context ends.
func (b *Bus) Hang(device string, hung bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hung[device] = hung
}

func (b *Bus) Damper(zoneID string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.dampers[zoneID]
	return p, ok
}

func (b *Bus) Unit(unitID string) (model.UnitCommand, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.units[unitID]
	return c, ok
}

// Moves counts physical position changes.
func (b *Bus) Moves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moves
}

// Log returns the physical moves in the order they happened.
func (b *Bus) Log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *Bus) ResetLog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}
