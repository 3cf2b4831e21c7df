package director

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/actuator"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/dampercontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/unitdirector"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/telemetry"
)

var ErrStopped = errors.New("director stopped")

// Config is the immutable topology and tuning the director runs with.
type Config struct {
	Zones []model.Zone
	Units []model.Unit

	CyclePeriod       time.Duration
	Deadband          float64
	Band              float64
	StalenessCycles   int
	WriteTimeout      time.Duration
	MaxParallelWrites int
	FailureThreshold  int
	ParkPosition      int

	// Warnings are configuration conflicts found at load, carried into every snapshot.
	Warnings []string
}

type Readings interface {
	ReportReading(zoneID string, value float64, ts time.Time)
	Latest(zoneID string) (model.Reading, bool)
}

type Setpoints interface {
	EffectiveSetpoint(zone model.Zone, now time.Time) (float64, model.SetpointSource, error)
}

type Overrides interface {
	SetOverride(zoneID string, setpoint float64, expiry *time.Time) error
	ClearOverride(zoneID string) error
	List(now time.Time) []model.Override
}

// Transitions persists unit transition history so protection timers survive a restart.
type Transitions interface {
	SaveUnitStates(states []model.UnitState) error
}

type Deps struct {
	Actuator  actuator.Actuator
	Readings  Readings
	Setpoints Setpoints
	Overrides Overrides

	// Optional.
	Telemetry   telemetry.Sink
	Transitions Transitions
	Restored    map[string]model.UnitState
	Clock       func() time.Time
	NewID       func() string
}

type Director struct {
	cfg        Config
	deps       Deps
	dispatcher *actuator.Dispatcher
	zones      map[string]model.Zone

	// cycleMu serialises cycles and guards everything below it.
	cycleMu        sync.Mutex
	zoneStates     map[string]zonecontroller.State
	setpoints      map[string]float64
	units          map[string]model.UnitState
	dampers        map[string]model.DamperState
	cycleErrors    int
	lastCycleError string
	stopped        bool

	snapshot atomic.Pointer[model.Snapshot]
}

func New(cfg Config, deps Deps) (*Director, error) {
	if deps.Actuator == nil || deps.Readings == nil || deps.Setpoints == nil {
		return nil, errors.New("director needs an actuator, a reading store and a setpoint resolver")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.StalenessCycles <= 0 {
		cfg.StalenessCycles = 3
	}
	if cfg.Band <= 0 {
		cfg.Band = 2
	}

	d := &Director{
		cfg:        cfg,
		deps:       deps,
		dispatcher: actuator.NewDispatcher(deps.Actuator, cfg.WriteTimeout, cfg.MaxParallelWrites),
		zones:      make(map[string]model.Zone, len(cfg.Zones)),
		zoneStates: make(map[string]zonecontroller.State, len(cfg.Zones)),
		setpoints:  make(map[string]float64, len(cfg.Zones)),
		units:      make(map[string]model.UnitState, len(cfg.Units)),
		dampers:    make(map[string]model.DamperState, len(cfg.Zones)),
	}
	d.cfg.Zones = append([]model.Zone(nil), cfg.Zones...)
	d.cfg.Units = append([]model.Unit(nil), cfg.Units...)
	sort.Slice(d.cfg.Zones, func(i, j int) bool { return d.cfg.Zones[i].ID < d.cfg.Zones[j].ID })
	sort.Slice(d.cfg.Units, func(i, j int) bool { return d.cfg.Units[i].ID < d.cfg.Units[j].ID })

	for _, z := range d.cfg.Zones {
		if _, dup := d.zones[z.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate zone %s", model.ErrInvalidTopology, z.ID)
		}
		d.zones[z.ID] = z
	}

	now := deps.Clock()
	for _, u := range d.cfg.Units {
		for _, id := range u.Zones {
			if _, ok := d.zones[id]; !ok {
				return nil, fmt.Errorf("%w: unit %s serves unknown zone %s", model.ErrInvalidTopology, u.ID, id)
			}
		}
		st, ok := deps.Restored[u.ID]
		if !ok {
			d.units[u.ID] = unitdirector.Initial(u.ID, now)
			continue
		}
		st.UnitID = u.ID
		st.Pending = nil
		st.Degraded, st.Fatal, st.ConsecutiveFailures = false, false, 0
		if st.Stage > u.Stages {
			st.Stage = u.Stages
		}
		if st.Stage == 0 {
			st.Direction = model.DirectionNone
		}
		log.Info().
			Str("unit", u.ID).
			Int("stage", st.Stage).
			Time("last_on", st.LastOn).
			Time("last_off", st.LastOff).
			Msg("Restored unit transition history")
		d.units[u.ID] = st
	}
	return d, nil
}

// Run drives cycles from a ticker until ctx is cancelled. Cycles never overlap; a tick that
// fires during a cycle is handled once the cycle is done.
func (d *Director) Run(ctx context.Context) error {
	log.Info().
		Dur("period", d.cfg.CyclePeriod).
		Int("zones", len(d.cfg.Zones)).
		Int("units", len(d.cfg.Units)).
		Msg("Starting director loop")

	cycleCtx := context.WithoutCancel(ctx)
	run := func() {
		if err := d.RunCycle(cycleCtx, d.deps.Clock()); err != nil && !errors.Is(err, ErrStopped) {
			log.Error().Err(err).Msg("Control cycle failed")
		}
	}

	run()
	ticker := time.NewTicker(d.cfg.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Director loop stopped")
			return nil
		case <-ticker.C:
			run()
		}
	}
}

// ReportReading hands a sensor value to the reading store. Unknown zones are dropped.
func (d *Director) ReportReading(zoneID string, value float64, ts time.Time) {
	if _, ok := d.zones[zoneID]; !ok {
		log.Warn().Str("zone", zoneID).Msg("Reading for unknown zone dropped")
		return
	}
	d.deps.Readings.ReportReading(zoneID, value, ts)
}

func (d *Director) SetOverride(zoneID string, setpoint float64, expiry *time.Time) error {
	if d.deps.Overrides == nil {
		return errors.New("overrides not configured")
	}
	return d.deps.Overrides.SetOverride(zoneID, setpoint, expiry)
}

func (d *Director) ClearOverride(zoneID string) error {
	if d.deps.Overrides == nil {
		return errors.New("overrides not configured")
	}
	return d.deps.Overrides.ClearOverride(zoneID)
}

func (d *Director) Overrides() []model.Override {
	if d.deps.Overrides == nil {
		return nil
	}
	return d.deps.Overrides.List(d.deps.Clock())
}

// Snapshot returns the last published snapshot, or nil before the first cycle. Callers must
// not modify it.
func (d *Director) Snapshot() *model.Snapshot {
	return d.snapshot.Load()
}

// Shutdown waits for the in-flight cycle, turns every unit off and parks every damper.
// Minimum on times are not honoured here.
func (d *Director) Shutdown(ctx context.Context) error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true
	now := d.deps.Clock()
	log.Info().Msg("Director shutting down, stopping units and parking dampers")

	// Fresh breakers so an open circuit does not skip the safe-off writes.
	dispatcher := actuator.NewDispatcher(d.deps.Actuator, d.cfg.WriteTimeout, d.cfg.MaxParallelWrites)
	var errs []error

	var unitWrites []actuator.Write
	for _, u := range d.cfg.Units {
		unitWrites = append(unitWrites, actuator.UnitWrite(u.ID, unitdirector.SafeOff()))
	}
	for _, res := range dispatcher.Dispatch(ctx, unitWrites) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		d.units[res.Device] = unitdirector.Stopped(d.units[res.Device], now)
	}

	var damperWrites []actuator.Write
	for _, ds := range dampercontroller.Park(d.cfg.Zones, d.cfg.ParkPosition) {
		damperWrites = append(damperWrites, actuator.DamperWrite(ds.ZoneID, ds.Target))
	}
	for _, res := range dispatcher.Dispatch(ctx, damperWrites) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		prev := d.dampers[res.Device]
		d.dampers[res.Device] = model.DamperState{ZoneID: res.Device, Target: res.Position, LastCommanded: res.Position, ConsecutiveFailures: prev.ConsecutiveFailures}
	}

	if err := d.persistUnits(); err != nil {
		errs = append(errs, err)
	}

	final := d.buildSnapshot(d.deps.NewID(), now, d.lastZoneStatuses(), nil)
	d.snapshot.Store(final)
	if d.deps.Telemetry != nil {
		if err := d.deps.Telemetry.Publish(ctx, final); err != nil {
			log.Warn().Err(err).Msg("Final snapshot publish failed")
		}
		errs = append(errs, d.deps.Telemetry.Close())
	}
	if c, ok := d.deps.Actuator.(io.Closer); ok {
		errs = append(errs, c.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
	} else {
		log.Info().Msg("Shutdown complete")
	}
	return err
}

func (d *Director) persistUnits() error {
	if d.deps.Transitions == nil {
		return nil
	}
	states := make([]model.UnitState, 0, len(d.cfg.Units))
	for _, u := range d.cfg.Units {
		states = append(states, d.units[u.ID])
	}
	if err := d.deps.Transitions.SaveUnitStates(states); err != nil {
		return fmt.Errorf("persist unit transitions: %w", err)
	}
	return nil
}

// lastZoneStatuses reuses the zone section of the last snapshot.
func (d *Director) lastZoneStatuses() []model.ZoneStatus {
	if prev := d.snapshot.Load(); prev != nil {
		return prev.Zones
	}
	return nil
}
