package director

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/actuator"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/aggregator"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/dampercontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/unitdirector"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

const (
	stageZones      = "zones"
	stageAggregate  = "aggregate"
	stageUnits      = "units"
	stageDampers    = "dampers"
	stageDispatch   = "dispatch"
	stageCommit     = "commit"
	stagePublish    = "publish"
	phaseOpenFirst  = "A"
	phaseCloseAfter = "B"
)

// cycle is the working copy of one pass. Nothing in it reaches the director until commit.
type cycle struct {
	id    string
	now   time.Time
	stage string

	zoneStates map[string]zonecontroller.State
	setpoints  map[string]float64
	statuses   []model.ZoneStatus
	signals    []model.DemandSignal
	vectors    []model.DemandVector
	decisions  []unitdirector.Decision
	targets    []model.DamperState

	units   map[string]model.UnitState
	dampers map[string]model.DamperState

	// held marks units whose write failed this cycle.
	held        map[string]bool
	decisionIdx map[string]int
	targetIdx   map[string]int
}

// RunCycle executes one control cycle. A failure aborts the cycle before anything is
// committed; the previous state stays in force and the error is counted in snapshot health.
func (d *Director) RunCycle(ctx context.Context, now time.Time) (err error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	c := &cycle{id: d.deps.NewID(), now: now}
	defer func() {
		if r := recover(); r != nil {
			err = &model.CycleError{CycleID: c.id, Stage: c.stage, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			d.recordFailure(c, err)
		}
	}()

	c.stage = stageZones
	d.evaluateZones(c)

	c.stage = stageAggregate
	for _, u := range d.cfg.Units {
		st := d.units[u.ID]
		previous := st.Direction
		if !previous.Active() {
			previous = st.LastDirection
		}
		c.vectors = append(c.vectors, aggregator.Aggregate(u, c.signals, previous))
	}

	c.stage = stageUnits
	for i, u := range d.cfg.Units {
		c.decisions = append(c.decisions, unitdirector.Evaluate(u, d.units[u.ID], c.vectors[i], now))
	}

	c.stage = stageDampers
	for i, u := range d.cfg.Units {
		c.targets = append(c.targets, dampercontroller.Compute(u, c.decisions[i].State, c.vectors[i], d.cfg.Zones)...)
	}
	sort.Slice(c.targets, func(i, j int) bool { return c.targets[i].ZoneID < c.targets[j].ZoneID })

	c.stage = stageDispatch
	if err := d.dispatch(ctx, c); err != nil {
		return err
	}

	c.stage = stageCommit
	d.commit(c)

	c.stage = stagePublish
	snap := d.buildSnapshot(c.id, now, c.statuses, c.vectors)
	d.snapshot.Store(snap)
	d.publish(ctx, snap)
	return nil
}

func (d *Director) evaluateZones(c *cycle) {
	c.zoneStates = make(map[string]zonecontroller.State, len(d.cfg.Zones))
	c.setpoints = make(map[string]float64, len(d.cfg.Zones))

	for _, z := range d.cfg.Zones {
		setpoint, source, err := d.deps.Setpoints.EffectiveSetpoint(z, c.now)
		if err != nil {
			setpoint, source = z.DefaultSetpoint, model.SourceDefault
			if prev, ok := d.setpoints[z.ID]; ok {
				setpoint, source = prev, model.SourceRetained
			}
			log.Warn().
				Err(err).
				Str("zone", z.ID).
				Str("cycle_id", c.id).
				Float64("setpoint", setpoint).
				Msg("Schedule resolution failed, keeping previous setpoint")
		}
		c.setpoints[z.ID] = setpoint

		reading, ok := d.deps.Readings.Latest(z.ID)
		next, signal := zonecontroller.Evaluate(d.zoneStates[z.ID], zonecontroller.Input{
			Zone:            z,
			Reading:         reading,
			HasReading:      ok,
			Setpoint:        setpoint,
			Deadband:        d.cfg.Deadband,
			Band:            d.cfg.Band,
			StalenessCycles: d.cfg.StalenessCycles,
		})
		c.zoneStates[z.ID] = next
		c.signals = append(c.signals, signal)

		status := model.ZoneStatus{
			ZoneID:         z.ID,
			Label:          z.Label,
			Mode:           z.Mode,
			Enabled:        z.Enabled,
			Setpoint:       setpoint,
			SetpointSource: source,
			State:          next.Call,
			MissedCycles:   next.MissedCycles,
		}
		if ok {
			r := reading
			status.Reading = &r
		}
		c.statuses = append(c.statuses, status)
	}
}

// dispatch writes the cycle's commands in two phases so no unit runs against closed
// dampers: unit decreases and damper openings go first, then damper closings and unit
// increases. Per-device results land in c.units and c.dampers.
func (d *Director) dispatch(ctx context.Context, c *cycle) error {
	c.units = make(map[string]model.UnitState, len(c.decisions))
	c.dampers = make(map[string]model.DamperState, len(c.targets))
	c.held = make(map[string]bool)
	c.decisionIdx = make(map[string]int, len(c.decisions))
	c.targetIdx = make(map[string]int, len(c.targets))

	var phaseA, phaseB []actuator.Write
	for i, dec := range c.decisions {
		c.decisionIdx[dec.UnitID] = i
		w := actuator.UnitWrite(dec.UnitID, dec.Command)
		if dec.Command.Stage > d.units[dec.UnitID].Stage {
			phaseB = append(phaseB, w)
		} else {
			phaseA = append(phaseA, w)
		}
	}
	openedFirst := make(map[string]int)
	for i, t := range c.targets {
		c.targetIdx[t.ZoneID] = i
		w := actuator.DamperWrite(t.ZoneID, t.Target)
		prev, known := d.dampers[t.ZoneID]
		if (known && t.Target < prev.LastCommanded) || (!known && !t.Open()) {
			phaseB = append(phaseB, w)
		} else {
			phaseA = append(phaseA, w)
			openedFirst[t.ZoneID] = t.Target
		}
	}

	if err := d.checkpoint(ctx, c, phaseOpenFirst); err != nil {
		return err
	}
	d.collect(c, d.dispatcher.Dispatch(ctx, phaseA))

	phaseB = d.retarget(c, phaseB, openedFirst)
	if err := d.checkpoint(ctx, c, phaseCloseAfter); err != nil {
		return err
	}
	d.collect(c, d.dispatcher.Dispatch(ctx, phaseB))
	return nil
}

func (d *Director) checkpoint(ctx context.Context, c *cycle, phase string) error {
	if err := ctx.Err(); err != nil {
		c.stage = stageDispatch + " phase " + phase
		return &model.CycleError{CycleID: c.id, Stage: c.stage, Err: err}
	}
	return nil
}

// retarget recomputes the dampers of every unit whose phase A write failed. Such a unit is
// still running at its held stage, so its dampers follow that stage instead of the rejected
// command. The unit's planned closings are replaced by the recomputed targets.
func (d *Director) retarget(c *cycle, phaseB []actuator.Write, openedFirst map[string]int) []actuator.Write {
	if len(c.held) == 0 {
		return phaseB
	}
	for i, u := range d.cfg.Units {
		if !c.held[u.ID] {
			continue
		}
		held := c.units[u.ID]
		planned := c.decisions[i].State
		if held.Stage == planned.Stage && held.Direction == planned.Direction {
			continue
		}

		served := make(map[string]bool, len(u.Zones))
		for _, id := range u.Zones {
			served[id] = true
		}
		kept := make([]actuator.Write, 0, len(phaseB))
		for _, w := range phaseB {
			if w.Kind == model.DeviceDamper && served[w.Device] {
				continue
			}
			kept = append(kept, w)
		}
		phaseB = kept

		for _, t := range dampercontroller.Compute(u, held, c.vectors[i], d.cfg.Zones) {
			if idx, ok := c.targetIdx[t.ZoneID]; ok {
				c.targets[idx] = t
			}
			if pos, ok := openedFirst[t.ZoneID]; ok && pos == t.Target {
				continue
			}
			phaseB = append(phaseB, actuator.DamperWrite(t.ZoneID, t.Target))
		}
		log.Warn().
			Str("unit", u.ID).
			Str("cycle_id", c.id).
			Int("stage", held.Stage).
			Str("direction", string(held.Direction)).
			Msg("Unit kept its stage, dampers follow the held stage")
	}
	return phaseB
}

func (d *Director) collect(c *cycle, results []actuator.Result) {
	for _, res := range results {
		switch res.Kind {
		case model.DeviceUnit:
			dec := c.decisions[c.decisionIdx[res.Device]]
			if res.Err == nil {
				c.units[res.Device] = unitdirector.Confirm(dec, c.now)
				continue
			}
			held := d.units[res.Device]
			held.Pending = dec.Pending
			c.units[res.Device] = unitdirector.Fail(held, c.now, d.cfg.FailureThreshold)
			c.held[res.Device] = true
		case model.DeviceDamper:
			t := c.targets[c.targetIdx[res.Device]]
			prev := d.dampers[res.Device]
			if cur, ok := c.dampers[res.Device]; ok && !cur.Degraded {
				prev.LastCommanded = cur.LastCommanded
			}
			if res.Err == nil {
				t.LastCommanded = t.Target
				c.dampers[res.Device] = t
				continue
			}
			t.LastCommanded = prev.LastCommanded
			t.Degraded = true
			t.ConsecutiveFailures = prev.ConsecutiveFailures + 1
			threshold := d.cfg.FailureThreshold
			t.Fatal = threshold > 0 && t.ConsecutiveFailures >= threshold
			c.dampers[res.Device] = t
			ev := log.Warn()
			if t.Fatal && !prev.Fatal {
				ev = log.Error()
			}
			ev.Err(res.Err).
				Str("zone", res.Device).
				Str("cycle_id", c.id).
				Int("failures", t.ConsecutiveFailures).
				Bool("fatal", t.Fatal).
				Msg("Damper degraded")
		}
	}
}

func (d *Director) commit(c *cycle) {
	changed := false
	for id, st := range c.units {
		prev := d.units[id]
		if st.Stage != prev.Stage || st.Direction != prev.Direction {
			changed = true
		}
		d.units[id] = st
	}
	for id, ds := range c.dampers {
		d.dampers[id] = ds
	}
	d.zoneStates = c.zoneStates
	d.setpoints = c.setpoints

	if changed {
		if err := d.persistUnits(); err != nil {
			log.Warn().Err(err).Str("cycle_id", c.id).Msg("Failed to persist unit transitions")
		}
	}
}

func (d *Director) publish(ctx context.Context, snap *model.Snapshot) {
	if d.deps.Telemetry == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.CyclePeriod)
	defer cancel()
	if err := d.deps.Telemetry.Publish(pubCtx, snap); err != nil {
		log.Warn().Err(err).Str("cycle_id", snap.CycleID).Msg("Snapshot publish incomplete")
	}
}

// recordFailure counts an aborted cycle and republishes the last snapshot with updated health.
func (d *Director) recordFailure(c *cycle, err error) {
	d.cycleErrors++
	d.lastCycleError = err.Error()
	log.Error().
		Err(err).
		Str("cycle_id", c.id).
		Str("stage", c.stage).
		Int("cycle_errors", d.cycleErrors).
		Msg("Cycle aborted, state not committed")

	snap := &model.Snapshot{CycleID: c.id, CycleAt: c.now}
	if prev := d.snapshot.Load(); prev != nil {
		cp := *prev
		snap = &cp
	}
	snap.Health = d.health(snap.Zones)
	d.snapshot.Store(snap)
}

// buildSnapshot assembles a fresh snapshot from committed state. The slices are new so
// nothing shared with the director can change after publication.
func (d *Director) buildSnapshot(cycleID string, now time.Time, zones []model.ZoneStatus, vectors []model.DemandVector) *model.Snapshot {
	snap := &model.Snapshot{
		CycleID: cycleID,
		CycleAt: now,
		Zones:   append([]model.ZoneStatus(nil), zones...),
		Vectors: append([]model.DemandVector(nil), vectors...),
	}
	for _, u := range d.cfg.Units {
		st := d.units[u.ID]
		if st.Pending != nil {
			p := *st.Pending
			st.Pending = &p
		}
		snap.Units = append(snap.Units, st)
	}
	for _, z := range d.cfg.Zones {
		if ds, ok := d.dampers[z.ID]; ok {
			snap.Dampers = append(snap.Dampers, ds)
		}
	}
	snap.Health = d.health(snap.Zones)
	return snap
}

func (d *Director) health(zones []model.ZoneStatus) model.Health {
	h := model.Health{
		CycleErrors:    d.cycleErrors,
		LastCycleError: d.lastCycleError,
		ConfigWarnings: append([]string(nil), d.cfg.Warnings...),
	}
	for _, u := range d.cfg.Units {
		st := d.units[u.ID]
		if st.Degraded {
			h.DegradedUnits = append(h.DegradedUnits, u.ID)
		}
		if st.Fatal {
			h.FatalUnits = append(h.FatalUnits, u.ID)
			h.Fatal = true
		}
	}
	for _, z := range d.cfg.Zones {
		ds, ok := d.dampers[z.ID]
		if !ok {
			continue
		}
		if ds.Degraded {
			h.DegradedDampers = append(h.DegradedDampers, z.ID)
		}
		if ds.Fatal {
			h.FatalDampers = append(h.FatalDampers, z.ID)
			h.Fatal = true
		}
	}
	for _, z := range zones {
		if z.State == model.CallStale {
			h.StaleZones = append(h.StaleZones, z.ZoneID)
		}
	}
	return h
}
