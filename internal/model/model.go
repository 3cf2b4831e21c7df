package model

import "time"

type ZoneMode string

const (
	ZoneHeat ZoneMode = "heat"
	ZoneCool ZoneMode = "cool"
	ZoneAuto ZoneMode = "auto"
	ZoneOff  ZoneMode = "off"
)

// CanHeat reports whether a zone in this mode may call for heat.
func (m ZoneMode) CanHeat() bool { return m == ZoneHeat || m == ZoneAuto }

// CanCool reports whether a zone in this mode may call for cooling.
func (m ZoneMode) CanCool() bool { return m == ZoneCool || m == ZoneAuto }

type Direction string

const (
	DirectionNone Direction = "none"
	DirectionHeat Direction = "heat"
	DirectionCool Direction = "cool"
)

// Opposite returns the other active direction, or none.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionHeat:
		return DirectionCool
	case DirectionCool:
		return DirectionHeat
	default:
		return DirectionNone
	}
}

// Active reports whether the direction is heat or cool.
func (d Direction) Active() bool {
	return d == DirectionHeat || d == DirectionCool
}

type CallState string

const (
	CallIdle    CallState = "idle"
	CallingHeat CallState = "calling_heat"
	CallingCool CallState = "calling_cool"
	CallStale   CallState = "stale"
)

// Direction maps a call state to the direction it asks for.
func (c CallState) Direction() Direction {
	switch c {
	case CallingHeat:
		return DirectionHeat
	case CallingCool:
		return DirectionCool
	default:
		return DirectionNone
	}
}

type Capability string

const (
	CapabilityHeat Capability = "heat"
	CapabilityCool Capability = "cool"
	CapabilityBoth Capability = "both"
)

// Serves reports whether equipment with this capability can run in direction d.
func (c Capability) Serves(d Direction) bool {
	switch d {
	case DirectionHeat:
		return c == CapabilityHeat || c == CapabilityBoth
	case DirectionCool:
		return c == CapabilityCool || c == CapabilityBoth
	default:
		return false
	}
}

type Zone struct {
	ID              string   `json:"id" validate:"required"`
	Label           string   `json:"label"`
	DefaultSetpoint float64  `json:"default_setpoint"`
	Mode            ZoneMode `json:"mode" validate:"required,oneof=heat cool auto off"`
	Enabled         bool     `json:"enabled"`
	Voting          bool     `json:"voting"`
	Hold            bool     `json:"hold"`
	DumpPriority    int      `json:"dump_priority"`
	SensorID        string   `json:"sensor_id"`
	SensorBus       string   `json:"sensor_bus"`
	UnitID          string   `json:"unit_id" validate:"required"`
	DamperBus       string   `json:"damper_bus"`
}

type Reading struct {
	ZoneID    string    `json:"zone_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

type SetpointSource string

const (
	SourceOverride SetpointSource = "override"
	SourcePeriod   SetpointSource = "period"
	SourceDefault  SetpointSource = "default"
	SourceRetained SetpointSource = "retained"
)

type Override struct {
	ZoneID    string     `json:"zone_id"`
	Setpoint  float64    `json:"setpoint"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether a time-bounded override has run out at now.
func (o Override) Expired(now time.Time) bool {
	return o.Expiry != nil && !now.Before(*o.Expiry)
}

type DemandSignal struct {
	ZoneID    string    `json:"zone_id"`
	State     CallState `json:"state"`
	Direction Direction `json:"direction"`
	Magnitude float64   `json:"magnitude"`
	Stale     bool      `json:"stale"`
	Voting    bool      `json:"voting"`
	Reading   float64   `json:"reading"`
	Setpoint  float64   `json:"setpoint"`
}

type DemandVector struct {
	UnitID    string         `json:"unit_id"`
	Signals   []DemandSignal `json:"signals"`
	Conflict  bool           `json:"conflict"`
	Direction Direction      `json:"direction"`
	Magnitude float64        `json:"magnitude"`
	Losers    []string       `json:"losers,omitempty"`
	Unserved  []string       `json:"unserved,omitempty"`
}

// Signal returns the signal for zoneID, if the vector carries one.
func (v DemandVector) Signal(zoneID string) (DemandSignal, bool) {
	for _, s := range v.Signals {
		if s.ZoneID == zoneID {
			return s, true
		}
	}
	return DemandSignal{}, false
}

type StageThreshold struct {
	Upper float64 `json:"upper" validate:"gte=0,lte=1"`
	Lower float64 `json:"lower" validate:"gte=0,lte=1"`
}

type Unit struct {
	ID              string           `json:"id" validate:"required"`
	Label           string           `json:"label"`
	Capability      Capability       `json:"capability" validate:"required,oneof=heat cool both"`
	Stages          int              `json:"stages"`
	StageThresholds []StageThreshold `json:"stage_thresholds"`
	MinOn           time.Duration    `json:"-"`
	MinOff          time.Duration    `json:"-"`
	Changeover      time.Duration    `json:"-"`
	StageUpDelay    time.Duration    `json:"-"`
	StageDownDelay  time.Duration    `json:"-"`
	Zones           []string         `json:"zones"`
	Bus             string           `json:"bus"`
}

// ServesZone reports whether zoneID is in the unit's zone list.
func (u Unit) ServesZone(zoneID string) bool {
	for _, id := range u.Zones {
		if id == zoneID {
			return true
		}
	}
	return false
}

type UnitCommand struct {
	Stage     int       `json:"stage"`
	Direction Direction `json:"direction"`
}

type PendingTransition struct {
	Target    int       `json:"target"`
	Direction Direction `json:"direction"`
	Since     time.Time `json:"since"`
	Deferred  bool      `json:"deferred"`
	Reason    string    `json:"reason"`
}

type UnitState struct {
	UnitID              string             `json:"unit_id"`
	Stage               int                `json:"stage"`
	Direction           Direction          `json:"direction"`
	LastDirection       Direction          `json:"last_direction"`
	LastOn              time.Time          `json:"last_on"`
	LastOff             time.Time          `json:"last_off"`
	LastTransition      time.Time          `json:"last_transition"`
	Pending             *PendingTransition `json:"pending,omitempty"`
	Degraded            bool               `json:"degraded"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Fatal               bool               `json:"fatal"`
}

// Command returns the actuator command matching the state.
func (s UnitState) Command() UnitCommand {
	return UnitCommand{Stage: s.Stage, Direction: s.Direction}
}

const (
	DamperClosed = 0
	DamperOpen   = 100
)

type DamperState struct {
	ZoneID              string `json:"zone_id"`
	Target              int    `json:"target"`
	LastCommanded       int    `json:"last_commanded"`
	Forced              bool   `json:"forced"`
	Degraded            bool   `json:"degraded"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Fatal               bool   `json:"fatal"`
}

// Open reports whether the target lets air through.
func (d DamperState) Open() bool { return d.Target > DamperClosed }

type ZoneStatus struct {
	ZoneID         string         `json:"zone_id"`
	Label          string         `json:"label"`
	Mode           ZoneMode       `json:"mode"`
	Enabled        bool           `json:"enabled"`
	Setpoint       float64        `json:"setpoint"`
	SetpointSource SetpointSource `json:"setpoint_source"`
	Reading        *Reading       `json:"reading,omitempty"`
	State          CallState      `json:"state"`
	MissedCycles   int            `json:"missed_cycles"`
}

type Health struct {
	CycleErrors     int      `json:"cycle_errors"`
	LastCycleError  string   `json:"last_cycle_error,omitempty"`
	Fatal           bool     `json:"fatal"`
	DegradedUnits   []string `json:"degraded_units,omitempty"`
	FatalUnits      []string `json:"fatal_units,omitempty"`
	DegradedDampers []string `json:"degraded_dampers,omitempty"`
	FatalDampers    []string `json:"fatal_dampers,omitempty"`
	StaleZones      []string `json:"stale_zones,omitempty"`
	ConfigWarnings  []string `json:"config_warnings,omitempty"`
}

// Snapshot is the published, read-only result of one control cycle.
type Snapshot struct {
	CycleID string         `json:"cycle_id"`
	CycleAt time.Time      `json:"cycle_at"`
	Zones   []ZoneStatus   `json:"zones"`
	Vectors []DemandVector `json:"vectors"`
	Units   []UnitState    `json:"units"`
	Dampers []DamperState  `json:"dampers"`
	Health  Health         `json:"health"`
}

// Unit returns the state of unitID from the snapshot.
func (s *Snapshot) Unit(unitID string) (UnitState, bool) {
	for _, u := range s.Units {
		if u.UnitID == unitID {
			return u, true
		}
	}
	return UnitState{}, false
}

// Damper returns the damper for zoneID from the snapshot.
func (s *Snapshot) Damper(zoneID string) (DamperState, bool) {
	for _, d := range s.Dampers {
		if d.ZoneID == zoneID {
			return d, true
		}
	}
	return DamperState{}, false
}

// Zone returns the status of zoneID from the snapshot.
func (s *Snapshot) Zone(zoneID string) (ZoneStatus, bool) {
	for _, z := range s.Zones {
		if z.ZoneID == zoneID {
			return z, true
		}
	}
	return ZoneStatus{}, false
}

type GPIOPin struct {
	Number     int  `json:"number"`
	ActiveHigh bool `json:"active_high"`
}
