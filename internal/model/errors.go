package model

import (
	"errors"
	"fmt"
)

var (
	ErrSensorStale           = errors.New("sensor stale")
	ErrScheduleResolution    = errors.New("schedule resolution failed")
	ErrActuatorWrite         = errors.New("actuator write failed")
	ErrConfigurationConflict = errors.New("configuration conflict")
	ErrCycleExecution        = errors.New("cycle execution failed")
	ErrInvalidTopology       = errors.New("invalid topology")
	ErrUnknownZone           = errors.New("unknown zone")
	ErrSetpointRange         = errors.New("setpoint out of range")
)

type DeviceKind string

const (
	DeviceDamper DeviceKind = "damper"
	DeviceUnit   DeviceKind = "unit"
)

// ActuatorWriteError records a failed write to a single device.
type ActuatorWriteError struct {
	Kind   DeviceKind
	Device string
	Err    error
}

func (e *ActuatorWriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Device, e.Err)
}

func (e *ActuatorWriteError) Unwrap() []error {
	return []error{ErrActuatorWrite, e.Err}
}

// CycleError wraps a failure that aborted one control cycle.
type CycleError struct {
	CycleID string
	Stage   string
	Err     error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle %s aborted during %s: %v", e.CycleID, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() []error {
	return []error{ErrCycleExecution, e.Err}
}
