package gpio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/pinctrl"
)

var safeMode atomic.Bool

// SetSafeMode turns pin writes into no-ops. Reads still go to the hardware.
func SetSafeMode(enabled bool) {
	safeMode.Store(enabled)
}

// PinCheck names a pin and the state it must be in.
type PinCheck struct {
	Name       string
	Pin        model.GPIOPin
	ShouldBeOn bool
}

// ValidateInitialPinStates fails on the first pin that is not in its expected state.
func ValidateInitialPinStates(ctx context.Context, checks []PinCheck) error {
	for _, check := range checks {
		active, err := CurrentlyActive(ctx, check.Pin)
		if err != nil {
			return fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", check.Name, check.Pin.Number, err)
		}
		if active != check.ShouldBeOn {
			return fmt.Errorf("pin %d (%s) is in wrong state at startup (expected active=%v)", check.Pin.Number, check.Name, check.ShouldBeOn)
		}
	}
	return nil
}

func Read(ctx context.Context, pin model.GPIOPin) (bool, error) {
	return pinctrl.ReadLevel(ctx, pin.Number)
}

var Activate = func(ctx context.Context, pin model.GPIOPin) error {
	return drive(ctx, pin, pin.ActiveHigh)
}

var Deactivate = func(ctx context.Context, pin model.GPIOPin) error {
	return drive(ctx, pin, !pin.ActiveHigh)
}

func drive(ctx context.Context, pin model.GPIOPin, high bool) error {
	if safeMode.Load() {
		return nil
	}
	level := "dl"
	if high {
		level = "dh"
	}
	if err := pinctrl.SetPin(ctx, pin.Number, "op", "pn", level); err != nil {
		return fmt.Errorf("drive pin %d %s: %w", pin.Number, level, err)
	}
	return nil
}

var CurrentlyActive = func(ctx context.Context, pin model.GPIOPin) (bool, error) {
	level, err := Read(ctx, pin)
	if err != nil {
		return false, err
	}
	return pin.ActiveHigh == level, nil
}

// ReadSensorTemp reads a DS18B20 style 1-Wire sensor and returns degrees Fahrenheit.
var ReadSensorTemp = func(sensorPath string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(sensorPath, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("read sensor %s: %w", sensorPath, err)
	}
	return parseW1Slave(string(data))
}

func parseW1Slave(data string) (float64, error) {
	lines := strings.Split(data, "\n")
	if len(lines) < 2 || !strings.Contains(lines[1], "t=") {
		return 0, fmt.Errorf("temperature data missing or malformed")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("sensor CRC check failed")
	}

	parts := strings.Split(lines[1], "t=")
	if len(parts) != 2 {
		return 0, fmt.Errorf("could not parse temperature line %q", lines[1])
	}
	tempMilliC, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("failed to convert temperature: %w", err)
	}
	if tempMilliC == 85000 {
		// 85C is the DS18B20 power-on reset value, not a measurement.
		log.Warn().Str("raw", lines[1]).Msg("Sensor returned power-on reset value")
		return 0, fmt.Errorf("sensor returned power-on reset value")
	}

	tempC := float64(tempMilliC) / 1000.0
	return tempC*9.0/5.0 + 32.0, nil
}
