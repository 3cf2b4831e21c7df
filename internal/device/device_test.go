package device

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// mockPins replaces the gpio writers and records every pin write in order.
func mockPins(t *testing.T) *[]string {
	t.Helper()
	var log []string
	origA, origD := gpio.Activate, gpio.Deactivate
	gpio.Activate = func(_ context.Context, pin model.GPIOPin) error {
		log = append(log, fmt.Sprintf("on:%d", pin.Number))
		return nil
	}
	gpio.Deactivate = func(_ context.Context, pin model.GPIOPin) error {
		log = append(log, fmt.Sprintf("off:%d", pin.Number))
		return nil
	}
	t.Cleanup(func() { gpio.Activate, gpio.Deactivate = origA, origD })
	return &log
}

func TestRelaySetIsIdempotent(t *testing.T) {
	writes := mockPins(t)
	r := NewRelay("z1.damper", model.GPIOPin{Number: 5, ActiveHigh: true})
	ctx := context.Background()

	changed, err := r.Set(ctx, true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.Set(ctx, true)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, r.Active())
	assert.False(t, r.LastChanged().IsZero())

	assert.Equal(t, []string{"on:5"}, *writes)
}

func TestRelayFailureForgetsState(t *testing.T) {
	mockPins(t)
	r := NewRelay("z1.damper", model.GPIOPin{Number: 5})
	_, err := r.Set(context.Background(), true)
	require.NoError(t, err)

	gpio.Deactivate = func(context.Context, model.GPIOPin) error { return errors.New("pinctrl missing") }
	_, err = r.Set(context.Background(), false)
	require.Error(t, err)
	assert.False(t, r.Active())
}

func TestDamperSetPosition(t *testing.T) {
	writes := mockPins(t)
	d := &Damper{ZoneID: "z1", Relay: NewRelay("z1", model.GPIOPin{Number: 6})}

	require.NoError(t, d.SetPosition(context.Background(), 100))
	require.NoError(t, d.SetPosition(context.Background(), 40))
	require.NoError(t, d.SetPosition(context.Background(), 0))
	assert.Equal(t, []string{"on:6", "off:6"}, *writes)
}

func TestStagedUnitApply(t *testing.T) {
	writes := mockPins(t)
	u := &StagedUnit{
		UnitID: "hp",
		Stages: []*Relay{NewRelay("hp.1", model.GPIOPin{Number: 10}), NewRelay("hp.2", model.GPIOPin{Number: 11})},
		Mode:   NewRelay("hp.mode", model.GPIOPin{Number: 12}),
	}
	ctx := context.Background()

	require.NoError(t, u.Apply(ctx, model.UnitCommand{Stage: 2, Direction: model.DirectionHeat}))
	assert.Equal(t, []string{"off:11", "off:10", "off:12", "on:10", "on:11"}, *writes)

	*writes = nil
	require.NoError(t, u.Apply(ctx, model.UnitCommand{Stage: 1, Direction: model.DirectionHeat}))
	assert.Equal(t, []string{"off:11"}, *writes)

	*writes = nil
	require.NoError(t, u.Apply(ctx, model.UnitCommand{Stage: 1, Direction: model.DirectionCool}))
	assert.Equal(t, []string{"off:10", "on:12", "on:10"}, *writes, "mode relay only moves with all stages off")

	assert.Error(t, u.Apply(ctx, model.UnitCommand{Stage: 3, Direction: model.DirectionCool}))
	assert.Len(t, u.Relays(), 3)
}
