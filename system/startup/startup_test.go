package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

func TestBootScriptDrivesRelaysInactive(t *testing.T) {
	script := BootScript([]gpio.PinCheck{
		{Name: "damper.living", Pin: model.GPIOPin{Number: 17, ActiveHigh: true}},
		{Name: "hp.stage1", Pin: model.GPIOPin{Number: 22, ActiveHigh: false}},
	})

	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, "# damper.living\npinctrl set 17 op pn dl\n")
	assert.Contains(t, script, "# hp.stage1\npinctrl set 22 op pn dh\n")
}

func TestWriteStartupScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot", "hvac-pins.sh")
	require.NoError(t, WriteStartupScript(path, []gpio.PinCheck{{Name: "hp.mode", Pin: model.GPIOPin{Number: 5, ActiveHigh: true}}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestDirectorServiceOrdersAfterPinService(t *testing.T) {
	unit := DirectorService("/etc/systemd/system/hvac-pins.service", "hvac", "/opt/hvac", "/opt/hvac/hvac-director")
	assert.Contains(t, unit, "After=hvac-pins.service")
	assert.Contains(t, unit, "Requires=hvac-pins.service")
	assert.Contains(t, unit, "ExecStart=/opt/hvac/hvac-director")
}
