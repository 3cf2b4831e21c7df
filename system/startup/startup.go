package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
)

// BootScript renders a pinctrl script that puts every relay pin in its expected state.
func BootScript(checks []gpio.PinCheck) string {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# HVAC relay pin configuration at boot", "")

	for _, c := range checks {
		drive := "dl"
		if c.Pin.ActiveHigh == c.ShouldBeOn {
			drive = "dh"
		}
		lines = append(lines, fmt.Sprintf("# %s", c.Name))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", c.Pin.Number, drive))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n") + "\n"
}

func WriteStartupScript(path string, checks []gpio.PinCheck) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create script dir: %w", err)
	}
	return os.WriteFile(path, []byte(BootScript(checks)), 0755)
}

func InstallStartupService(scriptPath, servicePath string) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Configure HVAC relay pins at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, scriptPath)

	return os.WriteFile(servicePath, []byte(unitContents), 0644)
}

func RunStartupScript(scriptPath string) error {
	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// DirectorService renders the main systemd unit. It runs after the pin service so relays
// are in a known state before the first cycle.
func DirectorService(pinServicePath, user, workdir, execCmd string) string {
	gpioUnitName := filepath.Base(pinServicePath)
	return fmt.Sprintf(`[Unit]
Description=HVAC Director main service
After=%s
Requires=%s

[Service]
Type=simple
User=%s
WorkingDirectory=%s
Environment=PATH=/usr/local/go/bin:/usr/local/bin:/usr/bin:/bin
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName, user, workdir, execCmd)
}

func InstallDirectorService(servicePath, pinServicePath, user, workdir, execCmd string) error {
	return os.WriteFile(servicePath, []byte(DirectorService(pinServicePath, user, workdir, execCmd)), 0644)
}
