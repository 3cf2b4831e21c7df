package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/bus/onewire"
	"github.com/thatsimonsguy/hvac-director/internal/config"
	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/store"
	"github.com/thatsimonsguy/hvac-director/system/startup"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, zoneID, expiry, snapshotFile, configFile, scriptPath, serviceDir, user, workdir string
	var setpoint float64
	flag.StringVar(&dbPath, "db", "data/director.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: set-override, clear-override, list-overrides, list-units, show-snapshot, write-boot-script, install-services")
	flag.StringVar(&zoneID, "zone", "", "Zone ID for override commands")
	flag.Float64Var(&setpoint, "setpoint", 0, "Override setpoint")
	flag.StringVar(&expiry, "expiry", "", "Override expiry (RFC3339 time or duration such as 2h); empty means until cleared")
	flag.StringVar(&snapshotFile, "snapshot", "data/snapshot.json", "Snapshot file written by the director")
	flag.StringVar(&configFile, "config-file", "config.json", "Director config file")
	flag.StringVar(&scriptPath, "script", "/usr/local/bin/hvac-pins.sh", "Boot script output path")
	flag.StringVar(&serviceDir, "service-dir", "/etc/systemd/system", "Directory for systemd units (install-services)")
	flag.StringVar(&user, "user", "hvac", "User the director service runs as (install-services)")
	flag.StringVar(&workdir, "workdir", "/opt/hvac-director", "Director working directory (install-services)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of hvac-debug:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	var err error
	switch command {
	case "set-override":
		requireZone(zoneID)
		var until *time.Time
		until, err = parseExpiry(expiry, time.Now())
		if err == nil {
			err = db.SetOverrideCLI(dbPath, zoneID, setpoint, until)
		}
	case "clear-override":
		requireZone(zoneID)
		err = db.ClearOverrideCLI(dbPath, zoneID)
	case "list-overrides":
		overrides, lerr := db.ListOverridesCLI(dbPath)
		if lerr == nil {
			err = printJSON(overrides)
		}
		err = firstErr(lerr, err)
	case "list-units":
		units, lerr := db.ListUnitStatesCLI(dbPath)
		if lerr == nil {
			err = printJSON(units)
		}
		err = firstErr(lerr, err)
	case "show-snapshot":
		snap, lerr := store.New(snapshotFile).Load()
		if lerr == nil {
			err = printJSON(snap)
		}
		err = firstErr(lerr, err)
	case "write-boot-script":
		err = writeBootScript(configFile, scriptPath)
	case "install-services":
		err = installServices(configFile, scriptPath, serviceDir, user, workdir)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func requireZone(zoneID string) {
	if zoneID == "" {
		fmt.Println("Error: zone ID is required")
		os.Exit(1)
	}
}

func parseExpiry(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry %q: %w", s, err)
	}
	return &t, nil
}

func writeBootScript(configFile, scriptPath string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	zones, units := cfg.ModelZones(), cfg.ModelUnits()

	var checks []gpio.PinCheck
	for _, b := range cfg.Buses {
		if b.Kind != config.BusOneWire {
			continue
		}
		b.SafeMode = true
		ow, err := onewire.New(b, zones, units)
		if err != nil {
			return err
		}
		checks = append(checks, ow.StartupChecks()...)
	}
	if len(checks) == 0 {
		return fmt.Errorf("no relay pins configured in %s", configFile)
	}
	return startup.WriteStartupScript(scriptPath, checks)
}

// installServices writes the boot script, runs it once and installs both systemd units.
func installServices(configFile, scriptPath, serviceDir, user, workdir string) error {
	if err := writeBootScript(configFile, scriptPath); err != nil {
		return err
	}
	if err := startup.RunStartupScript(scriptPath); err != nil {
		return err
	}
	pinService := filepath.Join(serviceDir, "hvac-pins.service")
	if err := startup.InstallStartupService(scriptPath, pinService); err != nil {
		return err
	}
	cfgPath, err := filepath.Abs(configFile)
	if err != nil {
		return err
	}
	execCmd := fmt.Sprintf("%s -config-file %s", filepath.Join(workdir, "hvac-director"), cfgPath)
	return startup.InstallDirectorService(filepath.Join(serviceDir, "hvac-director.service"), pinService, user, workdir, execCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
