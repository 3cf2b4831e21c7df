package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

const (
	BusMQTT    = "mqtt"
	BusOneWire = "onewire"
	BusSim     = "sim"
)

// Env holds endpoints and secrets that come from the environment rather than the config file.
type Env struct {
	MQTTBroker   string   `envconfig:"MQTT_BROKER"`
	MQTTUsername string   `envconfig:"MQTT_USERNAME"`
	MQTTPassword string   `envconfig:"MQTT_PASSWORD"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"hvac-director.snapshots"`
	DDAgentAddr  string   `envconfig:"DD_AGENT_ADDR" default:"127.0.0.1:8125"`
	DDNamespace  string   `envconfig:"DD_NAMESPACE" default:"hvac_director."`
	DDTags       []string `envconfig:"DD_TAGS"`
	NtfyTopic    string   `envconfig:"NTFY_TOPIC"`
	APIPort      int      `envconfig:"API_PORT" default:"8080"`
}

type ZoneConfig struct {
	ID              string         `json:"id" validate:"required"`
	Label           string         `json:"label"`
	DefaultSetpoint float64        `json:"default_setpoint"`
	Mode            model.ZoneMode `json:"mode" validate:"required,oneof=heat cool auto off"`
	Enabled         *bool          `json:"enabled"`
	Voting          *bool          `json:"voting"`
	Hold            bool           `json:"hold"`
	DumpPriority    int            `json:"dump_priority"`
	SensorID        string         `json:"sensor_id"`
	SensorBus       string         `json:"sensor_bus"`
	DamperBus       string         `json:"damper_bus"`
	UnitID          string         `json:"unit_id" validate:"required"`
}

type UnitConfig struct {
	ID                    string                 `json:"id" validate:"required"`
	Label                 string                 `json:"label"`
	Capability            model.Capability       `json:"capability" validate:"required,oneof=heat cool both"`
	Stages                int                    `json:"stages"`
	StageThresholds       []model.StageThreshold `json:"stage_thresholds" validate:"dive"`
	MinOnSeconds          int                    `json:"min_on_seconds" validate:"gte=0"`
	MinOffSeconds         int                    `json:"min_off_seconds" validate:"gte=0"`
	ChangeoverSeconds     int                    `json:"changeover_seconds" validate:"gte=0"`
	StageUpDelaySeconds   int                    `json:"stage_up_delay_seconds" validate:"gte=0"`
	StageDownDelaySeconds int                    `json:"stage_down_delay_seconds" validate:"gte=0"`
	Bus                   string                 `json:"bus"`
}

// UnitPins maps a unit onto relay outputs for the onewire bus.
type UnitPins struct {
	Stages  []model.GPIOPin `json:"stages"`
	ModePin *model.GPIOPin  `json:"mode_pin"`
}

type BusConfig struct {
	Name                string                   `json:"name" validate:"required"`
	Kind                string                   `json:"kind" validate:"required"`
	TopicPrefix         string                   `json:"topic_prefix"`
	SensorBase          string                   `json:"sensor_base"`
	PollIntervalSeconds int                      `json:"poll_interval_seconds"`
	SafeMode            bool                     `json:"safe_mode"`
	DamperPins          map[string]model.GPIOPin `json:"damper_pins"`
	UnitPins            map[string]UnitPins      `json:"unit_pins"`
}

type ReadingsConfig struct {
	PlausibleMin  float64 `json:"plausible_min"`
	PlausibleMax  float64 `json:"plausible_max"`
	MaxDelta      float64 `json:"max_delta" validate:"gte=0"`
	AnomalyAccept int     `json:"anomaly_accept" validate:"gte=0"`
}

// AlertsConfig bounds the zone temperatures that raise a notification.
type AlertsConfig struct {
	MinTemp float64 `json:"min_temp"`
	MaxTemp float64 `json:"max_temp"`
	Spread  float64 `json:"spread" validate:"gte=0"`
}

type TelemetryConfig struct {
	EnableDatadog bool   `json:"enable_datadog"`
	EnableKafka   bool   `json:"enable_kafka"`
	SnapshotFile  string `json:"snapshot_file"`
}

type Config struct {
	ConfigFile   string
	ScheduleFile string
	EnvFile      string
	DBPath       string
	LogFile      string
	LogLevel     zerolog.Level

	CyclePeriodSeconds float64 `json:"cycle_period_seconds" validate:"gte=0"`
	StalenessCycles    int     `json:"staleness_cycles" validate:"gte=0"`
	Deadband           float64 `json:"deadband" validate:"gte=0"`
	ProportionalBand   float64 `json:"proportional_band" validate:"gte=0"`
	SetpointMin        float64 `json:"setpoint_min"`
	SetpointMax        float64 `json:"setpoint_max"`
	WriteTimeoutMillis int     `json:"write_timeout_millis" validate:"gte=0"`
	FailureThreshold   int     `json:"failure_threshold" validate:"gte=0"`
	ParkPosition       *int    `json:"park_position" validate:"omitempty,gte=0,lte=100"`
	MaxParallelWrites  int     `json:"max_parallel_writes" validate:"gte=0"`

	Readings  ReadingsConfig  `json:"readings"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Alerts    AlertsConfig    `json:"alerts"`

	Zones []ZoneConfig `json:"zones" validate:"required,min=1,dive"`
	Units []UnitConfig `json:"units" validate:"required,min=1,dive"`
	Buses []BusConfig  `json:"buses" validate:"dive"`

	Env Env `json:"-"`

	// Warnings lists non-fatal configuration conflicts found at load.
	Warnings []string `json:"-"`
}

// Load parses command line flags, the config file and the environment.
func Load(args []string) (*Config, error) {
	var cfg Config
	var logLevel string

	fs := flag.NewFlagSet("hvac-director", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to director config file")
	fs.StringVar(&cfg.ScheduleFile, "schedule-file", "", "Path to schedule file (yaml)")
	fs.StringVar(&cfg.EnvFile, "env-file", ".env", "Optional dotenv file")
	fs.StringVar(&cfg.DBPath, "db", "data/director.db", "Path to the SQLite database file")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Log file path (stderr when empty)")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.LogLevel = ParseLogLevel(logLevel)

	loaded, err := LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	loaded.ConfigFile = cfg.ConfigFile
	loaded.ScheduleFile = cfg.ScheduleFile
	loaded.EnvFile = cfg.EnvFile
	loaded.DBPath = cfg.DBPath
	loaded.LogFile = cfg.LogFile
	loaded.LogLevel = cfg.LogLevel

	if err := loaded.LoadEnv(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// LoadFile decodes and validates a JSON config file.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv overlays environment settings, reading the dotenv file first when present.
func (cfg *Config) LoadEnv() error {
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := envconfig.Process("DIRECTOR", &cfg.Env); err != nil {
		return fmt.Errorf("failed to process environment: %w", err)
	}
	return nil
}

// Prepare applies defaults and runs validation. Only topology errors fail.
func (cfg *Config) Prepare() error {
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidTopology, err)
	}

	warnings, err := cfg.validate()
	cfg.Warnings = warnings
	return err
}

func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.CyclePeriodSeconds == 0 {
		cfg.CyclePeriodSeconds = 5
	}
	if cfg.StalenessCycles == 0 {
		cfg.StalenessCycles = 3
	}
	if cfg.Deadband == 0 {
		cfg.Deadband = 1.0
	}
	if cfg.ProportionalBand == 0 {
		cfg.ProportionalBand = 2.0
	}
	if cfg.SetpointMin == 0 && cfg.SetpointMax == 0 {
		cfg.SetpointMin = 50
		cfg.SetpointMax = 90
	}
	if cfg.WriteTimeoutMillis == 0 {
		cfg.WriteTimeoutMillis = 2000
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ParkPosition == nil {
		p := model.DamperOpen
		cfg.ParkPosition = &p
	}
	if cfg.MaxParallelWrites == 0 {
		cfg.MaxParallelWrites = 8
	}
	if cfg.Readings.PlausibleMin == 0 && cfg.Readings.PlausibleMax == 0 {
		cfg.Readings.PlausibleMin = -40
		cfg.Readings.PlausibleMax = 140
	}
	if cfg.Readings.MaxDelta == 0 {
		cfg.Readings.MaxDelta = 5
	}
	if cfg.Readings.AnomalyAccept == 0 {
		cfg.Readings.AnomalyAccept = 3
	}
	if cfg.Alerts.MinTemp == 0 && cfg.Alerts.MaxTemp == 0 {
		cfg.Alerts.MinTemp = 45
		cfg.Alerts.MaxTemp = 90
	}
	if cfg.Alerts.Spread == 0 {
		cfg.Alerts.Spread = 2
	}
	if len(cfg.Buses) == 0 {
		cfg.Buses = []BusConfig{{Name: BusSim, Kind: BusSim}}
	}

	defaultBus := cfg.Buses[0].Name
	for i := range cfg.Zones {
		z := &cfg.Zones[i]
		if z.SensorBus == "" {
			z.SensorBus = defaultBus
		}
		if z.DamperBus == "" {
			z.DamperBus = defaultBus
		}
		if z.SensorID == "" {
			z.SensorID = z.ID
		}
	}
	for i := range cfg.Units {
		u := &cfg.Units[i]
		if u.Stages == 0 {
			u.Stages = 1
		}
		if len(u.StageThresholds) == 0 {
			u.StageThresholds = DefaultThresholds(u.Stages)
		}
		if u.Bus == "" {
			u.Bus = defaultBus
		}
	}
	for i := range cfg.Buses {
		if cfg.Buses[i].PollIntervalSeconds == 0 {
			cfg.Buses[i].PollIntervalSeconds = int(cfg.CyclePeriodSeconds)
			if cfg.Buses[i].PollIntervalSeconds == 0 {
				cfg.Buses[i].PollIntervalSeconds = 1
			}
		}
	}
}

// DefaultThresholds spreads stage entry points evenly over the magnitude range.
func DefaultThresholds(stages int) []model.StageThreshold {
	out := make([]model.StageThreshold, stages)
	for i := range out {
		upper := float64(i) / float64(stages)
		out[i] = model.StageThreshold{Upper: upper, Lower: upper * 0.8}
	}
	return out
}

func (cfg *Config) validate() ([]string, error) {
	var (
		problems []string
		warnings []string
		zoneIDs  = map[string]bool{}
		unitIDs  = map[string]bool{}
		busNames = map[string]bool{}
		served   = map[string]int{}
	)

	for _, b := range cfg.Buses {
		if busNames[b.Name] {
			problems = append(problems, fmt.Sprintf("duplicate bus %s", b.Name))
		}
		busNames[b.Name] = true
		switch b.Kind {
		case BusMQTT, BusOneWire, BusSim:
		default:
			problems = append(problems, fmt.Sprintf("bus %s has unknown kind %q", b.Name, b.Kind))
		}
	}

	cycle := cfg.CyclePeriod()
	for _, u := range cfg.Units {
		if unitIDs[u.ID] {
			problems = append(problems, fmt.Sprintf("duplicate unit %s", u.ID))
		}
		unitIDs[u.ID] = true

		if u.Stages < 1 {
			problems = append(problems, fmt.Sprintf("unit %s declares %d stages", u.ID, u.Stages))
		}
		if len(u.StageThresholds) != u.Stages {
			problems = append(problems, fmt.Sprintf("unit %s has %d stage thresholds for %d stages", u.ID, len(u.StageThresholds), u.Stages))
		}
		if !busNames[u.Bus] {
			problems = append(problems, fmt.Sprintf("unit %s refers to unknown bus %s", u.ID, u.Bus))
		}

		minOn := time.Duration(u.MinOnSeconds) * time.Second
		minOff := time.Duration(u.MinOffSeconds) * time.Second
		if minOn < cycle {
			warnings = append(warnings, fmt.Sprintf("unit %s min_on shorter than one cycle", u.ID))
		}
		if minOff < cycle {
			warnings = append(warnings, fmt.Sprintf("unit %s min_off shorter than one cycle", u.ID))
		}
		if u.Capability == model.CapabilityBoth && u.ChangeoverSeconds < u.MinOffSeconds {
			warnings = append(warnings, fmt.Sprintf("unit %s changeover shorter than min_off; min_off governs", u.ID))
		}
		for i, th := range u.StageThresholds {
			if th.Upper < th.Lower {
				warnings = append(warnings, fmt.Sprintf("unit %s stage %d upper threshold below lower", u.ID, i+1))
			}
		}
	}

	for _, z := range cfg.Zones {
		if zoneIDs[z.ID] {
			problems = append(problems, fmt.Sprintf("duplicate zone %s", z.ID))
		}
		zoneIDs[z.ID] = true

		if !unitIDs[z.UnitID] {
			problems = append(problems, fmt.Sprintf("zone %s refers to unknown unit %s", z.ID, z.UnitID))
		}
		if !busNames[z.SensorBus] {
			problems = append(problems, fmt.Sprintf("zone %s refers to unknown sensor bus %s", z.ID, z.SensorBus))
		}
		if !busNames[z.DamperBus] {
			problems = append(problems, fmt.Sprintf("zone %s refers to unknown damper bus %s", z.ID, z.DamperBus))
		}
		if z.DefaultSetpoint < cfg.SetpointMin || z.DefaultSetpoint > cfg.SetpointMax {
			warnings = append(warnings, fmt.Sprintf("zone %s default setpoint %.1f outside [%.1f, %.1f]", z.ID, z.DefaultSetpoint, cfg.SetpointMin, cfg.SetpointMax))
		}
		served[z.UnitID]++
	}

	for _, u := range cfg.Units {
		if served[u.ID] == 0 {
			warnings = append(warnings, fmt.Sprintf("unit %s serves no zones", u.ID))
		}
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("%w: %s", model.ErrInvalidTopology, strings.Join(problems, "; "))
	}
	return warnings, nil
}

func (cfg *Config) CyclePeriod() time.Duration {
	return time.Duration(cfg.CyclePeriodSeconds * float64(time.Second))
}

func (cfg *Config) WriteTimeout() time.Duration {
	return time.Duration(cfg.WriteTimeoutMillis) * time.Millisecond
}

// ModelZones converts the zone list, defaulting enabled and voting to true.
func (cfg *Config) ModelZones() []model.Zone {
	zones := make([]model.Zone, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		zones = append(zones, model.Zone{
			ID:              z.ID,
			Label:           z.Label,
			DefaultSetpoint: z.DefaultSetpoint,
			Mode:            z.Mode,
			Enabled:         z.Enabled == nil || *z.Enabled,
			Voting:          z.Voting == nil || *z.Voting,
			Hold:            z.Hold,
			DumpPriority:    z.DumpPriority,
			SensorID:        z.SensorID,
			SensorBus:       z.SensorBus,
			UnitID:          z.UnitID,
			DamperBus:       z.DamperBus,
		})
	}
	return zones
}

// ModelUnits converts the unit list and attaches the zones each unit serves.
func (cfg *Config) ModelUnits() []model.Unit {
	units := make([]model.Unit, 0, len(cfg.Units))
	for _, u := range cfg.Units {
		var zones []string
		for _, z := range cfg.Zones {
			if z.UnitID == u.ID {
				zones = append(zones, z.ID)
			}
		}
		units = append(units, model.Unit{
			ID:              u.ID,
			Label:           u.Label,
			Capability:      u.Capability,
			Stages:          u.Stages,
			StageThresholds: u.StageThresholds,
			MinOn:           time.Duration(u.MinOnSeconds) * time.Second,
			MinOff:          time.Duration(u.MinOffSeconds) * time.Second,
			Changeover:      time.Duration(u.ChangeoverSeconds) * time.Second,
			StageUpDelay:    time.Duration(u.StageUpDelaySeconds) * time.Second,
			StageDownDelay:  time.Duration(u.StageDownDelaySeconds) * time.Second,
			Zones:           zones,
			Bus:             u.Bus,
		})
	}
	return units
}

func (cfg *Config) Bus(name string) (BusConfig, bool) {
	for _, b := range cfg.Buses {
		if b.Name == name {
			return b, true
		}
	}
	return BusConfig{}, false
}
