package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/api"
	"github.com/thatsimonsguy/hvac-director/internal/bus"
	"github.com/thatsimonsguy/hvac-director/internal/bus/mqttbus"
	"github.com/thatsimonsguy/hvac-director/internal/bus/onewire"
	"github.com/thatsimonsguy/hvac-director/internal/bus/sim"
	"github.com/thatsimonsguy/hvac-director/internal/config"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/logging"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/notifications"
	"github.com/thatsimonsguy/hvac-director/internal/readings"
	"github.com/thatsimonsguy/hvac-director/internal/schedule"
	"github.com/thatsimonsguy/hvac-director/internal/store"
	"github.com/thatsimonsguy/hvac-director/internal/telemetry"
	"github.com/thatsimonsguy/hvac-director/system/shutdown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("db", cfg.DBPath).
		Int("zones", len(cfg.Zones)).
		Int("units", len(cfg.Units)).
		Msg("Starting HVAC director")
	for _, w := range cfg.Warnings {
		log.Warn().Err(model.ErrConfigurationConflict).Msg(w)
	}

	zones := cfg.ModelZones()
	units := cfg.ModelUnits()

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer conn.Close()
	persist := db.NewStore(conn)

	overrides := schedule.NewOverrideStore(zones, cfg.SetpointMin, cfg.SetpointMax, persist)
	if saved, err := persist.GetOverrides(); err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted overrides, starting without")
	} else {
		overrides.Restore(saved)
	}

	var source schedule.Source
	if cfg.ScheduleFile != "" {
		periods, err := schedule.LoadFile(cfg.ScheduleFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.ScheduleFile).Msg("Failed to load schedule")
		}
		for _, w := range schedule.DetectOverlaps(periods) {
			log.Warn().Err(model.ErrConfigurationConflict).Msg(w)
		}
		source = schedule.NewStaticSource(periods)
	}

	restored, err := persist.GetUnitStates()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load unit history, protection timers start from now")
		restored = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapters, err := buildAdapters(ctx, cfg, zones, units)
	if err != nil {
		log.Fatal().Err(err).Msg("Refusing to start field buses")
	}
	router, err := bus.NewRouter(zones, units, adapters...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid bus topology")
	}

	d, err := director.New(director.Config{
		Zones:             zones,
		Units:             units,
		CyclePeriod:       cfg.CyclePeriod(),
		Deadband:          cfg.Deadband,
		Band:              cfg.ProportionalBand,
		StalenessCycles:   cfg.StalenessCycles,
		WriteTimeout:      cfg.WriteTimeout(),
		MaxParallelWrites: cfg.MaxParallelWrites,
		FailureThreshold:  cfg.FailureThreshold,
		ParkPosition:      *cfg.ParkPosition,
		Warnings:          cfg.Warnings,
	}, director.Deps{
		Actuator:    router,
		Readings:    readings.NewStore(readings.Settings(cfg.Readings)),
		Setpoints:   schedule.NewResolver(source, overrides),
		Overrides:   overrides,
		Telemetry:   buildTelemetry(cfg),
		Transitions: persist,
		Restored:    restored,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build director")
	}

	if err := router.Start(ctx, d); err != nil {
		shutdown.ShutdownWithError(err, "Failed to start field buses", shutdownTimeout, d)
	}

	server := api.NewServer(d)
	go func() {
		if err := server.Start(cfg.Env.APIPort); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	if err := d.Run(ctx); err != nil {
		shutdown.ShutdownWithError(err, "Director loop failed", shutdownTimeout, d, server)
	}
	if err := shutdown.Shutdown(shutdownTimeout, d, server); err != nil {
		os.Exit(1)
	}
}

func buildAdapters(ctx context.Context, cfg *config.Config, zones []model.Zone, units []model.Unit) ([]bus.Adapter, error) {
	var adapters []bus.Adapter
	for _, b := range cfg.Buses {
		switch b.Kind {
		case config.BusMQTT:
			opts := mqttbus.Options(cfg.Env.MQTTBroker, "hvac-director-"+b.Name, cfg.Env.MQTTUsername, cfg.Env.MQTTPassword)
			adapters = append(adapters, mqttbus.New(b.Name, b.TopicPrefix, mqtt.NewClient(opts), zones))
		case config.BusOneWire:
			ow, err := onewire.New(b, zones, units)
			if err != nil {
				return nil, err
			}
			if b.SafeMode {
				log.Warn().Str("bus", b.Name).Msg("SAFE MODE ENABLED - relay writes are disabled on this bus")
			}
			if err := gpio.ValidateInitialPinStates(ctx, ow.StartupChecks()); err != nil {
				return nil, fmt.Errorf("relay board on bus %s: %w", b.Name, err)
			}
			adapters = append(adapters, ow)
		case config.BusSim:
			adapters = append(adapters, sim.New(b.Name, zones))
		default:
			return nil, fmt.Errorf("%w: unknown bus kind %q", model.ErrInvalidTopology, b.Kind)
		}
	}
	return adapters, nil
}

func buildTelemetry(cfg *config.Config) telemetry.Sink {
	fanout := telemetry.NewFanout()

	if cfg.Telemetry.EnableDatadog {
		dd, err := telemetry.NewDatadog(cfg.Env.DDAgentAddr, cfg.Env.DDNamespace, cfg.Env.DDTags)
		if err != nil {
			log.Warn().Err(err).Msg("Datadog client unavailable, metrics disabled")
		} else {
			fanout.Add(dd)
		}
	}
	if cfg.Telemetry.EnableKafka {
		if len(cfg.Env.KafkaBrokers) == 0 {
			log.Warn().Msg("Kafka enabled without brokers, snapshot stream disabled")
		} else {
			fanout.Add(telemetry.NewKafka(cfg.Env.KafkaBrokers, cfg.Env.KafkaTopic))
		}
	}
	if cfg.Telemetry.SnapshotFile != "" {
		fanout.Add(store.New(cfg.Telemetry.SnapshotFile))
	}

	fanout.Add(failsafecontroller.New(notifications.New(cfg.Env.NtfyTopic), failsafecontroller.Limits{
		MinTemp: cfg.Alerts.MinTemp,
		MaxTemp: cfg.Alerts.MaxTemp,
		Spread:  cfg.Alerts.Spread,
	}))
	return fanout
}
