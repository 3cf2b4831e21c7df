package telemetry

import (
	"context"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Datadog emits per-cycle gauges to a DogStatsD agent.
type Datadog struct {
	client statsd.ClientInterface
}

func NewDatadog(addr, namespace string, tags []string) (*Datadog, error) {
	client, err := statsd.New(addr, statsd.WithNamespace(namespace), statsd.WithTags(tags))
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("Datadog metrics initialized")
	return &Datadog{client: client}, nil
}

func (d *Datadog) gauge(name string, value float64, tags ...string) {
	if err := d.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (d *Datadog) Publish(_ context.Context, snap *model.Snapshot) error {
	for _, z := range snap.Zones {
		tags := []string{"zone:" + z.ZoneID}
		d.gauge("zone.setpoint", z.Setpoint, tags...)
		if z.Reading != nil && z.Reading.Valid {
			d.gauge("zone.temperature", z.Reading.Value, tags...)
		}
		d.gauge("zone.calling", boolGauge(z.State == model.CallingHeat || z.State == model.CallingCool), tags...)
		d.gauge("zone.stale", boolGauge(z.State == model.CallStale), tags...)
	}
	for _, v := range snap.Vectors {
		tags := []string{"unit:" + v.UnitID, "direction:" + string(v.Direction)}
		d.gauge("unit.demand", v.Magnitude, tags...)
		d.gauge("unit.conflict", boolGauge(v.Conflict), tags...)
	}
	for _, u := range snap.Units {
		tags := []string{"unit:" + u.UnitID}
		d.gauge("unit.stage", float64(u.Stage), tags...)
		d.gauge("unit.degraded", boolGauge(u.Degraded), tags...)
	}
	for _, dm := range snap.Dampers {
		d.gauge("damper.position", float64(dm.Target), "zone:"+dm.ZoneID)
		d.gauge("damper.fatal", boolGauge(dm.Fatal), "zone:"+dm.ZoneID)
	}
	d.gauge("health.cycle_errors", float64(snap.Health.CycleErrors))
	d.gauge("health.fatal", boolGauge(snap.Health.Fatal))
	return nil
}

func (d *Datadog) Close() error {
	return d.client.Close()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
