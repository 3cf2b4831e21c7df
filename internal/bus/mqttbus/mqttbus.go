package mqttbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/bus"
	"github.com/thatsimonsguy/hvac-director/internal/model"
)

const qos = 1

// Bus talks to sensors and actuators through an MQTT broker.
//
//	<prefix>/sensors/<sensor id>      readings in, JSON {"value": 70.2, "ts": "..."} or a bare number
//	<prefix>/dampers/<zone id>/set    damper position out, retained
//	<prefix>/units/<unit id>/set      unit command out, retained
type Bus struct {
	name    string
	prefix  string
	client  mqtt.Client
	sensors map[string]string
	now     func() time.Time

	mu   sync.Mutex
	sink bus.ReadingSink
}

// Options builds paho client options for a broker.
func Options(broker, clientID, username, password string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(false).
		SetOrderMatters(false)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost")
	})
	return opts
}

func New(name, prefix string, client mqtt.Client, zones []model.Zone) *Bus {
	return &Bus{
		name:    name,
		prefix:  strings.TrimSuffix(prefix, "/"),
		client:  client,
		sensors: bus.SensorMap(name, zones),
		now:     time.Now,
	}
}

func (b *Bus) Name() string { return b.name }

func (b *Bus) Start(ctx context.Context, sink bus.ReadingSink) error {
	b.mu.Lock()
	b.sink = sink
	b.mu.Unlock()

	if !b.client.IsConnected() {
		if err := wait(ctx, b.client.Connect()); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}
	topic := b.prefix + "/sensors/+"
	if err := wait(ctx, b.client.Subscribe(topic, qos, b.handle)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Info().Str("bus", b.name).Str("topic", topic).Msg("Subscribed to sensor readings")
	return nil
}

func (b *Bus) handle(_ mqtt.Client, msg mqtt.Message) {
	sensorID := msg.Topic()[strings.LastIndex(msg.Topic(), "/")+1:]
	zoneID, ok := b.sensors[sensorID]
	if !ok {
		log.Debug().Str("bus", b.name).Str("sensor", sensorID).Msg("Reading from unmapped sensor ignored")
		return
	}
	value, ts, err := parseReading(msg.Payload(), b.now())
	if err != nil {
		log.Warn().Err(err).Str("bus", b.name).Str("sensor", sensorID).Msg("Malformed sensor payload")
		return
	}

	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink != nil {
		sink.ReportReading(zoneID, value, ts)
	}
}

type readingPayload struct {
	Value *float64  `json:"value"`
	TS    time.Time `json:"ts"`
}

func parseReading(payload []byte, now time.Time) (float64, time.Time, error) {
	trimmed := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return v, now, nil
	}

	var p readingPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return 0, time.Time{}, fmt.Errorf("decode reading: %w", err)
	}
	if p.Value == nil {
		return 0, time.Time{}, fmt.Errorf("reading has no value")
	}
	if p.TS.IsZero() {
		p.TS = now
	}
	return *p.Value, p.TS, nil
}

func (b *Bus) SetDamperPosition(ctx context.Context, zoneID string, position int) error {
	return b.publish(ctx, fmt.Sprintf("%s/dampers/%s/set", b.prefix, zoneID), []byte(strconv.Itoa(position)))
}

func (b *Bus) SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return b.publish(ctx, fmt.Sprintf("%s/units/%s/set", b.prefix, unitID), payload)
}

func (b *Bus) publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, b.client.Publish(topic, qos, true, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Close() error {
	b.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
