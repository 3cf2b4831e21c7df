package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka streams every snapshot as one JSON message keyed by cycle id.
type Kafka struct {
	w messageWriter
}

func NewKafka(brokers []string, topic string) *Kafka {
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Kafka snapshot stream initialized")
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

func (k *Kafka) Publish(ctx context.Context, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	msg := kafka.Message{Key: []byte(snap.CycleID), Value: b, Time: snap.CycleAt}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write snapshot %s: %w", snap.CycleID, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
