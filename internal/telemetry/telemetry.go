package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Sink receives each published snapshot.
type Sink interface {
	Publish(ctx context.Context, snap *model.Snapshot) error
	Close() error
}

// Fanout publishes to every sink. A failing sink is logged and never blocks the others.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Publish(ctx context.Context, snap *model.Snapshot) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, snap); err != nil {
			log.Warn().Err(err).Str("cycle_id", snap.CycleID).Msg("Telemetry publish failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
