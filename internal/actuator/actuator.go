package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Actuator moves dampers and stages units. Implementations must treat a write to the
// position a device already holds as a no-op.
type Actuator interface {
	SetDamperPosition(ctx context.Context, zoneID string, position int) error
	SetUnitStage(ctx context.Context, unitID string, cmd model.UnitCommand) error
}

// Write is one device command within a dispatch phase.
type Write struct {
	Kind     model.DeviceKind
	Device   string
	Position int
	Command  model.UnitCommand
}

func DamperWrite(zoneID string, position int) Write {
	return Write{Kind: model.DeviceDamper, Device: zoneID, Position: position}
}

func UnitWrite(unitID string, cmd model.UnitCommand) Write {
	return Write{Kind: model.DeviceUnit, Device: unitID, Command: cmd}
}

func (w Write) key() string { return string(w.Kind) + "/" + w.Device }

// Result is the outcome of one write. Err is nil or an *model.ActuatorWriteError.
type Result struct {
	Write
	Err error
}

type Dispatcher struct {
	act      Actuator
	timeout  time.Duration
	parallel int

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewDispatcher(act Actuator, timeout time.Duration, parallel int) *Dispatcher {
	if parallel < 1 {
		parallel = 1
	}
	return &Dispatcher{
		act:      act,
		timeout:  timeout,
		parallel: parallel,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

func (d *Dispatcher) breaker(key string) *gobreaker.CircuitBreaker[struct{}] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("device", name).Str("from", from.String()).Str("to", to.String()).Msg("Actuator breaker state changed")
		},
	})
	d.breakers[key] = cb
	return cb
}

// Dispatch runs the writes concurrently and returns one result per write, in input order.
// A device that hangs is cut off by the write timeout and does not hold up the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, writes []Write) []Result {
	results := make([]Result, len(writes))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i, w := range writes {
		results[i].Write = w
		g.Go(func() error {
			results[i].Err = d.write(gCtx, w)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) write(ctx context.Context, w Write) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := d.breaker(w.key()).Execute(func() (struct{}, error) {
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("actuator panic: %v", r)
				}
			}()
			switch w.Kind {
			case model.DeviceDamper:
				done <- d.act.SetDamperPosition(ctx, w.Device, w.Position)
			case model.DeviceUnit:
				done <- d.act.SetUnitStage(ctx, w.Device, w.Command)
			default:
				done <- fmt.Errorf("unknown device kind %q", w.Kind)
			}
		}()
		select {
		case err := <-done:
			return struct{}{}, err
		case <-ctx.Done():
			return struct{}{}, fmt.Errorf("write timed out: %w", ctx.Err())
		}
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("circuit open: %w", err)
	}
	log.Error().Err(err).Str("kind", string(w.Kind)).Str("device", w.Device).Msg("Actuator write failed")
	return &model.ActuatorWriteError{Kind: w.Kind, Device: w.Device, Err: err}
}
