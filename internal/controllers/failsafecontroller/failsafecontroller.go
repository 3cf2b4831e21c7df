package failsafecontroller

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

type Notifier interface {
	Send(ctx context.Context, title, message string) error
}

// Limits are the temperatures outside which a zone raises an alarm. An alarm clears once the
// zone is back inside the limits by Spread.
type Limits struct {
	MinTemp float64
	MaxTemp float64
	Spread  float64
}

// Watch is the set of conditions that were already reported.
type Watch struct {
	FatalUnits   map[string]bool
	FatalDampers map[string]bool
	StaleZones   map[string]bool
	Alarms       map[string]bool
}

func newWatch() Watch {
	return Watch{
		FatalUnits:   map[string]bool{},
		FatalDampers: map[string]bool{},
		StaleZones:   map[string]bool{},
		Alarms:       map[string]bool{},
	}
}

type Notice struct {
	Title   string
	Message string
}

type FailsafeAction struct {
	Next    Watch
	Notices []Notice
}

// Controller turns snapshot health into edge triggered notifications.
type Controller struct {
	notifier Notifier
	limits   Limits

	mu    sync.Mutex
	watch Watch
}

func New(notifier Notifier, limits Limits) *Controller {
	return &Controller{notifier: notifier, limits: limits, watch: newWatch()}
}

// Publish evaluates one snapshot. It never fails the caller; send errors are logged.
func (c *Controller) Publish(ctx context.Context, snap *model.Snapshot) error {
	c.mu.Lock()
	action := evaluateFailsafeActions(c.watch, snap, c.limits)
	c.watch = action.Next
	c.mu.Unlock()

	executeFailsafeActions(ctx, c.notifier, action)
	return nil
}

func (c *Controller) Close() error { return nil }

func evaluateFailsafeActions(prev Watch, snap *model.Snapshot, limits Limits) FailsafeAction {
	action := FailsafeAction{Next: newWatch()}

	for _, id := range snap.Health.FatalUnits {
		action.Next.FatalUnits[id] = true
		if !prev.FatalUnits[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "HVAC unit not responding",
				Message: fmt.Sprintf("Unit %s failed repeated writes and is holding its last stage.", id),
			})
		}
	}
	for _, id := range sortedKeys(prev.FatalUnits) {
		if !action.Next.FatalUnits[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "HVAC unit recovered",
				Message: fmt.Sprintf("Unit %s is accepting commands again.", id),
			})
		}
	}

	for _, id := range snap.Health.FatalDampers {
		action.Next.FatalDampers[id] = true
		if !prev.FatalDampers[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "Zone damper not responding",
				Message: fmt.Sprintf("Damper for zone %s failed repeated writes.", id),
			})
		}
	}
	for _, id := range sortedKeys(prev.FatalDampers) {
		if !action.Next.FatalDampers[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "Zone damper recovered",
				Message: fmt.Sprintf("Damper for zone %s is accepting commands again.", id),
			})
		}
	}

	for _, id := range snap.Health.StaleZones {
		action.Next.StaleZones[id] = true
		if !prev.StaleZones[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "Zone sensor stale",
				Message: fmt.Sprintf("No fresh reading from zone %s; its demand is ignored.", id),
			})
		}
	}
	for _, id := range sortedKeys(prev.StaleZones) {
		if !action.Next.StaleZones[id] {
			action.Notices = append(action.Notices, Notice{
				Title:   "Zone sensor recovered",
				Message: fmt.Sprintf("Zone %s is reporting again.", id),
			})
		}
	}

	for _, z := range snap.Zones {
		if z.Reading == nil || !z.Reading.Valid || z.State == model.CallStale {
			if prev.Alarms[z.ZoneID] {
				action.Next.Alarms[z.ZoneID] = true
			}
			continue
		}
		temp := z.Reading.Value
		switch {
		case temp < limits.MinTemp || temp > limits.MaxTemp:
			action.Next.Alarms[z.ZoneID] = true
			if !prev.Alarms[z.ZoneID] {
				log.Warn().
					Str("zone", z.ZoneID).
					Float64("temp", temp).
					Float64("min_threshold", limits.MinTemp).
					Float64("max_threshold", limits.MaxTemp).
					Msg("Zone temperature outside safety limits")
				action.Notices = append(action.Notices, Notice{
					Title:   "Zone temperature alarm",
					Message: fmt.Sprintf("Zone %s is at %.1f°F, outside %.0f-%.0f°F.", z.ZoneID, temp, limits.MinTemp, limits.MaxTemp),
				})
			}
		case prev.Alarms[z.ZoneID] && (temp < limits.MinTemp+limits.Spread || temp > limits.MaxTemp-limits.Spread):
			action.Next.Alarms[z.ZoneID] = true
		case prev.Alarms[z.ZoneID]:
			action.Notices = append(action.Notices, Notice{
				Title:   "Zone temperature normal",
				Message: fmt.Sprintf("Zone %s is back to %.1f°F.", z.ZoneID, temp),
			})
		}
	}
	return action
}

func executeFailsafeActions(ctx context.Context, notifier Notifier, action FailsafeAction) {
	for _, n := range action.Notices {
		log.Info().Str("title", n.Title).Msg(n.Message)
		if notifier == nil {
			continue
		}
		if err := notifier.Send(ctx, n.Title, n.Message); err != nil {
			log.Error().Err(err).Str("title", n.Title).Msg("Failed to send notification")
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
