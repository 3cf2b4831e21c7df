package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Source answers which schedule periods apply to a zone at an instant.
type Source interface {
	GetActivePeriods(zoneID string, at time.Time) ([]model.SchedulePeriod, error)
}

// Overrides is the operator override lookup the resolver consults first.
type Overrides interface {
	Get(zoneID string, now time.Time) (model.Override, bool)
}

// StaticSource serves periods loaded once from configuration.
type StaticSource struct {
	periods map[string][]model.SchedulePeriod
}

func NewStaticSource(periods []model.SchedulePeriod) *StaticSource {
	s := &StaticSource{periods: make(map[string][]model.SchedulePeriod)}
	for _, p := range periods {
		s.periods[p.ZoneID] = append(s.periods[p.ZoneID], p)
	}
	for zone := range s.periods {
		sort.SliceStable(s.periods[zone], func(i, j int) bool {
			return s.periods[zone][i].Order < s.periods[zone][j].Order
		})
	}
	return s
}

// GetActivePeriods returns the matching periods in definition order.
func (s *StaticSource) GetActivePeriods(zoneID string, at time.Time) ([]model.SchedulePeriod, error) {
	var active []model.SchedulePeriod
	for _, p := range s.periods[zoneID] {
		if p.Includes(at) {
			active = append(active, p)
		}
	}
	return active, nil
}

// DetectOverlaps lists pairs of equally specific periods that can be active together.
func DetectOverlaps(periods []model.SchedulePeriod) []string {
	var conflicts []string
	for i := 0; i < len(periods); i++ {
		for j := i + 1; j < len(periods); j++ {
			a, b := periods[i], periods[j]
			if a.Absolute() != b.Absolute() {
				continue
			}
			if a.Overlaps(b) {
				conflicts = append(conflicts, fmt.Sprintf("zone %s: periods %q and %q overlap; the later one wins", a.ZoneID, label(a), label(b)))
			}
		}
	}
	return conflicts
}

func label(p model.SchedulePeriod) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

type Resolver struct {
	source    Source
	overrides Overrides

	// warned remembers overlap pairs already logged so a long overlap is reported once.
	mu     sync.Mutex
	warned map[string]bool
}

func NewResolver(source Source, overrides Overrides) *Resolver {
	return &Resolver{
		source:    source,
		overrides: overrides,
		warned:    make(map[string]bool),
	}
}

// EffectiveSetpoint returns the setpoint in force for zone at now and where it came from.
func (r *Resolver) EffectiveSetpoint(zone model.Zone, now time.Time) (float64, model.SetpointSource, error) {
	if r.overrides != nil {
		if o, ok := r.overrides.Get(zone.ID, now); ok {
			return o.Setpoint, model.SourceOverride, nil
		}
	}

	if zone.Hold || r.source == nil {
		return zone.DefaultSetpoint, model.SourceDefault, nil
	}

	periods, err := r.source.GetActivePeriods(zone.ID, now)
	if err != nil {
		return 0, "", fmt.Errorf("%w: zone %s: %v", model.ErrScheduleResolution, zone.ID, err)
	}
	if len(periods) == 0 {
		return zone.DefaultSetpoint, model.SourceDefault, nil
	}

	p := r.pick(zone.ID, periods)
	return p.Apply(zone.DefaultSetpoint), model.SourcePeriod, nil
}

// pick prefers date-bounded periods over recurring ones, then the latest defined.
func (r *Resolver) pick(zoneID string, periods []model.SchedulePeriod) model.SchedulePeriod {
	best := periods[0]
	for _, p := range periods[1:] {
		if p.Absolute() != best.Absolute() {
			if p.Absolute() {
				best = p
			}
			continue
		}
		r.warnOverlap(zoneID, best, p)
		if p.Order > best.Order {
			best = p
		}
	}
	return best
}

func (r *Resolver) warnOverlap(zoneID string, a, b model.SchedulePeriod) {
	key := a.ID + "|" + b.ID
	r.mu.Lock()
	seen := r.warned[key]
	r.warned[key] = true
	r.mu.Unlock()
	if seen {
		return
	}
	log.Warn().
		Str("zone", zoneID).
		Str("period_a", label(a)).
		Str("period_b", label(b)).
		Err(model.ErrConfigurationConflict).
		Msg("Overlapping schedule periods, latest defined wins")
}
