package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// Persister stores overrides across restarts.
type Persister interface {
	UpsertOverride(o model.Override) error
	DeleteOverride(zoneID string) error
}

// OverrideStore holds operator overrides, the highest precedence setpoint source.
type OverrideStore struct {
	mu        sync.RWMutex
	overrides map[string]model.Override
	zones     map[string]bool
	min, max  float64
	persister Persister
	now       func() time.Time
}

func NewOverrideStore(zones []model.Zone, min, max float64, persister Persister) *OverrideStore {
	known := make(map[string]bool, len(zones))
	for _, z := range zones {
		known[z.ID] = true
	}
	return &OverrideStore{
		overrides: make(map[string]model.Override),
		zones:     known,
		min:       min,
		max:       max,
		persister: persister,
		now:       time.Now,
	}
}

// Restore loads previously persisted overrides, dropping expired ones and unknown zones.
func (s *OverrideStore) Restore(overrides []model.Override) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, o := range overrides {
		if !s.zones[o.ZoneID] || o.Expired(now) {
			continue
		}
		s.overrides[o.ZoneID] = o
	}
}

// SetOverride pins a zone's setpoint until expiry, or until cleared when expiry is nil.
func (s *OverrideStore) SetOverride(zoneID string, setpoint float64, expiry *time.Time) error {
	if !s.zones[zoneID] {
		return fmt.Errorf("%w: %s", model.ErrUnknownZone, zoneID)
	}
	if setpoint < s.min || setpoint > s.max {
		return fmt.Errorf("%w: %.1f not in [%.1f, %.1f]", model.ErrSetpointRange, setpoint, s.min, s.max)
	}

	o := model.Override{ZoneID: zoneID, Setpoint: setpoint, Expiry: expiry, CreatedAt: s.now()}
	if s.persister != nil {
		if err := s.persister.UpsertOverride(o); err != nil {
			return fmt.Errorf("persist override: %w", err)
		}
	}

	s.mu.Lock()
	s.overrides[zoneID] = o
	s.mu.Unlock()

	ev := log.Info().Str("zone", zoneID).Float64("setpoint", setpoint)
	if expiry != nil {
		ev = ev.Time("expiry", *expiry)
	}
	ev.Msg("Override set")
	return nil
}

func (s *OverrideStore) ClearOverride(zoneID string) error {
	if !s.zones[zoneID] {
		return fmt.Errorf("%w: %s", model.ErrUnknownZone, zoneID)
	}
	if s.persister != nil {
		if err := s.persister.DeleteOverride(zoneID); err != nil {
			return fmt.Errorf("delete override: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.overrides, zoneID)
	s.mu.Unlock()

	log.Info().Str("zone", zoneID).Msg("Override cleared")
	return nil
}

// Get returns the live override for zoneID. Expired overrides are pruned.
func (s *OverrideStore) Get(zoneID string, now time.Time) (model.Override, bool) {
	s.mu.RLock()
	o, ok := s.overrides[zoneID]
	s.mu.RUnlock()
	if !ok {
		return model.Override{}, false
	}
	if o.Expired(now) {
		s.mu.Lock()
		if cur, still := s.overrides[zoneID]; still && cur.CreatedAt.Equal(o.CreatedAt) {
			delete(s.overrides, zoneID)
		}
		s.mu.Unlock()
		if s.persister != nil {
			if err := s.persister.DeleteOverride(zoneID); err != nil {
				log.Warn().Err(err).Str("zone", zoneID).Msg("Failed to delete expired override")
			}
		}
		log.Info().Str("zone", zoneID).Msg("Override expired")
		return model.Override{}, false
	}
	return o, true
}

// List returns all live overrides.
func (s *OverrideStore) List(now time.Time) []model.Override {
	s.mu.RLock()
	ids := make([]string, 0, len(s.overrides))
	for id := range s.overrides {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []model.Override
	for _, id := range ids {
		if o, ok := s.Get(id, now); ok {
			out = append(out, o)
		}
	}
	return out
}
