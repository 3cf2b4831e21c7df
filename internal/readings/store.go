package readings

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

type Settings struct {
	PlausibleMin  float64
	PlausibleMax  float64
	MaxDelta      float64
	AnomalyAccept int
}

// slot holds the latest-known value for one zone. Its mutex is the per-key writer lock.
type slot struct {
	mu       sync.Mutex
	latest   model.Reading
	lastGood model.Reading
	hasGood  bool
	anomaly  []float64
}

// Store is the latest-value reading cache shared between bus adapters and the control loop.
type Store struct {
	mutex    sync.RWMutex
	slots    map[string]*slot
	settings Settings
}

func NewStore(settings Settings) *Store {
	return &Store{
		slots:    make(map[string]*slot),
		settings: settings,
	}
}

func (s *Store) slot(zoneID string) *slot {
	s.mutex.RLock()
	sl, ok := s.slots[zoneID]
	s.mutex.RUnlock()
	if ok {
		return sl
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if sl, ok = s.slots[zoneID]; !ok {
		sl = &slot{}
		s.slots[zoneID] = sl
	}
	return sl
}

// ReportReading records a reading. Last value wins; readings older than the stored one are dropped.
func (s *Store) ReportReading(zoneID string, value float64, ts time.Time) {
	sl := s.slot(zoneID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.latest.Timestamp.IsZero() && ts.Before(sl.latest.Timestamp) {
		log.Debug().Str("zone", zoneID).Time("ts", ts).Msg("Dropping out-of-order reading")
		return
	}

	reading := model.Reading{
		ZoneID:    zoneID,
		Value:     value,
		Timestamp: ts,
		Valid:     s.accept(zoneID, sl, value),
	}
	sl.latest = reading
	if reading.Valid {
		sl.lastGood = reading
		sl.hasGood = true
	}
}

// accept applies plausibility and step-change checks. Caller holds sl.mu.
func (s *Store) accept(zoneID string, sl *slot, value float64) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < s.settings.PlausibleMin || value > s.settings.PlausibleMax {
		log.Warn().Str("zone", zoneID).Float64("value", value).Msg("Implausible reading rejected")
		return false
	}

	if !sl.hasGood || s.settings.MaxDelta <= 0 {
		sl.anomaly = sl.anomaly[:0]
		return true
	}

	if math.Abs(value-sl.lastGood.Value) <= s.settings.MaxDelta {
		sl.anomaly = sl.anomaly[:0]
		return true
	}

	// A run of readings that agree with each other is a new baseline, not noise.
	if n := len(sl.anomaly); n > 0 && math.Abs(value-sl.anomaly[n-1]) > s.settings.MaxDelta {
		sl.anomaly = sl.anomaly[:0]
	}
	sl.anomaly = append(sl.anomaly, value)
	if len(sl.anomaly) >= s.settings.AnomalyAccept {
		log.Info().
			Str("zone", zoneID).
			Float64("value", value).
			Float64("previous", sl.lastGood.Value).
			Msg("Stable new baseline detected, accepting reading")
		sl.anomaly = sl.anomaly[:0]
		return true
	}

	log.Warn().
		Str("zone", zoneID).
		Float64("value", value).
		Float64("last_good", sl.lastGood.Value).
		Int("anomalies", len(sl.anomaly)).
		Msg("Reading rejected as anomalous")
	return false
}

// Latest returns a copy of the most recent reading for zoneID.
func (s *Store) Latest(zoneID string) (model.Reading, bool) {
	s.mutex.RLock()
	sl, ok := s.slots[zoneID]
	s.mutex.RUnlock()
	if !ok {
		return model.Reading{}, false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.latest.Timestamp.IsZero() {
		return model.Reading{}, false
	}
	return sl.latest, true
}

// All returns a copy of every zone's latest reading, ordered by zone id.
func (s *Store) All() []model.Reading {
	s.mutex.RLock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	s.mutex.RUnlock()
	sort.Strings(ids)

	out := make([]model.Reading, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.Latest(id); ok {
			out = append(out, r)
		}
	}
	return out
}
