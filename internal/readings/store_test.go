package readings

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = Settings{
	PlausibleMin:  -40,
	PlausibleMax:  140,
	MaxDelta:      5,
	AnomalyAccept: 3,
}

type scenario struct {
	name          string
	values        []float64
	expectedValid []bool
	expectedLast  float64
}

func runScenario(t *testing.T, sc scenario) {
	store := NewStore(testSettings)
	base := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

	for i, v := range sc.values {
		store.ReportReading("living", v, base.Add(time.Duration(i)*5*time.Second))
		r, ok := store.Latest("living")
		require.True(t, ok)
		assert.Equal(t, sc.expectedValid[i], r.Valid, "reading %d (%.1f) validity mismatch", i, v)
	}

	r, _ := store.Latest("living")
	assert.InDelta(t, sc.expectedLast, r.Value, 0.001)
}

func TestNormalReadings(t *testing.T) {
	runScenario(t, scenario{
		values:        []float64{70.0, 71.0, 72.0, 71.5, 72.0},
		expectedValid: []bool{true, true, true, true, true},
		expectedLast:  72.0,
	})
}

func TestSpikeRejected(t *testing.T) {
	runScenario(t, scenario{
		values:        []float64{70.0, 70.5, 185.0, 32.0, 70.8},
		expectedValid: []bool{true, true, false, false, true},
		expectedLast:  70.8,
	})
}

func TestStableNewBaselineAccepted(t *testing.T) {
	runScenario(t, scenario{
		values:        []float64{70.0, 50.0, 50.5, 50.2, 50.4},
		expectedValid: []bool{true, false, false, true, true},
		expectedLast:  50.4,
	})
}

func TestDisagreeingAnomaliesNeverAccepted(t *testing.T) {
	runScenario(t, scenario{
		values:        []float64{70.0, 50.0, 90.0, 50.0, 90.0},
		expectedValid: []bool{true, false, false, false, false},
		expectedLast:  90.0,
	})
}

func TestImplausibleReadings(t *testing.T) {
	store := NewStore(testSettings)
	now := time.Now()

	store.ReportReading("garage", math.NaN(), now)
	r, ok := store.Latest("garage")
	require.True(t, ok)
	assert.False(t, r.Valid)

	store.ReportReading("garage", -85, now.Add(time.Second))
	r, _ = store.Latest("garage")
	assert.False(t, r.Valid)

	store.ReportReading("garage", 41, now.Add(2*time.Second))
	r, _ = store.Latest("garage")
	assert.True(t, r.Valid)
}

func TestOutOfOrderReadingDropped(t *testing.T) {
	store := NewStore(testSettings)
	now := time.Now()

	store.ReportReading("living", 70, now)
	store.ReportReading("living", 71, now.Add(-time.Minute))

	r, ok := store.Latest("living")
	require.True(t, ok)
	assert.Equal(t, 70.0, r.Value)
	assert.Equal(t, now, r.Timestamp)
}

func TestLatestUnknownZone(t *testing.T) {
	store := NewStore(testSettings)
	_, ok := store.Latest("nowhere")
	assert.False(t, ok)
}

func TestAllOrderedByZone(t *testing.T) {
	store := NewStore(testSettings)
	now := time.Now()
	store.ReportReading("c", 70, now)
	store.ReportReading("a", 71, now)
	store.ReportReading("b", 72, now)

	all := store.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ZoneID)
	assert.Equal(t, "b", all[1].ZoneID)
	assert.Equal(t, "c", all[2].ZoneID)
}

func TestConcurrentProducers(t *testing.T) {
	store := NewStore(Settings{PlausibleMin: -1000, PlausibleMax: 100000})
	base := time.Now()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(zone string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				store.ReportReading(zone, float64(i), base.Add(time.Duration(i)*time.Millisecond))
				if r, ok := store.Latest(zone); ok {
					// Value and timestamp are always written together.
					assert.Equal(t, base.Add(time.Duration(r.Value)*time.Millisecond), r.Timestamp)
				}
			}
		}([]string{"a", "b", "c", "d"}[p])
	}
	wg.Wait()

	for _, r := range store.All() {
		assert.Equal(t, 499.0, r.Value)
	}
}
