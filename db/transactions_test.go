package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, ApplySchema(conn))
	return conn
}

func TestApplySchemaIsRepeatable(t *testing.T) {
	conn := memDB(t)
	require.NoError(t, ApplySchema(conn))

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('overrides', 'unit_transitions')`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestOverrideRoundTrip(t *testing.T) {
	s := NewStore(memDB(t))
	created := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)
	expiry := created.Add(2 * time.Hour)

	require.NoError(t, s.UpsertOverride(model.Override{ZoneID: "living", Setpoint: 72, Expiry: &expiry, CreatedAt: created}))
	require.NoError(t, s.UpsertOverride(model.Override{ZoneID: "bedroom", Setpoint: 66, CreatedAt: created}))
	require.NoError(t, s.UpsertOverride(model.Override{ZoneID: "living", Setpoint: 73, Expiry: &expiry, CreatedAt: created}))

	got, err := s.GetOverrides()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bedroom", got[0].ZoneID)
	assert.Nil(t, got[0].Expiry)
	assert.Equal(t, 73.0, got[1].Setpoint)
	require.NotNil(t, got[1].Expiry)
	assert.True(t, expiry.Equal(*got[1].Expiry))
	assert.True(t, created.Equal(got[1].CreatedAt))

	require.NoError(t, s.DeleteOverride("living"))
	require.NoError(t, s.DeleteOverride("missing"))
	got, err = s.GetOverrides()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUnitStateRoundTrip(t *testing.T) {
	s := NewStore(memDB(t))
	on := time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC)

	states := []model.UnitState{
		{UnitID: "hp", Stage: 2, Direction: model.DirectionHeat, LastDirection: model.DirectionHeat, LastOn: on, LastOff: on.Add(-time.Hour), LastTransition: on.Add(time.Minute)},
		{UnitID: "ac", Direction: model.DirectionNone, LastDirection: model.DirectionCool, LastOff: on},
	}
	require.NoError(t, s.SaveUnitStates(states))

	states[0].Stage = 1
	require.NoError(t, s.SaveUnitStates(states[:1]))

	got, err := s.GetUnitStates()
	require.NoError(t, err)
	require.Len(t, got, 2)

	hp := got["hp"]
	assert.Equal(t, 1, hp.Stage)
	assert.Equal(t, model.DirectionHeat, hp.Direction)
	assert.True(t, on.Equal(hp.LastOn))
	assert.True(t, on.Add(time.Minute).Equal(hp.LastTransition))

	ac := got["ac"]
	assert.Equal(t, model.DirectionCool, ac.LastDirection)
	assert.True(t, ac.LastOn.IsZero())
	assert.True(t, on.Equal(ac.LastOff))
}

func TestCLIHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "director.db")

	require.NoError(t, SetOverrideCLI(path, "den", 70, nil))
	list, err := ListOverridesCLI(path)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 70.0, list[0].Setpoint)

	require.NoError(t, ClearOverrideCLI(path, "den"))
	list, err = ListOverridesCLI(path)
	require.NoError(t, err)
	assert.Empty(t, list)

	units, err := ListUnitStatesCLI(path)
	require.NoError(t, err)
	assert.Empty(t, units)
}
