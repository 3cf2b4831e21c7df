package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// Store persists overrides and unit transition history. It satisfies schedule.Persister.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertOverride(o model.Override) error {
	tx, err := StartTransaction(s.db)
	if err != nil {
		return err
	}
	if err := UpsertOverrideWithTx(tx, o); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func (s *Store) DeleteOverride(zoneID string) error {
	tx, err := StartTransaction(s.db)
	if err != nil {
		return err
	}
	if err := DeleteOverrideWithTx(tx, zoneID); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func (s *Store) GetOverrides() ([]model.Override, error) {
	return GetOverrides(s.db)
}

// SaveUnitStates writes the transition history of every unit in one transaction.
func (s *Store) SaveUnitStates(states []model.UnitState) error {
	tx, err := StartTransaction(s.db)
	if err != nil {
		return err
	}
	for _, st := range states {
		if err := SaveUnitStateWithTx(tx, st); err != nil {
			RollbackTransaction(tx)
			return err
		}
	}
	return CommitTransaction(tx)
}

func (s *Store) GetUnitStates() (map[string]model.UnitState, error) {
	return GetUnitStates(s.db)
}

func UpsertOverrideWithTx(tx *sql.Tx, o model.Override) error {
	_, err := tx.Exec(`INSERT INTO overrides (zone_id, setpoint, expiry, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(zone_id) DO UPDATE SET setpoint = excluded.setpoint, expiry = excluded.expiry, created_at = excluded.created_at`,
		o.ZoneID, o.Setpoint, formatTime(o.Expiry), o.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert override %s: %w", o.ZoneID, err)
	}
	return nil
}

func DeleteOverrideWithTx(tx *sql.Tx, zoneID string) error {
	if _, err := tx.Exec(`DELETE FROM overrides WHERE zone_id = ?`, zoneID); err != nil {
		return fmt.Errorf("delete override %s: %w", zoneID, err)
	}
	return nil
}

func GetOverrides(db *sql.DB) ([]model.Override, error) {
	rows, err := db.Query(`SELECT zone_id, setpoint, expiry, created_at FROM overrides ORDER BY zone_id`)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	var overrides []model.Override
	for rows.Next() {
		var o model.Override
		var expiry sql.NullString
		var createdAt string
		if err := rows.Scan(&o.ZoneID, &o.Setpoint, &expiry, &createdAt); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		if o.Expiry, err = parseTime(expiry); err != nil {
			return nil, fmt.Errorf("override %s expiry: %w", o.ZoneID, err)
		}
		if o.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("override %s created_at: %w", o.ZoneID, err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// SaveUnitStateWithTx stores the fields needed to honour protection timers after a restart.
func SaveUnitStateWithTx(tx *sql.Tx, st model.UnitState) error {
	_, err := tx.Exec(`INSERT INTO unit_transitions (unit_id, stage, direction, last_direction, last_on, last_off, last_transition)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id) DO UPDATE SET stage = excluded.stage, direction = excluded.direction,
			last_direction = excluded.last_direction, last_on = excluded.last_on,
			last_off = excluded.last_off, last_transition = excluded.last_transition`,
		st.UnitID, st.Stage, string(st.Direction), string(st.LastDirection),
		formatTime(&st.LastOn), formatTime(&st.LastOff), formatTime(&st.LastTransition))
	if err != nil {
		return fmt.Errorf("save unit state %s: %w", st.UnitID, err)
	}
	return nil
}

func GetUnitStates(db *sql.DB) (map[string]model.UnitState, error) {
	rows, err := db.Query(`SELECT unit_id, stage, direction, last_direction, last_on, last_off, last_transition FROM unit_transitions`)
	if err != nil {
		return nil, fmt.Errorf("query unit transitions: %w", err)
	}
	defer rows.Close()

	states := make(map[string]model.UnitState)
	for rows.Next() {
		var st model.UnitState
		var direction, lastDirection string
		var lastOn, lastOff, lastTransition sql.NullString
		if err := rows.Scan(&st.UnitID, &st.Stage, &direction, &lastDirection, &lastOn, &lastOff, &lastTransition); err != nil {
			return nil, fmt.Errorf("scan unit transition: %w", err)
		}
		st.Direction = model.Direction(direction)
		st.LastDirection = model.Direction(lastDirection)
		for _, f := range []struct {
			dst *time.Time
			src sql.NullString
		}{{&st.LastOn, lastOn}, {&st.LastOff, lastOff}, {&st.LastTransition, lastTransition}} {
			t, err := parseTime(f.src)
			if err != nil {
				return nil, fmt.Errorf("unit %s timestamps: %w", st.UnitID, err)
			}
			if t != nil {
				*f.dst = *t
			}
		}
		states[st.UnitID] = st
	}
	return states, rows.Err()
}

func formatTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
