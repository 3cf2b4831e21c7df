package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS overrides (
	zone_id TEXT PRIMARY KEY,
	setpoint REAL NOT NULL,
	expiry TEXT DEFAULT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unit_transitions (
	unit_id TEXT PRIMARY KEY,
	stage INTEGER NOT NULL DEFAULT 0,
	direction TEXT NOT NULL DEFAULT 'none',
	last_direction TEXT NOT NULL DEFAULT 'none',
	last_on TEXT DEFAULT NULL,
	last_off TEXT DEFAULT NULL,
	last_transition TEXT DEFAULT NULL
);`

// Open opens the sqlite database at path and makes sure the schema exists.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("Database ready")
	return conn, nil
}

// ApplySchema creates missing tables. It is safe to run on every start.
func ApplySchema(db *sql.DB) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schema); err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("apply schema: %w", err)
	}
	return CommitTransaction(tx)
}
