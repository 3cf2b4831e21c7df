package db

import (
	"database/sql"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/model"
)

func SetOverrideCLI(dbPath, zoneID string, setpoint float64, expiry *time.Time) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	tx, err := StartTransaction(dbConn)
	if err != nil {
		return err
	}
	o := model.Override{ZoneID: zoneID, Setpoint: setpoint, Expiry: expiry, CreatedAt: time.Now()}
	if err := UpsertOverrideWithTx(tx, o); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func ClearOverrideCLI(dbPath, zoneID string) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()
	tx, err := StartTransaction(dbConn)
	if err != nil {
		return err
	}
	if err := DeleteOverrideWithTx(tx, zoneID); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func ListOverridesCLI(dbPath string) ([]model.Override, error) {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()
	return GetOverrides(dbConn)
}

func ListUnitStatesCLI(dbPath string) (map[string]model.UnitState, error) {
	dbConn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	defer dbConn.Close()
	return GetUnitStates(dbConn)
}
