// Package schema creates the service's tables and seeds the measurement
// type reference table at startup.
package schema

import (
	"context"
	"fmt"

	"github.com/trixelservice/trixellookup/internal/measurement"
	"github.com/trixelservice/trixellookup/pkg/database"
	"github.com/trixelservice/trixellookup/pkg/logger"
)

const createTables = `
	CREATE TABLE IF NOT EXISTS measurement_types (
		type_id INT PRIMARY KEY,
		type_name VARCHAR(32) UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS level_lookup (
		trixel_id BIGINT PRIMARY KEY,
		level INT NOT NULL CHECK (level >= 0)
	);

	CREATE TABLE IF NOT EXISTS trixel_map (
		trixel_id BIGINT NOT NULL,
		type_id INT NOT NULL REFERENCES measurement_types(type_id) ON DELETE CASCADE,
		sensor_count INT NOT NULL DEFAULT 0 CHECK (sensor_count >= 0),
		PRIMARY KEY (trixel_id, type_id)
	);

	CREATE TABLE IF NOT EXISTS tms (
		tms_id SERIAL PRIMARY KEY,
		host TEXT NOT NULL,
		secret BYTEA UNIQUE NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS tms_delegations (
		tms_id INT NOT NULL REFERENCES tms(tms_id),
		trixel_id BIGINT NOT NULL,
		exclude BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tms_id, trixel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_trixel_map_type ON trixel_map(type_id);
	CREATE INDEX IF NOT EXISTS idx_tms_delegations_trixel ON tms_delegations(trixel_id);
`

// Initialize creates all tables and reconciles the measurement type
// reference table with the code-defined enumeration. A persisted type that
// is not part of the code-defined set is an unrecoverable inconsistency and
// the process must not serve traffic.
func Initialize(ctx context.Context, db *database.PostgreSQL, log *logger.Logger) error {
	if _, err := db.Pool().Exec(ctx, createTables); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := initMeasurementTypes(ctx, db, log); err != nil {
		return err
	}

	log.Info("Database schema initialized")
	return nil
}

// initMeasurementTypes seeds missing enum rows and fails on rows that the
// code-defined enumeration does not know. The code-defined set can then be
// used directly without consulting the reference table on every request.
func initMeasurementTypes(ctx context.Context, db *database.PostgreSQL, log *logger.Logger) error {
	rows, err := db.Pool().Query(ctx, "SELECT type_id, type_name FROM measurement_types")
	if err != nil {
		return fmt.Errorf("failed to read measurement types: %w", err)
	}
	defer rows.Close()

	persisted := make(map[int]string)
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		persisted[id] = name
	}
	if err := rows.Err(); err != nil {
		return err
	}

	defined := make(map[int]string)
	for _, typ := range measurement.All() {
		id, err := typ.ID()
		if err != nil {
			return err
		}
		defined[id] = string(typ)
	}

	for id, name := range persisted {
		if defined[id] != name {
			return fmt.Errorf("measurement type table contains unsupported entry (%d, %q)", id, name)
		}
	}

	for id, name := range defined {
		if _, ok := persisted[id]; ok {
			continue
		}
		_, err := db.Pool().Exec(ctx,
			"INSERT INTO measurement_types (type_id, type_name) VALUES ($1, $2)", id, name)
		if err != nil {
			return fmt.Errorf("failed to seed measurement type %q: %w", name, err)
		}
		log.Infof("Seeded measurement type %q with id %d", name, id)
	}

	return nil
}
