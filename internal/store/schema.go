// Package store persists runs, readings, labels, the run registry, and
// experiment results in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// schemaV1 is the initial schema for the SQLite store.
const schemaV1 = `
-- Recorded runs. Baseline columns hold the dry reference computed at
-- ingest time; NULL means it is recomputed on read.
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT,
    diaper_type TEXT,
    sensor_layout TEXT,
    external_run_id TEXT,
    file_name TEXT,
    started_at TEXT,
    sampling_interval_s REAL,
    notes TEXT,
    baseline_temp_c REAL,
    baseline_rh_pct REAL,
    baseline_vp_hpa REAL,
    baseline_ah_g_m3 REAL,
    baseline_n INTEGER,
    created_at TEXT NOT NULL
);

-- Raw sensor samples. Derived channels are recomputed on read, never
-- stored. NULL marks a missing value. seq numbers samples per run in
-- source order; offsets may repeat (device logs have 1s resolution), so
-- the elapsed offset cannot be part of the key.
CREATE TABLE IF NOT EXISTS readings (
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    sensor_id TEXT NOT NULL DEFAULT 's1',
    t_elapsed_s REAL NOT NULL,
    temp_c REAL,
    rh_pct REAL,
    PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_readings_run ON readings(run_id, t_elapsed_s);

-- Ground-truth event labels.
CREATE TABLE IF NOT EXISTS labels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    event_time_s REAL NOT NULL,
    confidence REAL,
    source TEXT,
    volume_ml REAL,
    location TEXT,
    distance_cm REAL,
    water_temp_c REAL,
    notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_labels_run ON labels(run_id, event_time_s);

-- Bench-session registry linking external run sheets to ingested runs.
CREATE TABLE IF NOT EXISTS run_registry (
    external_run_id TEXT PRIMARY KEY,
    log_file_ref TEXT,
    device_id TEXT,
    diaper_type TEXT,
    sensor_layout TEXT,
    subject TEXT,
    notes TEXT,
    run_id INTEGER REFERENCES runs(id),
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_log_ref ON run_registry(log_file_ref);

-- Experiments and their cell results. Results are keyed by the cell's
-- content identity, so reruns of the same cell land on the same row.
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    description TEXT,
    code_version TEXT,
    seed INTEGER,
    state TEXT NOT NULL,
    definition TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cell_results (
    cell_id TEXT PRIMARY KEY,
    experiment_id TEXT NOT NULL,
    run_id INTEGER NOT NULL,
    simulation TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    provenance TEXT,
    output TEXT,
    metrics TEXT,
    saved_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_experiment ON cell_results(experiment_id);

-- Schema version
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// InitSchema initializes the database schema.
// It creates all tables and applies migrations as needed.
// Runs integrity validation before migrations on existing databases.
func InitSchema(ctx context.Context, db *sql.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// Schema version table doesn't exist yet, create fresh schema
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if currentVersion < SchemaVersion {
		if err := migrateSchema(ctx, db, currentVersion); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version from the database.
// Returns 0 and an error if the schema_version table doesn't exist.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// createSchema creates the initial database schema.
func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

// migrateSchema applies migrations from currentVersion to SchemaVersion.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) error {
	// Currently only one version, no migrations needed
	_ = currentVersion
	return nil
}

// ValidateIntegrity runs SQLite integrity checks on the database.
// It runs PRAGMA integrity_check and PRAGMA foreign_key_check.
// Returns an error if any issues are found.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}

	fkRows, err := db.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return fmt.Errorf("failed to run foreign_key_check: %w", err)
	}
	defer fkRows.Close()

	var fkErrors []string
	for fkRows.Next() {
		var table, rowid, parent, fkid string
		if err := fkRows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return fmt.Errorf("failed to scan foreign_key_check result: %w", err)
		}
		fkErrors = append(fkErrors, fmt.Sprintf("table=%s rowid=%s parent=%s fkid=%s", table, rowid, parent, fkid))
	}

	if len(fkErrors) > 0 {
		return fmt.Errorf("foreign_key_check failed: %v", fkErrors)
	}

	return nil
}
