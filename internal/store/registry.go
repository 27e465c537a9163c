package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegistryEntry is one row of the bench-session sheet: the lab's own run
// numbering, which device and pad were on the bench, and which log file
// the session was written to. Linking to an ingested run happens later,
// via AttachRun.
type RegistryEntry struct {
	ExternalRunID string
	LogFileRef    string
	DeviceID      string
	DiaperType    string
	SensorLayout  string
	Subject       string
	Notes         string
	RunID         int64 // 0 until attached
	UpdatedAt     time.Time
}

// ErrNotFound is returned by lookups that match no registry entry.
var ErrNotFound = errors.New("not found")

// UpsertRegistryEntry inserts or updates an entry keyed by its external
// run ID. Attached run links survive updates.
func (s *Store) UpsertRegistryEntry(ctx context.Context, e RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ExternalRunID == "" {
		return fmt.Errorf("registry entry has no external run ID")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_registry (external_run_id, log_file_ref, device_id,
			diaper_type, sensor_layout, subject, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_run_id) DO UPDATE SET
			log_file_ref = excluded.log_file_ref,
			device_id = excluded.device_id,
			diaper_type = excluded.diaper_type,
			sensor_layout = excluded.sensor_layout,
			subject = excluded.subject,
			notes = excluded.notes,
			updated_at = excluded.updated_at`,
		e.ExternalRunID, nullStr(e.LogFileRef), nullStr(e.DeviceID),
		nullStr(e.DiaperType), nullStr(e.SensorLayout), nullStr(e.Subject),
		nullStr(e.Notes), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert registry entry %s: %w", e.ExternalRunID, err)
	}
	return nil
}

// FindByLogFileRef returns the registry entry whose log file reference
// matches ref, or ErrNotFound.
func (s *Store) FindByLogFileRef(ctx context.Context, ref string) (RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.scanRegistryEntry(s.db.QueryRowContext(ctx, `
		SELECT external_run_id, log_file_ref, device_id, diaper_type,
			sensor_layout, subject, notes, run_id, updated_at
		FROM run_registry WHERE log_file_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, fmt.Errorf("registry entry for log file %q: %w", ref, ErrNotFound)
	}
	return e, err
}

// RegistryEntry returns the entry for an external run ID, or ErrNotFound.
func (s *Store) RegistryEntry(ctx context.Context, externalRunID string) (RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.scanRegistryEntry(s.db.QueryRowContext(ctx, `
		SELECT external_run_id, log_file_ref, device_id, diaper_type,
			sensor_layout, subject, notes, run_id, updated_at
		FROM run_registry WHERE external_run_id = ?`, externalRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryEntry{}, fmt.Errorf("registry entry %q: %w", externalRunID, ErrNotFound)
	}
	return e, err
}

// RegistryEntries lists the registry ordered by external run ID.
func (s *Store) RegistryEntries(ctx context.Context) ([]RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT external_run_id, log_file_ref, device_id, diaper_type,
			sensor_layout, subject, notes, run_id, updated_at
		FROM run_registry ORDER BY external_run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		e, err := s.scanRegistryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AttachRun links a registry entry to an ingested run. An entry already
// linked to a different run is an error; re-attaching the same run is a
// no-op.
func (s *Store) AttachRun(ctx context.Context, externalRunID string, runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM run_registry WHERE external_run_id = ?`,
		externalRunID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("registry entry %q: %w", externalRunID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up registry entry: %w", err)
	}
	if current.Valid && current.Int64 != runID {
		return fmt.Errorf("registry entry %q already attached to run %d", externalRunID, current.Int64)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE run_registry SET run_id = ?, updated_at = ?
		WHERE external_run_id = ?`,
		runID, time.Now().UTC().Format(time.RFC3339), externalRunID)
	if err != nil {
		return fmt.Errorf("failed to attach run: %w", err)
	}
	return nil
}

func (s *Store) scanRegistryEntry(row rowScanner) (RegistryEntry, error) {
	var e RegistryEntry
	var logRef, deviceID, diaperType, layout, subject, notes, updatedAt sql.NullString
	var runID sql.NullInt64

	err := row.Scan(&e.ExternalRunID, &logRef, &deviceID, &diaperType,
		&layout, &subject, &notes, &runID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RegistryEntry{}, err
		}
		return RegistryEntry{}, fmt.Errorf("failed to scan registry entry: %w", err)
	}

	e.LogFileRef = logRef.String
	e.DeviceID = deviceID.String
	e.DiaperType = diaperType.String
	e.SensorLayout = layout.String
	e.Subject = subject.String
	e.Notes = notes.String
	e.RunID = runID.Int64
	if updatedAt.Valid {
		if t, err := time.Parse(time.RFC3339, updatedAt.String); err == nil {
			e.UpdatedAt = t
		}
	}
	return e, nil
}
