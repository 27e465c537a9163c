package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// Store is the SQLite-backed persistence layer. It implements the grid
// package's SeriesReader, LabelReader, and ResultSink.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	derive signal.DerivationConfig
}

// RunMeta describes one recorded run.
type RunMeta struct {
	ID                int64
	DeviceID          string
	DiaperType        string
	SensorLayout      string
	ExternalRunID     string
	FileName          string
	StartedAt         time.Time
	SamplingIntervalS float64
	Notes             string
	Baseline          signal.Baseline
	HasBaseline       bool
	CreatedAt         time.Time
}

// Open opens (creating if needed) the database at path and initializes
// the schema. derive controls how Series reconstructs derived channels.
func Open(path string, derive signal.DerivationConfig) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, derive: derive}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// CreateRun inserts a run and returns its ID.
func (s *Store) CreateRun(ctx context.Context, meta RunMeta) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var startedAt any
	if !meta.StartedAt.IsZero() {
		startedAt = meta.StartedAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (device_id, diaper_type, sensor_layout, external_run_id,
			file_name, started_at, sampling_interval_s, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullStr(meta.DeviceID), nullStr(meta.DiaperType), nullStr(meta.SensorLayout),
		nullStr(meta.ExternalRunID), nullStr(meta.FileName), startedAt,
		nullFloat(meta.SamplingIntervalS), nullStr(meta.Notes),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return res.LastInsertId()
}

// Run returns the metadata for one run.
func (s *Store) Run(ctx context.Context, runID int64) (RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, device_id, diaper_type, sensor_layout, external_run_id,
			file_name, started_at, sampling_interval_s, notes,
			baseline_temp_c, baseline_rh_pct, baseline_vp_hpa, baseline_ah_g_m3,
			baseline_n, created_at
		FROM runs WHERE id = ?`, runID))
}

// Runs lists all runs ordered by ID.
func (s *Store) Runs(ctx context.Context) ([]RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, diaper_type, sensor_layout, external_run_id,
			file_name, started_at, sampling_interval_s, notes,
			baseline_temp_c, baseline_rh_pct, baseline_vp_hpa, baseline_ah_g_m3,
			baseline_n, created_at
		FROM runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunMeta
	for rows.Next() {
		meta, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row rowScanner) (RunMeta, error) {
	var meta RunMeta
	var deviceID, diaperType, layout, extID, fileName, startedAt, notes, createdAt sql.NullString
	var interval, bTemp, bRH, bVP, bAH sql.NullFloat64
	var bN sql.NullInt64

	err := row.Scan(&meta.ID, &deviceID, &diaperType, &layout, &extID,
		&fileName, &startedAt, &interval, &notes,
		&bTemp, &bRH, &bVP, &bAH, &bN, &createdAt)
	if err != nil {
		return RunMeta{}, fmt.Errorf("failed to scan run: %w", err)
	}

	meta.DeviceID = deviceID.String
	meta.DiaperType = diaperType.String
	meta.SensorLayout = layout.String
	meta.ExternalRunID = extID.String
	meta.FileName = fileName.String
	meta.SamplingIntervalS = interval.Float64
	meta.Notes = notes.String
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			meta.StartedAt = t
		}
	}
	if createdAt.Valid {
		if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
			meta.CreatedAt = t
		}
	}
	if bTemp.Valid && bRH.Valid {
		meta.Baseline = signal.Baseline{
			TempC: bTemp.Float64,
			RH:    bRH.Float64,
			VP:    bVP.Float64,
			AH:    bAH.Float64,
			N:     int(bN.Int64),
		}
		meta.HasBaseline = true
	}
	return meta, nil
}

// AddReadings appends raw samples to a run in one transaction. Samples
// keep their source order via a per-run sequence number, so duplicate
// elapsed offsets are legal. NaN channel values are stored as NULL.
func (s *Store) AddReadings(ctx context.Context, runID int64, samples []signal.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM readings WHERE run_id = ?`,
		runID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (run_id, seq, sensor_id, t_elapsed_s, temp_c, rh_pct)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, sample := range samples {
		sensorID := sample.SensorID
		if sensorID == "" {
			sensorID = "s1"
		}
		if _, err := stmt.ExecContext(ctx, runID, next+int64(i), sensorID, sample.Elapsed,
			nullNaN(sample.TempC), nullNaN(sample.RH)); err != nil {
			return fmt.Errorf("failed to insert reading at t=%g: %w", sample.Elapsed, err)
		}
	}
	return tx.Commit()
}

// SetBaseline records the dry baseline for a run.
func (s *Store) SetBaseline(ctx context.Context, runID int64, b signal.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET baseline_temp_c = ?, baseline_rh_pct = ?,
			baseline_vp_hpa = ?, baseline_ah_g_m3 = ?, baseline_n = ?
		WHERE id = ?`,
		b.TempC, b.RH, b.VP, b.AH, b.N, runID)
	if err != nil {
		return fmt.Errorf("failed to update baseline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %d not found", runID)
	}
	return nil
}

// Series loads a run's raw readings, restores its baseline, and derives
// the moisture channels. It implements grid.SeriesReader.
func (s *Store) Series(ctx context.Context, runID int64) (*signal.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, device_id, diaper_type, sensor_layout, external_run_id,
			file_name, started_at, sampling_interval_s, notes,
			baseline_temp_c, baseline_rh_pct, baseline_vp_hpa, baseline_ah_g_m3,
			baseline_n, created_at
		FROM runs WHERE id = ?`, runID))
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", runID, err)
	}

	// Ordering by seq within equal offsets restores source order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT sensor_id, t_elapsed_s, temp_c, rh_pct
		FROM readings WHERE run_id = ?
		ORDER BY t_elapsed_s, seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var samples []signal.Sample
	for rows.Next() {
		var sensorID string
		var elapsed float64
		var temp, rh sql.NullFloat64
		if err := rows.Scan(&sensorID, &elapsed, &temp, &rh); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		samples = append(samples, signal.Sample{
			Elapsed:  elapsed,
			SensorID: sensorID,
			TempC:    naNNull(temp),
			RH:       naNNull(rh),
			VP:       math.NaN(),
			AH:       math.NaN(),
			Load:     math.NaN(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("run %d has no readings", runID)
	}

	baseline := meta.Baseline
	if !meta.HasBaseline {
		baseline, err = signal.ComputeBaseline(samples, s.derive)
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", runID, err)
		}
	}

	series := signal.NewSeries(runID, samples, baseline)
	return signal.Derive(series, s.derive)
}

// AddLabels appends ground-truth labels to a run.
func (s *Store) AddLabels(ctx context.Context, runID int64, labels []signal.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO labels (run_id, event_type, event_time_s, confidence,
			source, volume_ml, location, distance_cm, water_temp_c, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range labels {
		if _, err := stmt.ExecContext(ctx, runID, l.EventType, l.EventTime,
			nullNaN(l.Confidence), nullStr(l.Source), nullNaN(l.VolumeML),
			nullStr(l.Location), nullNaN(l.DistanceCM), nullNaN(l.WaterTempC),
			nullStr(l.Notes)); err != nil {
			return fmt.Errorf("failed to insert label at t=%g: %w", l.EventTime, err)
		}
	}
	return tx.Commit()
}

// Labels returns a run's labels ordered by event time. A run with no
// labels yields an empty slice. It implements grid.LabelReader.
func (s *Store) Labels(ctx context.Context, runID int64) ([]signal.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, event_time_s, confidence, source, volume_ml,
			location, distance_cm, water_temp_c, notes
		FROM labels WHERE run_id = ?
		ORDER BY event_time_s, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	labels := []signal.Label{}
	for rows.Next() {
		var l signal.Label
		var confidence, volume, distance, waterTemp sql.NullFloat64
		var source, location, notes sql.NullString
		if err := rows.Scan(&l.EventType, &l.EventTime, &confidence, &source,
			&volume, &location, &distance, &waterTemp, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.RunID = runID
		l.Confidence = naNNull(confidence)
		l.Source = source.String
		l.VolumeML = naNNull(volume)
		l.Location = location.String
		l.DistanceCM = naNNull(distance)
		l.WaterTempC = naNNull(waterTemp)
		l.Notes = notes.String
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// nullStr maps "" to NULL.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat maps 0 to NULL for optional metadata floats.
func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

// nullNaN maps NaN to NULL for channel and label values.
func nullNaN(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

// naNNull maps NULL back to NaN.
func naNNull(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}
