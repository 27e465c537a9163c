package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/grid"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
)

// ExperimentMeta is the stored header of an experiment.
type ExperimentMeta struct {
	ID          string
	CreatedAt   time.Time
	Description string
	CodeVersion string
	Seed        int64
	State       grid.State
	Definition  grid.Definition
}

// SaveExperiment records an experiment header and its definition.
func (s *Store) SaveExperiment(ctx context.Context, exp *grid.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := json.Marshal(exp.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, created_at, description, code_version, seed, state, definition)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		exp.ID, exp.CreatedAt.Format(time.RFC3339), nullStr(exp.Description),
		nullStr(exp.CodeVersion), exp.Seed, string(exp.State()), string(def))
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// UpdateExperimentState records a state change.
func (s *Store) UpdateExperimentState(ctx context.Context, id string, state grid.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update experiment state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return nil
}

// Experiments lists stored experiments, newest first.
func (s *Store) Experiments(ctx context.Context) ([]ExperimentMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, description, code_version, seed, state, definition
		FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	var out []ExperimentMeta
	for rows.Next() {
		var meta ExperimentMeta
		var createdAt, state, def string
		var description, codeVersion sql.NullString
		if err := rows.Scan(&meta.ID, &createdAt, &description, &codeVersion,
			&meta.Seed, &state, &def); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			meta.CreatedAt = t
		}
		meta.Description = description.String
		meta.CodeVersion = codeVersion.String
		meta.State = grid.State(state)
		if err := json.Unmarshal([]byte(def), &meta.Definition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition for %s: %w", meta.ID, err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Experiment returns one stored experiment by id.
func (s *Store) Experiment(ctx context.Context, id string) (*ExperimentMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, description, code_version, seed, state, definition
		FROM experiments WHERE id = ?`, id)

	var meta ExperimentMeta
	var createdAt, state, def string
	var description, codeVersion sql.NullString
	err := row.Scan(&meta.ID, &createdAt, &description, &codeVersion,
		&meta.Seed, &state, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		meta.CreatedAt = t
	}
	meta.Description = description.String
	meta.CodeVersion = codeVersion.String
	meta.State = grid.State(state)
	if err := json.Unmarshal([]byte(def), &meta.Definition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition for %s: %w", id, err)
	}
	return &meta, nil
}

// ImportExperiment upserts an experiment header with its recorded state,
// for archives restored from another database.
func (s *Store) ImportExperiment(ctx context.Context, meta ExperimentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, err := json.Marshal(meta.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, created_at, description, code_version, seed, state, definition)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		meta.ID, meta.CreatedAt.Format(time.RFC3339), nullStr(meta.Description),
		nullStr(meta.CodeVersion), meta.Seed, string(meta.State), string(def))
	if err != nil {
		return fmt.Errorf("failed to import experiment: %w", err)
	}
	return nil
}

// HasResult reports whether a successful result exists for the cell
// identity. It implements grid.ResultSink.
func (s *Store) HasResult(ctx context.Context, cellID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM cell_results WHERE cell_id = ? AND status = ?`,
		cellID, string(grid.CellOK)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check result: %w", err)
	}
	return true, nil
}

// SaveResult stores res unless a successful result for the identity is
// already present. The check and the write share one transaction, so the
// first successful writer wins even across processes. It implements
// grid.ResultSink.
func (s *Store) SaveResult(ctx context.Context, experimentID string, res *grid.CellResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM cell_results WHERE cell_id = ?`, res.CellID).Scan(&status)
	if err == nil && status == string(grid.CellOK) {
		return false, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check result: %w", err)
	}

	prov, err := json.Marshal(res.Provenance)
	if err != nil {
		return false, fmt.Errorf("failed to marshal provenance: %w", err)
	}
	var output, metricsJSON any
	if res.Output != nil {
		data, err := json.Marshal(toStoredOutput(res.Output))
		if err != nil {
			return false, fmt.Errorf("failed to marshal output: %w", err)
		}
		output = string(data)
	}
	if res.Metrics != nil {
		data, err := json.Marshal(res.Metrics)
		if err != nil {
			return false, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metricsJSON = string(data)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cell_results (cell_id, experiment_id, run_id,
			simulation, algorithm, status, error, provenance, output, metrics, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.CellID, experimentID, res.Cell.RunID, res.Cell.Simulation.Name,
		res.Cell.Algorithm.Algorithm, string(res.Status), nullStr(res.Error),
		string(prov), output, metricsJSON,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to save result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Results returns the stored results for an experiment, ordered by run,
// simulation, and algorithm. The detector output and metrics are
// restored from their stored JSON.
func (s *Store) Results(ctx context.Context, experimentID string) ([]*grid.CellResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id, run_id, simulation, algorithm, status, error,
			provenance, output, metrics
		FROM cell_results WHERE experiment_id = ?
		ORDER BY run_id, simulation, algorithm`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []*grid.CellResult
	for rows.Next() {
		res := &grid.CellResult{}
		var simName, algName string
		var errMsg, prov, output, metricsJSON sql.NullString
		if err := rows.Scan(&res.CellID, &res.Cell.RunID, &simName, &algName,
			&res.Status, &errMsg, &prov, &output, &metricsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Cell.Simulation.Name = simName
		res.Cell.Algorithm = detector.Config{Algorithm: algName}
		res.Error = errMsg.String
		if prov.Valid {
			if err := json.Unmarshal([]byte(prov.String), &res.Provenance); err != nil {
				return nil, fmt.Errorf("failed to unmarshal provenance for %s: %w", res.CellID, err)
			}
		}
		if output.Valid {
			var stored storedOutput
			if err := json.Unmarshal([]byte(output.String), &stored); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output for %s: %w", res.CellID, err)
			}
			res.Output = stored.toOutput()
		}
		if metricsJSON.Valid {
			res.Metrics = &metrics.MetricSet{}
			if err := json.Unmarshal([]byte(metricsJSON.String), res.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics for %s: %w", res.CellID, err)
			}
		}
		// Severity travels in provenance; restore it for sweep grouping.
		res.Cell.Simulation.Severity = res.Provenance.Severity
		res.Cell.Simulation.Seed = res.Provenance.SimSeed
		out = append(out, res)
	}
	return out, rows.Err()
}

// storedOutput is the JSON form of a detector output. Gap samples carry
// NaN, which JSON cannot encode, so signal values travel as nullable
// floats.
type storedOutput struct {
	Events      []detector.Event      `json:"events"`
	Signals     map[string][]*float64 `json:"signals,omitempty"`
	Diagnostics map[string]any        `json:"diagnostics,omitempty"`
}

func toStoredOutput(out *detector.Output) storedOutput {
	stored := storedOutput{Events: out.Events, Diagnostics: out.Diagnostics}
	if len(out.Signals) > 0 {
		stored.Signals = make(map[string][]*float64, len(out.Signals))
		for name, values := range out.Signals {
			converted := make([]*float64, len(values))
			for i, v := range values {
				if !math.IsNaN(v) {
					value := v
					converted[i] = &value
				}
			}
			stored.Signals[name] = converted
		}
	}
	return stored
}

func (s storedOutput) toOutput() *detector.Output {
	out := &detector.Output{Events: s.Events, Diagnostics: s.Diagnostics}
	if len(s.Signals) > 0 {
		out.Signals = make(map[string][]float64, len(s.Signals))
		for name, values := range s.Signals {
			converted := make([]float64, len(values))
			for i, v := range values {
				if v == nil {
					converted[i] = math.NaN()
				} else {
					converted[i] = *v
				}
			}
			out.Signals[name] = converted
		}
	}
	return out
}
