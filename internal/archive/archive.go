// Package archive exports experiment results to portable single-file
// archives and restores them into another results database. Archives
// carry the experiment header plus every cell result; restoring into a
// database that already holds a successful result for a cell leaves
// the existing result in place.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/grid"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
	"github.com/JoergBesier/LUNA-device-detector/internal/store"
)

// payload is the decompressed body of an archive file.
type payload struct {
	Experiment wireExperiment `json:"experiment"`
	Results    []wireResult   `json:"results"`
}

type wireExperiment struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	Description string          `json:"description,omitempty"`
	CodeVersion string          `json:"code_version,omitempty"`
	Seed        int64           `json:"seed"`
	State       grid.State      `json:"state"`
	Definition  grid.Definition `json:"definition"`
}

// wireResult carries one cell result.
type wireResult struct {
	CellID     string             `json:"cell_id"`
	RunID      int64              `json:"run_id"`
	Simulation string             `json:"simulation"`
	Algorithm  string             `json:"algorithm"`
	Status     grid.CellStatus    `json:"status"`
	Error      string             `json:"error,omitempty"`
	Provenance grid.Provenance    `json:"provenance"`
	Output     *wireOutput        `json:"output,omitempty"`
	Metrics    *metrics.MetricSet `json:"metrics,omitempty"`
}

// wireOutput is the JSON form of a detector output. Gap samples carry
// NaN, which JSON cannot encode, so signal values travel as nullable
// floats.
type wireOutput struct {
	Events      []detector.Event      `json:"events"`
	Signals     map[string][]*float64 `json:"signals,omitempty"`
	Diagnostics map[string]any        `json:"diagnostics,omitempty"`
}

// Export writes one experiment and all of its stored results to path.
func Export(ctx context.Context, s *store.Store, experimentID, path string) (*Header, error) {
	meta, err := s.Experiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	results, err := s.Results(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	body := payload{
		Experiment: wireExperiment{
			ID:          meta.ID,
			CreatedAt:   meta.CreatedAt,
			Description: meta.Description,
			CodeVersion: meta.CodeVersion,
			Seed:        meta.Seed,
			State:       meta.State,
			Definition:  meta.Definition,
		},
		Results: make([]wireResult, 0, len(results)),
	}
	for _, res := range results {
		body.Results = append(body.Results, toWire(res))
	}

	data, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("marshaling archive payload: %w", err)
	}

	header := Header{
		CreatedAt:    time.Now().UTC(),
		ExperimentID: experimentID,
		ResultCount:  len(results),
	}
	if err := writeFile(path, header, data); err != nil {
		return nil, err
	}
	return ReadHeader(path)
}

// ImportStats reports what a restore did.
type ImportStats struct {
	ExperimentID string
	Imported     int
	Skipped      int
}

// Import restores an archive into the store. The experiment header is
// upserted with its recorded state. Each result goes through the same
// first-successful-writer-wins path as live execution, so results
// already present locally are not overwritten.
func Import(ctx context.Context, s *store.Store, path string) (*ImportStats, error) {
	header, data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var body payload
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parsing archive payload: %w", err)
	}
	if body.Experiment.ID == "" {
		return nil, fmt.Errorf("archive %s has no experiment header", filepath.Base(path))
	}
	if header.ExperimentID != body.Experiment.ID {
		return nil, fmt.Errorf("archive header names experiment %s but payload holds %s",
			header.ExperimentID, body.Experiment.ID)
	}

	err = s.ImportExperiment(ctx, store.ExperimentMeta{
		ID:          body.Experiment.ID,
		CreatedAt:   body.Experiment.CreatedAt,
		Description: body.Experiment.Description,
		CodeVersion: body.Experiment.CodeVersion,
		Seed:        body.Experiment.Seed,
		State:       body.Experiment.State,
		Definition:  body.Experiment.Definition,
	})
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{ExperimentID: body.Experiment.ID}
	for i := range body.Results {
		res := fromWire(&body.Results[i])
		stored, err := s.SaveResult(ctx, body.Experiment.ID, res)
		if err != nil {
			return stats, fmt.Errorf("restoring cell %s: %w", res.CellID, err)
		}
		if stored {
			stats.Imported++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

// FileName builds the canonical archive filename for an experiment,
// with the timestamp leading so a lexical sort is a time sort.
func FileName(experimentID string, t time.Time) string {
	return fmt.Sprintf("lunatb-archive-%s-%s.json.gz", t.UTC().Format("20060102-150405"), experimentID)
}

func toWire(res *grid.CellResult) wireResult {
	w := wireResult{
		CellID:     res.CellID,
		RunID:      res.Cell.RunID,
		Simulation: res.Cell.Simulation.Name,
		Algorithm:  res.Cell.Algorithm.Algorithm,
		Status:     res.Status,
		Error:      res.Error,
		Provenance: res.Provenance,
		Metrics:    res.Metrics,
	}
	if res.Output != nil {
		out := &wireOutput{Events: res.Output.Events, Diagnostics: res.Output.Diagnostics}
		if len(res.Output.Signals) > 0 {
			out.Signals = make(map[string][]*float64, len(res.Output.Signals))
			for name, values := range res.Output.Signals {
				converted := make([]*float64, len(values))
				for i, v := range values {
					if !math.IsNaN(v) {
						value := v
						converted[i] = &value
					}
				}
				out.Signals[name] = converted
			}
		}
		w.Output = out
	}
	return w
}

func fromWire(w *wireResult) *grid.CellResult {
	res := &grid.CellResult{
		CellID:     w.CellID,
		Status:     w.Status,
		Error:      w.Error,
		Provenance: w.Provenance,
		Metrics:    w.Metrics,
	}
	res.Cell.RunID = w.RunID
	res.Cell.Simulation.Name = w.Simulation
	res.Cell.Simulation.Severity = w.Provenance.Severity
	res.Cell.Simulation.Seed = w.Provenance.SimSeed
	res.Cell.Algorithm = detector.Config{Algorithm: w.Algorithm}
	if w.Output != nil {
		out := &detector.Output{Events: w.Output.Events, Diagnostics: w.Output.Diagnostics}
		if len(w.Output.Signals) > 0 {
			out.Signals = make(map[string][]float64, len(w.Output.Signals))
			for name, values := range w.Output.Signals {
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
		res.Output = out
	}
	return res
}
