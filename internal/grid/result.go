package grid

import (
	"context"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// CellStatus is the outcome of one cell within an experiment run.
type CellStatus string

const (
	// CellOK: the cell executed and produced output and metrics.
	CellOK CellStatus = "ok"
	// CellFailed: the detector failed, violated its contract, or timed out.
	CellFailed CellStatus = "failed"
	// CellSkipped: a result for this identity already existed.
	CellSkipped CellStatus = "skipped"
	// CellCancelled: the experiment was cancelled before this cell ran.
	CellCancelled CellStatus = "cancelled"
)

// Provenance ties a produced artifact back to exactly what made it. The
// timestamps are diagnostics only; nothing deterministic reads them.
type Provenance struct {
	CellID       string    `json:"cell_id"`
	ExperimentID string    `json:"experiment_id"`
	RunID        int64     `json:"run_id"`
	Simulation   string    `json:"simulation"`
	SimSeed      int64     `json:"sim_seed"`
	Severity     float64   `json:"severity"`
	Algorithm    string    `json:"algorithm"`
	CodeVersion  string    `json:"code_version"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// CellResult is everything one cell execution produced. Written once;
// never mutated afterward.
type CellResult struct {
	CellID     string             `json:"cell_id"`
	Cell       Cell               `json:"cell"`
	Status     CellStatus         `json:"status"`
	Error      string             `json:"error,omitempty"`
	Provenance Provenance         `json:"provenance"`
	Output     *detector.Output   `json:"output,omitempty"`
	Metrics    *metrics.MetricSet `json:"metrics,omitempty"`
}

// Summary reports one experiment run: how many cells succeeded, failed,
// were skipped, plus sweep robustness over the successful ones.
type Summary struct {
	ExperimentID string  `json:"experiment_id"`
	State        State   `json:"state"`
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	Cancelled    int     `json:"cancelled"`
	ElapsedS     float64 `json:"elapsed_s"`

	Results    []*CellResult              `json:"results"`
	Robustness []*metrics.RobustnessReport `json:"robustness,omitempty"`
}

// SeriesReader supplies the recorded series for a run: raw plus derived
// channels and the run baseline. Implemented by the storage layer.
type SeriesReader interface {
	Series(ctx context.Context, runID int64) (*signal.Series, error)
}

// LabelReader supplies the ordered ground-truth events for a run.
type LabelReader interface {
	Labels(ctx context.Context, runID int64) ([]signal.Label, error)
}

// ResultSink persists cell results. Ownership of a result transfers to the
// sink the moment SaveResult returns; the core keeps nothing beyond the
// current orchestration run.
type ResultSink interface {
	// HasResult reports whether a successful result already exists for the
	// cell identity. Failed results do not count: they are retried.
	HasResult(ctx context.Context, cellID string) (bool, error)
	// SaveResult stores the result atomically. It returns false when a
	// successful result for the identity already exists (another worker or
	// process won); the caller then records the cell as skipped.
	SaveResult(ctx context.Context, experimentID string, res *CellResult) (bool, error)
}
