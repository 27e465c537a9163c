package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/logging"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

// Config holds the runner's execution knobs.
type Config struct {
	// Workers is the number of concurrent cell workers (min 1).
	Workers int
	// CellTimeout converts a hanging detector into a recorded per-cell
	// failure. Zero disables the timeout.
	CellTimeout time.Duration
	// ToleranceS is the event-matching tolerance handed to the evaluator.
	ToleranceS float64
	// Force recomputes cells even when a stored result exists.
	Force bool
}

// Runner executes an experiment's cells. Cells have no data dependency on
// each other; inside a cell, simulate → detect → evaluate is strictly
// sequential.
type Runner struct {
	engine   *simulation.Engine
	registry *detector.Registry
	series   SeriesReader
	labels   LabelReader
	sink     ResultSink
	log      *slog.Logger
	trace    *logging.ProvenanceLogger
	cfg      Config
}

// NewRunner wires a runner. trace may be nil.
func NewRunner(
	engine *simulation.Engine,
	registry *detector.Registry,
	series SeriesReader,
	labels LabelReader,
	sink ResultSink,
	log *slog.Logger,
	trace *logging.ProvenanceLogger,
	cfg Config,
) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		engine:   engine,
		registry: registry,
		series:   series,
		labels:   labels,
		sink:     sink,
		log:      log,
		trace:    trace,
		cfg:      cfg,
	}
}

// Run drives exp through its lifecycle: expand, pre-validate every config,
// then execute cells concurrently. A single cell's failure is recorded and
// does not abort the experiment; an integrity error does. Cancelling ctx
// stops dispatch at the next cell boundary; in-flight cells finish.
func (r *Runner) Run(ctx context.Context, exp *Experiment) (*Summary, error) {
	start := time.Now()

	if err := exp.transition(StateExpanding); err != nil {
		return nil, err
	}
	cells, err := Expand(exp.Definition)
	if err != nil {
		_ = exp.transition(StateFailed)
		return nil, err
	}
	exp.Cells = cells
	r.log.Info("grid expanded",
		"experiment", exp.ID,
		"runs", len(exp.Definition.Runs),
		"simulations", len(exp.Definition.Simulations),
		"algorithms", len(exp.Definition.Algorithms),
		"cells", len(cells))

	// Validate every simulation and algorithm config before anything runs.
	for _, sim := range exp.Definition.Simulations {
		if err := r.engine.Validate(sim); err != nil {
			_ = exp.transition(StateFailed)
			return nil, err
		}
	}
	for _, alg := range exp.Definition.Algorithms {
		if _, _, err := r.registry.BindConfig(alg); err != nil {
			_ = exp.transition(StateFailed)
			return nil, err
		}
	}

	if err := exp.transition(StateRunning); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	claims := newClaimIndex()
	work := make(chan Cell)

	var mu sync.Mutex
	results := make([]*CellResult, 0, len(cells))
	var fatal error

	record := func(res *CellResult) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}
	setFatal := func(err error) {
		mu.Lock()
		if fatal == nil {
			fatal = err
		}
		mu.Unlock()
		cancel()
	}

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range work {
				res, cellFatal := r.processCell(runCtx, exp, cell, claims)
				if cellFatal != nil {
					setFatal(cellFatal)
				}
				if res != nil {
					record(res)
				}
			}
		}()
	}

	for _, cell := range cells {
		if runCtx.Err() != nil {
			record(&CellResult{
				CellID: cell.Identity(),
				Cell:   cell,
				Status: CellCancelled,
				Error:  "experiment cancelled before dispatch",
			})
			continue
		}
		work <- cell
	}
	close(work)
	wg.Wait()

	summary := r.summarize(exp, cells, results, time.Since(start))

	switch {
	case fatal != nil:
		_ = exp.transition(StateFailed)
		summary.State = StateFailed
		return summary, fatal
	case ctx.Err() != nil:
		_ = exp.transition(StateCancelled)
		summary.State = StateCancelled
	default:
		if err := exp.transition(StateCompleted); err != nil {
			return summary, err
		}
		summary.State = StateCompleted
	}

	r.log.Info("experiment finished",
		"experiment", exp.ID,
		"state", summary.State,
		"ok", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled)
	return summary, nil
}

// processCell claims, optionally skips, executes, and persists one cell.
// The second return value is non-nil only for integrity errors, which
// abort the whole experiment.
func (r *Runner) processCell(ctx context.Context, exp *Experiment, cell Cell, claims *claimIndex) (*CellResult, error) {
	id := cell.Identity()

	if ctx.Err() != nil {
		return &CellResult{CellID: id, Cell: cell, Status: CellCancelled, Error: "experiment cancelled before dispatch"}, nil
	}

	// Expansion guarantees unique identities, so a failed claim means a
	// dispatch bug rather than a race we can recover from.
	if !claims.claim(id) {
		return nil, apperr.Integrityf("cell %s dispatched twice", id)
	}

	if !r.cfg.Force {
		has, err := r.sink.HasResult(ctx, id)
		if err != nil {
			return r.failedResult(exp, cell, id, apperr.Exec("checking existing result", err)), nil
		}
		if has {
			r.log.Debug("cell skipped, result exists", "cell", id)
			return &CellResult{CellID: id, Cell: cell, Status: CellSkipped}, nil
		}
	}

	res, fatal := r.executeCell(ctx, exp, cell, id)
	if fatal != nil {
		return res, fatal
	}

	stored, err := r.sink.SaveResult(ctx, exp.ID, res)
	if err != nil {
		res.Status = CellFailed
		res.Error = fmt.Sprintf("persisting result: %v", err)
	} else if !stored {
		// Another worker or process completed this identity first.
		res = &CellResult{CellID: id, Cell: cell, Status: CellSkipped}
	}

	r.trace.Log(map[string]any{
		"cell":       id,
		"experiment": exp.ID,
		"run":        cell.RunID,
		"simulation": cell.Simulation.Name,
		"algorithm":  cell.Algorithm.Algorithm,
		"status":     string(res.Status),
		"error":      res.Error,
	})
	return res, nil
}

// executeCell runs simulate → detect → evaluate for one cell. Detector and
// contract failures are recorded on the cell; integrity errors are
// returned as fatal.
func (r *Runner) executeCell(ctx context.Context, exp *Experiment, cell Cell, id string) (*CellResult, error) {
	prov := Provenance{
		CellID:       id,
		ExperimentID: exp.ID,
		RunID:        cell.RunID,
		Simulation:   cell.Simulation.Name,
		SimSeed:      cell.Simulation.Seed,
		Severity:     cell.Simulation.Severity,
		Algorithm:    cell.Algorithm.Algorithm,
		CodeVersion:  exp.CodeVersion,
		StartedAt:    time.Now().UTC(),
	}
	fail := func(err error) (*CellResult, error) {
		prov.FinishedAt = time.Now().UTC()
		res := &CellResult{CellID: id, Cell: cell, Status: CellFailed, Error: err.Error(), Provenance: prov}
		if apperr.IsIntegrity(err) {
			return res, err
		}
		r.log.Warn("cell failed", "cell", id, "err", err)
		return res, nil
	}

	series, err := r.series.Series(ctx, cell.RunID)
	if err != nil {
		return fail(apperr.Exec(fmt.Sprintf("loading series for run %d", cell.RunID), err))
	}

	sim, err := r.engine.Simulate(series, cell.Simulation)
	if err != nil {
		return fail(err)
	}

	det, err := r.registry.Lookup(cell.Algorithm.Algorithm)
	if err != nil {
		return fail(err)
	}

	output, err := r.detect(det, sim, cell.Algorithm)
	if err != nil {
		return fail(err)
	}
	if err := detector.ValidateOutput(output, sim.Series); err != nil {
		return fail(err)
	}

	labels, err := r.labels.Labels(ctx, cell.RunID)
	if err != nil {
		return fail(apperr.Exec(fmt.Sprintf("loading labels for run %d", cell.RunID), err))
	}

	m, err := metrics.Evaluate(output.Events, labels, metrics.Options{
		ToleranceS:    r.cfg.ToleranceS,
		DurationHours: sim.Series.Duration() / 3600.0,
	})
	if err != nil {
		return fail(err)
	}

	prov.FinishedAt = time.Now().UTC()
	return &CellResult{
		CellID:     id,
		Cell:       cell,
		Status:     CellOK,
		Provenance: prov,
		Output:     output,
		Metrics:    m,
	}, nil
}

// detect runs the detector in its own goroutine so a hang converts into a
// recorded timeout failure instead of blocking the experiment. Cells are
// never interrupted mid-execution: cancellation takes effect only at cell
// boundaries.
func (r *Runner) detect(det detector.Detector, sim *simulation.SimulatedSeries, cfg detector.Config) (*detector.Output, error) {
	type outcome struct {
		out *detector.Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{nil, apperr.Exec(fmt.Sprintf("detector %q panicked: %v", cfg.Algorithm, p), nil)}
			}
		}()
		out, err := det.Detect(sim.Series, cfg)
		if err != nil && !apperr.IsConfig(err) {
			err = apperr.Exec(fmt.Sprintf("detector %q", cfg.Algorithm), err)
		}
		done <- outcome{out, err}
	}()

	if r.cfg.CellTimeout <= 0 {
		o := <-done
		return o.out, o.err
	}

	timer := time.NewTimer(r.cfg.CellTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.out, o.err
	case <-timer.C:
		return nil, apperr.Exec(fmt.Sprintf("detector %q timed out after %s", cfg.Algorithm, r.cfg.CellTimeout), nil)
	}
}

// failedResult builds a failed CellResult without provenance timing.
func (r *Runner) failedResult(exp *Experiment, cell Cell, id string, err error) *CellResult {
	r.log.Warn("cell failed", "cell", id, "err", err)
	return &CellResult{
		CellID: id,
		Cell:   cell,
		Status: CellFailed,
		Error:  err.Error(),
		Provenance: Provenance{
			CellID:       id,
			ExperimentID: exp.ID,
			RunID:        cell.RunID,
			Simulation:   cell.Simulation.Name,
			SimSeed:      cell.Simulation.Seed,
			Severity:     cell.Simulation.Severity,
			Algorithm:    cell.Algorithm.Algorithm,
			CodeVersion:  exp.CodeVersion,
		},
	}
}

// summarize counts outcomes, orders results by expansion order, and scores
// sweep groups over the successful cells.
func (r *Runner) summarize(exp *Experiment, cells []Cell, results []*CellResult, elapsed time.Duration) *Summary {
	order := make(map[string]int, len(cells))
	for i, cell := range cells {
		order[cell.Identity()] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		return order[results[i].CellID] < order[results[j].CellID]
	})

	s := &Summary{
		ExperimentID: exp.ID,
		Total:        len(cells),
		Results:      results,
		ElapsedS:     elapsed.Seconds(),
	}
	for _, res := range results {
		switch res.Status {
		case CellOK:
			s.Succeeded++
		case CellFailed:
			s.Failed++
		case CellSkipped:
			s.Skipped++
		case CellCancelled:
			s.Cancelled++
		}
	}

	s.Robustness = sweepReports(results, r.log)
	return s
}

// sweepReports groups successful results by sweep key (same run, same
// algorithm config) and evaluates robustness for groups spanning at least
// two severities.
func sweepReports(results []*CellResult, log *slog.Logger) []*metrics.RobustnessReport {
	groups := make(map[string][]metrics.SweepPoint)
	var keys []string
	for _, res := range results {
		if res.Status != CellOK || res.Metrics == nil {
			continue
		}
		key := res.Cell.SweepKey()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], metrics.SweepPoint{
			CellID:   res.CellID,
			Severity: res.Cell.Simulation.Severity,
			Metrics:  res.Metrics,
		})
	}

	var reports []*metrics.RobustnessReport
	for _, key := range keys {
		points := groups[key]
		if len(points) < 2 {
			continue
		}
		report, err := metrics.EvaluateSweep(points)
		if err != nil {
			// Duplicate severities within a group: not a sweep, skip it.
			log.Debug("sweep group not scored", "key", key, "err", err)
			continue
		}
		reports = append(reports, report)
	}
	return reports
}
