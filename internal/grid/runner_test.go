package grid

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/logging"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

// stepSeries has zero load for the first ten samples, then a sustained
// level of 3, sampled every 2 seconds. The threshold detector fires at the
// step, t=20.
func stepSeries(runID int64) *signal.Series {
	samples := make([]signal.Sample, 40)
	for i := range samples {
		load := 0.0
		if i >= 10 {
			load = 3.0
		}
		samples[i] = signal.Sample{
			Elapsed: float64(i) * 2,
			TempC:   25,
			RH:      40,
			AH:      8 + load,
			Load:    load,
		}
	}
	return signal.NewSeries(runID, samples, signal.Baseline{TempC: 25, RH: 40, AH: 8})
}

func newTestStore(runIDs ...int64) *MemoryStore {
	store := NewMemoryStore()
	for _, id := range runIDs {
		store.PutSeries(id, stepSeries(id))
		store.PutLabels(id, []signal.Label{{RunID: id, EventType: "wet", EventTime: 20}})
	}
	return store
}

func newTestRunner(store *MemoryStore, cfg Config) *Runner {
	return NewRunner(
		simulation.NewEngine(signal.DefaultDerivationConfig()),
		detector.DefaultRegistry(),
		store, store, store,
		logging.NewLogger("error", io.Discard),
		nil,
		cfg,
	)
}

func thresholdAlg() detector.Config {
	return detector.Config{Algorithm: "threshold", Params: map[string]any{"threshold": 1.0}}
}

func sweepDefinition() Definition {
	return Definition{
		Runs: []int64{1},
		Simulations: []simulation.Config{
			{Name: "clean", Seed: 7, Severity: 0},
			{Name: "noisy", Seed: 7, Severity: 1, Transforms: []simulation.TransformSpec{
				{Name: "noise", Params: map[string]any{"sigma": 0.01}},
			}},
		},
		Algorithms: []detector.Config{thresholdAlg()},
	}
}

func TestRunner_HappyPath(t *testing.T) {
	store := newTestStore(1)
	runner := newTestRunner(store, Config{Workers: 2, ToleranceS: 5})
	exp := NewExperiment("happy path", "test", 7, sweepDefinition())

	summary, err := runner.Run(context.Background(), exp)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.State != StateCompleted || exp.State() != StateCompleted {
		t.Errorf("state = %s/%s, want completed", summary.State, exp.State())
	}
	if summary.Total != 2 || summary.Succeeded != 2 || summary.Failed != 0 {
		t.Fatalf("total/ok/failed = %d/%d/%d, want 2/2/0", summary.Total, summary.Succeeded, summary.Failed)
	}
	if store.ResultCount() != 2 {
		t.Errorf("stored results = %d, want 2", store.ResultCount())
	}

	clean := summary.Results[0]
	if clean.Status != CellOK || clean.Metrics == nil {
		t.Fatalf("first cell: status %s, metrics %v", clean.Status, clean.Metrics)
	}
	if clean.Metrics.Recall != 1 {
		t.Errorf("clean recall = %g, want 1 (event at the labeled step)", clean.Metrics.Recall)
	}
	if clean.Provenance.SimSeed != 7 || clean.Provenance.CodeVersion != "test" {
		t.Errorf("provenance = %+v, missing seed or code version", clean.Provenance)
	}

	// The two cells share run and algorithm, differ in severity: one sweep.
	if len(summary.Robustness) != 1 {
		t.Fatalf("sweep reports = %d, want 1", len(summary.Robustness))
	}
	if len(summary.Robustness[0].Points) != 2 {
		t.Errorf("sweep points = %d, want 2", len(summary.Robustness[0].Points))
	}
}

func TestRunner_Deterministic(t *testing.T) {
	def := sweepDefinition()

	run := func() *Summary {
		store := newTestStore(1)
		runner := newTestRunner(store, Config{Workers: 4, ToleranceS: 5})
		summary, err := runner.Run(context.Background(), NewExperiment("", "test", 7, def))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return summary
	}

	a, b := run(), run()
	if len(a.Results) != len(b.Results) {
		t.Fatalf("result counts differ: %d vs %d", len(a.Results), len(b.Results))
	}
	for i := range a.Results {
		if a.Results[i].CellID != b.Results[i].CellID {
			t.Errorf("result %d ordering differs between runs", i)
		}
		am, bm := a.Results[i].Metrics, b.Results[i].Metrics
		if am.Matched != bm.Matched || am.F1 != bm.F1 {
			t.Errorf("cell %s scored differently across runs", a.Results[i].CellID)
		}
	}
}

func TestRunner_SkipsExistingResults(t *testing.T) {
	store := newTestStore(1)
	def := sweepDefinition()

	first := newTestRunner(store, Config{Workers: 1, ToleranceS: 5})
	if _, err := first.Run(context.Background(), NewExperiment("", "test", 7, def)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := newTestRunner(store, Config{Workers: 1, ToleranceS: 5})
	summary, err := second.Run(context.Background(), NewExperiment("", "test", 7, def))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Skipped != 2 || summary.Succeeded != 0 {
		t.Errorf("skipped/ok = %d/%d, want 2/0", summary.Skipped, summary.Succeeded)
	}
	// Skipping still completes the experiment.
	if summary.State != StateCompleted {
		t.Errorf("state = %s, want completed", summary.State)
	}

	forced := newTestRunner(store, Config{Workers: 1, ToleranceS: 5, Force: true})
	summary, err = forced.Run(context.Background(), NewExperiment("", "test", 7, def))
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if summary.Succeeded != 2 {
		t.Errorf("forced ok = %d, want 2", summary.Succeeded)
	}
}

func TestRunner_RejectsInvalidConfigBeforeExecution(t *testing.T) {
	store := newTestStore(1)
	runner := newTestRunner(store, Config{Workers: 1, ToleranceS: 5})

	def := sweepDefinition()
	def.Algorithms = append(def.Algorithms, detector.Config{
		Algorithm: "threshold",
		Params:    map[string]any{"threshold": 1.0, "sensitivity": "max"},
	})
	exp := NewExperiment("", "test", 7, def)

	_, err := runner.Run(context.Background(), exp)
	if !apperr.IsConfig(err) {
		t.Fatalf("err = %v, want config error", err)
	}
	if exp.State() != StateFailed {
		t.Errorf("state = %s, want failed", exp.State())
	}
	// Validation happens before any cell runs: nothing was stored.
	if store.ResultCount() != 0 {
		t.Errorf("stored results = %d, want 0", store.ResultCount())
	}
}

func TestRunner_IntegrityErrorAborts(t *testing.T) {
	store := newTestStore(1, 2)
	// Run 2's series reaches the engine unsorted, which can only mean a
	// bug upstream of the reader.
	store.PutSeries(2, &signal.Series{RunID: 2, Samples: []signal.Sample{
		{Elapsed: 10, TempC: 25, RH: 40},
		{Elapsed: 5, TempC: 25, RH: 40},
	}})

	runner := newTestRunner(store, Config{Workers: 1, ToleranceS: 5})
	def := Definition{
		Runs:        []int64{1, 2},
		Simulations: []simulation.Config{{Name: "clean", Seed: 1}},
		Algorithms:  []detector.Config{thresholdAlg()},
	}
	exp := NewExperiment("", "test", 1, def)

	summary, err := runner.Run(context.Background(), exp)
	if err == nil {
		t.Fatal("expected fatal integrity error")
	}
	if !apperr.IsIntegrity(err) {
		t.Fatalf("err = %v, want integrity error", err)
	}
	if summary.State != StateFailed || exp.State() != StateFailed {
		t.Errorf("state = %s/%s, want failed", summary.State, exp.State())
	}
}

// brittleDetector fails Detect on a chosen run and succeeds elsewhere.
type brittleDetector struct{ badRun int64 }

func (d *brittleDetector) Name() string { return "brittle" }

func (d *brittleDetector) Schema() detector.ParamSchema { return detector.ParamSchema{} }

func (d *brittleDetector) Detect(series *signal.Series, cfg detector.Config) (*detector.Output, error) {
	if series.RunID == d.badRun {
		return nil, apperr.Exec("sensor dropout mid-series", nil)
	}
	return &detector.Output{}, nil
}

func TestRunner_ExecFailureRecordedPerCell(t *testing.T) {
	store := newTestStore(1, 2)

	registry := detector.NewRegistry()
	if err := registry.Register(&brittleDetector{badRun: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runner := NewRunner(
		simulation.NewEngine(signal.DefaultDerivationConfig()),
		registry,
		store, store, store,
		logging.NewLogger("error", io.Discard),
		nil,
		Config{Workers: 1, ToleranceS: 5},
	)

	def := Definition{
		Runs:        []int64{1, 2},
		Simulations: []simulation.Config{{Name: "clean", Seed: 1}},
		Algorithms:  []detector.Config{{Algorithm: "brittle"}},
	}
	summary, err := runner.Run(context.Background(), NewExperiment("", "test", 1, def))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One cell failed, the other succeeded, the experiment completed.
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("ok/failed = %d/%d, want 1/1", summary.Succeeded, summary.Failed)
	}
	if summary.State != StateCompleted {
		t.Errorf("state = %s, want completed", summary.State)
	}

	var failed *CellResult
	for _, res := range summary.Results {
		if res.Status == CellFailed {
			failed = res
		}
	}
	if failed == nil || failed.Cell.RunID != 2 {
		t.Fatalf("failed cell = %+v, want run 2", failed)
	}
	// Failed results are persisted too, so reruns can retry them.
	if stored := store.Result(failed.CellID); stored == nil || stored.Status != CellFailed {
		t.Errorf("failed result not persisted")
	}
}

// hangingDetector blocks until released.
type hangingDetector struct{ release chan struct{} }

func (d *hangingDetector) Name() string { return "hanging" }

func (d *hangingDetector) Schema() detector.ParamSchema { return detector.ParamSchema{} }

func (d *hangingDetector) Detect(series *signal.Series, cfg detector.Config) (*detector.Output, error) {
	<-d.release
	return &detector.Output{}, nil
}

func TestRunner_CellTimeout(t *testing.T) {
	store := newTestStore(1)

	hang := &hangingDetector{release: make(chan struct{})}
	defer close(hang.release)

	registry := detector.NewRegistry()
	if err := registry.Register(hang); err != nil {
		t.Fatalf("Register: %v", err)
	}
	runner := NewRunner(
		simulation.NewEngine(signal.DefaultDerivationConfig()),
		registry,
		store, store, store,
		logging.NewLogger("error", io.Discard),
		nil,
		Config{Workers: 1, ToleranceS: 5, CellTimeout: 50 * time.Millisecond},
	)

	def := Definition{
		Runs:        []int64{1},
		Simulations: []simulation.Config{{Name: "clean", Seed: 1}},
		Algorithms:  []detector.Config{{Algorithm: "hanging"}},
	}
	summary, err := runner.Run(context.Background(), NewExperiment("", "test", 1, def))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("failed = %d, want 1 timed-out cell", summary.Failed)
	}
	res := summary.Results[0]
	if res.Status != CellFailed || res.Error == "" {
		t.Errorf("result = %s %q, want failed with a timeout message", res.Status, res.Error)
	}
}

func TestRunner_Cancellation(t *testing.T) {
	store := newTestStore(1)
	runner := newTestRunner(store, Config{Workers: 1, ToleranceS: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exp := NewExperiment("", "test", 7, sweepDefinition())
	summary, err := runner.Run(ctx, exp)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.State != StateCancelled || exp.State() != StateCancelled {
		t.Errorf("state = %s/%s, want cancelled", summary.State, exp.State())
	}
	if summary.Cancelled != summary.Total {
		t.Errorf("cancelled = %d, want all %d cells", summary.Cancelled, summary.Total)
	}
}

// Two runners racing over the same definition and a shared sink must
// never both succeed on the same cell identity.
func TestRunner_ConcurrentRunnersOneSuccessPerCell(t *testing.T) {
	store := newTestStore(1, 2)
	def := Definition{
		Runs:        []int64{1, 2},
		Simulations: sweepDefinition().Simulations,
		Algorithms:  []detector.Config{thresholdAlg()},
	}

	expA := NewExperiment("race A", "test", 7, def)
	expB := NewExperiment("race B", "test", 7, def)

	summaries := make([]*Summary, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, exp := range []*Experiment{expA, expB} {
		wg.Add(1)
		go func(i int, exp *Experiment) {
			defer wg.Done()
			r := newTestRunner(store, Config{Workers: 4, ToleranceS: 5})
			summaries[i], errs[i] = r.Run(context.Background(), exp)
		}(i, exp)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("runner %d: %v", i, err)
		}
	}

	// Both experiments expand to the same 4 identities; the sink holds
	// exactly one result per identity and every one is successful.
	if len(expA.Cells) != 4 {
		t.Fatalf("expanded %d cells, want 4", len(expA.Cells))
	}
	if store.ResultCount() != 4 {
		t.Errorf("sink holds %d results, want 4", store.ResultCount())
	}
	for _, cell := range expA.Cells {
		res := store.Result(cell.Identity())
		if res == nil || res.Status != CellOK {
			t.Errorf("cell %s: stored result = %+v, want one OK", cell, res)
		}
	}

	// Across both runners every cell succeeded exactly once; the loser of
	// each race reports the cell as skipped, never as a second success.
	okTotal := summaries[0].Succeeded + summaries[1].Succeeded
	if okTotal != 4 {
		t.Errorf("total successes = %d, want exactly 4", okTotal)
	}
	accounted := okTotal + summaries[0].Skipped + summaries[1].Skipped
	if accounted != 8 {
		t.Errorf("ok+skipped across runners = %d, want 8", accounted)
	}
}

func TestMemoryStore_FirstSuccessfulWriterWins(t *testing.T) {
	store := NewMemoryStore()
	cell := Cell{RunID: 1, Simulation: simulation.Config{Name: "x"}, Algorithm: thresholdAlg()}
	id := cell.Identity()

	// A failed result does not claim the identity.
	stored, err := store.SaveResult(context.Background(), "e1", &CellResult{CellID: id, Cell: cell, Status: CellFailed})
	if err != nil || !stored {
		t.Fatalf("failed result: stored=%v err=%v", stored, err)
	}
	if has, _ := store.HasResult(context.Background(), id); has {
		t.Error("HasResult true for a failed result")
	}

	stored, err = store.SaveResult(context.Background(), "e1", &CellResult{CellID: id, Cell: cell, Status: CellOK})
	if err != nil || !stored {
		t.Fatalf("first ok result: stored=%v err=%v", stored, err)
	}
	stored, err = store.SaveResult(context.Background(), "e2", &CellResult{CellID: id, Cell: cell, Status: CellOK})
	if err != nil {
		t.Fatalf("second ok result: %v", err)
	}
	if stored {
		t.Error("second successful writer was not refused")
	}
	if has, _ := store.HasResult(context.Background(), id); !has {
		t.Error("HasResult false after a successful result")
	}
}
