package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/grid"
	"github.com/JoergBesier/LUNA-device-detector/internal/metrics"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), signal.DefaultDerivationConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rawSample(elapsed, temp, rh float64) signal.Sample {
	return signal.Sample{
		Elapsed: elapsed,
		TempC:   temp,
		RH:      rh,
		VP:      math.NaN(),
		AH:      math.NaN(),
		Load:    math.NaN(),
	}
}

func TestRunRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, RunMeta{
		DeviceID:          "luna-03",
		DiaperType:        "brand-a",
		SensorLayout:      "center",
		ExternalRunID:     "R-2024-017",
		FileName:          "session_017.log",
		SamplingIntervalS: 2.0,
		Notes:             "bench session",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id == 0 {
		t.Fatal("CreateRun returned zero id")
	}

	meta, err := s.Run(ctx, id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if meta.DeviceID != "luna-03" || meta.ExternalRunID != "R-2024-017" {
		t.Errorf("Run = %+v, lost metadata", meta)
	}
	if meta.SamplingIntervalS != 2.0 {
		t.Errorf("SamplingIntervalS = %g, want 2", meta.SamplingIntervalS)
	}
	if meta.HasBaseline {
		t.Error("new run should not have a baseline")
	}

	all, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(all) != 1 || all[0].ID != id {
		t.Errorf("Runs = %+v, want one run with id %d", all, id)
	}
}

func TestSeriesRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, RunMeta{DeviceID: "luna-01"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	samples := []signal.Sample{
		rawSample(0, 25.0, 40.0),
		rawSample(2, 25.1, 40.2),
		rawSample(4, math.NaN(), math.NaN()), // dropout
		rawSample(6, 25.2, 41.0),
	}
	if err := s.AddReadings(ctx, id, samples); err != nil {
		t.Fatalf("AddReadings: %v", err)
	}

	series, err := s.Series(ctx, id)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if series.Len() != 4 {
		t.Fatalf("Len = %d, want 4", series.Len())
	}
	if series.RunID != id {
		t.Errorf("RunID = %d, want %d", series.RunID, id)
	}

	// Derived channels present on complete samples, NaN across the gap.
	if math.IsNaN(series.Samples[0].AH) {
		t.Error("AH should be derived for complete sample")
	}
	if !math.IsNaN(series.Samples[2].TempC) || !math.IsNaN(series.Samples[2].AH) {
		t.Error("gap sample should stay NaN through storage and derivation")
	}

	// No baseline stored, so it is computed from the leading samples.
	if series.Baseline.N == 0 {
		t.Error("baseline should be computed when none is stored")
	}
}

func TestAddReadings_DuplicateOffsets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, RunMeta{DeviceID: "luna-01"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Device logs have 1s timestamp resolution, so two samples can share
	// an elapsed offset. Source order must survive the roundtrip.
	first := []signal.Sample{
		rawSample(0, 25.0, 40.0),
		rawSample(1, 25.0, 50.0),
		rawSample(1, 25.0, 51.0),
	}
	if err := s.AddReadings(ctx, id, first); err != nil {
		t.Fatalf("AddReadings: %v", err)
	}

	// A second append continues the sequence, including at a repeated
	// offset.
	second := []signal.Sample{
		rawSample(1, 25.0, 52.0),
		rawSample(2, 25.0, 60.0),
	}
	if err := s.AddReadings(ctx, id, second); err != nil {
		t.Fatalf("AddReadings(append): %v", err)
	}

	series, err := s.Series(ctx, id)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if series.Len() != 5 {
		t.Fatalf("Len = %d, want 5", series.Len())
	}

	wantRH := []float64{40.0, 50.0, 51.0, 52.0, 60.0}
	for i, want := range wantRH {
		if got := series.Samples[i].RH; got != want {
			t.Errorf("sample %d: RH = %g, want %g (source order lost)", i, got, want)
		}
	}
}

func TestSeries_UsesStoredBaseline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateRun(ctx, RunMeta{})
	if err := s.AddReadings(ctx, id, []signal.Sample{
		rawSample(0, 25, 40),
		rawSample(2, 25, 40),
	}); err != nil {
		t.Fatalf("AddReadings: %v", err)
	}

	want := signal.Baseline{TempC: 24.0, RH: 38.0, VP: 11.3, AH: 8.2, N: 10}
	if err := s.SetBaseline(ctx, id, want); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	series, err := s.Series(ctx, id)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if series.Baseline != want {
		t.Errorf("Baseline = %+v, want stored %+v", series.Baseline, want)
	}
}

func TestSeries_NoReadings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateRun(ctx, RunMeta{})
	if _, err := s.Series(ctx, id); err == nil {
		t.Fatal("expected error for run with no readings")
	}
	if _, err := s.Series(ctx, 999); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestLabelsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateRun(ctx, RunMeta{})
	labels := []signal.Label{
		{EventType: "wetting", EventTime: 120.5, Confidence: 0.9, Source: "operator", VolumeML: 50, Location: "center", DistanceCM: math.NaN(), WaterTempC: 36.5},
		{EventType: "wetting", EventTime: 40.0, Confidence: math.NaN(), VolumeML: math.NaN(), DistanceCM: math.NaN(), WaterTempC: math.NaN()},
	}
	if err := s.AddLabels(ctx, id, labels); err != nil {
		t.Fatalf("AddLabels: %v", err)
	}

	got, err := s.Labels(ctx, id)
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].EventTime != 40.0 || got[1].EventTime != 120.5 {
		t.Errorf("labels not ordered by event time: %+v", got)
	}
	if got[1].VolumeML != 50 || got[1].WaterTempC != 36.5 {
		t.Errorf("protocol fields lost: %+v", got[1])
	}
	if !math.IsNaN(got[0].Confidence) || !math.IsNaN(got[0].VolumeML) {
		t.Errorf("unknown optional fields should read back as NaN: %+v", got[0])
	}

	// Runs without labels yield empty, not error.
	empty, err := s.Labels(ctx, 999)
	if err != nil {
		t.Fatalf("Labels(unknown run): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no labels, got %d", len(empty))
	}
}

func TestRegistry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := RegistryEntry{
		ExternalRunID: "R-2024-017",
		LogFileRef:    "session_017.log",
		DeviceID:      "luna-03",
		DiaperType:    "brand-a",
	}
	if err := s.UpsertRegistryEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertRegistryEntry: %v", err)
	}

	got, err := s.FindByLogFileRef(ctx, "session_017.log")
	if err != nil {
		t.Fatalf("FindByLogFileRef: %v", err)
	}
	if got.ExternalRunID != "R-2024-017" || got.DeviceID != "luna-03" {
		t.Errorf("FindByLogFileRef = %+v", got)
	}

	if _, err := s.FindByLogFileRef(ctx, "missing.log"); err == nil {
		t.Fatal("expected ErrNotFound for unknown log ref")
	}

	runID, _ := s.CreateRun(ctx, RunMeta{ExternalRunID: "R-2024-017"})
	if err := s.AttachRun(ctx, "R-2024-017", runID); err != nil {
		t.Fatalf("AttachRun: %v", err)
	}
	// Re-attaching the same run is a no-op.
	if err := s.AttachRun(ctx, "R-2024-017", runID); err != nil {
		t.Fatalf("AttachRun same run: %v", err)
	}
	// Attaching a different run is refused.
	if err := s.AttachRun(ctx, "R-2024-017", runID+1); err == nil {
		t.Fatal("expected error when re-attaching a different run")
	}

	// Upserting again keeps the attached run.
	entry.Notes = "updated"
	if err := s.UpsertRegistryEntry(ctx, entry); err != nil {
		t.Fatalf("UpsertRegistryEntry update: %v", err)
	}
	got, err = s.RegistryEntry(ctx, "R-2024-017")
	if err != nil {
		t.Fatalf("RegistryEntry: %v", err)
	}
	if got.RunID != runID {
		t.Errorf("run link lost across upsert: RunID = %d, want %d", got.RunID, runID)
	}
	if got.Notes != "updated" {
		t.Errorf("Notes = %q, want updated", got.Notes)
	}
}

func testCell(runID int64) grid.Cell {
	return grid.Cell{
		RunID: runID,
		Simulation: simulation.Config{
			Name:     "noisy",
			Seed:     42,
			Severity: 1.0,
			Transforms: []simulation.TransformSpec{
				{Name: "noise", Params: map[string]any{"channel": "rh_pct", "sigma": 2.0}},
			},
		},
		Algorithm: detector.Config{
			Algorithm: "threshold",
			Params:    map[string]any{"threshold": 0.5},
		},
	}
}

func TestSaveResult_FirstWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cell := testCell(1)
	id := cell.Identity()

	has, err := s.HasResult(ctx, id)
	if err != nil || has {
		t.Fatalf("HasResult on empty store = %v, %v", has, err)
	}

	// A failed result does not claim the identity.
	failed := &grid.CellResult{CellID: id, Cell: cell, Status: grid.CellFailed, Error: "boom"}
	stored, err := s.SaveResult(ctx, "exp-1", failed)
	if err != nil || !stored {
		t.Fatalf("SaveResult(failed) = %v, %v", stored, err)
	}
	has, _ = s.HasResult(ctx, id)
	if has {
		t.Error("HasResult should ignore failed results")
	}

	// A successful result replaces the failure and claims the identity.
	ok := &grid.CellResult{CellID: id, Cell: cell, Status: grid.CellOK}
	stored, err = s.SaveResult(ctx, "exp-1", ok)
	if err != nil || !stored {
		t.Fatalf("SaveResult(ok) = %v, %v", stored, err)
	}
	has, _ = s.HasResult(ctx, id)
	if !has {
		t.Error("HasResult should report the successful result")
	}

	// A second write for the same identity loses.
	stored, err = s.SaveResult(ctx, "exp-2", ok)
	if err != nil {
		t.Fatalf("SaveResult(second) error: %v", err)
	}
	if stored {
		t.Error("second successful write should report stored=false")
	}
}

func TestResultsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cell := testCell(7)
	res := &grid.CellResult{
		CellID: cell.Identity(),
		Cell:   cell,
		Status: grid.CellOK,
		Provenance: grid.Provenance{
			CellID:     cell.Identity(),
			RunID:      7,
			Simulation: "noisy",
			SimSeed:    42,
			Severity:   1.0,
			Algorithm:  "threshold",
		},
		Output: &detector.Output{
			Events: []detector.Event{{Time: 120, Type: "wetting", Confidence: 0.8}},
			Signals: map[string][]float64{
				"load": {0.1, math.NaN(), 0.3},
			},
		},
		Metrics: &metrics.MetricSet{TotalPredicted: 1, TotalLabels: 1, Matched: 1, Precision: 1, Recall: 1, F1: 1},
	}
	if stored, err := s.SaveResult(ctx, "exp-1", res); err != nil || !stored {
		t.Fatalf("SaveResult = %v, %v", stored, err)
	}

	results, err := s.Results(ctx, "exp-1")
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	got := results[0]
	if got.Status != grid.CellOK {
		t.Errorf("Status = %s, want ok", got.Status)
	}
	if got.Cell.Simulation.Severity != 1.0 || got.Cell.Simulation.Seed != 42 {
		t.Errorf("severity/seed not restored: %+v", got.Cell.Simulation)
	}
	if len(got.Output.Events) != 1 || got.Output.Events[0].Time != 120 {
		t.Errorf("events not restored: %+v", got.Output)
	}
	sig := got.Output.Signals["load"]
	if len(sig) != 3 || !math.IsNaN(sig[1]) || sig[2] != 0.3 {
		t.Errorf("signal gaps not restored: %v", sig)
	}
	if got.Metrics.F1 != 1 {
		t.Errorf("metrics not restored: %+v", got.Metrics)
	}
}

func TestExperimentPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	def := grid.Definition{
		Runs:        []int64{1, 2},
		Simulations: []simulation.Config{{Name: "identity", Seed: 1}},
		Algorithms:  []detector.Config{{Algorithm: "threshold", Params: map[string]any{"threshold": 0.5}}},
	}
	exp := grid.NewExperiment("baseline sweep", "v0.1.0", 1, def)

	if err := s.SaveExperiment(ctx, exp); err != nil {
		t.Fatalf("SaveExperiment: %v", err)
	}
	if err := s.UpdateExperimentState(ctx, exp.ID, grid.StateCompleted); err != nil {
		t.Fatalf("UpdateExperimentState: %v", err)
	}
	if err := s.UpdateExperimentState(ctx, "missing", grid.StateFailed); err == nil {
		t.Fatal("expected error for unknown experiment")
	}

	metas, err := s.Experiments(ctx)
	if err != nil {
		t.Fatalf("Experiments: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("len = %d, want 1", len(metas))
	}
	meta := metas[0]
	if meta.ID != exp.ID || meta.State != grid.StateCompleted {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Description != "baseline sweep" || meta.Seed != 1 {
		t.Errorf("header lost: %+v", meta)
	}
	if len(meta.Definition.Runs) != 2 || meta.Definition.Algorithms[0].Algorithm != "threshold" {
		t.Errorf("definition not restored: %+v", meta.Definition)
	}
}

func TestOpen_ReopenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(path, signal.DefaultDerivationConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.CreateRun(ctx, RunMeta{DeviceID: "luna-01"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	s.Close()

	s2, err := Open(path, signal.DefaultDerivationConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	meta, err := s2.Run(ctx, id)
	if err != nil {
		t.Fatalf("Run after reopen: %v", err)
	}
	if meta.DeviceID != "luna-01" {
		t.Errorf("DeviceID = %q, want luna-01", meta.DeviceID)
	}
}
