package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// ImportLabels loads ground-truth labels from a CSV file. A run_id column
// assigns labels per row; without one, defaultRunID must be set. Returns
// the number of labels imported.
func (in *Ingestor) ImportLabels(ctx context.Context, path string, defaultRunID int64) (int, error) {
	labels, err := ParseLabelsCSV(path, defaultRunID)
	if err != nil {
		return 0, err
	}
	if len(labels) == 0 {
		return 0, apperr.Configf("no labels parsed from %s", path)
	}

	byRun := make(map[int64][]signal.Label)
	var runOrder []int64
	for _, l := range labels {
		if _, ok := byRun[l.RunID]; !ok {
			runOrder = append(runOrder, l.RunID)
		}
		byRun[l.RunID] = append(byRun[l.RunID], l)
	}
	for _, runID := range runOrder {
		if err := in.store.AddLabels(ctx, runID, byRun[runID]); err != nil {
			return 0, err
		}
	}

	in.log.Info("imported labels", "file", path, "labels", len(labels), "runs", len(byRun))
	return len(labels), nil
}

// ParseLabelsCSV parses a label sheet. Required columns: event_type and
// event_time_s. Optional protocol columns (volume_ml, location_label,
// distance_cm, water_temp_c, confidence, source, notes) read back as NaN
// or empty when absent.
func ParseLabelsCSV(path string, defaultRunID int64) ([]signal.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Configf("label path does not exist: %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, apperr.Configf("missing header row in %s", path)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	if _, ok := cols["event_type"]; !ok {
		return nil, apperr.Config("label CSV requires event_type and event_time_s columns")
	}
	if _, ok := cols["event_time_s"]; !ok {
		return nil, apperr.Config("label CSV requires event_type and event_time_s columns")
	}
	_, hasRunCol := cols["run_id"]

	var labels []signal.Label
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Configf("reading %s: %v", path, err)
		}

		runID := defaultRunID
		if hasRunCol {
			if raw := fieldOrEmpty(record, cols, "run_id"); raw != "" {
				parsed, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return nil, apperr.Configf("invalid run_id value %q in %s", raw, path)
				}
				runID = parsed
			}
		}
		if runID == 0 {
			return nil, apperr.Config("run_id missing: supply --run-id or include run_id column")
		}

		eventType := fieldOrEmpty(record, cols, "event_type")
		if eventType == "" {
			return nil, apperr.Configf("missing event_type value in %s", path)
		}
		eventTime, err := requiredField(record, cols, "event_time_s", path)
		if err != nil {
			return nil, err
		}

		label := signal.Label{
			RunID:     runID,
			EventType: eventType,
			EventTime: eventTime,
			Source:    fieldOrEmpty(record, cols, "source"),
			Location:  fieldOrEmpty(record, cols, "location_label"),
			Notes:     fieldOrEmpty(record, cols, "notes"),
		}
		for _, opt := range []struct {
			col  string
			dest *float64
		}{
			{"confidence", &label.Confidence},
			{"volume_ml", &label.VolumeML},
			{"distance_cm", &label.DistanceCM},
			{"water_temp_c", &label.WaterTempC},
		} {
			v, err := optionalField(record, cols, opt.col, path)
			if err != nil {
				return nil, err
			}
			*opt.dest = v
		}
		labels = append(labels, label)
	}
	return labels, nil
}
