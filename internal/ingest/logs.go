// Package ingest parses lab log files, label sheets, and the run
// registry, and loads them into the store.
package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
	"github.com/JoergBesier/LUNA-device-detector/internal/store"
)

// DefaultTimezone applies when a log carries no timezone marker of its own.
const DefaultTimezone = "Europe/Berlin"

// Device logs interleave firmware chatter with sample lines like
//
//	temp_humid_sample: 2024-03-14 09:15:02, temp: 25.4, humid: 41.2%
//
// The timezone comes from a tz(N) marker or a modem +CCLK response,
// both in quarter-hour units.
var (
	tempHumidPattern = regexp.MustCompile(
		`temp_humid_sample:\s*(\d{4})-(\d{1,2})-(\d{1,2})\s+(\d{1,2}):(\d{1,2}):(\d{1,2}),\s*temp:\s*([0-9.]+),\s*humid:\s*([0-9.]+)%`)
	tzParenPattern = regexp.MustCompile(`tz\(([+-]?\d+)\)`)
	tzCCLKPattern  = regexp.MustCompile(`\+CCLK:\s*"\d{2}/\d{2}/\d{2},\d{2}:\d{2}:\d{2}([+-]\d{2})"`)
)

// LogInfo is what log parsing learns beyond the samples themselves.
type LogInfo struct {
	StartedAt         time.Time
	SamplingIntervalS float64
}

// Options carries the run metadata the operator supplies at ingest time.
type Options struct {
	DeviceID     string
	DiaperType   string
	SensorLayout string
	Notes        string
	// Timezone names the zone assumed for logs without their own marker.
	// Empty means DefaultTimezone.
	Timezone string
}

// Ingestor loads parsed log files into the store as runs.
type Ingestor struct {
	store *store.Store
	log   *slog.Logger
}

// NewIngestor returns an ingestor writing to s.
func NewIngestor(s *store.Store, log *slog.Logger) *Ingestor {
	return &Ingestor{store: s, log: log}
}

// IngestLogs ingests log files and returns the created run IDs. Every
// file must already have a registry entry naming it, and that entry must
// not be linked to a run yet; this keeps a log file from being ingested
// twice under different runs.
func (in *Ingestor) IngestLogs(ctx context.Context, paths []string, opts Options) ([]int64, error) {
	if opts.Timezone == "" {
		opts.Timezone = DefaultTimezone
	}

	var runIDs []int64
	for _, path := range paths {
		runID, err := in.ingestOne(ctx, path, opts)
		if err != nil {
			return runIDs, err
		}
		runIDs = append(runIDs, runID)
	}
	return runIDs, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, path string, opts Options) (int64, error) {
	fileName := filepath.Base(path)

	entry, err := in.store.FindByLogFileRef(ctx, fileName)
	if err != nil {
		return 0, apperr.Configf(
			"no run_registry entry matches log file %q; import/update the registry source first", fileName)
	}
	if entry.RunID != 0 {
		return 0, apperr.Configf(
			"run_registry entry for %q is already linked to run %d", fileName, entry.RunID)
	}

	samples, info, err := ParseLogFile(path, opts.Timezone)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, apperr.Configf("no readings parsed from %s", path)
	}

	runID, err := in.store.CreateRun(ctx, store.RunMeta{
		DeviceID:          opts.DeviceID,
		DiaperType:        opts.DiaperType,
		SensorLayout:      opts.SensorLayout,
		ExternalRunID:     entry.ExternalRunID,
		FileName:          fileName,
		StartedAt:         info.StartedAt,
		SamplingIntervalS: info.SamplingIntervalS,
		Notes:             opts.Notes,
	})
	if err != nil {
		return 0, err
	}
	if err := in.store.AddReadings(ctx, runID, samples); err != nil {
		return 0, err
	}

	// Record the dry baseline now so every later read derives the same
	// load values.
	baseline, err := signal.ComputeBaseline(samples, signal.DefaultDerivationConfig())
	if err != nil {
		return 0, fmt.Errorf("run %d: %w", runID, err)
	}
	if err := in.store.SetBaseline(ctx, runID, baseline); err != nil {
		return 0, err
	}

	if err := in.store.AttachRun(ctx, entry.ExternalRunID, runID); err != nil {
		return 0, err
	}

	in.log.Info("ingested log file",
		"file", fileName, "run", runID, "readings", len(samples),
		"interval_s", info.SamplingIntervalS)
	return runID, nil
}

// ParseLogFile parses a .csv or .log file into raw samples sorted by
// elapsed time.
func ParseLogFile(path, timezone string) ([]signal.Sample, LogInfo, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseCSVLog(path)
	case ".log":
		return parseDeviceLog(path, timezone)
	default:
		return nil, LogInfo{}, apperr.Configf("unsupported log format: %s", filepath.Ext(path))
	}
}

// parseCSVLog reads a reading CSV. Required columns: t_elapsed_s,
// temp_c, rh_pct. Empty channel cells become NaN gaps.
func parseCSVLog(path string) ([]signal.Sample, LogInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, LogInfo{}, apperr.Configf("log path does not exist: %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, LogInfo{}, apperr.Configf("missing header row in %s", path)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"t_elapsed_s", "temp_c", "rh_pct"} {
		if _, ok := cols[required]; !ok {
			return nil, LogInfo{}, apperr.Configf("missing required column %q in %s", required, path)
		}
	}

	var samples []signal.Sample
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, LogInfo{}, apperr.Configf("reading %s: %v", path, err)
		}

		elapsed, err := requiredField(record, cols, "t_elapsed_s", path)
		if err != nil {
			return nil, LogInfo{}, err
		}
		temp, err := optionalField(record, cols, "temp_c", path)
		if err != nil {
			return nil, LogInfo{}, err
		}
		rh, err := optionalField(record, cols, "rh_pct", path)
		if err != nil {
			return nil, LogInfo{}, err
		}

		samples = append(samples, signal.Sample{
			Elapsed:  elapsed,
			SensorID: fieldOrEmpty(record, cols, "sensor_id"),
			TempC:    temp,
			RH:       rh,
			VP:       math.NaN(),
			AH:       math.NaN(),
			Load:     math.NaN(),
		})
	}

	sortSamples(samples)
	return samples, LogInfo{SamplingIntervalS: estimateSamplingInterval(samples)}, nil
}

// parseDeviceLog extracts temp_humid_sample lines from a raw device log.
// Elapsed time is measured from the first sample line.
func parseDeviceLog(path, timezone string) ([]signal.Sample, LogInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, LogInfo{}, apperr.Configf("log path does not exist: %s", path)
	}
	lines := strings.Split(string(data), "\n")

	loc, err := detectLocation(lines, timezone)
	if err != nil {
		return nil, LogInfo{}, err
	}

	var samples []signal.Sample
	var base time.Time
	for _, line := range lines {
		m := tempHumidPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		ts := time.Date(
			atoi(m[1]), time.Month(atoi(m[2])), atoi(m[3]),
			atoi(m[4]), atoi(m[5]), atoi(m[6]), 0, loc)
		if base.IsZero() {
			base = ts
		}

		temp, errT := strconv.ParseFloat(m[7], 64)
		rh, errRH := strconv.ParseFloat(m[8], 64)
		if errT != nil || errRH != nil {
			return nil, LogInfo{}, apperr.Configf("invalid sample line in %s: %q", path, strings.TrimSpace(line))
		}

		samples = append(samples, signal.Sample{
			Elapsed: ts.Sub(base).Seconds(),
			TempC:   temp,
			RH:      rh,
			VP:      math.NaN(),
			AH:      math.NaN(),
			Load:    math.NaN(),
		})
	}

	sortSamples(samples)
	return samples, LogInfo{
		StartedAt:         base,
		SamplingIntervalS: estimateSamplingInterval(samples),
	}, nil
}

// detectLocation scans for a timezone marker; quarter-hour offsets win
// over the configured default.
func detectLocation(lines []string, timezone string) (*time.Location, error) {
	for _, line := range lines {
		if m := tzParenPattern.FindStringSubmatch(line); m != nil {
			return quarterZone(atoi(m[1])), nil
		}
		if m := tzCCLKPattern.FindStringSubmatch(line); m != nil {
			return quarterZone(atoi(m[1])), nil
		}
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, apperr.Configf("unknown timezone: %s", timezone)
	}
	return loc, nil
}

// quarterZone builds a fixed zone from a quarter-hour offset.
func quarterZone(quarters int) *time.Location {
	offset := quarters * 15 * 60
	return time.FixedZone(fmt.Sprintf("UTC%+d", quarters), offset)
}

// estimateSamplingInterval averages the non-negative deltas between
// consecutive samples. Returns 0 when there are fewer than two samples.
func estimateSamplingInterval(samples []signal.Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i < len(samples)-1; i++ {
		d := samples[i+1].Elapsed - samples[i].Elapsed
		if d >= 0 {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sortSamples(samples []signal.Sample) {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Elapsed < samples[j].Elapsed })
}

func requiredField(record []string, cols map[string]int, name, path string) (float64, error) {
	idx, ok := cols[name]
	if !ok || idx >= len(record) || strings.TrimSpace(record[idx]) == "" {
		return 0, apperr.Configf("missing %s value in %s", name, path)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return 0, apperr.Configf("invalid %s value %q in %s", name, record[idx], path)
	}
	return v, nil
}

func optionalField(record []string, cols map[string]int, name, path string) (float64, error) {
	idx, ok := cols[name]
	if !ok || idx >= len(record) || strings.TrimSpace(record[idx]) == "" {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return 0, apperr.Configf("invalid %s value %q in %s", name, record[idx], path)
	}
	return v, nil
}

func fieldOrEmpty(record []string, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// atoi is for regexp captures already matched as digit runs.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
