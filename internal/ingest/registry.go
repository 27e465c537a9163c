package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/store"
)

// The lab's tracking sheet uses human headers; they are matched after
// whitespace and case normalization.
var requiredRegistryHeaders = []string{"runid", "test status", "log file"}

var whitespaceRun = regexp.MustCompile(`\s+`)

// ImportRegistry upserts registry rows from a tracking sheet CSV export,
// keyed by external run ID. Returns the number of rows imported.
func (in *Ingestor) ImportRegistry(ctx context.Context, path string) (int, error) {
	entries, err := ParseRegistryCSV(path)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, apperr.Configf("no registry rows found in %s", path)
	}

	for _, e := range entries {
		if err := in.store.UpsertRegistryEntry(ctx, e); err != nil {
			return 0, err
		}
	}

	in.log.Info("imported run registry", "file", path, "entries", len(entries))
	return len(entries), nil
}

// ParseRegistryCSV parses a tracking sheet export. Rows without an
// external run ID are skipped (the sheet keeps empty planning rows).
func ParseRegistryCSV(path string) ([]store.RegistryEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Configf("registry file does not exist: %s", path)
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
		cols[normalizeHeader(name)] = i
	}
	for _, required := range requiredRegistryHeaders {
		if _, ok := cols[required]; !ok {
			return nil, apperr.Configf("missing required header %q in %s", required, path)
		}
	}

	var entries []store.RegistryEntry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Configf("reading %s: %v", path, err)
		}

		get := func(sheetHeader string) string {
			idx, ok := cols[sheetHeader]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		externalRunID := get("runid")
		if externalRunID == "" {
			continue
		}

		entries = append(entries, store.RegistryEntry{
			ExternalRunID: externalRunID,
			LogFileRef:    get("log file"),
			DeviceID:      get("test device"),
			DiaperType:    get("diaper type"),
			SensorLayout:  get("sensor cap"),
			Subject:       get("subject"),
			Notes:         get("findings / comments"),
		})
	}
	return entries, nil
}

func normalizeHeader(value string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), " ")
}
