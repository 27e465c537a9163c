package grid

import (
	"context"
	"fmt"
	"sync"

	"github.com/JoergBesier/LUNA-device-detector/internal/signal"
)

// MemoryStore is an in-memory SeriesReader, LabelReader, and ResultSink.
// It backs tests and dry runs; durable storage lives in internal/store.
type MemoryStore struct {
	mu      sync.Mutex
	series  map[int64]*signal.Series
	labels  map[int64][]signal.Label
	results map[string]*CellResult
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:  make(map[int64]*signal.Series),
		labels:  make(map[int64][]signal.Label),
		results: make(map[string]*CellResult),
	}
}

// PutSeries registers a recorded series under its run ID.
func (m *MemoryStore) PutSeries(runID int64, s *signal.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[runID] = s
}

// PutLabels registers ground-truth labels for a run.
func (m *MemoryStore) PutLabels(runID int64, labels []signal.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[runID] = labels
}

// Series returns a clone so callers cannot mutate the stored recording.
func (m *MemoryStore) Series(_ context.Context, runID int64) (*signal.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[runID]
	if !ok {
		return nil, fmt.Errorf("run %d not found", runID)
	}
	return s.Clone(), nil
}

// Labels returns the labels registered for runID, sorted by event time.
// A run with no labels yields an empty slice, not an error.
func (m *MemoryStore) Labels(_ context.Context, runID int64) ([]signal.Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signal.Label, len(m.labels[runID]))
	copy(out, m.labels[runID])
	signal.SortLabels(out)
	return out, nil
}

// HasResult reports whether a successful result exists for the identity.
func (m *MemoryStore) HasResult(_ context.Context, cellID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.results[cellID]
	return ok && res.Status == CellOK, nil
}

// SaveResult stores res unless a successful result for the identity is
// already present. First successful writer wins.
func (m *MemoryStore) SaveResult(_ context.Context, _ string, res *CellResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.results[res.CellID]; ok && prev.Status == CellOK {
		return false, nil
	}
	m.results[res.CellID] = res
	return true, nil
}

// Result returns the stored result for cellID, or nil.
func (m *MemoryStore) Result(cellID string) *CellResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[cellID]
}

// ResultCount returns the number of stored results.
func (m *MemoryStore) ResultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}
