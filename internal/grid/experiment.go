package grid

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JoergBesier/LUNA-device-detector/internal/apperr"
	"github.com/JoergBesier/LUNA-device-detector/internal/detector"
	"github.com/JoergBesier/LUNA-device-detector/internal/simulation"
)

// State is the experiment lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateExpanding State = "expanding"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// validTransitions lists the allowed state machine edges.
var validTransitions = map[State][]State{
	StateCreated:   {StateExpanding},
	StateExpanding: {StateRunning, StateFailed},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled},
}

// Definition is the grid an experiment spans: explicit lists of run ids,
// simulation configs, and algorithm configs.
type Definition struct {
	Runs        []int64             `yaml:"runs" json:"runs"`
	Simulations []simulation.Config `yaml:"simulations" json:"simulations"`
	Algorithms  []detector.Config   `yaml:"algorithms" json:"algorithms"`
}

// Experiment is the unit of reproducibility: a grid definition plus the
// seed and code version everything downstream is attributable to.
type Experiment struct {
	ID          string
	CreatedAt   time.Time
	Description string
	CodeVersion string
	Seed        int64
	Definition  Definition

	mu    sync.Mutex
	state State
	// Cells is populated by expansion, before any execution starts.
	Cells []Cell
}

// NewExperiment creates an experiment in the Created state.
func NewExperiment(description, codeVersion string, seed int64, def Definition) *Experiment {
	return &Experiment{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Description: description,
		CodeVersion: codeVersion,
		Seed:        seed,
		Definition:  def,
		state:       StateCreated,
	}
}

// State returns the current lifecycle state.
func (e *Experiment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// transition moves the experiment to next, enforcing the state machine.
func (e *Experiment) transition(next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, allowed := range validTransitions[e.state] {
		if allowed == next {
			e.state = next
			return nil
		}
	}
	return apperr.Integrityf("invalid experiment state transition %s -> %s", e.state, next)
}

// Expand computes the cartesian product of the definition's three sets and
// assigns every cell its identity before any execution begins. Duplicate
// tuples are a config error; two distinct tuples hashing to the same
// identity is a fatal integrity error.
func Expand(def Definition) ([]Cell, error) {
	if len(def.Runs) == 0 {
		return nil, apperr.Config("grid definition has no runs")
	}
	if len(def.Simulations) == 0 {
		return nil, apperr.Config("grid definition has no simulation configs")
	}
	if len(def.Algorithms) == 0 {
		return nil, apperr.Config("grid definition has no algorithm configs")
	}

	cells := make([]Cell, 0, len(def.Runs)*len(def.Simulations)*len(def.Algorithms))
	seen := make(map[string][]byte, cap(cells))

	for _, runID := range def.Runs {
		for _, sim := range def.Simulations {
			for _, alg := range def.Algorithms {
				cell := Cell{RunID: runID, Simulation: sim, Algorithm: alg}
				canonical := cell.canonical()
				id := cell.Identity()

				if prev, ok := seen[id]; ok {
					if string(prev) == string(canonical) {
						return nil, apperr.Configf("duplicate grid cell: %s", cell)
					}
					return nil, apperr.Integrityf("grid cell identity collision on %s (%s)", id, cell)
				}
				seen[id] = canonical
				cells = append(cells, cell)
			}
		}
	}

	return cells, nil
}
