package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clerkhq/clerk/internal/model"
)

// Run is the live handle for one executing run. The engine's run
// goroutine owns all I/O; request handlers only signal into the handle
// (pause requests, evaluation scores) and drain its event channel.
type Run struct {
	id          uuid.UUID
	def         model.KitDefinition
	storageMode model.StorageMode
	evaluate    bool
	label       *string

	// outputs accumulates output_id -> text; it only ever grows.
	outputs map[string]string
	// startStep is the first step number to execute; above 1 only for
	// resumed runs.
	startStep int
	pastSteps []PastStep

	events    chan Event
	pauseOnce sync.Once
	pauseCh   chan struct{}
	scoreCh   chan scoreSubmission
}

type scoreSubmission struct {
	step  int
	score int
}

func newRun(id uuid.UUID, def model.KitDefinition, mode model.StorageMode, evaluate bool, label *string, bufSize int) *Run {
	return &Run{
		id:          id,
		def:         def,
		storageMode: mode,
		evaluate:    evaluate,
		label:       label,
		outputs:     make(map[string]string),
		startStep:   1,
		events:      make(chan Event, bufSize),
		pauseCh:     make(chan struct{}),
		scoreCh:     make(chan scoreSubmission, 1),
	}
}

// ID returns the run's persistent identifier.
func (r *Run) ID() uuid.UUID { return r.id }

// Events returns the run's event stream. The channel is closed after the
// done event.
func (r *Run) Events() <-chan Event { return r.events }

// RequestPause asks the run to stop at the next step boundary or
// evaluation gate. Cooperative: an in-flight model call is never
// preempted. Safe to call more than once.
func (r *Run) RequestPause() {
	r.pauseOnce.Do(func() { close(r.pauseCh) })
}

// SubmitScore delivers a human evaluation score to a run blocked at an
// evaluation gate.
func (r *Run) SubmitScore(step, score int) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("engine: score %d out of range [0,100]", score)
	}
	if !r.evaluate {
		return fmt.Errorf("engine: run %s has evaluation disabled", r.id)
	}
	select {
	case r.scoreCh <- scoreSubmission{step: step, score: score}:
		return nil
	default:
		return fmt.Errorf("engine: run %s is not awaiting evaluation", r.id)
	}
}

func (r *Run) pauseRequested() bool {
	select {
	case <-r.pauseCh:
		return true
	default:
		return false
	}
}

// Registry holds the live runs of this process keyed by run id, so the
// start, stream, evaluate, and pause handlers can reach the same run.
// Entries are removed when a run reaches a terminal or paused state.
type Registry struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[uuid.UUID]*Run)}
}

// Add inserts a run handle.
func (g *Registry) Add(r *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[r.id] = r
}

// Get returns the live run with the given id.
func (g *Registry) Get(id uuid.UUID) (*Run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runs[id]
	return r, ok
}

// Remove deletes a run handle.
func (g *Registry) Remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
}

// Len returns the number of live runs.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}
