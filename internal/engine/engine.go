// Package engine implements the workflow execution engine: placeholder
// resolution, retrieval-augmented substitution for oversized resources,
// the bounded tool-invocation loop, and the per-run state machine with
// pause, resume, and evaluation gates.
//
// Each run executes on its own goroutine; steps within a run are
// strictly sequential because a step's template may reference earlier
// outputs. Runs share nothing mutable except the Registry used to look
// them up and the content-addressed embedding cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clerkhq/clerk/internal/llm"
	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/tool"
)

// ErrNotPaused is returned when resuming a run that is not paused.
var ErrNotPaused = errors.New("engine: run is not paused")

// MissingResourcesError rejects a run whose dynamic resources were not
// all supplied at start.
type MissingResourcesError struct {
	Missing []string
}

func (e *MissingResourcesError) Error() string {
	return fmt.Sprintf("engine: missing dynamic resources: %s", strings.Join(e.Missing, ", "))
}

// Store is the persistence surface the engine needs. Implemented by the
// storage layer.
type Store interface {
	GetKitBySlug(ctx context.Context, slug string) (model.Kit, error)
	LoadKitDefinition(ctx context.Context, versionID uuid.UUID) (model.KitDefinition, error)
	CreateRun(ctx context.Context, versionID uuid.UUID, mode model.StorageMode, label *string) (model.ExecutionRun, error)
	GetRun(ctx context.Context, runID uuid.UUID) (model.ExecutionRun, error)
	SetRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, errMsg *string) error
	RecordStep(ctx context.Context, runID uuid.UUID, mode model.StorageMode, rec model.StepRecord) (model.StepExecution, error)
	SetStepScore(ctx context.Context, runID uuid.UUID, stepNumber, score int) error
	ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]model.StepExecution, error)
}

// Config bounds the engine's loops and waits.
type Config struct {
	// ToolRoundCap caps backend invocations per step when tools are bound.
	ToolRoundCap int
	// EvalTimeout is the ceiling on waiting for an evaluation score.
	EvalTimeout time.Duration
	// EventBufferSize is the per-run event channel capacity.
	EventBufferSize int
}

// Engine starts, resumes, and drives runs.
type Engine struct {
	store     Store
	backend   llm.Backend
	augmenter *Augmenter
	tools     *tool.Registry
	runs      *Registry

	roundCap    int
	evalTimeout time.Duration
	bufSize     int
	logger      *slog.Logger
}

// New creates an engine.
func New(store Store, backend llm.Backend, augmenter *Augmenter, tools *tool.Registry, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		backend:     backend,
		augmenter:   augmenter,
		tools:       tools,
		runs:        NewRegistry(),
		roundCap:    cfg.ToolRoundCap,
		evalTimeout: cfg.EvalTimeout,
		bufSize:     cfg.EventBufferSize,
		logger:      logger,
	}
}

// Runs returns the live run registry.
func (e *Engine) Runs() *Registry { return e.runs }

// StartRun validates the request, creates a persistent run, and launches
// its goroutine. The returned handle is already registered; the caller
// typically attaches to its event stream next.
func (e *Engine) StartRun(ctx context.Context, slug string, req model.StartRunRequest) (*Run, error) {
	kit, err := e.store.GetKitBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	versionID := req.VersionID
	if versionID == nil {
		versionID = kit.CurrentVersionID
	}
	if versionID == nil {
		return nil, fmt.Errorf("engine: kit %q has no current version", slug)
	}

	def, err := e.store.LoadKitDefinition(ctx, *versionID)
	if err != nil {
		return nil, err
	}

	fillDynamicResources(&def, req.DynamicResources)
	if missing := def.MissingDynamicResources(); len(missing) > 0 {
		return nil, &MissingResourcesError{Missing: missing}
	}

	mode := req.StorageMode
	if mode == "" {
		mode = model.StorageTransparent
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("engine: invalid storage mode %q", mode)
	}

	row, err := e.store.CreateRun(ctx, *versionID, mode, req.Label)
	if err != nil {
		return nil, err
	}

	run := newRun(row.ID, def, mode, req.Evaluate, req.Label, e.bufSize)
	e.runs.Add(run)
	go e.execute(context.WithoutCancel(ctx), run)

	e.logger.Info("run started", "run_id", run.id, "kit", slug, "steps", def.TotalSteps(), "evaluate", req.Evaluate)
	return run, nil
}

// ResumeRun reconstructs a paused run as a new run: same kit version
// (pinned, not the kit's current version), outputs reseeded from the
// persisted steps, execution continuing at the first un-executed step.
func (e *Engine) ResumeRun(ctx context.Context, runID uuid.UUID, evaluate bool, dynamicResources map[string]string) (*Run, error) {
	prev, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.Status != model.RunStatusPaused {
		return nil, ErrNotPaused
	}

	def, err := e.store.LoadKitDefinition(ctx, prev.VersionID)
	if err != nil {
		return nil, err
	}

	fillDynamicResources(&def, dynamicResources)
	if missing := def.MissingDynamicResources(); len(missing) > 0 {
		return nil, &MissingResourcesError{Missing: missing}
	}

	steps, err := e.store.ListStepExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	row, err := e.store.CreateRun(ctx, prev.VersionID, prev.StorageMode, prev.Label)
	if err != nil {
		return nil, err
	}

	run := newRun(row.ID, def, prev.StorageMode, evaluate, prev.Label, e.bufSize)
	maxStep := 0
	for _, se := range steps {
		if se.StepNumber > maxStep {
			maxStep = se.StepNumber
		}
		step, ok := def.Steps[se.StepNumber]
		if !ok {
			continue
		}
		// Anonymous runs persist only char counts, so there may be no
		// text to reseed; the step is still skipped on resume.
		var result string
		if se.OutputText != nil {
			result = *se.OutputText
			run.outputs[step.OutputID()] = result
		}
		run.pastSteps = append(run.pastSteps, PastStep{
			Step:        se.StepNumber,
			OutputID:    step.OutputID(),
			DisplayName: step.DisplayName,
			Result:      result,
		})
	}
	run.startStep = maxStep + 1

	e.runs.Add(run)
	go e.execute(context.WithoutCancel(ctx), run)

	e.logger.Info("run resumed", "run_id", run.id, "paused_run_id", runID, "start_step", run.startStep)
	return run, nil
}

func fillDynamicResources(def *model.KitDefinition, values map[string]string) {
	for id, content := range values {
		r, ok := def.Resources[id]
		if !ok || !r.IsDynamic {
			continue
		}
		r.Content = content
		def.Resources[id] = r
	}
}

// execute drives one run to a terminal or paused state. It owns all of
// the run's I/O; pause requests and scores arrive through the handle.
func (e *Engine) execute(ctx context.Context, run *Run) {
	defer e.runs.Remove(run.id)
	defer close(run.events)

	e.emit(run, Event{Type: EventStart, Data: StartData{
		KitName:    run.def.Name,
		TotalSteps: run.def.TotalSteps(),
		PastSteps:  run.pastSteps,
	}})

	for _, n := range run.def.StepNumbers() {
		if n < run.startStep {
			continue
		}
		if run.pauseRequested() {
			e.finishPaused(ctx, run)
			return
		}

		step := run.def.Steps[n]
		e.emit(run, Event{Type: EventStepStart, Data: StepStartData{
			Step:        n,
			OutputID:    step.OutputID(),
			DisplayName: step.DisplayName,
		}})

		prompt, binding := e.buildPrompt(ctx, run, step)
		result, err := e.runModelLoop(ctx, prompt, binding)
		if err != nil {
			e.finishStepFailed(ctx, run, n, err.Error())
			return
		}
		run.outputs[step.OutputID()] = result.Text

		if _, err := e.store.RecordStep(ctx, run.id, run.storageMode, model.StepRecord{
			StepNumber: n,
			Input:      prompt,
			Output:     result.Text,
			ModelUsed:  result.Model,
			TokensUsed: result.TokensUsed,
			LatencyMS:  result.LatencyMS,
		}); err != nil {
			// Pause and resume correctness depends on the persisted
			// record, so a sink failure is fatal to the run.
			e.finishStepFailed(ctx, run, n, err.Error())
			return
		}

		e.emit(run, Event{Type: EventStepComplete, Data: StepCompleteData{
			Step:          n,
			OutputID:      step.OutputID(),
			DisplayName:   step.DisplayName,
			PromptPreview: promptPreview(prompt),
			Result:        result.Text,
			LatencyMS:     result.LatencyMS,
			TokensUsed:    result.TokensUsed,
		}})

		// A pause raced with the step: the step is persisted above, so
		// honoring the pause here never loses a completed step.
		if run.pauseRequested() {
			e.finishPaused(ctx, run)
			return
		}

		if run.evaluate {
			if !e.awaitEvaluation(ctx, run, n) {
				return
			}
		}
	}

	e.setStatus(ctx, run, model.RunStatusCompleted, nil)
	e.emit(run, Event{Type: EventDone, Data: DoneData{
		Status:     string(model.RunStatusCompleted),
		TotalSteps: run.def.TotalSteps(),
	}})
	e.logger.Info("run completed", "run_id", run.id)
}

// buildPrompt binds tool references, substitutes resources (augmented
// when oversized) and prior outputs, and returns the prompt text with
// the tool binding for the call loop. Only resources the template
// actually references are augmented; anything else would burn embedding
// calls on text the prompt never includes.
func (e *Engine) buildPrompt(ctx context.Context, run *Run, step model.WorkflowStep) (string, toolBinding) {
	binding := bindTools(step.Prompt, run.def.Tools, e.tools)
	for _, w := range binding.warnings {
		e.logger.Warn("tool binding", "run_id", run.id, "step", step.Number, "warning", w)
	}

	resources := make(map[string]string, len(run.def.Resources))
	for id, r := range run.def.Resources {
		if !strings.Contains(binding.template, "{"+id+"}") {
			continue
		}
		resources[id] = e.augmenter.ResourceText(ctx, step.Prompt, r.Content)
	}

	prompt, warnings := Resolve(binding.template, resources, run.outputs)
	for _, w := range warnings {
		e.logger.Warn("placeholder resolution", "run_id", run.id, "warning", w)
	}
	return prompt, binding
}

// awaitEvaluation blocks at the evaluation gate until a score arrives, a
// pause is requested, or the wait ceiling passes. Returns false if the
// run is finished.
func (e *Engine) awaitEvaluation(ctx context.Context, run *Run, stepNumber int) bool {
	e.emit(run, Event{Type: EventStepAwaitEval, Data: AwaitEvalData{Step: stepNumber}})

	timer := time.NewTimer(e.evalTimeout)
	defer timer.Stop()

	select {
	case sub := <-run.scoreCh:
		if sub.step != stepNumber {
			e.logger.Warn("evaluation score step mismatch", "run_id", run.id, "expected", stepNumber, "got", sub.step)
		}
		if err := e.store.SetStepScore(ctx, run.id, stepNumber, sub.score); err != nil {
			e.logger.Error("persist evaluation score", "run_id", run.id, "step", stepNumber, "error", err)
		}
		return true
	case <-run.pauseCh:
		e.finishPaused(ctx, run)
		return false
	case <-timer.C:
		msg := "Evaluation timed out"
		e.setStatus(ctx, run, model.RunStatusFailed, &msg)
		e.emit(run, Event{Type: EventDone, Data: DoneData{
			Status:     string(model.RunStatusFailed),
			TotalSteps: run.def.TotalSteps(),
			Error:      msg,
		}})
		e.logger.Warn("run failed", "run_id", run.id, "error", msg)
		return false
	}
}

func (e *Engine) finishPaused(ctx context.Context, run *Run) {
	e.setStatus(ctx, run, model.RunStatusPaused, nil)
	id := run.id
	e.emit(run, Event{Type: EventDone, Data: DoneData{
		Status:     string(model.RunStatusPaused),
		TotalSteps: run.def.TotalSteps(),
		RunID:      &id,
	}})
	e.logger.Info("run paused", "run_id", run.id)
}

func (e *Engine) finishStepFailed(ctx context.Context, run *Run, stepNumber int, msg string) {
	e.setStatus(ctx, run, model.RunStatusFailed, &msg)
	e.emit(run, Event{Type: EventStepError, Data: StepErrorData{Step: stepNumber, Error: msg}})
	e.emit(run, Event{Type: EventDone, Data: DoneData{
		Status:     string(model.RunStatusFailed),
		TotalSteps: run.def.TotalSteps(),
		Error:      msg,
	}})
	e.logger.Warn("run failed", "run_id", run.id, "step", stepNumber, "error", msg)
}

func (e *Engine) setStatus(ctx context.Context, run *Run, status model.RunStatus, errMsg *string) {
	if err := e.store.SetRunStatus(ctx, run.id, status, errMsg); err != nil {
		e.logger.Error("persist run status", "run_id", run.id, "status", status, "error", err)
	}
}

// emit delivers an event without ever blocking the run goroutine. If no
// consumer is draining the stream and the buffer is full, the event is
// dropped; a resumed or re-queried run can recover history from storage.
func (e *Engine) emit(run *Run, ev Event) {
	select {
	case run.events <- ev:
	default:
		e.logger.Warn("event dropped, stream buffer full", "run_id", run.id, "event", ev.Type)
	}
}
