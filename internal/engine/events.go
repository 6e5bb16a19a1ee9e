package engine

import "github.com/google/uuid"

// EventType names the run progress events in their emission order: one
// start, then per step one step-start followed by step-complete or
// step-error, an optional step-await-eval, and exactly one done.
type EventType string

const (
	EventStart         EventType = "start"
	EventStepStart     EventType = "step-start"
	EventStepComplete  EventType = "step-complete"
	EventStepError     EventType = "step-error"
	EventStepAwaitEval EventType = "step-await-eval"
	EventDone          EventType = "done"
)

// Event is one typed progress event with its JSON-serializable payload.
type Event struct {
	Type EventType
	Data any
}

// StartData opens every stream. PastSteps replays steps persisted before
// this run started, so a client attaching to a resumed run sees prior
// results without querying storage.
type StartData struct {
	KitName    string     `json:"kit_name"`
	TotalSteps int        `json:"total_steps"`
	PastSteps  []PastStep `json:"past_steps"`
}

// PastStep is one previously completed step replayed in StartData.
type PastStep struct {
	Step        int    `json:"step"`
	OutputID    string `json:"output_id"`
	DisplayName string `json:"display_name"`
	Result      string `json:"result"`
}

// StepStartData announces that a step is about to execute.
type StepStartData struct {
	Step        int    `json:"step"`
	OutputID    string `json:"output_id"`
	DisplayName string `json:"display_name"`
}

// StepCompleteData carries a finished step's result and metrics.
type StepCompleteData struct {
	Step          int    `json:"step"`
	OutputID      string `json:"output_id"`
	DisplayName   string `json:"display_name"`
	PromptPreview string `json:"prompt_preview"`
	Result        string `json:"result"`
	LatencyMS     int    `json:"latency_ms"`
	TokensUsed    *int   `json:"tokens_used"`
}

// StepErrorData reports a fatal step failure.
type StepErrorData struct {
	Step  int    `json:"step"`
	Error string `json:"error"`
}

// AwaitEvalData signals that the run is blocked on a human score.
type AwaitEvalData struct {
	Step int `json:"step"`
}

// DoneData terminates every stream with the run's final status. RunID is
// set when the run paused, so the caller can resume it later.
type DoneData struct {
	Status     string     `json:"status"`
	TotalSteps int        `json:"total_steps"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// promptPreviewLen bounds the prompt excerpt in step-complete events.
const promptPreviewLen = 200

func promptPreview(prompt string) string {
	if len(prompt) <= promptPreviewLen {
		return prompt
	}
	return prompt[:promptPreviewLen]
}
