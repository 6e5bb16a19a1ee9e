package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an execution run.
// completed and failed are terminal; paused is the only state from which
// a run can be reconstructed and resumed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StorageMode controls what step data is persisted.
type StorageMode string

const (
	// StorageTransparent persists full prompt and output text.
	StorageTransparent StorageMode = "transparent"
	// StorageAnonymous persists only character counts.
	StorageAnonymous StorageMode = "anonymous"
)

// Valid reports whether the mode is one of the two known values.
func (m StorageMode) Valid() bool {
	return m == StorageTransparent || m == StorageAnonymous
}

// ExecutionRun is one execution attempt of a kit version.
type ExecutionRun struct {
	ID           uuid.UUID   `json:"id"`
	VersionID    uuid.UUID   `json:"version_id"`
	StorageMode  StorageMode `json:"storage_mode"`
	Status       RunStatus   `json:"status"`
	Label        *string     `json:"label,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
}

// StepExecution is the persisted result of a single workflow step.
// In transparent mode InputText/OutputText hold the full text; in
// anonymous mode they are nil and only the char counts are stored.
// Unique per (run_id, step_number).
type StepExecution struct {
	ID              uuid.UUID `json:"id"`
	RunID           uuid.UUID `json:"run_id"`
	StepNumber      int       `json:"step_number"`
	InputText       *string   `json:"input_text,omitempty"`
	InputCharCount  int       `json:"input_char_count"`
	OutputText      *string   `json:"output_text,omitempty"`
	OutputCharCount int       `json:"output_char_count"`
	EvaluationScore *int      `json:"evaluation_score,omitempty"`
	ModelUsed       string    `json:"model_used,omitempty"`
	TokensUsed      *int      `json:"tokens_used,omitempty"`
	LatencyMS       int       `json:"latency_ms"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// StepRecord carries a completed step's data to the persistence layer.
// The storage layer applies the run's storage mode: anonymous runs drop
// the text and keep only the counts.
type StepRecord struct {
	StepNumber int
	Input      string
	Output     string
	ModelUsed  string
	TokensUsed *int
	LatencyMS  int
}
