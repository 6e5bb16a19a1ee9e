package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StartRunRequest is the request body for POST /v1/kits/{slug}/runs.
type StartRunRequest struct {
	Evaluate         bool              `json:"evaluate"`
	StorageMode      StorageMode       `json:"storage_mode,omitempty"`
	DynamicResources map[string]string `json:"dynamic_resources,omitempty"`
	Label            *string           `json:"label,omitempty"`
	// VersionID pins the run to a specific kit version instead of the
	// kit's current version. Required internally for resume.
	VersionID *uuid.UUID `json:"version_id,omitempty"`
}

// StartRunResponse is the response body for a successfully started run.
type StartRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// EvaluateStepRequest is the request body for POST /v1/runs/{run_id}/evaluate.
type EvaluateStepRequest struct {
	Step  int `json:"step"`
	Score int `json:"score"`
}

// ResumeRunRequest is the optional request body for POST /v1/runs/{run_id}/resume.
type ResumeRunRequest struct {
	Evaluate         bool              `json:"evaluate"`
	DynamicResources map[string]string `json:"dynamic_resources,omitempty"`
}

// RunDetail is the response body for GET /v1/runs/{run_id}.
type RunDetail struct {
	Run   ExecutionRun    `json:"run"`
	Steps []StepExecution `json:"steps"`
}
