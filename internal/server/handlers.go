package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/clerkhq/clerk/internal/engine"
	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/storage"
)

// Store is the read surface the handlers need beyond the engine.
// Implemented by the storage layer.
type Store interface {
	Ping(ctx context.Context) error
	ListKits(ctx context.Context) ([]model.Kit, error)
	GetKitBySlug(ctx context.Context, slug string) (model.Kit, error)
	GetRun(ctx context.Context, runID uuid.UUID) (model.ExecutionRun, error)
	ListStepExecutions(ctx context.Context, runID uuid.UUID) ([]model.StepExecution, error)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	db      Store
	engine  *engine.Engine
	logger  *slog.Logger
	version string
	maxBody int64
}

// HandleListKits handles GET /v1/kits.
func (h *Handlers) HandleListKits(w http.ResponseWriter, r *http.Request) {
	kits, err := h.db.ListKits(r.Context())
	if err != nil {
		h.logger.Error("list kits", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list kits")
		return
	}
	writeJSON(w, r, http.StatusOK, kits)
}

// HandleGetKit handles GET /v1/kits/{slug}.
func (h *Handlers) HandleGetKit(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	kit, err := h.db.GetKitBySlug(r.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "kit not found")
		return
	}
	if err != nil {
		h.logger.Error("get kit", "slug", slug, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get kit")
		return
	}
	writeJSON(w, r, http.StatusOK, kit)
}

// HandleStartRun handles POST /v1/kits/{slug}/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var req model.StartRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	run, err := h.engine.StartRun(r.Context(), slug, req)
	if err != nil {
		h.writeStartError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.StartRunResponse{RunID: run.ID()})
}

func (h *Handlers) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	var missingErr *engine.MissingResourcesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "kit not found")
	case errors.As(err, &missingErr):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			"missing dynamic resources", map[string]any{"missing_resources": missingErr.Missing})
	default:
		h.logger.Error("start run", "error", err)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	}
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}

	steps, err := h.db.ListStepExecutions(r.Context(), runID)
	if err != nil {
		h.logger.Error("list run steps", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run steps")
		return
	}
	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Steps: steps})
}

// HandleEvaluate handles POST /v1/runs/{run_id}/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	run, ok := h.liveRun(w, r)
	if !ok {
		return
	}

	var req model.EvaluateStepRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	if err := run.SubmitScore(req.Step, req.Score); err != nil {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "accepted"})
}

// HandlePause handles POST /v1/runs/{run_id}/pause. The pause is
// cooperative: it takes effect at the next step boundary or evaluation
// gate, never mid-model-call.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	run, ok := h.liveRun(w, r)
	if !ok {
		return
	}
	run.RequestPause()
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "pause requested"})
}

// HandleResume handles POST /v1/runs/{run_id}/resume. The paused run is
// reconstructed as a new run pinned to the same kit version; the
// response carries the new run id to stream.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	// The body is optional; an empty body resumes without evaluation.
	var req model.ResumeRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	run, err := h.engine.ResumeRun(r.Context(), runID, req.Evaluate, req.DynamicResources)
	if err != nil {
		h.writeResumeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.StartRunResponse{RunID: run.ID()})
}

func (h *Handlers) writeResumeError(w http.ResponseWriter, r *http.Request, err error) {
	var missingErr *engine.MissingResourcesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, engine.ErrNotPaused):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not paused")
	case errors.As(err, &missingErr):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
			"missing dynamic resources", map[string]any{"missing_resources": missingErr.Missing})
	default:
		h.logger.Error("resume run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to resume run")
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, map[string]any{
		"status":   status,
		"postgres": pgStatus,
		"version":  h.version,
	})
}

// liveRun resolves {run_id} against the live run registry.
func (h *Handlers) liveRun(w http.ResponseWriter, r *http.Request) (*engine.Run, bool) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return nil, false
	}
	run, ok := h.engine.Runs().Get(runID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no live run with this id")
		return nil, false
	}
	return run, true
}
