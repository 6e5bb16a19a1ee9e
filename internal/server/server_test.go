package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/internal/engine"
	"github.com/clerkhq/clerk/internal/llm"
	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/service/embedding"
	"github.com/clerkhq/clerk/internal/storage"
	"github.com/clerkhq/clerk/internal/tool"
)

// memStore is an in-memory store backing both the engine and the read
// handlers in these tests.
type memStore struct {
	mu      sync.Mutex
	pingErr error
	kits    map[string]model.Kit
	defs    map[uuid.UUID]model.KitDefinition
	runs    map[uuid.UUID]model.ExecutionRun
	steps   map[uuid.UUID][]model.StepExecution
}

func newMemStore() *memStore {
	return &memStore{
		kits:  make(map[string]model.Kit),
		defs:  make(map[uuid.UUID]model.KitDefinition),
		runs:  make(map[uuid.UUID]model.ExecutionRun),
		steps: make(map[uuid.UUID][]model.StepExecution),
	}
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) ListKits(context.Context) ([]model.Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kits := make([]model.Kit, 0, len(s.kits))
	for _, k := range s.kits {
		kits = append(kits, k)
	}
	return kits, nil
}

func (s *memStore) GetKitBySlug(_ context.Context, slug string) (model.Kit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.kits[slug]
	if !ok {
		return model.Kit{}, storage.ErrNotFound
	}
	return k, nil
}

func (s *memStore) LoadKitDefinition(_ context.Context, versionID uuid.UUID) (model.KitDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[versionID]
	if !ok {
		return model.KitDefinition{}, storage.ErrNotFound
	}
	// Copy the resource map so dynamic fills never leak across runs.
	resources := make(map[string]model.Resource, len(def.Resources))
	for id, r := range def.Resources {
		resources[id] = r
	}
	def.Resources = resources
	return def, nil
}

func (s *memStore) CreateRun(_ context.Context, versionID uuid.UUID, mode model.StorageMode, label *string) (model.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := model.ExecutionRun{
		ID:          uuid.New(),
		VersionID:   versionID,
		StorageMode: mode,
		Status:      model.RunStatusRunning,
		Label:       label,
		StartedAt:   time.Now().UTC(),
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) GetRun(_ context.Context, runID uuid.UUID) (model.ExecutionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return model.ExecutionRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (s *memStore) SetRunStatus(_ context.Context, runID uuid.UUID, status model.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

func (s *memStore) RecordStep(_ context.Context, runID uuid.UUID, mode model.StorageMode, rec model.StepRecord) (model.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se := model.StepExecution{
		ID:              uuid.New(),
		RunID:           runID,
		StepNumber:      rec.StepNumber,
		InputCharCount:  len(rec.Input),
		OutputCharCount: len(rec.Output),
		ModelUsed:       rec.ModelUsed,
		TokensUsed:      rec.TokensUsed,
		LatencyMS:       rec.LatencyMS,
		ExecutedAt:      time.Now().UTC(),
	}
	if mode == model.StorageTransparent {
		in, out := rec.Input, rec.Output
		se.InputText = &in
		se.OutputText = &out
	}
	s.steps[runID] = append(s.steps[runID], se)
	return se, nil
}

func (s *memStore) SetStepScore(_ context.Context, runID uuid.UUID, stepNumber, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, se := range s.steps[runID] {
		if se.StepNumber == stepNumber {
			s.steps[runID][i].EvaluationScore = &score
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *memStore) ListStepExecutions(_ context.Context, runID uuid.UUID) ([]model.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StepExecution(nil), s.steps[runID]...), nil
}

func (s *memStore) addKit(slug string, steps map[int]model.WorkflowStep, resources map[string]model.Resource) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	versionID := uuid.New()
	if resources == nil {
		resources = map[string]model.Resource{}
	}
	s.kits[slug] = model.Kit{
		ID:               uuid.New(),
		Slug:             slug,
		Name:             strings.ToUpper(slug),
		CurrentVersionID: &versionID,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	s.defs[versionID] = model.KitDefinition{
		Name:      strings.ToUpper(slug),
		Slug:      slug,
		VersionID: versionID,
		Resources: resources,
		Steps:     steps,
		Tools:     map[int]model.ToolRef{},
	}
	return versionID
}

// gateBackend answers instantly until blocked; when block is non-nil the
// next call waits on it so a test can act while a step is in flight.
type gateBackend struct {
	mu    sync.Mutex
	block chan struct{}
	began chan struct{}
}

func (b *gateBackend) Complete(ctx context.Context, messages []llm.Message, _ []llm.ToolSpec) (llm.Completion, error) {
	b.mu.Lock()
	block, began := b.block, b.began
	b.mu.Unlock()
	if began != nil {
		select {
		case began <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	}
	return llm.Completion{Content: "ok: " + messages[len(messages)-1].Content, Model: "test-model"}, nil
}

func newTestServer(t *testing.T, store *memStore, backend llm.Backend) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	aug := engine.NewAugmenter(embedding.NewNoopProvider(2), 4000, 2000, 200, 4, logger)
	eng := engine.New(store, backend, aug, tool.NewRegistry(), engine.Config{
		ToolRoundCap:    5,
		EvalTimeout:     time.Minute,
		EventBufferSize: 64,
	}, logger)

	srv := New(Config{
		DB:                  store,
		Engine:              eng,
		Logger:              logger,
		Port:                0,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func decodeErr(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	defer resp.Body.Close()
	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func waitStatus(t *testing.T, store *memStore, runID uuid.UUID, want model.RunStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
}

func TestHealth(t *testing.T) {
	store := newMemStore()
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	data := decodeData[map[string]any](t, resp)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "test", data["version"])
}

func TestHealthDegraded(t *testing.T) {
	store := newMemStore()
	store.pingErr = errors.New("connection refused")
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	data := decodeData[map[string]any](t, resp)
	assert.Equal(t, "unhealthy", data["status"])
	assert.Equal(t, "disconnected", data["postgres"])
}

func TestListAndGetKits(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "p"}}, nil)
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Get(ts.URL + "/v1/kits")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	kits := decodeData[[]model.Kit](t, resp)
	require.Len(t, kits, 1)
	assert.Equal(t, "capitals", kits[0].Slug)

	resp, err = http.Get(ts.URL + "/v1/kits/capitals")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	kit := decodeData[model.Kit](t, resp)
	assert.Equal(t, "CAPITALS", kit.Name)

	resp, err = http.Get(ts.URL + "/v1/kits/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, resp).Code)
}

func TestStartRunAndGetDetail(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{
		1: {Number: 1, Prompt: "Name the capital of France."},
		2: {Number: 2, Prompt: "Summarize: {workflow_1}"},
	}, nil)
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp := postJSON(t, ts.URL+"/v1/kits/capitals/runs", model.StartRunRequest{})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decodeData[model.StartRunResponse](t, resp)
	require.NotEqual(t, uuid.Nil, started.RunID)

	waitStatus(t, store, started.RunID, model.RunStatusCompleted)

	resp, err := http.Get(ts.URL + "/v1/runs/" + started.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[model.RunDetail](t, resp)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	require.Len(t, detail.Steps, 2)
	require.NotNil(t, detail.Steps[0].OutputText)
	assert.Contains(t, *detail.Steps[0].OutputText, "ok:")
}

func TestStartRunUnknownKit(t *testing.T) {
	store := newMemStore()
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp := postJSON(t, ts.URL+"/v1/kits/ghost/runs", model.StartRunRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErr(t, resp).Code)
}

func TestStartRunMissingDynamicResource(t *testing.T) {
	store := newMemStore()
	store.addKit("review", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "Review {resource_1}"}},
		map[string]model.Resource{
			"resource_1": {Number: 1, Filename: "input.txt", IsDynamic: true},
		})
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp := postJSON(t, ts.URL+"/v1/kits/review/runs", model.StartRunRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	detail := decodeErr(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, detail.Code)
	missing, ok := detail.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"resource_1"}, missing["missing_resources"])
}

func TestStartRunRejectsUnknownField(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "p"}}, nil)
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Post(ts.URL+"/v1/kits/capitals/runs", "application/json",
		strings.NewReader(`{"evaluate":false,"bogus":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErr(t, resp).Code)
}

func TestStreamRun(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{
		1: {Number: 1, Prompt: "Name the capital of France."},
	}, nil)

	backend := &gateBackend{block: make(chan struct{}), began: make(chan struct{}, 1)}
	ts, _ := newTestServer(t, store, backend)

	resp := postJSON(t, ts.URL+"/v1/kits/capitals/runs", model.StartRunRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decodeData[model.StartRunResponse](t, resp)

	// The run is blocked inside its only model call, so it is still live.
	<-backend.began
	stream, err := http.Get(ts.URL + "/v1/runs/" + started.RunID.String() + "/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	close(backend.block)

	var types []string
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
			if name == "done" {
				break
			}
		}
	}
	assert.Equal(t, []string{"start", "step-start", "step-complete", "done"}, types)
}

func TestStreamRunNotLive(t *testing.T) {
	store := newMemStore()
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Get(ts.URL + "/v1/runs/" + uuid.NewString() + "/stream")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseAndResume(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{
		1: {Number: 1, Prompt: "Name the capital of France."},
		2: {Number: 2, Prompt: "Summarize: {workflow_1}"},
	}, nil)

	backend := &gateBackend{block: make(chan struct{}), began: make(chan struct{}, 1)}
	ts, _ := newTestServer(t, store, backend)

	resp := postJSON(t, ts.URL+"/v1/kits/capitals/runs", model.StartRunRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decodeData[model.StartRunResponse](t, resp)

	// Pause while step 1 is mid-call; it takes effect at the boundary.
	<-backend.began
	resp = postJSON(t, ts.URL+"/v1/runs/"+started.RunID.String()+"/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	close(backend.block)
	waitStatus(t, store, started.RunID, model.RunStatusPaused)

	// Step 1 was persisted before the pause took effect.
	steps, err := store.ListStepExecutions(context.Background(), started.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	backend.mu.Lock()
	backend.block = nil
	backend.mu.Unlock()

	resp = postJSON(t, ts.URL+"/v1/runs/"+started.RunID.String()+"/resume", model.ResumeRunRequest{})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resumed := decodeData[model.StartRunResponse](t, resp)
	require.NotEqual(t, started.RunID, resumed.RunID)

	waitStatus(t, store, resumed.RunID, model.RunStatusCompleted)

	// The new run executes only the remaining step.
	steps, err = store.ListStepExecutions(context.Background(), resumed.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].StepNumber)
}

func TestResumeNotPaused(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "p"}}, nil)
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp := postJSON(t, ts.URL+"/v1/kits/capitals/runs", model.StartRunRequest{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	started := decodeData[model.StartRunResponse](t, resp)
	waitStatus(t, store, started.RunID, model.RunStatusCompleted)

	resp = postJSON(t, ts.URL+"/v1/runs/"+started.RunID.String()+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, decodeErr(t, resp).Code)
}

func TestEvaluateLiveRun(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "p"}}, nil)

	backend := &gateBackend{began: make(chan struct{}, 1)}
	ts, eng := newTestServer(t, store, backend)

	run, err := eng.StartRun(context.Background(), "capitals", model.StartRunRequest{Evaluate: true})
	require.NoError(t, err)

	// Wait for the evaluation gate.
	var awaiting bool
	timeout := time.After(5 * time.Second)
	for !awaiting {
		select {
		case ev := <-run.Events():
			if ev.Type == engine.EventStepAwaitEval {
				awaiting = true
			}
		case <-timeout:
			t.Fatal("run never reached the evaluation gate")
		}
	}

	resp := postJSON(t, fmt.Sprintf("%s/v1/runs/%s/evaluate", ts.URL, run.ID()), model.EvaluateStepRequest{Step: 1, Score: 90})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	waitStatus(t, store, run.ID(), model.RunStatusCompleted)
	steps, err := store.ListStepExecutions(context.Background(), run.ID())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].EvaluationScore)
	assert.Equal(t, 90, *steps[0].EvaluationScore)
}

func TestEvaluateScoreOutOfRange(t *testing.T) {
	store := newMemStore()
	store.addKit("capitals", map[int]model.WorkflowStep{1: {Number: 1, Prompt: "p"}}, nil)

	backend := &gateBackend{block: make(chan struct{}), began: make(chan struct{}, 1)}
	ts, eng := newTestServer(t, store, backend)
	defer close(backend.block)

	run, err := eng.StartRun(context.Background(), "capitals", model.StartRunRequest{Evaluate: true})
	require.NoError(t, err)
	<-backend.began

	resp := postJSON(t, fmt.Sprintf("%s/v1/runs/%s/evaluate", ts.URL, run.ID()), model.EvaluateStepRequest{Step: 1, Score: 150})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestEvaluateNotLive(t *testing.T) {
	store := newMemStore()
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp := postJSON(t, ts.URL+"/v1/runs/"+uuid.NewString()+"/evaluate", model.EvaluateStepRequest{Step: 1, Score: 50})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidRunID(t *testing.T) {
	store := newMemStore()
	ts, _ := newTestServer(t, store, &gateBackend{})

	resp, err := http.Get(ts.URL + "/v1/runs/not-a-uuid")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErr(t, resp).Code)
}
