package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/storage"
	"github.com/clerkhq/clerk/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// seedKit creates a kit with one version, two steps, one static and one
// dynamic resource, and a tool reference.
func seedKit(t *testing.T, slug string) (model.Kit, model.KitVersion) {
	t.Helper()
	ctx := context.Background()

	kit, err := testDB.CreateKit(ctx, slug, "Kit "+slug, nil)
	require.NoError(t, err)

	version, err := testDB.CreateKitVersion(ctx, kit.ID, 1, nil)
	require.NoError(t, err)

	require.NoError(t, testDB.AddResource(ctx, version.ID, model.Resource{
		Number: 1, Filename: "brief.txt", Content: "project brief text",
	}))
	require.NoError(t, testDB.AddResource(ctx, version.ID, model.Resource{
		Number: 2, Filename: "input.txt", IsDynamic: true, DisplayName: "User Input",
	}))
	require.NoError(t, testDB.AddWorkflowStep(ctx, version.ID, model.WorkflowStep{
		Number: 1, Prompt: "Analyze {resource_1} and {resource_2}", DisplayName: "Analyze",
	}))
	require.NoError(t, testDB.AddWorkflowStep(ctx, version.ID, model.WorkflowStep{
		Number: 2, Prompt: "Summarize {workflow_1} using {tool_1}",
	}))
	require.NoError(t, testDB.AddTool(ctx, version.ID, model.ToolRef{
		Number: 1, ToolName: "read_url", DisplayName: "Web Reader",
	}))

	return kit, version
}

func TestGetKitBySlug(t *testing.T) {
	ctx := context.Background()
	kit, version := seedKit(t, "get-by-slug")

	got, err := testDB.GetKitBySlug(ctx, "get-by-slug")
	require.NoError(t, err)
	assert.Equal(t, kit.ID, got.ID)
	require.NotNil(t, got.CurrentVersionID)
	assert.Equal(t, version.ID, *got.CurrentVersionID)

	_, err = testDB.GetKitBySlug(ctx, "no-such-kit")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListKitsOrdered(t *testing.T) {
	ctx := context.Background()
	seedKit(t, "zz-last")
	seedKit(t, "aa-first")

	kits, err := testDB.ListKits(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(kits), 2)
	assert.True(t, sortedBySlug(kits))
}

func sortedBySlug(kits []model.Kit) bool {
	for i := 1; i < len(kits); i++ {
		if kits[i-1].Slug > kits[i].Slug {
			return false
		}
	}
	return true
}

func TestLoadKitDefinition(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "load-definition")

	def, err := testDB.LoadKitDefinition(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kit load-definition", def.Name)
	assert.Equal(t, "load-definition", def.Slug)
	require.Len(t, def.Resources, 2)
	require.Len(t, def.Steps, 2)
	require.Len(t, def.Tools, 1)

	static := def.Resources["resource_1"]
	assert.Equal(t, "project brief text", static.Content)
	assert.False(t, static.IsDynamic)

	dynamic := def.Resources["resource_2"]
	assert.True(t, dynamic.IsDynamic)
	assert.Empty(t, dynamic.Content)
	assert.Equal(t, "User Input", dynamic.DisplayName)
	assert.Equal(t, []string{"resource_2"}, def.MissingDynamicResources())

	assert.Equal(t, "read_url", def.Tools[1].ToolName)
	assert.Equal(t, []int{1, 2}, def.StepNumbers())
}

func TestLoadKitDefinitionNotFound(t *testing.T) {
	_, err := testDB.LoadKitDefinition(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "run-lifecycle")

	label := "nightly"
	run, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, &label)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, testDB.SetRunStatus(ctx, run.ID, model.RunStatusPaused, nil))
	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
	assert.Nil(t, got.CompletedAt)

	msg := "model call failed"
	require.NoError(t, testDB.SetRunStatus(ctx, run.ID, model.RunStatusFailed, &msg))
	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, msg, *got.ErrorMessage)
}

func TestGetRunNotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordStepTransparent(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "record-transparent")
	run, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, nil)
	require.NoError(t, err)

	tokens := 42
	se, err := testDB.RecordStep(ctx, run.ID, run.StorageMode, model.StepRecord{
		StepNumber: 1,
		Input:      "full prompt text",
		Output:     "full output text",
		ModelUsed:  "gpt-4o",
		TokensUsed: &tokens,
		LatencyMS:  120,
	})
	require.NoError(t, err)
	require.NotNil(t, se.InputText)
	assert.Equal(t, "full prompt text", *se.InputText)
	require.NotNil(t, se.OutputText)
	assert.Equal(t, "full output text", *se.OutputText)
	assert.Equal(t, len("full prompt text"), se.InputCharCount)
	assert.Equal(t, "gpt-4o", se.ModelUsed)
	require.NotNil(t, se.TokensUsed)
	assert.Equal(t, 42, *se.TokensUsed)
	assert.Equal(t, 120, se.LatencyMS)
}

func TestRecordStepAnonymous(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "record-anonymous")
	run, err := testDB.CreateRun(ctx, version.ID, model.StorageAnonymous, nil)
	require.NoError(t, err)

	se, err := testDB.RecordStep(ctx, run.ID, run.StorageMode, model.StepRecord{
		StepNumber: 1,
		Input:      "sensitive prompt",
		Output:     "sensitive output",
	})
	require.NoError(t, err)
	assert.Nil(t, se.InputText)
	assert.Nil(t, se.OutputText)
	assert.Equal(t, len("sensitive prompt"), se.InputCharCount)
	assert.Equal(t, len("sensitive output"), se.OutputCharCount)
}

func TestSetStepScore(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "step-score")
	run, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, nil)
	require.NoError(t, err)

	_, err = testDB.RecordStep(ctx, run.ID, run.StorageMode, model.StepRecord{StepNumber: 1, Output: "x"})
	require.NoError(t, err)

	require.NoError(t, testDB.SetStepScore(ctx, run.ID, 1, 85))

	steps, err := testDB.ListStepExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].EvaluationScore)
	assert.Equal(t, 85, *steps[0].EvaluationScore)

	assert.ErrorIs(t, testDB.SetStepScore(ctx, run.ID, 99, 50), storage.ErrNotFound)
}

func TestListStepExecutionsOrdered(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "steps-ordered")
	run, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, nil)
	require.NoError(t, err)

	for _, n := range []int{3, 1, 2} {
		_, err := testDB.RecordStep(ctx, run.ID, run.StorageMode, model.StepRecord{StepNumber: n, Output: "x"})
		require.NoError(t, err)
	}

	steps, err := testDB.ListStepExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, se := range steps {
		assert.Equal(t, i+1, se.StepNumber)
	}
}

func TestSweepStaleRunning(t *testing.T) {
	ctx := context.Background()
	_, version := seedKit(t, "sweep-stale")

	stale, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, nil)
	require.NoError(t, err)
	paused, err := testDB.CreateRun(ctx, version.ID, model.StorageTransparent, nil)
	require.NoError(t, err)
	require.NoError(t, testDB.SetRunStatus(ctx, paused.ID, model.RunStatusPaused, nil))

	n, err := testDB.SweepStaleRunning(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	got, err := testDB.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted by server restart", *got.ErrorMessage)

	got, err = testDB.GetRun(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, got.Status)
}

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	ctx := context.Background()

	vectors := map[string][]float32{
		"hash-a": {0.1, 0.2, 0.3},
		"hash-b": {0.4, 0.5, 0.6},
	}
	require.NoError(t, testDB.UpsertEmbeddings(ctx, vectors))

	got, err := testDB.GetCachedEmbeddings(ctx, []string{"hash-a", "hash-b", "hash-missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, got["hash-a"], 1e-6)
	assert.InDeltaSlice(t, []float32{0.4, 0.5, 0.6}, got["hash-b"], 1e-6)

	// Re-upserting the same hash is a no-op, not an error.
	require.NoError(t, testDB.UpsertEmbeddings(ctx, map[string][]float32{"hash-a": {0.9, 0.9, 0.9}}))
	got, err = testDB.GetCachedEmbeddings(ctx, []string{"hash-a"})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, got["hash-a"], 1e-6)
}
