package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clerkhq/clerk/internal/model"
	"github.com/clerkhq/clerk/internal/tool"
)

type echoTool struct {
	name string
	err  error
}

func (e echoTool) Name() string        { return e.name }
func (e echoTool) Description() string { return "echoes input" }
func (e echoTool) ParameterSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	}
}
func (e echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	s, _ := args["text"].(string)
	return "echo: " + s, nil
}

func TestBindToolsRegistered(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echoTool{name: "web_search"}))

	kitTools := map[int]model.ToolRef{
		1: {Number: 1, ToolName: "web_search", DisplayName: "Web Search"},
	}

	b := bindTools("Research the topic using {tool_1}.", kitTools, reg)
	require.Len(t, b.specs, 1)
	assert.Equal(t, "web_search", b.specs[0].Name)
	assert.Contains(t, b.callable, "web_search")
	assert.Equal(t, "Research the topic using the Web Search tool.", b.template)
}

func TestBindToolsUnregisteredSkippedWithWarning(t *testing.T) {
	kitTools := map[int]model.ToolRef{
		1: {Number: 1, ToolName: "missing_tool", DisplayName: "Missing"},
	}

	b := bindTools("Use {tool_1} if helpful, then {tool_1} again.", kitTools, tool.NewRegistry())
	assert.Empty(t, b.specs)
	assert.Empty(t, b.callable)
	// The prompt still reads naturally; the model just is not offered
	// the capability, and the skip is reported once.
	assert.Equal(t, "Use the Missing tool if helpful, then the Missing tool again.", b.template)
	require.Len(t, b.warnings, 1)
	assert.Contains(t, b.warnings[0], "missing_tool")
	assert.Contains(t, b.warnings[0], "not registered")
}

func TestBindToolsUnmappedLeftVerbatim(t *testing.T) {
	b := bindTools("Use {tool_7}.", map[int]model.ToolRef{}, tool.NewRegistry())
	assert.Empty(t, b.specs)
	assert.Equal(t, "Use {tool_7}.", b.template)
}

func TestBindToolsDuplicateReferenceBoundOnce(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echoTool{name: "web_search"}))

	kitTools := map[int]model.ToolRef{
		1: {Number: 1, ToolName: "web_search", DisplayName: "Web Search"},
	}

	b := bindTools("{tool_1} then {tool_1} again", kitTools, reg)
	assert.Len(t, b.specs, 1)
}

func TestBindToolsDisplayNameFallsBackToToolName(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(echoTool{name: "read_url"}))

	kitTools := map[int]model.ToolRef{
		2: {Number: 2, ToolName: "read_url"},
	}

	b := bindTools("Fetch with {tool_2}.", kitTools, reg)
	assert.Equal(t, "Fetch with the read_url tool.", b.template)
}
