package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clerkhq/clerk/internal/llm"
)

// loopResult is the outcome of one model call loop: the final text plus
// the metrics threaded through to persistence.
type loopResult struct {
	Text       string
	Model      string
	TokensUsed *int
	LatencyMS  int
	Rounds     int
}

// runModelLoop sends the prompt to the backend and executes requested
// tool calls until a response contains none, or the round cap is hit, at
// which point the last response's text is used regardless of outstanding
// calls. A failing tool never aborts the loop: its error becomes a
// textual result the model can recover from.
func (e *Engine) runModelLoop(ctx context.Context, prompt string, binding toolBinding) (loopResult, error) {
	start := time.Now()
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}

	var res loopResult
	var totalTokens int

	for round := 1; round <= e.roundCap; round++ {
		completion, err := e.backend.Complete(ctx, messages, binding.specs)
		if err != nil {
			return loopResult{}, fmt.Errorf("engine: model call round %d: %w", round, err)
		}
		totalTokens += completion.TokensUsed
		res.Text = completion.Content
		res.Model = completion.Model
		res.Rounds = round

		if len(completion.ToolCalls) == 0 || round == e.roundCap {
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    e.executeToolCall(ctx, binding, call),
			})
		}
	}

	res.LatencyMS = int(time.Since(start).Milliseconds())
	if totalTokens > 0 {
		res.TokensUsed = &totalTokens
	}
	return res, nil
}

// executeToolCall dispatches one requested call. Unknown tools and tool
// errors are both converted into textual results.
func (e *Engine) executeToolCall(ctx context.Context, binding toolBinding, call llm.ToolCall) string {
	t, ok := binding.callable[call.Name]
	if !ok {
		return fmt.Sprintf("Error executing tool %s: tool not available", call.Name)
	}

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("Error executing tool %s: invalid arguments: %s", call.Name, err)
		}
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing tool %s: %s", call.Name, err)
	}
	return result
}
