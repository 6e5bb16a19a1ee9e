package llm

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend implements Backend against the OpenAI chat completions API.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIBackend creates a backend using the given API key and chat model.
func NewOpenAIBackend(apiKey, model string, logger *slog.Logger) *OpenAIBackend {
	return &OpenAIBackend{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

// Complete sends the transcript to the chat completions API, offering
// the given tools, and returns the assistant's reply.
func (b *OpenAIBackend) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: toOpenAIMessages(messages),
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("llm: chat completion returned no choices")
	}

	choice := resp.Choices[0]
	out := Completion{
		Content:    choice.Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	b.logger.Debug("chat completion",
		"model", resp.Model,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(out.ToolCalls),
		"total_tokens", resp.Usage.TotalTokens)

	return out, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}
