package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/quill/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty for the public
// API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertToOpenAI(messages),
		Tools:    convertToolsToOpenAI(tools),
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(req); err == nil {
			c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Err: errors.New("response has no choices")}
	}

	result := convertFromOpenAI(resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return result, nil
}

// Ping lists models to verify credentials and reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classifyOpenAIError(err)
	}
	return nil
}

func classifyOpenAIError(err error) *ProviderError {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return transportError("openai", err)
	}
	return &ProviderError{
		Provider:   "openai",
		StatusCode: status,
		Transient:  httpkit.IsTransientStatus(status),
		Err:        err,
	}
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil || tc.Function.Arguments == nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, msg)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		name, desc, params, ok := toolParts(t)
		if !ok {
			continue
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

func convertFromOpenAI(resp openai.ChatCompletionResponse) *ChatResponse {
	choice := resp.Choices[0].Message
	result := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Content,
		},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Keep the call so the orchestrator can report a validation
				// error to the model instead of failing the whole turn.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		result.Message.ToolCalls = append(result.Message.ToolCalls, NewToolCall(tc.ID, tc.Function.Name, args))
	}
	if len(result.Message.ToolCalls) == 0 && result.Message.Content == "" && choice.Refusal != "" {
		result.Message.Content = choice.Refusal
	}
	return result
}
