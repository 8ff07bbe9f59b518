package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/quill/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. baseURL may be empty
// to use the public endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	url := anthropicAPIURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/messages"
	}
	return &AnthropicClient{
		apiKey: apiKey,
		url:    url,
		logger: logger.With("provider", "anthropic"),
		// No client timeout: the fallback client puts a deadline on ctx.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends a chat completion request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	req := anthropicRequest{
		Model:     model,
		Messages:  anthropicMsgs,
		System:    systemPrompt,
		MaxTokens: anthropicMaxTokens,
		Tools:     anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, anthropicStatusError(resp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, transportError("anthropic", fmt.Errorf("decode response: %w", err))
	}
	result := convertFromAnthropic(&ar)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"stop_reason", ar.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Ping sends a minimal request to verify the API key works.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	jsonData, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("anthropic", err)
	}
	return resp, nil
}

// anthropicStatusError classifies an error response using the status
// code and the structured error type in the body.
func anthropicStatusError(status int, body string) *ProviderError {
	pe := statusError("anthropic", status, body)
	var eb anthropicErrorBody
	if json.Unmarshal([]byte(body), &eb) == nil && eb.Error.Type != "" {
		pe.Err = fmt.Errorf("%s: %s", eb.Error.Type, eb.Error.Message)
		switch eb.Error.Type {
		case "overloaded_error", "rate_limit_error", "api_error", "timeout_error":
			pe.Transient = true
		case "authentication_error", "permission_error", "invalid_request_error", "not_found_error":
			pe.Transient = false
		}
	}
	return pe
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are joined into the separate system prompt, and
// consecutive tool results are merged into one user message as the API
// requires.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: "assistant", Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Function.Name,
					Input: args,
				})
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}
			if n := len(result); n > 0 && result[n-1].Role == "user" {
				if prev, ok := result[n-1].Content.([]anthropicContent); ok && len(prev) > 0 && prev[0].Type == "tool_result" {
					result[n-1].Content = append(prev, block)
					continue
				}
			}
			result = append(result, anthropicMessage{Role: "user", Content: []anthropicContent{block}})

		case RoleUser:
			result = append(result, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts OpenAI-format tool definitions to
// Anthropic format.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		name, desc, params, ok := toolParts(tool)
		if !ok {
			continue
		}
		result = append(result, anthropicTool{
			Name:        name,
			Description: desc,
			InputSchema: params,
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to our internal format.
func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			toolCalls = append(toolCalls, NewToolCall(block.ID, block.Name, args))
		}
	}

	return &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
