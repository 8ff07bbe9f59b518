package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/quill/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, transportError("ollama", fmt.Errorf("decode response: %w", err))
	}

	result := &ChatResponse{
		Model: or.Model,
		Message: Message{
			Role:    RoleAssistant,
			Content: or.Message.Content,
		},
		InputTokens:  or.PromptEvalCount,
		OutputTokens: or.EvalCount,
	}
	for i, tc := range or.Message.ToolCalls {
		result.Message.ToolCalls = append(result.Message.ToolCalls,
			NewToolCall(fmt.Sprintf("call_%d", i), tc.Function.Name, tc.Function.Arguments))
	}

	// Small local models often print tool calls as JSON text.
	if len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content); len(parsed) > 0 {
			result.Message.ToolCalls = parsed
			result.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for i, c := range calls {
			if c.Name == "" {
				continue
			}
			result = append(result, NewToolCall(fmt.Sprintf("call_%d", i), c.Name, c.Arguments))
		}
		return result
	}

	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return []ToolCall{NewToolCall("call_0", single.Name, single.Arguments)}
	}

	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
