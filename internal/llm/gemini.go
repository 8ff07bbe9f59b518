package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nugget/quill/internal/httpkit"
)

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a client for the Gemini Developer API.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, logger: logger.With("provider", "gemini")}, nil
}

// Chat sends a generate-content request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	contents, system := convertToGemini(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if decls := convertToolsToGemini(tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	c.logger.Debug("preparing request", "model", model, "contents", len(contents), "tools", len(tools))

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	result, err := convertFromGemini(resp)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Err: err}
	}
	if result.Model == "" {
		result.Model = model
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	return result, nil
}

// Ping lists one model to verify credentials and reachability.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return classifyGeminiError(err)
	}
	return nil
}

func classifyGeminiError(err error) *ProviderError {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	if status == 0 {
		return transportError("gemini", err)
	}
	return &ProviderError{
		Provider:   "gemini",
		StatusCode: status,
		Transient:  httpkit.IsTransientStatus(status),
		Err:        err,
	}
}

// convertToGemini maps messages onto genai contents. Tool results become
// user-role function responses; system messages are returned separately.
func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var system []string
	var out []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(content.Parts) > 0 {
				out = append(out, content)
			}
		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"output": m.Content},
			}}
			// Consecutive results answer one model turn.
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && isFunctionResponse(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return out, strings.Join(system, "\n\n")
}

func isFunctionResponse(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func convertToolsToGemini(tools []map[string]any) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		name, desc, params, ok := toolParts(t)
		if !ok {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: params,
		})
	}
	return decls
}

func convertFromGemini(resp *genai.GenerateContentResponse) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("response has no candidates")
	}

	result := &ChatResponse{
		Model:   resp.ModelVersion,
		Message: Message{Role: RoleAssistant},
	}
	var text strings.Builder
	for i, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, i)
			}
			result.Message.ToolCalls = append(result.Message.ToolCalls,
				NewToolCall(id, part.FunctionCall.Name, part.FunctionCall.Args))
		case part.Text != "" && !part.Thought:
			text.WriteString(part.Text)
		}
	}
	result.Message.Content = text.String()

	if u := resp.UsageMetadata; u != nil {
		result.InputTokens = int(u.PromptTokenCount)
		result.OutputTokens = int(u.CandidatesTokenCount)
	}
	return result, nil
}
