package llm

import (
	"errors"
	"testing"

	"google.golang.org/genai"
)

func TestConvertToGemini(t *testing.T) {
	contents, system := convertToGemini([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "Crée Jean"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			NewToolCall("c1", "create_client", map[string]any{"name": "Jean"}),
			NewToolCall("c2", "create_product", map[string]any{"name": "Audit"}),
		}},
		{Role: RoleTool, Content: "ok", ToolCallID: "c1", ToolName: "create_client"},
		{Role: RoleTool, Content: "ok", ToolCallID: "c2", ToolName: "create_product"},
	})

	if system != "sys" {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel || len(contents[1].Parts) != 2 {
		t.Errorf("model content = %+v", contents[1])
	}
	responses := contents[2].Parts
	if len(responses) != 2 || responses[1].FunctionResponse.Name != "create_product" {
		t.Errorf("function responses not merged: %+v", responses)
	}
}

func TestConvertFromGemini(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		ModelVersion: "gemini-test",
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
				{Text: "thinking...", Thought: true},
				{Text: "Voici."},
				{FunctionCall: &genai.FunctionCall{Name: "search_clients", Args: map[string]any{"query": "Dupont"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3},
	}

	got, err := convertFromGemini(resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message.Content != "Voici." {
		t.Errorf("content = %q", got.Message.Content)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].ID == "" {
		t.Errorf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.InputTokens != 7 || got.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}

	if _, err := convertFromGemini(&genai.GenerateContentResponse{}); err == nil {
		t.Error("empty response should fail")
	}
}

func TestClassifyGeminiError(t *testing.T) {
	if pe := classifyGeminiError(genai.APIError{Code: 503, Message: "unavailable"}); !pe.Transient || pe.StatusCode != 503 {
		t.Errorf("503 = %+v, want transient", pe)
	}
	if pe := classifyGeminiError(genai.APIError{Code: 400, Message: "bad"}); pe.Transient {
		t.Errorf("400 = %+v, want non-transient", pe)
	}
	if pe := classifyGeminiError(errors.New("tls: handshake failure")); pe.Transient || pe.StatusCode != 0 {
		t.Errorf("plain error = %+v", pe)
	}
}
