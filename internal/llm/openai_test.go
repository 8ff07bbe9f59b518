package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestConvertToOpenAI(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{NewToolCall("call_1", "create_client", map[string]any{"name": "Jean"})}},
		{Role: RoleTool, Content: "ok", ToolCallID: "call_1", ToolName: "create_client"},
	})

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[2].ToolCalls[0].Function.Arguments != `{"name":"Jean"}` {
		t.Errorf("arguments = %s", msgs[2].ToolCalls[0].Function.Arguments)
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", msgs[3])
	}
}

func TestConvertFromOpenAI_BadArguments(t *testing.T) {
	resp := openai.ChatCompletionResponse{
		Model: "gpt-test",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "create_client", Arguments: `{"name": "Je`},
				}},
			},
		}},
	}
	got := convertFromOpenAI(resp)
	if got.Message.ToolCalls[0].Function.Arguments["_raw"] != `{"name": "Je` {
		t.Errorf("raw arguments not preserved: %+v", got.Message.ToolCalls[0].Function.Arguments)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "search_clients" {
			t.Errorf("tools = %+v", req.Tools)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-test",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "search_clients", "arguments": "{\"query\":\"Dupont\"}"}}]
			}}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL+"/v1", nil)
	resp, err := c.Chat(t.Context(), "gpt-test", []Message{{Role: RoleUser, Content: "cherche Dupont"}},
		[]map[string]any{{"type": "function", "function": map[string]any{"name": "search_clients"}}})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "call_9" || tc.Function.Arguments["query"] != "Dupont" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.InputTokens != 20 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"error": {"message": "nope", "type": "server_error"}}`))
		}))

		c := NewOpenAIClient("k", srv.URL+"/v1", nil)
		_, err := c.Chat(t.Context(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil)
		srv.Close()

		var pe *ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: err = %v, want *ProviderError", tt.status, err)
		}
		if pe.StatusCode != tt.status || pe.Transient != tt.wantTransient {
			t.Errorf("status %d: got status=%d transient=%v, want transient=%v",
				tt.status, pe.StatusCode, pe.Transient, tt.wantTransient)
		}
	}
}
