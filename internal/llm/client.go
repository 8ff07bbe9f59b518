package llm

import "context"

// Client is the interface that all LLM providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools are OpenAI-style function definitions; each adapter
	// converts them to its own wire format.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// toolParts extracts name, description and JSON-Schema parameters from an
// OpenAI-style function definition.
func toolParts(tool map[string]any) (name, desc string, params map[string]any, ok bool) {
	fn, ok := tool["function"].(map[string]any)
	if !ok {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	desc, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, desc, params, name != ""
}
