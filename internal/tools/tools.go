// Package tools defines the closed catalogue of operations the model may
// invoke. A Registry is built once at startup from descriptors and is
// read-only afterwards.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nugget/quill/internal/schema"
)

// ExecContext identifies who a tool runs for.
type ExecContext struct {
	UserID         string
	ConversationID string
	Timezone       string
}

// Location resolves Timezone, falling back to UTC.
func (ec ExecContext) Location() *time.Location {
	if ec.Timezone != "" {
		if loc, err := time.LoadLocation(ec.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Handler executes one tool. A handler reports business failures either
// by returning a *DomainError or a Result with Success false; any other
// error is treated the same way but logged as unexpected.
type Handler interface {
	Execute(ctx context.Context, args map[string]any, ec ExecContext) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any, ec ExecContext) (*Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any, ec ExecContext) (*Result, error) {
	return f(ctx, args, ec)
}

// Result is what a handler reports back.
type Result struct {
	Success          bool           `json:"success"`
	Summary          string         `json:"summary"`
	Data             map[string]any `json:"data,omitempty"`
	ActionCard       *ActionCard    `json:"actionCard,omitempty"`
	RequiresFollowUp bool           `json:"requiresFollowUp,omitempty"`
}

// ActionCard is a renderable summary of a tool result.
type ActionCard struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Subtitle string       `json:"subtitle,omitempty"`
	EntityID string       `json:"entityId,omitempty"`
	Fields   []CardField  `json:"fields,omitempty"`
	Actions  []CardAction `json:"actions,omitempty"`
}

// CardField is one label/value row of an action card.
type CardField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// CardAction is a link the client may render as a button.
type CardAction struct {
	Label string `json:"label"`
	Href  string `json:"href"`
}

// Tool describes one operation.
type Tool struct {
	Name        string
	Description string
	Schema      *schema.Node

	// RequiresConfirmation gates the handler behind an explicit user
	// confirmation.
	RequiresConfirmation bool

	// Terminal tools end the turn with a completion summary when they
	// succeed.
	Terminal bool

	// Summary renders the confirmation prompt for args.
	Summary func(args map[string]any) string

	// Normalize canonicalizes validated args before hashing and
	// execution. It must not mutate its input.
	Normalize func(args map[string]any, ec ExecContext) map[string]any

	Handler Handler
}

// ConfirmationSummary returns the human-readable description of a pending
// call.
func (t *Tool) ConfirmationSummary(args map[string]any) string {
	if t.Summary != nil {
		if s := t.Summary(args); s != "" {
			return s
		}
	}
	return fmt.Sprintf("Exécuter %s", t.Name)
}

// Spec is the provider-neutral rendering of a tool for the model.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the tool catalogue.
type Registry struct {
	tools map[string]*Tool
	names []string
}

// NewRegistry validates every descriptor and builds the registry. It
// rejects duplicate names, missing handlers and malformed schemas.
func NewRegistry(list ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(list))}
	var errs []error
	for _, t := range list {
		if err := r.add(t); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Strings(r.names)
	return r, nil
}

// MustRegistry is NewRegistry that panics on error, for static catalogues.
func MustRegistry(list ...*Tool) *Registry {
	r, err := NewRegistry(list...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) add(t *Tool) error {
	switch {
	case t == nil:
		return errors.New("nil tool")
	case t.Name == "":
		return errors.New("tool with empty name")
	case t.Handler == nil:
		return fmt.Errorf("tool %q: nil handler", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %q registered twice", t.Name)
	}
	if err := schema.Check(t.Schema); err != nil {
		return fmt.Errorf("tool %q: %w", t.Name, err)
	}
	r.tools[t.Name] = t
	r.names = append(r.names, t.Name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	if t, ok := r.tools[name]; ok {
		return t, nil
	}
	return nil, &ErrToolUnavailable{ToolName: name}
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// SerializeAll renders every tool for the model, sorted by name.
func (r *Registry) SerializeAll() []Spec {
	specs := make([]Spec, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		specs = append(specs, Spec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema.JSONSchema(t.Schema),
		})
	}
	return specs
}

// List returns all tools in the OpenAI function-calling shape that every
// provider adapter accepts.
func (r *Registry) List() []map[string]any {
	specs := r.SerializeAll()
	result := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return result
}
