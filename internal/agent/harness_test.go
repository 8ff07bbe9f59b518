package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"go.uber.org/goleak"

	"github.com/nugget/quill/internal/audit"
	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/database"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/lock"
	"github.com/nugget/quill/internal/schema"
	"github.com/nugget/quill/internal/tools"
	"github.com/nugget/quill/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

// mockLLM replays scripted responses and records what it was sent.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error
	calls     [][]llm.Message
	// repeat, when set, answers every call beyond the script.
	repeat func(n int) *llm.ChatResponse
}

func (m *mockLLM) Complete(ctx context.Context, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.calls)
	m.calls = append(m.calls, append([]llm.Message(nil), msgs...))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < len(m.errs) && m.errs[n] != nil {
		return nil, m.errs[n]
	}
	if n < len(m.responses) {
		return m.responses[n], nil
	}
	if m.repeat != nil {
		return m.repeat(n), nil
	}
	return nil, errors.New("mockLLM: script exhausted")
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(s string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Provider:     "mock",
		Model:        "mock-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: s},
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Provider:     "mock",
		Model:        "mock-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  20,
		OutputTokens: 8,
	}
}

// recordingSink keeps audit entries in memory.
type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Log(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) statuses() []audit.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Status
	for _, e := range r.entries {
		out = append(out, e.Status)
	}
	return out
}

// fakeCRM counts handler executions per tool.
type fakeCRM struct {
	mu    sync.Mutex
	execs map[string]int
}

func (f *fakeCRM) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs[name]
}

func (f *fakeCRM) handler(name string, fn func(args map[string]any) (*tools.Result, error)) tools.Handler {
	return tools.HandlerFunc(func(_ context.Context, args map[string]any, _ tools.ExecContext) (*tools.Result, error) {
		f.mu.Lock()
		f.execs[name]++
		f.mu.Unlock()
		return fn(args)
	})
}

func (f *fakeCRM) registry(t *testing.T) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(
		&tools.Tool{
			Name:        "search_clients",
			Description: "Search clients by name",
			Schema:      schema.Object(schema.Prop("query", schema.String().NonEmpty())),
			Handler: f.handler("search_clients", func(args map[string]any) (*tools.Result, error) {
				return &tools.Result{Success: true, Summary: "Aucun client trouvé", Data: map[string]any{"count": 0}}, nil
			}),
		},
		&tools.Tool{
			Name:                 "create_client",
			Description:          "Create a client",
			Schema:               schema.Object(schema.Prop("name", schema.String().NonEmpty())),
			RequiresConfirmation: true,
			Summary: func(args map[string]any) string {
				name, _ := args["name"].(string)
				return "Créer le client " + name
			},
			Handler: f.handler("create_client", func(args map[string]any) (*tools.Result, error) {
				return &tools.Result{
					Success: true,
					Summary: "Client " + args["name"].(string) + " créé",
					Data:    map[string]any{"clientId": "cli_1"},
					ActionCard: &tools.ActionCard{
						Type: "client", Title: args["name"].(string), EntityID: "cli_1",
					},
				}, nil
			}),
		},
		&tools.Tool{
			Name:        "create_tag",
			Description: "Create a tag",
			Schema: schema.Object(
				schema.Prop("name", schema.String().NonEmpty()),
				schema.Prop("style", schema.Optional(schema.Object(
					schema.Prop("color", schema.String()),
					schema.Prop("weight", schema.Integer()),
				))),
			),
			Handler: f.handler("create_tag", func(args map[string]any) (*tools.Result, error) {
				return &tools.Result{Success: true, Summary: "Étiquette créée", Data: map[string]any{"tagId": "tag_1"}}, nil
			}),
		},
		&tools.Tool{
			Name:        "archive_client",
			Description: "Archive a client",
			Schema:      schema.Object(schema.Prop("clientId", schema.String().NonEmpty())),
			Handler: f.handler("archive_client", func(args map[string]any) (*tools.Result, error) {
				return nil, tools.Failf("not_found", "client %s introuvable", args["clientId"])
			}),
		},
		&tools.Tool{
			Name:        "create_invoice",
			Description: "Create a draft invoice",
			Schema:      schema.Object(schema.Prop("clientId", schema.String().NonEmpty())),
			Terminal:    true,
			Handler: f.handler("create_invoice", func(args map[string]any) (*tools.Result, error) {
				return &tools.Result{
					Success:    true,
					Summary:    "Facture brouillon F-001 créée",
					Data:       map[string]any{"invoiceId": "inv_1"},
					ActionCard: &tools.ActionCard{Type: "invoice", Title: "F-001", EntityID: "inv_1"},
				}, nil
			}),
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

type harness struct {
	loop  *Loop
	llm   *mockLLM
	crm   *fakeCRM
	convs *conversation.SQLiteStore
	usage *usage.Store
	pend  *confirm.Store
	audit *recordingSink
	lock  *lock.Memory
	bus   *events.Bus
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, mock *mockLLM, limit int, opts ...harnessOption) *harness {
	t.Helper()
	db, err := database.Open(database.DriverCgo, filepath.Join(t.TempDir(), "agent_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{llm: mock, crm: &fakeCRM{execs: map[string]int{}}, audit: &recordingSink{}, bus: events.NewBus()}
	if h.convs, err = conversation.NewSQLiteStore(db); err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if h.usage, err = usage.NewStore(db, limit, nil); err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	if h.pend, err = confirm.NewStore(db, confirm.DefaultTTL); err != nil {
		t.Fatalf("confirm.NewStore: %v", err)
	}
	h.lock = lock.NewMemory(20 * time.Millisecond)

	cfg := Config{MaxIterations: 4, Timezone: "Europe/Paris"}
	deps := Deps{
		Conversations: h.convs,
		Usage:         h.usage,
		Pending:       h.pend,
		Audit:         h.audit,
		Locker:        h.lock,
		LLM:           mock,
		Tools:         h.crm.registry(t),
		Bus:           h.bus,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	if h.loop, err = New(cfg, deps); err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// run executes a turn for user u1 and checks the event stream contract.
func (h *harness) run(t *testing.T, req Request) (*Outcome, *events.Collector, error) {
	t.Helper()
	var c events.Collector
	out, err := h.loop.RunTurn(context.Background(), "u1", req, c.Emit)
	if verr := events.Verify(c.Events()); verr != nil {
		t.Errorf("event stream %v: %v", c.Kinds(), verr)
	}
	return out, &c, err
}
