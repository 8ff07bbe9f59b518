package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/quill/examples"
	"github.com/nugget/quill/internal/database"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: quill") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"bogus"}, want: "unknown command: bogus"},
		{args: []string{"-x", "version"}, want: "unknown flag: -x"},
		{args: []string{"-o", "yaml", "version"}, want: "unknown output format"},
		{args: []string{"ask"}, want: "usage: quill ask"},
		{args: []string{"-config", "/nonexistent/quill.yaml", "ask", "bonjour"}, want: "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "Quill ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output: %v\n%s", err, js.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing: %v", info)
	}
	if _, ok := info["uptime"]; ok {
		t.Error("uptime should not be printed by the CLI")
	}
}

func TestParseAskArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    askOptions
		wantErr bool
	}{
		{
			name: "message words joined",
			args: []string{"liste", "mes", "clients"},
			want: askOptions{userID: "cli", message: "liste mes clients"},
		},
		{
			name: "flags anywhere",
			args: []string{"-user", "u7", "bonjour", "-conversation", "c1"},
			want: askOptions{userID: "u7", conversationID: "c1", message: "bonjour"},
		},
		{
			name: "confirmation without message",
			args: []string{"-conversation", "c1", "-confirm", "p1"},
			want: askOptions{userID: "cli", conversationID: "c1", confirmID: "p1"},
		},
		{name: "empty", args: nil, wantErr: true},
		{name: "dangling flag", args: []string{"bonjour", "-confirm"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAskArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(askOptions{})); diff != "" {
				t.Errorf("options (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "db"))
	if err != nil || !info.IsDir() {
		t.Errorf("db directory not created: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, examples.ConfigYAML) {
		t.Error("config.yaml does not match the bundled example")
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != "log_level: debug\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output:\n%s", buf.String())
	}
}

// fakeOllama answers /api/chat like a model that creates a client when
// asked and otherwise greets. Once a tool result is in the transcript it
// reports the outcome.
func fakeOllama(t *testing.T) (*httptest.Server, func() int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		calls++
		mu.Unlock()

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hasTool := false
		firstUser := ""
		for _, m := range req.Messages {
			if m.Role == "tool" {
				hasTool = true
			}
			if m.Role == "user" && firstUser == "" {
				firstUser = m.Content
			}
		}

		message := map[string]any{"role": "assistant"}
		switch {
		case hasTool:
			message["content"] = "Le client Jean Dupont a été créé."
		case strings.Contains(firstUser, "Crée le client"):
			message["content"] = ""
			message["tool_calls"] = []map[string]any{{
				"function": map[string]any{
					"name":      "create_client",
					"arguments": map[string]any{"name": "Jean Dupont", "email": "Jean@Example.com"},
				},
			}}
		default:
			message["content"] = "Bonjour ! Je peux gérer vos clients et vos factures."
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "test-model",
			"message":           message,
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func writeTestConfig(t *testing.T, ollamaURL string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "quill.db")
	cfg := "database:\n" +
		"  driver: sqlite\n" +
		"  path: " + dbPath + "\n" +
		"models:\n" +
		"  primary:\n" +
		"    provider: ollama\n" +
		"    model: test-model\n" +
		"ollama:\n" +
		"  url: " + ollamaURL + "\n" +
		"log_level: error\n"
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dbPath
}

func TestRunAsk_PlainAnswer(t *testing.T) {
	srv, calls := fakeOllama(t)
	cfgPath, _ := writeTestConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr,
		[]string{"-config", cfgPath, "ask", "Bonjour,", "que", "sais-tu", "faire ?"})
	if err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, stderr.String())
	}
	if got := stdout.String(); got != "Bonjour ! Je peux gérer vos clients et vos factures.\n" {
		t.Errorf("stdout = %q", got)
	}
	if !strings.Contains(stderr.String(), "conversation: ") {
		t.Errorf("stderr missing conversation id:\n%s", stderr.String())
	}
	if calls() != 1 {
		t.Errorf("model calls = %d, want 1", calls())
	}
}

func TestRunAsk_ConfirmationRoundTrip(t *testing.T) {
	srv, _ := fakeOllama(t)
	cfgPath, dbPath := writeTestConfig(t, srv.URL)
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	if err := run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "ask", "Crée le client Jean Dupont"}); err != nil {
		t.Fatalf("ask: %v\nstderr:\n%s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Créer le client Jean Dupont") {
		t.Fatalf("confirmation prompt missing:\n%s", stdout.String())
	}
	m := regexp.MustCompile(`-conversation (\S+) -confirm (\S+)`).FindStringSubmatch(stdout.String())
	if m == nil {
		t.Fatalf("confirmation command missing:\n%s", stdout.String())
	}
	convID, pendingID := m[1], m[2]

	db, err := database.Open(database.DriverPure, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	countClients := func() int {
		t.Helper()
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM crm_clients WHERE user_id = 'cli'`).Scan(&n); err != nil {
			t.Fatal(err)
		}
		return n
	}
	if n := countClients(); n != 0 {
		t.Fatalf("client created before confirmation (%d rows)", n)
	}

	stdout.Reset()
	stderr.Reset()
	err = run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "ask", "-conversation", convID, "-confirm", pendingID})
	if err != nil {
		t.Fatalf("confirm: %v\nstderr:\n%s", err, stderr.String())
	}
	if got := stdout.String(); got != "Le client Jean Dupont a été créé.\n" {
		t.Errorf("stdout = %q", got)
	}
	if !strings.Contains(stderr.String(), "✓ create_client") {
		t.Errorf("tool result not reported:\n%s", stderr.String())
	}
	if n := countClients(); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}
	var email string
	if err := db.QueryRow(`SELECT email FROM crm_clients WHERE user_id = 'cli'`).Scan(&email); err != nil {
		t.Fatal(err)
	}
	if email != "jean@example.com" {
		t.Errorf("email = %q, want normalized lowercase", email)
	}

	// The pending action is single-use.
	stdout.Reset()
	stderr.Reset()
	err = run(ctx, &stdout, &stderr, []string{"-config", cfgPath, "ask", "-conversation", convID, "-confirm", pendingID})
	if err == nil || !strings.Contains(err.Error(), "pending action not found") {
		t.Errorf("replayed confirmation err = %v", err)
	}
}
