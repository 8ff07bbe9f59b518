package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/database"
)

func testSink(t *testing.T) *SQLiteSink {
	t.Helper()
	db, err := database.Open(database.DriverPure, filepath.Join(t.TempDir(), "audit_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteSink(db)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	return s
}

func TestSQLiteSink_LogAndList(t *testing.T) {
	s := testSink(t)
	ctx := context.Background()

	base := time.Now()
	entries := []Entry{
		{Timestamp: base, ToolName: "create_client", Action: "Créer le client Jean", UserID: "u1", ConversationID: "c1",
			Payload: map[string]any{"name": "Jean"}, Status: StatusPending},
		{Timestamp: base.Add(time.Second), ToolName: "create_client", Action: "Créer le client Jean", UserID: "u1", ConversationID: "c1",
			Payload: map[string]any{"name": "Jean"}, Result: map[string]any{"clientId": "cl_1"}, Status: StatusSuccess},
		{Timestamp: base.Add(2 * time.Second), ToolName: "send_email", UserID: "u2", ConversationID: "c9", Status: StatusError, Error: "boom"},
	}
	for _, e := range entries {
		if err := s.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	got, err := s.List(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	want := entries[1]
	if diff := cmp.Diff(want, got[0], cmpopts.IgnoreFields(Entry{}, "ID", "Timestamp")); diff != "" {
		t.Errorf("newest entry mismatch (-want +got):\n%s", diff)
	}
	if got[1].Status != StatusPending {
		t.Errorf("older entry status = %s", got[1].Status)
	}
}

type recordingSink struct {
	entries []Entry
	err     error
}

func (r *recordingSink) Log(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("broker down")}
	c := &recordingSink{}

	err := Multi{a, nil, b, c}.Log(context.Background(), Entry{ToolName: "x"})
	if err == nil || err.Error() != "broker down" {
		t.Errorf("Multi error = %v, want broker down", err)
	}
	if len(a.entries) != 1 || len(c.entries) != 1 {
		t.Error("every sink should receive the entry despite a failure")
	}
}

func TestMQTTSink_NotStarted(t *testing.T) {
	s := NewMQTTSink(config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "quill"}, nil)
	if err := s.Log(context.Background(), Entry{ToolName: "create_client"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Log before Start = %v, want ErrNotConnected", err)
	}
	if got := s.Topic("create_client"); got != "quill/audit/create_client" {
		t.Errorf("Topic = %q", got)
	}
}
