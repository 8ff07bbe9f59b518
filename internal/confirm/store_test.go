package confirm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/quill/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverCgo, filepath.Join(t.TempDir(), "confirm_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, time.Minute)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func newPending(conv string) Pending {
	return Pending{
		UserID:         "u1",
		ConversationID: conv,
		ToolName:       "create_client",
		ToolCallID:     "call_1",
		Summary:        "Créer le client Jean Dupont",
		Args:           map[string]any{"name": "Jean Dupont"},
		ArgsHash:       "abc",
	}
}

func TestCreateAndConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, newPending("c1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Create returned empty ID")
	}

	got, err := s.Consume(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"name": "Jean Dupont"}, got.Args); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
	if got.ToolCallID != "call_1" || got.Summary != "Créer le client Jean Dupont" || got.ArgsHash != "abc" {
		t.Errorf("Consume() = %+v", got)
	}

	if _, err := s.Consume(ctx, "u1", p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Consume error = %v, want ErrNotFound", err)
	}
}

func TestLookup_DoesNotConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, _ := s.Create(ctx, newPending("c1"))

	got, err := s.Lookup(ctx, "u1", p.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ConversationID != "c1" {
		t.Errorf("ConversationID = %q", got.ConversationID)
	}
	if _, err := s.Lookup(ctx, "u2", p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign Lookup = %v, want ErrNotFound", err)
	}
	if _, err := s.Consume(ctx, "u1", p.ID); err != nil {
		t.Errorf("Consume after Lookup: %v", err)
	}
	if _, err := s.Lookup(ctx, "u1", p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after Consume = %v, want ErrNotFound", err)
	}
}

func TestConsume_UnknownAndForeignLookIdentical(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, _ := s.Create(ctx, newPending("c1"))

	_, errUnknown := s.Consume(ctx, "u1", "does-not-exist")
	_, errForeign := s.Consume(ctx, "someone-else", p.ID)
	if !errors.Is(errUnknown, ErrNotFound) || !errors.Is(errForeign, ErrNotFound) {
		t.Fatalf("errors = %v / %v, want ErrNotFound", errUnknown, errForeign)
	}
	if errUnknown.Error() != errForeign.Error() {
		t.Errorf("errors differ: %q vs %q", errUnknown, errForeign)
	}

	// A foreign attempt must not burn the record.
	if _, err := s.Consume(ctx, "u1", p.ID); err != nil {
		t.Errorf("owner Consume after foreign attempt: %v", err)
	}
}

func TestConsume_Expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	p, _ := s.Create(ctx, newPending("c1"))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.Consume(ctx, "u1", p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired Consume error = %v, want ErrNotFound", err)
	}
}

func TestCreate_SupersedesSameConversation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, _ := s.Create(ctx, newPending("c1"))
	other, _ := s.Create(ctx, newPending("c2"))
	second, _ := s.Create(ctx, newPending("c1"))

	if _, err := s.Consume(ctx, "u1", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded pending still consumable: %v", err)
	}
	if _, err := s.Consume(ctx, "u1", second.ID); err != nil {
		t.Errorf("latest pending: %v", err)
	}
	if _, err := s.Consume(ctx, "u1", other.ID); err != nil {
		t.Errorf("other conversation pending: %v", err)
	}
}

func TestConsume_ConcurrentSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	p, _ := s.Create(ctx, newPending("c1"))

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Consume(ctx, "u1", p.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d consumers succeeded, want exactly 1", wins)
	}
}

func TestSweep(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	s.Create(ctx, newPending("c1"))
	s.Create(ctx, newPending("c2"))

	s.now = func() time.Time { return now.Add(30 * time.Second) }
	fresh, _ := s.Create(ctx, newPending("c3"))

	s.now = func() time.Time { return now.Add(70 * time.Second) }
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}
	if _, err := s.Consume(ctx, "u1", fresh.ID); err != nil {
		t.Errorf("fresh pending swept: %v", err)
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, 5*time.Millisecond, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}
