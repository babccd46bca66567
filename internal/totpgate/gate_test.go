package totpgate_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/telclaude/telclaude/internal/store"
	"github.com/telclaude/telclaude/internal/totpgate"
)

// fakeDaemon is an in-memory DaemonClient for gate tests.
type fakeDaemon struct {
	configured  map[string]bool
	code        string
	unreachable bool
	invalidated []string
}

func (d *fakeDaemon) Check(_ context.Context, userID string) (bool, error) {
	if d.unreachable {
		return false, totpgate.ErrDaemonUnavailable
	}
	return d.configured[userID], nil
}

func (d *fakeDaemon) Verify(_ context.Context, _, code string) (bool, error) {
	if d.unreachable {
		return false, totpgate.ErrDaemonUnavailable
	}
	return code == d.code, nil
}

func (d *fakeDaemon) Setup(context.Context, string) (string, error) { return "", nil }
func (d *fakeDaemon) Disable(context.Context, string) error        { return nil }

func (d *fakeDaemon) Invalidate(_ context.Context, userID string) error {
	d.invalidated = append(d.invalidated, userID)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "totpgate-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheck_PassWhenNotConfigured(t *testing.T) {
	st := newTestStore(t)
	g := totpgate.New(st, &fakeDaemon{configured: map[string]bool{}}, 0)

	r, err := g.Check(context.Background(), "chat-1", totpgate.Message{Body: "hello"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Pass {
		t.Fatalf("kind = %s, want pass", r.Kind)
	}
}

func TestCheck_ChallengeParksMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutLink(ctx, "chat-1", "alice", "test"); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	d := &fakeDaemon{configured: map[string]bool{"alice": true}, code: "123456"}
	g := totpgate.New(st, d, 0)

	r, err := g.Check(ctx, "chat-1", totpgate.Message{MessageID: "m1", Body: "do the thing"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Challenge {
		t.Fatalf("kind = %s, want challenge", r.Kind)
	}
	if r.Text == "" {
		t.Error("challenge must carry guidance text")
	}

	// Wrong code first.
	r, err = g.Check(ctx, "chat-1", totpgate.Message{Body: "000000"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.InvalidCode {
		t.Fatalf("kind = %s, want invalid_code", r.Kind)
	}

	// Correct code returns the parked message and opens a session.
	r, err = g.Check(ctx, "chat-1", totpgate.Message{Body: "123456"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Verified {
		t.Fatalf("kind = %s, want verified", r.Kind)
	}
	if r.Parked == nil || r.Parked.Body != "do the thing" {
		t.Fatalf("parked = %+v, want the challenged message back", r.Parked)
	}

	// Session is open now.
	r, err = g.Check(ctx, "chat-1", totpgate.Message{Body: "another message"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Pass {
		t.Fatalf("kind = %s, want pass inside open session", r.Kind)
	}
}

func TestCheck_NewerMessageOverwritesParked(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutLink(ctx, "chat-1", "alice", "test"); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	d := &fakeDaemon{configured: map[string]bool{"alice": true}, code: "123456"}
	g := totpgate.New(st, d, 0)

	for _, body := range []string{"first", "second"} {
		if _, err := g.Check(ctx, "chat-1", totpgate.Message{Body: body}); err != nil {
			t.Fatalf("Check(%q): %v", body, err)
		}
	}

	r, err := g.Check(ctx, "chat-1", totpgate.Message{Body: "123456"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Parked == nil || r.Parked.Body != "second" {
		t.Fatalf("parked = %+v, want the most recent message", r.Parked)
	}
}

func TestCheck_DaemonDownFailsClosedForLinkedChat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutLink(ctx, "chat-1", "alice", "test"); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	g := totpgate.New(st, &fakeDaemon{unreachable: true}, 0)

	r, err := g.Check(ctx, "chat-1", totpgate.Message{Body: "hello"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Error {
		t.Fatalf("kind = %s, want error (fail closed)", r.Kind)
	}
}

func TestCheck_DaemonDownPassesForUnlinkedChat(t *testing.T) {
	st := newTestStore(t)
	g := totpgate.New(st, &fakeDaemon{unreachable: true}, 0)

	r, err := g.Check(context.Background(), "chat-unlinked", totpgate.Message{Body: "hello"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Pass {
		t.Fatalf("kind = %s, want pass for unlinked chat", r.Kind)
	}
}

func TestForceReauth(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.PutLink(ctx, "chat-1", "alice", "test"); err != nil {
		t.Fatalf("PutLink: %v", err)
	}
	d := &fakeDaemon{configured: map[string]bool{"alice": true}, code: "123456"}
	g := totpgate.New(st, d, time.Hour)

	if _, err := g.Check(ctx, "chat-1", totpgate.Message{Body: "123456"}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r, _ := g.Check(ctx, "chat-1", totpgate.Message{Body: "hi"}); r.Kind != totpgate.Pass {
		t.Fatalf("expected open session before force-reauth, got %s", r.Kind)
	}

	if err := g.ForceReauth(ctx, "chat-1"); err != nil {
		t.Fatalf("ForceReauth: %v", err)
	}
	if len(d.invalidated) != 1 || d.invalidated[0] != "alice" {
		t.Errorf("daemon invalidations = %v, want [alice]", d.invalidated)
	}

	r, err := g.Check(ctx, "chat-1", totpgate.Message{Body: "hi again"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Kind != totpgate.Challenge {
		t.Fatalf("kind = %s, want challenge after force-reauth", r.Kind)
	}
}
