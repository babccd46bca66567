package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/telclaude/telclaude/internal/agent"
	"github.com/telclaude/telclaude/internal/mediator"
	"github.com/telclaude/telclaude/internal/sessions"
)

func testSession() *sessions.Session {
	return &sessions.Session{ThreadKey: "t1", PoolKey: "telegram", SessionID: "sess-1"}
}

func run(t *testing.T, ctx context.Context, r *agent.CLIRuntime, body string) (string, error) {
	t.Helper()
	var out strings.Builder
	err := r.Run(ctx, testSession(), &mediator.AgentRequest{Body: body, Tier: "READ_ONLY"}, func(chunk string) error {
		out.WriteString(chunk)
		return nil
	})
	return out.String(), err
}

func TestRunStreamsStdout(t *testing.T) {
	r := agent.NewCLIRuntime("sh", []string{"-c", "cat; echo done"})
	out, err := run(t, context.Background(), r, "hello agent\n")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "hello agent") || !strings.Contains(out, "done") {
		t.Errorf("output = %q", out)
	}
}

func TestRunSurfacesStderrOnFailure(t *testing.T) {
	r := agent.NewCLIRuntime("sh", []string{"-c", "echo 'prompt is too long' >&2; exit 1"})
	_, err := run(t, context.Background(), r, "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !sessions.IsContextOverflow(err.Error()) {
		t.Errorf("overflow text not preserved in %q", err)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := agent.NewCLIRuntime("sh", []string{"-c", "sleep 30"})
	start := time.Now()
	_, err := run(t, ctx, r, "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("process was not killed on cancellation")
	}
}

func TestRunNotConfigured(t *testing.T) {
	r := agent.NewCLIRuntime("", nil)
	if _, err := run(t, context.Background(), r, "x"); !errors.Is(err, agent.ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}
