package memory_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/telclaude/telclaude/internal/memory"
	"github.com/telclaude/telclaude/internal/rpcauth"
	"github.com/telclaude/telclaude/internal/store"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "memory-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return memory.NewStore(s.DB())
}

func TestTrustForScope(t *testing.T) {
	tests := []struct {
		scope rpcauth.Scope
		want  string
	}{
		{rpcauth.ScopeTelegram, memory.TrustTrusted},
		{rpcauth.ScopeAgent, memory.TrustTrusted},
		{rpcauth.ScopeMoltbook, memory.TrustQuarantined},
		{rpcauth.ScopeSocial, memory.TrustUntrusted},
		{rpcauth.ScopeRelay, memory.TrustUntrusted},
	}
	for _, tt := range tests {
		if got := memory.TrustForScope(tt.scope); got != tt.want {
			t.Errorf("TrustForScope(%s) = %s, want %s", tt.scope, got, tt.want)
		}
	}
}

func TestSnapshot_PublicPersonaExcludesQuarantined(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Propose(ctx, memory.CategoryInterests, "likes chess", rpcauth.ScopeTelegram); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	tainted, err := s.Propose(ctx, memory.CategoryInterests, "injected note", rpcauth.ScopeMoltbook)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if tainted.Trust != memory.TrustQuarantined {
		t.Fatalf("quarantine-zone proposal trust = %s", tainted.Trust)
	}

	public, err := s.Snapshot(ctx, memory.CategoryInterests, true)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(public) != 1 || public[0].Content != "likes chess" {
		t.Fatalf("public snapshot = %+v", public)
	}

	full, err := s.Snapshot(ctx, memory.CategoryInterests, false)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(full) != 2 {
		t.Fatalf("full snapshot has %d entries, want 2", len(full))
	}
}

func TestQuarantineAndPromote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e, err := s.Propose(ctx, memory.CategoryPosts, "a social post", rpcauth.ScopeSocial)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if e.Trust != memory.TrustUntrusted {
		t.Fatalf("trust = %s, want untrusted", e.Trust)
	}

	if err := s.Quarantine(ctx, e.ID); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Trust != memory.TrustQuarantined {
		t.Fatalf("trust = %s after quarantine", got.Trust)
	}

	if err := s.Promote(ctx, e.ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	got, _ = s.Get(ctx, e.ID)
	if got.Trust != memory.TrustTrusted || got.PromotedAtMS == 0 {
		t.Fatalf("after promote: %+v", got)
	}

	if err := s.Quarantine(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("Quarantine(missing): %v", err)
	}
}

func TestPropose_RejectsUnknownCategory(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Propose(context.Background(), "musings", "x", rpcauth.ScopeTelegram); err == nil {
		t.Fatal("unknown category accepted")
	}
}
