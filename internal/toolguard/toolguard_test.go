package toolguard_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/telclaude/telclaude/internal/policy"
	"github.com/telclaude/telclaude/internal/rpcauth"
	"github.com/telclaude/telclaude/internal/toolguard"
)

func newGuard(t *testing.T) (*toolguard.Guard, string, string) {
	t.Helper()
	sandboxRoot := t.TempDir()
	skillDir := filepath.Join(t.TempDir(), "skills")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir skill dir: %v", err)
	}
	g := toolguard.New(toolguard.Config{SandboxRoot: sandboxRoot, SkillDir: skillDir})
	return g, sandboxRoot, skillDir
}

func TestCheck_SensitivePathDenied(t *testing.T) {
	g, _, _ := newGuard(t)

	tests := []struct {
		tool  string
		input map[string]any
	}{
		{"Read", map[string]any{"file_path": "/home/user/.ssh/id_rsa"}},
		{"Write", map[string]any{"file_path": "/workspace/.env"}},
		{"Grep", map[string]any{"pattern": "secret", "path": "/home/user/.aws"}},
		{"Bash", map[string]any{"command": "cat ~/.ssh/id_rsa"}},
	}
	for _, tt := range tests {
		d := g.Check(toolguard.Request{
			ToolName:  tt.tool,
			ToolInput: tt.input,
			Tier:      policy.TierFullAccess,
			Scope:     rpcauth.ScopeTelegram,
		})
		if d.Allowed {
			t.Errorf("%s %v: allowed, want deny", tt.tool, tt.input)
		}
	}

	d := g.Check(toolguard.Request{
		ToolName:  "Read",
		ToolInput: map[string]any{"file_path": "/workspace/main.go"},
		Tier:      policy.TierFullAccess,
		Scope:     rpcauth.ScopeTelegram,
	})
	if !d.Allowed {
		t.Errorf("ordinary read denied: %s", d.Reason)
	}
}

func TestCheck_SandboxRootConfinement(t *testing.T) {
	g, root, _ := newGuard(t)

	inside := filepath.Join(root, "notes.txt")
	d := g.Check(toolguard.Request{
		ToolName:  "Write",
		ToolInput: map[string]any{"file_path": inside},
		Tier:      policy.TierSocial,
		Scope:     rpcauth.ScopeMoltbook,
		CWD:       root,
	})
	if !d.Allowed {
		t.Fatalf("write inside sandbox denied: %s", d.Reason)
	}

	d = g.Check(toolguard.Request{
		ToolName:  "Read",
		ToolInput: map[string]any{"file_path": "../outside.txt"},
		Tier:      policy.TierSocial,
		Scope:     rpcauth.ScopeMoltbook,
		CWD:       root,
	})
	if d.Allowed {
		t.Fatal("relative traversal out of sandbox allowed")
	}

	// A symlink inside the sandbox pointing outside must not escape.
	outsideDir := t.TempDir()
	link := filepath.Join(root, "esc")
	if err := os.Symlink(outsideDir, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	d = g.Check(toolguard.Request{
		ToolName:  "Read",
		ToolInput: map[string]any{"file_path": filepath.Join(link, "data.txt")},
		Tier:      policy.TierSocial,
		Scope:     rpcauth.ScopeMoltbook,
		CWD:       root,
	})
	if d.Allowed {
		t.Fatal("symlink escape allowed")
	}
}

func TestCheck_ScopeToolAllowLists(t *testing.T) {
	g, root, _ := newGuard(t)

	for _, tool := range []string{"Skill", "Task", "NotebookEdit"} {
		d := g.Check(toolguard.Request{
			ToolName: tool, ToolInput: map[string]any{},
			Tier: policy.TierSocial, Scope: rpcauth.ScopeMoltbook, CWD: root,
		})
		if d.Allowed {
			t.Errorf("%s allowed in quarantine scope", tool)
		}
	}

	// Untrusted social pool: no shell.
	d := g.Check(toolguard.Request{
		ToolName: "Bash", ToolInput: map[string]any{"command": "echo hi"},
		Tier: policy.TierSocial, Scope: rpcauth.ScopeSocial, PoolKey: "bluebird:social",
	})
	if d.Allowed {
		t.Error("Bash allowed for untrusted social pool")
	}

	// Trusted social pool: shell is fine.
	d = g.Check(toolguard.Request{
		ToolName: "Bash", ToolInput: map[string]any{"command": "echo hi"},
		Tier: policy.TierSocial, Scope: rpcauth.ScopeSocial, PoolKey: "bluebird:proactive",
	})
	if !d.Allowed {
		t.Errorf("Bash denied for trusted social pool: %s", d.Reason)
	}
}

func TestCheck_SkillDirProtectedFromSocialWrites(t *testing.T) {
	g, _, skillDir := newGuard(t)

	d := g.Check(toolguard.Request{
		ToolName:  "Write",
		ToolInput: map[string]any{"file_path": filepath.Join(skillDir, "evil.md")},
		Tier:      policy.TierSocial,
		Scope:     rpcauth.ScopeSocial,
		PoolKey:   "bluebird:proactive",
	})
	if d.Allowed {
		t.Fatal("social write into skill dir allowed")
	}
}

func TestCheck_SkillAllowList(t *testing.T) {
	g, _, _ := newGuard(t)

	base := toolguard.Request{
		ToolName:     "Skill",
		Tier:         policy.TierFullAccess,
		Scope:        rpcauth.ScopeTelegram,
		EnableSkills: true,
	}

	req := base
	req.ToolInput = map[string]any{"skill": "weather"}
	req.AllowedSkills = []string{"weather", "news"}
	if d := g.Check(req); !d.Allowed {
		t.Errorf("allowed skill denied: %s", d.Reason)
	}

	req.ToolInput = map[string]any{"skill": "deploy"}
	if d := g.Check(req); d.Allowed {
		t.Error("skill outside allow-list allowed")
	}

	// Disagreeing input keys are evasion.
	req.ToolInput = map[string]any{"skill": "weather", "name": "deploy"}
	if d := g.Check(req); d.Allowed {
		t.Error("disagreeing skill keys allowed")
	}

	// SOCIAL tier without an allow-list fails closed.
	req = base
	req.Tier = policy.TierSocial
	req.ToolInput = map[string]any{"skill": "weather"}
	req.AllowedSkills = nil
	if d := g.Check(req); d.Allowed {
		t.Error("social tier without allow-list allowed a skill")
	}

	// Skills disabled entirely.
	req = base
	req.EnableSkills = false
	req.ToolInput = map[string]any{"skill": "weather"}
	if d := g.Check(req); d.Allowed {
		t.Error("skill allowed with skills disabled")
	}
}

func TestCheck_WriteLocalCommandBlockList(t *testing.T) {
	g, _, _ := newGuard(t)

	d := g.Check(toolguard.Request{
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "rm -rf build"},
		Tier:      policy.TierWriteLocal,
		Scope:     rpcauth.ScopeTelegram,
	})
	if d.Allowed {
		t.Fatal("blocked command allowed for WRITE_LOCAL")
	}

	d = g.Check(toolguard.Request{
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "go test ./..."},
		Tier:      policy.TierWriteLocal,
		Scope:     rpcauth.ScopeTelegram,
	})
	if !d.Allowed {
		t.Fatalf("ordinary command denied: %s", d.Reason)
	}

	// FULL_ACCESS skips the block list.
	d = g.Check(toolguard.Request{
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "rm -rf build"},
		Tier:      policy.TierFullAccess,
		Scope:     rpcauth.ScopeTelegram,
	})
	if !d.Allowed {
		t.Fatalf("FULL_ACCESS command denied: %s", d.Reason)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := toolguard.TruncateOutput("short", 100); got != "short" {
		t.Errorf("short output modified: %q", got)
	}

	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("line of ordinary tool output\n")
	}
	in := b.String()

	out := toolguard.TruncateOutput(in, 10_000)
	if len(out) > 11_000 {
		t.Errorf("truncated output is %d bytes", len(out))
	}
	if !strings.Contains(out, "[... truncated ") {
		t.Error("marker missing")
	}
	if !strings.HasPrefix(out, "line of ordinary tool output\n") {
		t.Error("head missing")
	}
	if !strings.HasSuffix(out, "line of ordinary tool output\n") {
		t.Error("tail missing")
	}

	// Both edges should sit on newline boundaries for line-shaped input.
	marker := strings.Index(out, "[... truncated ")
	if marker > 0 && out[marker-1] != '\n' {
		t.Error("head cut mid-line")
	}
}
