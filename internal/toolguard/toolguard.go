// Package toolguard screens agent tool calls before they execute.
//
// Rules run in a fixed order and the first denial wins: sensitive paths,
// quarantine-zone sandbox confinement, per-scope tool allow-lists, the skill
// allow-list, and the WRITE_LOCAL command block list. The guard never
// rewrites a denied call into an allowed one; Allow may only attach an
// updated input.
package toolguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/telclaude/telclaude/internal/policy"
	"github.com/telclaude/telclaude/internal/rpcauth"
)

// Tool names the agent runtime is known to emit.
const (
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolBash         = "Bash"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolSkill        = "Skill"
	ToolTask         = "Task"
	ToolNotebookEdit = "NotebookEdit"
)

// pathTools accept filesystem paths or shell commands in their input.
var pathTools = map[string]bool{
	ToolRead: true, ToolWrite: true, ToolEdit: true,
	ToolGlob: true, ToolGrep: true, ToolBash: true,
}

// writeTools mutate files.
var writeTools = map[string]bool{
	ToolWrite: true, ToolEdit: true, ToolNotebookEdit: true,
}

// pathInputKeys are the tool-input fields that may carry a path.
var pathInputKeys = []string{"file_path", "path", "notebook_path", "pattern"}

// Request is one intercepted tool call.
type Request struct {
	ToolName  string
	ToolInput map[string]any
	UserID    string
	Tier      policy.Tier
	Scope     rpcauth.Scope
	PoolKey   string
	CWD       string
	// EnableSkills gates the Skill tool entirely; AllowedSkills, when
	// non-nil, is the closed set of permitted skill names.
	EnableSkills  bool
	AllowedSkills []string
}

// Decision is the guard's answer.
type Decision struct {
	Allowed bool
	Reason  string
	// UpdatedInput replaces the tool input when non-nil.
	UpdatedInput map[string]any
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Config tunes the guard.
type Config struct {
	// SandboxRoot confines moltbook-scope file access. Required when any
	// moltbook traffic exists.
	SandboxRoot string
	// SkillDir is the skill-definition directory protected from social
	// writes.
	SkillDir string
}

// Guard evaluates tool-call requests.
type Guard struct {
	cfg Config
}

// New creates a Guard.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// Check applies the rule chain to req.
func (g *Guard) Check(req Request) Decision {
	if d := g.checkSensitivePaths(req); !d.Allowed {
		return d
	}
	if d := g.checkSandboxRoot(req); !d.Allowed {
		return d
	}
	if d := g.checkScopeTools(req); !d.Allowed {
		return d
	}
	if d := g.checkSkill(req); !d.Allowed {
		return d
	}
	if d := g.checkTierCommand(req); !d.Allowed {
		return d
	}
	return allow()
}

// checkSensitivePaths denies any path-bearing tool touching credential
// material or kernel configuration.
func (g *Guard) checkSensitivePaths(req Request) Decision {
	if !pathTools[req.ToolName] {
		return allow()
	}
	if req.ToolName == ToolBash {
		if cmd, ok := req.ToolInput["command"].(string); ok && policy.IsSensitivePath(cmd) {
			return deny("command touches a sensitive path")
		}
		return allow()
	}
	for _, tok := range pathTokens(req.ToolInput) {
		if policy.IsSensitivePath(tok) {
			return deny("input path %q is sensitive", tok)
		}
	}
	return allow()
}

// checkSandboxRoot confines quarantine-zone file tools to the sandbox root.
func (g *Guard) checkSandboxRoot(req Request) Decision {
	if req.Scope != rpcauth.ScopeMoltbook || !pathTools[req.ToolName] || req.ToolName == ToolBash {
		return allow()
	}
	if g.cfg.SandboxRoot == "" {
		return deny("quarantine scope has no sandbox root configured")
	}
	root, err := filepath.EvalSymlinks(g.cfg.SandboxRoot)
	if err != nil {
		return deny("sandbox root unavailable: %v", err)
	}
	for _, tok := range pathTokens(req.ToolInput) {
		resolved, err := resolvePath(tok, req.CWD)
		if err != nil {
			return deny("cannot resolve path %q: %v", tok, err)
		}
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return deny("path %q escapes the sandbox root", tok)
		}
	}
	return allow()
}

// checkScopeTools applies the per-scope tool allow-lists.
func (g *Guard) checkScopeTools(req Request) Decision {
	switch req.Scope {
	case rpcauth.ScopeMoltbook:
		switch req.ToolName {
		case ToolSkill, ToolTask, ToolNotebookEdit:
			return deny("tool %s is not available in the quarantine zone", req.ToolName)
		}
	case rpcauth.ScopeSocial:
		if req.ToolName == ToolBash && !trustedSocialPool(req.PoolKey) {
			return deny("shell access is not available to untrusted social sessions")
		}
	}

	// Social scopes never write into the skill-definition directory,
	// trusted or not: a poisoned skill outlives the session that wrote it.
	if req.Scope == rpcauth.ScopeSocial && writeTools[req.ToolName] && g.cfg.SkillDir != "" {
		skillDir, err := filepath.EvalSymlinks(g.cfg.SkillDir)
		if err != nil {
			skillDir = filepath.Clean(g.cfg.SkillDir)
		}
		for _, tok := range pathTokens(req.ToolInput) {
			resolved, err := resolvePath(tok, req.CWD)
			if err != nil {
				return deny("cannot resolve path %q: %v", tok, err)
			}
			if resolved == skillDir || strings.HasPrefix(resolved, skillDir+string(filepath.Separator)) {
				return deny("writes under the skill directory are not allowed from social scope")
			}
		}
	}
	return allow()
}

// trustedSocialPool distinguishes operator-driven social sessions from
// notification-driven ones.
func trustedSocialPool(poolKey string) bool {
	for _, marker := range []string{":proactive", ":operator-query", ":autonomous"} {
		if strings.Contains(poolKey, marker) {
			return true
		}
	}
	return false
}

// checkSkill enforces the skill allow-list.
func (g *Guard) checkSkill(req Request) Decision {
	if req.ToolName != ToolSkill {
		return allow()
	}
	if !req.EnableSkills {
		return deny("skills are disabled for this session")
	}

	name, err := skillName(req.ToolInput)
	if err != nil {
		return deny("%v", err)
	}
	if name == "" {
		return deny("skill call carries no skill name")
	}

	if req.AllowedSkills == nil {
		if req.Tier == policy.TierSocial {
			// No allow-list on a social tier means no skills at all.
			return deny("no skill allow-list configured for social tier")
		}
		return allow()
	}
	for _, allowed := range req.AllowedSkills {
		if name == allowed {
			return allow()
		}
	}
	return deny("skill %q is not in the allow-list", name)
}

// skillName extracts the skill name from the known input keys. Multiple
// keys carrying different names is treated as evasion.
func skillName(input map[string]any) (string, error) {
	var name string
	for _, key := range []string{"skill", "name", "command"} {
		v, ok := input[key].(string)
		if !ok || v == "" {
			continue
		}
		if name != "" && v != name {
			return "", fmt.Errorf("skill input keys disagree (%q vs %q)", name, v)
		}
		name = v
	}
	return name, nil
}

// checkTierCommand runs the WRITE_LOCAL shell block list.
func (g *Guard) checkTierCommand(req Request) Decision {
	if req.ToolName != ToolBash || req.Tier != policy.TierWriteLocal {
		return allow()
	}
	cmd, ok := req.ToolInput["command"].(string)
	if !ok {
		return deny("shell call carries no command")
	}
	if reason := policy.ContainsBlockedCommand(cmd); reason != "" {
		return deny("%s", reason)
	}
	return allow()
}

// pathTokens collects path-like strings from a tool input.
func pathTokens(input map[string]any) []string {
	var toks []string
	for _, key := range pathInputKeys {
		if v, ok := input[key].(string); ok && v != "" {
			toks = append(toks, v)
		}
	}
	return toks
}

// resolvePath makes p absolute against cwd, then resolves symlinks through
// the deepest existing ancestor so a link cannot smuggle a path outside its
// apparent directory.
func resolvePath(p, cwd string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	p = filepath.Clean(p)

	remainder := ""
	probe := p
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return "", fmt.Errorf("no existing ancestor for %q", p)
		}
		remainder = filepath.Join(filepath.Base(probe), remainder)
		probe = parent
	}
}
