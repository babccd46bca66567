package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/telclaude/telclaude/internal/config"
	"github.com/telclaude/telclaude/internal/policy"
)

func writeConfig(t *testing.T, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telclaude.yaml")
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/telclaude
broker:
  addr: "127.0.0.1:9000"
  prompt_limit: 4000
policy:
  default_tier: WRITE_LOCAL
  user_tiers:
    alice: FULL_ACCESS
  observer_fallback: block
totp_socket: /run/telclaude/totp.sock
dispatch_timeout: 2m
`, 0o600)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/srv/telclaude" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Broker.Addr != "127.0.0.1:9000" || cfg.Broker.PromptLimit != 4000 {
		t.Errorf("Broker = %+v", cfg.Broker)
	}
	if cfg.Policy.DefaultTier != policy.TierWriteLocal {
		t.Errorf("DefaultTier = %q", cfg.Policy.DefaultTier)
	}
	if cfg.Policy.UserTiers["alice"] != policy.TierFullAccess {
		t.Errorf("UserTiers = %v", cfg.Policy.UserTiers)
	}
	if cfg.DispatchTimeout != 2*time.Minute {
		t.Errorf("DispatchTimeout = %v", cfg.DispatchTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "data_dir: /from/file\nbroker:\n  addr: \"127.0.0.1:9000\"\n", 0o600)
	t.Setenv("TELCLAUDE_DATA_DIR", "/from/env")
	t.Setenv("TELCLAUDE_BROKER_ADDR", "127.0.0.1:9999")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from/env" {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir)
	}
	if cfg.Broker.Addr != "127.0.0.1:9999" {
		t.Errorf("Broker.Addr = %q, want env override", cfg.Broker.Addr)
	}
}

func TestLoadRejectsLoosePermissions(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/telclaude\n", 0o644)
	if _, err := config.Load(path); err == nil {
		t.Fatal("world-readable config accepted")
	}
}

func TestLoadRejectsSymlink(t *testing.T) {
	real := writeConfig(t, "data_dir: /srv/telclaude\n", 0o600)
	link := filepath.Join(t.TempDir(), "link.yaml")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := config.Load(link); err == nil {
		t.Fatal("symlinked config accepted")
	}
}

func TestLoadRejectsUnknownTier(t *testing.T) {
	path := writeConfig(t, "policy:\n  default_tier: GODMODE\n", 0o600)
	if _, err := config.Load(path); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestDangerousTogglesNeedAck(t *testing.T) {
	path := writeConfig(t, "sandbox:\n  dangerously_skip_probe: true\n", 0o600)
	if _, err := config.Load(path); err == nil {
		t.Fatal("dangerous toggle accepted without acknowledgement")
	}

	t.Setenv("TELCLAUDE_DANGEROUS_ACK", config.DangerAckValue)
	if _, err := config.Load(path); err != nil {
		t.Fatalf("acknowledged dangerous toggle rejected: %v", err)
	}
}

func TestSaveIsAtomicWithBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telclaude.yaml")

	first := config.Default()
	first.DataDir = "/one"
	if err := config.Save(first, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("saved mode = %o, want 0600", info.Mode().Perm())
	}

	second := config.Default()
	second.DataDir = "/two"
	if err := config.Save(second, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/two" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("no .bak of previous version: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf(".tmp left behind: %v", err)
	}
}
