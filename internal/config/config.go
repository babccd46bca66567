// Package config loads kernel configuration from a YAML file and the
// environment.
//
// Environment variables override file values. Config files hold scope secrets,
// so loading refuses symlinked files and group/world-readable modes instead of
// silently loosening the trust boundary. Writes are atomic with a .bak of the
// previous version.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telclaude/telclaude/common/environment"
	"github.com/telclaude/telclaude/internal/policy"
)

// DangerAckValue must be set in TELCLAUDE_DANGEROUS_ACK to activate any
// dangerous-mode toggle.
const DangerAckValue = "i-accept-the-risk"

// BrokerConfig tunes the capability broker.
type BrokerConfig struct {
	Addr           string            `yaml:"addr"`
	ContainerMode  bool              `yaml:"container_mode"`
	BodyLimit      int64             `yaml:"body_limit"`
	PromptLimit    int               `yaml:"prompt_limit"`
	TTSLimit       int               `yaml:"tts_limit"`
	PathLimit      int               `yaml:"path_limit"`
	MaxInFlight    int64             `yaml:"max_in_flight"`
	OAuthProviders map[string]string `yaml:"oauth_providers"`
}

// PolicyConfig tunes classification and tier resolution.
type PolicyConfig struct {
	DefaultTier      policy.Tier            `yaml:"default_tier"`
	UserTiers        map[string]policy.Tier `yaml:"user_tiers"`
	ChatTiers        map[string]policy.Tier `yaml:"chat_tiers"`
	DangerThreshold  float64                `yaml:"danger_threshold"`
	ObserverURL      string                 `yaml:"observer_url"`
	ObserverToken    string                 `yaml:"observer_token"`
	ObserverTimeout  time.Duration          `yaml:"observer_timeout"`
	ObserverFallback string                 `yaml:"observer_fallback"`
}

// AuthConfig carries the per-scope signing material for internal RPC.
type AuthConfig struct {
	// HMACSecrets maps scope names to shared secrets (min 16 bytes).
	HMACSecrets map[string]string `yaml:"hmac_secrets"`
	// Ed25519PublicKeys maps scope names to base64 public keys for one-way
	// trust relationships.
	Ed25519PublicKeys map[string]string `yaml:"ed25519_public_keys"`
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	Grace        time.Duration `yaml:"grace"`
}

// SandboxConfig names the agent sandbox.
type SandboxConfig struct {
	// ContainerName is the Docker container the agent runs in. Empty means
	// native mode with no FULL_ACCESS tier.
	ContainerName string `yaml:"container_name"`
	Root          string `yaml:"root"`
	SkillDir      string `yaml:"skill_dir"`
	// DangerouslySkipProbe disables the sandbox readiness check. Requires
	// TELCLAUDE_DANGEROUS_ACK.
	DangerouslySkipProbe bool `yaml:"dangerously_skip_probe"`
}

// AgentConfig names the external agent command run per dispatch.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Config is the full kernel configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Agent AgentConfig `yaml:"agent"`

	Broker    BrokerConfig    `yaml:"broker"`
	Policy    PolicyConfig    `yaml:"policy"`
	Auth      AuthConfig      `yaml:"auth"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`

	TOTPSocket  string        `yaml:"totp_socket"`
	VaultSocket string        `yaml:"vault_socket"`
	SessionTTL  time.Duration `yaml:"totp_session_ttl"`

	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	ApprovalTTL     time.Duration `yaml:"approval_ttl"`
}

// Default returns the baseline configuration before file and environment
// overlays.
func Default() *Config {
	return &Config{
		DataDir:  environment.StringOr("HOME", "/var/lib") + "/.telclaude",
		LogLevel: "info",
		Broker: BrokerConfig{
			Addr: "127.0.0.1:8787",
		},
		Policy: PolicyConfig{
			DefaultTier: policy.TierReadOnly,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := readSecretFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = environment.StringOr("TELCLAUDE_DATA_DIR", c.DataDir)
	c.LogLevel = environment.StringOr("TELCLAUDE_LOG_LEVEL", c.LogLevel)
	c.Agent.Command = environment.StringOr("TELCLAUDE_AGENT_CMD", c.Agent.Command)

	c.Broker.Addr = environment.StringOr("TELCLAUDE_BROKER_ADDR", c.Broker.Addr)
	c.Broker.ContainerMode = environment.BoolOr("TELCLAUDE_BROKER_CONTAINER_MODE", c.Broker.ContainerMode)
	c.Broker.BodyLimit = int64(environment.IntOr("TELCLAUDE_BROKER_BODY_LIMIT", int(c.Broker.BodyLimit)))
	c.Broker.PromptLimit = environment.IntOr("TELCLAUDE_BROKER_PROMPT_LIMIT", c.Broker.PromptLimit)
	c.Broker.TTSLimit = environment.IntOr("TELCLAUDE_BROKER_TTS_LIMIT", c.Broker.TTSLimit)
	c.Broker.PathLimit = environment.IntOr("TELCLAUDE_BROKER_PATH_LIMIT", c.Broker.PathLimit)

	c.Policy.ObserverURL = environment.StringOr("TELCLAUDE_OBSERVER_URL", c.Policy.ObserverURL)
	c.Policy.ObserverToken = environment.StringOr("TELCLAUDE_OBSERVER_TOKEN", c.Policy.ObserverToken)
	c.Policy.ObserverFallback = environment.StringOr("TELCLAUDE_OBSERVER_FALLBACK", c.Policy.ObserverFallback)
	c.Policy.ObserverTimeout = environment.DurationOr("TELCLAUDE_OBSERVER_TIMEOUT", c.Policy.ObserverTimeout)

	c.Sandbox.ContainerName = environment.StringOr("TELCLAUDE_SANDBOX_CONTAINER", c.Sandbox.ContainerName)
	c.Sandbox.Root = environment.StringOr("TELCLAUDE_SANDBOX_ROOT", c.Sandbox.Root)

	c.TOTPSocket = environment.StringOr("TELCLAUDE_TOTP_SOCKET", c.TOTPSocket)
	c.VaultSocket = environment.StringOr("TELCLAUDE_VAULT_SOCKET", c.VaultSocket)
	c.SessionTTL = environment.DurationOr("TELCLAUDE_TOTP_SESSION_TTL", c.SessionTTL)
	c.DispatchTimeout = environment.DurationOr("TELCLAUDE_DISPATCH_TIMEOUT", c.DispatchTimeout)
	c.ApprovalTTL = environment.DurationOr("TELCLAUDE_APPROVAL_TTL", c.ApprovalTTL)
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	for _, t := range []policy.Tier{c.Policy.DefaultTier} {
		if t != "" && !policy.ValidTier(t) {
			return fmt.Errorf("config: unknown tier %q", t)
		}
	}
	for user, t := range c.Policy.UserTiers {
		if !policy.ValidTier(t) {
			return fmt.Errorf("config: unknown tier %q for user %q", t, user)
		}
	}
	for chat, t := range c.Policy.ChatTiers {
		if !policy.ValidTier(t) {
			return fmt.Errorf("config: unknown tier %q for chat %q", t, chat)
		}
	}
	switch c.Policy.ObserverFallback {
	case "", policy.FallbackAllow, policy.FallbackBlock, policy.FallbackEscalate:
	default:
		return fmt.Errorf("config: unknown observer fallback %q", c.Policy.ObserverFallback)
	}
	if c.Sandbox.DangerouslySkipProbe && os.Getenv("TELCLAUDE_DANGEROUS_ACK") != DangerAckValue {
		return fmt.Errorf("config: dangerously_skip_probe requires TELCLAUDE_DANGEROUS_ACK=%s", DangerAckValue)
	}
	return nil
}

// readSecretFile reads a config file after checking it is a regular file with
// owner-only permissions. Symlinks are refused, never followed; loose modes
// are an error, never auto-fixed downward.
func readSecretFile(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("config: %s is a symlink; refusing", path)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config: %s is not a regular file", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("config: %s has mode %o; expected 0600", path, perm)
	}
	return os.ReadFile(path)
}

// Save writes cfg to path atomically: the new content lands in a .tmp file
// first, any existing file is preserved as .bak, then the tmp is renamed into
// place. The file is created 0600.
func Save(cfg *Config, path string) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("config: %s is a symlink; refusing", path)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("config: back up %s: %w", path, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: install %s: %w", path, err)
	}
	return nil
}
