// Package app wires the kernel subsystems and owns their lifecycle.
//
// Construction order mirrors dependency order: store first, then the policy
// stack, then the servers that use them. Shutdown runs in reverse. Background
// maintenance (approval expiry, link-code pruning, rate-bucket pruning) runs
// on a shared sweep ticker bound to the run context.
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telclaude/telclaude/internal/approval"
	"github.com/telclaude/telclaude/internal/broker"
	"github.com/telclaude/telclaude/internal/config"
	"github.com/telclaude/telclaude/internal/mediator"
	"github.com/telclaude/telclaude/internal/memory"
	"github.com/telclaude/telclaude/internal/policy"
	"github.com/telclaude/telclaude/internal/ratelimit"
	"github.com/telclaude/telclaude/internal/redact"
	"github.com/telclaude/telclaude/internal/rpcauth"
	"github.com/telclaude/telclaude/internal/sandbox"
	"github.com/telclaude/telclaude/internal/scheduler"
	"github.com/telclaude/telclaude/internal/sessions"
	"github.com/telclaude/telclaude/internal/store"
	"github.com/telclaude/telclaude/internal/toolguard"
	"github.com/telclaude/telclaude/internal/totpgate"
)

// sweepInterval is how often background maintenance runs.
const sweepInterval = time.Minute

// App is the assembled kernel.
type App struct {
	cfg *config.Config
	log *slog.Logger

	st        *store.Store
	layout    store.Layout
	limiter   *ratelimit.Limiter
	approvals *approval.Store
	gate      *totpgate.Gate
	engine    *policy.Engine
	sessions  *sessions.Manager
	med       *mediator.Mediator
	brokerSrv *broker.Server
	sched     *scheduler.Scheduler
	probe     sandbox.Probe
}

// New assembles the kernel from configuration. runtime executes agent turns;
// provider performs the broker's paid capability calls.
func New(cfg *config.Config, runtime mediator.AgentRuntime, provider broker.CapabilityProvider) (*App, error) {
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	layout := store.Layout{Root: cfg.DataDir}
	st, err := store.Open(layout)
	if err != nil {
		return nil, err
	}

	probe, err := buildProbe(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	det := redact.NewDetector(0)
	var observer policy.Observer
	if cfg.Policy.ObserverURL != "" {
		observer = policy.NewHTTPObserver(cfg.Policy.ObserverURL, cfg.Policy.ObserverToken, cfg.Policy.ObserverTimeout)
	}
	engine := policy.New(policy.Config{
		UserTiers:        cfg.Policy.UserTiers,
		ChatTiers:        cfg.Policy.ChatTiers,
		DefaultTier:      cfg.Policy.DefaultTier,
		DangerThreshold:  cfg.Policy.DangerThreshold,
		ObserverTimeout:  cfg.Policy.ObserverTimeout,
		ObserverFallback: cfg.Policy.ObserverFallback,
	}, st, det, observer, probe, log)

	limiter := ratelimit.New(st.DB())
	approvals := approval.NewStore(st.DB())
	sessMgr := sessions.NewManager(st.DB())
	gate := totpgate.New(st, totpgate.NewSocketClient(cfg.TOTPSocket, 0), cfg.SessionTTL)
	guard := toolguard.New(toolguard.Config{
		SandboxRoot: cfg.Sandbox.Root,
		SkillDir:    cfg.Sandbox.SkillDir,
	})

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		st.Close()
		return nil, err
	}
	brokerSrv, err := broker.New(broker.Config{
		Addr:           cfg.Broker.Addr,
		ContainerMode:  cfg.Broker.ContainerMode,
		BodyLimit:      cfg.Broker.BodyLimit,
		MaxInFlight:    cfg.Broker.MaxInFlight,
		PromptLimit:    cfg.Broker.PromptLimit,
		TTSLimit:       cfg.Broker.TTSLimit,
		PathLimit:      cfg.Broker.PathLimit,
		MediaRoots:     []string{layout.MediaInbox(), layout.MediaOutbox()},
		OAuthProviders: cfg.Broker.OAuthProviders,
	}, layout, verifier, limiter, provider,
		memory.NewStore(st.DB()),
		broker.NewVaultSocketClient(cfg.VaultSocket, 0), log)
	if err != nil {
		st.Close()
		return nil, err
	}

	sched := scheduler.New(st.DB(), scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Timeout:      cfg.Scheduler.Timeout,
		Grace:        cfg.Scheduler.Grace,
	}, log)

	med := mediator.New(mediator.Config{
		DispatchTimeout: cfg.DispatchTimeout,
		ApprovalTTL:     cfg.ApprovalTTL,
	}, st, approvals, gate, engine, sessMgr, guard, limiter, det, runtime, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		st:        st,
		layout:    layout,
		limiter:   limiter,
		approvals: approvals,
		gate:      gate,
		engine:    engine,
		sessions:  sessMgr,
		med:       med,
		brokerSrv: brokerSrv,
		sched:     sched,
		probe:     probe,
	}
	a.registerHeartbeats()
	return a, nil
}

// registerHeartbeats wires the built-in cron actions. A heartbeat is a
// scheduled autonomous dispatch through the normal mediation pipeline, so it
// is subject to the same policy and rate limits as any inbound message.
func (a *App) registerHeartbeats() {
	discard := func(string) error { return nil }

	a.sched.RegisterExecutor(scheduler.ActionPrivateHeartbeat, func(ctx context.Context, job *scheduler.Job) error {
		res, err := a.med.Handle(ctx, mediator.Inbound{
			ChatID:    "heartbeat:" + job.ID,
			MessageID: job.ID,
			Body:      "Run your scheduled private check-in.",
			ThreadKey: "heartbeat:private",
			PoolKey:   "heartbeat",
			Scope:     rpcauth.ScopeAgent,
		}, discard)
		if err != nil {
			return err
		}
		if res.Outcome != store.OutcomeSuccess {
			return fmt.Errorf("heartbeat dispatch outcome %s", res.Outcome)
		}
		return nil
	})

	a.sched.RegisterExecutor(scheduler.ActionSocialHeartbeat, func(ctx context.Context, job *scheduler.Job) error {
		pool := job.ActionService
		if pool == "" {
			pool = "social"
		}
		res, err := a.med.Handle(ctx, mediator.Inbound{
			ChatID:    "heartbeat:" + job.ID,
			MessageID: job.ID,
			Body:      "Run your scheduled social check-in.",
			ThreadKey: "heartbeat:" + pool,
			PoolKey:   pool + ":proactive",
			Scope:     rpcauth.ScopeSocial,
		}, discard)
		if err != nil {
			return err
		}
		if res.Outcome != store.OutcomeSuccess {
			return fmt.Errorf("heartbeat dispatch outcome %s", res.Outcome)
		}
		return nil
	})
}

// Mediator returns the inbound pipeline for transport adapters.
func (a *App) Mediator() *mediator.Mediator { return a.med }

// Scheduler returns the cron scheduler so callers can register executors.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Store returns the kernel store.
func (a *App) Store() *store.Store { return a.st }

// Run starts the servers and background loops and blocks until ctx is
// cancelled. All subsystems drain before it returns.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	if err := a.brokerSrv.Start(runCtx); err != nil {
		return err
	}
	g.Go(func() error {
		return a.sched.Run(runCtx)
	})
	g.Go(func() error {
		a.sweep(runCtx)
		return nil
	})

	a.log.Info("kernel started", "data_dir", a.cfg.DataDir, "broker_addr", a.cfg.Broker.Addr)
	err := g.Wait()
	a.shutdown()
	return err
}

// sweep runs periodic maintenance until ctx is cancelled.
func (a *App) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := a.approvals.ExpireStale(ctx); err != nil {
			a.log.Error("approval expiry sweep failed", "err", err)
		} else if n > 0 {
			a.log.Info("expired stale approvals", "count", n)
		}
		if err := a.approvals.PruneConsumed(ctx, 24*time.Hour); err != nil {
			a.log.Error("approval prune failed", "err", err)
		}
		if err := a.st.PruneLinkCodes(ctx); err != nil {
			a.log.Error("link code prune failed", "err", err)
		}
		if err := a.limiter.Prune(ctx); err != nil {
			a.log.Error("rate bucket prune failed", "err", err)
		}
	}
}

// shutdown tears subsystems down in reverse construction order.
func (a *App) shutdown() {
	a.log.Info("kernel shutting down")
	a.brokerSrv.Stop()
	if closer, ok := a.probe.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.st.Close(); err != nil {
		a.log.Error("store close failed", "err", err)
	}
}

func buildProbe(cfg *config.Config) (sandbox.Probe, error) {
	switch {
	case cfg.Sandbox.DangerouslySkipProbe:
		return sandbox.StaticProbe{}, nil
	case cfg.Sandbox.ContainerName != "":
		return sandbox.NewDockerProbe(cfg.Sandbox.ContainerName)
	default:
		// Native mode has no sandbox; FULL_ACCESS degrades at tier
		// resolution.
		return sandbox.StaticProbe{Err: sandbox.ErrNotInitialized}, nil
	}
}

// buildVerifier assembles the RPC verifier from configured scope keys.
func buildVerifier(auth config.AuthConfig) (*rpcauth.Verifier, error) {
	verifiers := map[rpcauth.Scope]rpcauth.SignatureVerifier{}
	for scope, secret := range auth.HMACSecrets {
		if !rpcauth.KnownScopes[rpcauth.Scope(scope)] {
			return nil, fmt.Errorf("app: unknown auth scope %q", scope)
		}
		key, err := rpcauth.NewHMACKey([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("app: scope %s: %w", scope, err)
		}
		verifiers[rpcauth.Scope(scope)] = key
	}
	for scope, pub := range auth.Ed25519PublicKeys {
		if !rpcauth.KnownScopes[rpcauth.Scope(scope)] {
			return nil, fmt.Errorf("app: unknown auth scope %q", scope)
		}
		raw, err := base64.StdEncoding.DecodeString(pub)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("app: scope %s: invalid ed25519 public key", scope)
		}
		verifiers[rpcauth.Scope(scope)] = rpcauth.NewEd25519Verifier(raw)
	}
	return rpcauth.NewVerifier(verifiers), nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
