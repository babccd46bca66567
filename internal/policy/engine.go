// Package policy classifies inbound messages before agent dispatch.
//
// Classification runs as an ordered pipeline: a non-overridable
// infrastructure-secret check, structural obfuscation checks, a fast-path
// regex pass, and finally an external LLM observer behind a circuit breaker.
// The engine also resolves permission tiers and owns the WRITE_LOCAL command
// and sensitive-path checks consumed by the tool guard.
package policy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/telclaude/telclaude/internal/breaker"
	"github.com/telclaude/telclaude/internal/redact"
	"github.com/telclaude/telclaude/internal/sandbox"
	"github.com/telclaude/telclaude/internal/store"
)

// Classification is the policy verdict on a message.
type Classification string

const (
	Allow Classification = "ALLOW"
	Warn  Classification = "WARN"
	Block Classification = "BLOCK"
)

// Verdict sources, recorded for audit.
const (
	SourceInfraSecret = "infra_secret"
	SourceStructural  = "structural"
	SourceFastPath    = "fast_path"
	SourceObserver    = "observer"
	SourceFallback    = "fallback"
)

// Verdict is one classification outcome.
type Verdict struct {
	Classification  Classification
	Confidence      float64
	Reason          string
	FlaggedPatterns []string
	SuggestedTier   Tier
	Source          string
}

// Fallback behaviors when the observer is unavailable.
const (
	FallbackAllow    = "allow"
	FallbackBlock    = "block"
	FallbackEscalate = "escalate"
)

// Config tunes the engine.
type Config struct {
	// UserTiers maps local user ids to tiers; ChatTiers maps raw chat ids.
	UserTiers map[string]Tier
	ChatTiers map[string]Tier
	// DefaultTier applies when nothing else matches. Empty means READ_ONLY.
	DefaultTier Tier
	// DangerThreshold is the confidence floor for observer verdicts. BLOCK
	// below it becomes WARN; WARN below half of it becomes ALLOW.
	DangerThreshold float64
	// ObserverTimeout bounds a single observer call. Default 5s.
	ObserverTimeout time.Duration
	// ObserverFallback is one of allow, block, escalate. Default escalate.
	ObserverFallback string
}

// Engine evaluates policy for inbound messages.
type Engine struct {
	cfg      Config
	st       *store.Store
	det      *redact.Detector
	observer Observer
	brk      *breaker.Breaker
	probe    sandbox.Probe
	log      *slog.Logger
}

// BreakerName is the circuit protecting the LLM observer.
const BreakerName = "llm_observer"

// New assembles an Engine. observer may be nil, in which case every
// escalation takes the configured fallback.
func New(cfg Config, st *store.Store, det *redact.Detector, observer Observer, probe sandbox.Probe, log *slog.Logger) *Engine {
	if cfg.DangerThreshold <= 0 {
		cfg.DangerThreshold = 0.7
	}
	if cfg.ObserverTimeout <= 0 {
		cfg.ObserverTimeout = 5 * time.Second
	}
	if cfg.ObserverFallback == "" {
		cfg.ObserverFallback = FallbackEscalate
	}
	if probe == nil {
		probe = sandbox.StaticProbe{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		st:       st,
		det:      det,
		observer: observer,
		brk:      breaker.New(st.DB(), BreakerName, breaker.Config{}),
		probe:    probe,
		log:      log,
	}
}

// CheckInfraSecret returns a BLOCK verdict when text carries a system-owned
// secret. This phase is non-overridable: no tier or approval bypasses it.
func (e *Engine) CheckInfraSecret(text string) *Verdict {
	res := e.det.FilterOutput(text)
	for _, m := range res.Matches {
		if m.Infrastructure {
			return &Verdict{
				Classification: Block,
				Confidence:     1,
				Reason:         "message contains an infrastructure credential (" + m.Pattern + ")",
				Source:         SourceInfraSecret,
			}
		}
	}
	return nil
}

// Observe classifies text with the external observer through the circuit
// breaker. It never returns an error: observer failure resolves to the
// configured fallback verdict.
func (e *Engine) Observe(ctx context.Context, text string, warnings []string) *Verdict {
	if e.observer == nil {
		return e.fallbackVerdict("no observer configured")
	}

	ok, err := e.brk.CanExecute(ctx)
	if err != nil {
		e.log.Error("circuit state read failed", "err", err)
		return e.fallbackVerdict("circuit state unavailable")
	}
	if !ok {
		return e.fallbackVerdict("observer circuit open")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ObserverTimeout)
	defer cancel()

	prompt := text
	if len(warnings) > 0 {
		prompt = "[structural warnings: " + strings.Join(warnings, "; ") + "]\n" + text
	}

	raw, err := e.observer.Classify(callCtx, prompt)
	if err != nil {
		e.log.Warn("observer call failed", "err", err)
		e.recordBreaker(ctx, false)
		return e.fallbackVerdict("observer unavailable")
	}
	resp, err := parseObserverResponse(raw)
	if err != nil {
		e.log.Warn("observer response rejected", "err", err)
		e.recordBreaker(ctx, false)
		return e.fallbackVerdict("observer response invalid")
	}
	e.recordBreaker(ctx, true)

	v := &Verdict{
		Classification:  resp.Classification,
		Confidence:      resp.Confidence,
		Reason:          resp.Reason,
		FlaggedPatterns: resp.FlaggedPatterns,
		SuggestedTier:   resp.SuggestedTier,
		Source:          SourceObserver,
	}

	// Low-confidence verdicts soften one step.
	switch {
	case v.Classification == Block && v.Confidence < e.cfg.DangerThreshold:
		v.Classification = Warn
	case v.Classification == Warn && v.Confidence < e.cfg.DangerThreshold/2:
		v.Classification = Allow
	}
	return v
}

func (e *Engine) recordBreaker(ctx context.Context, success bool) {
	var err error
	if success {
		err = e.brk.RecordSuccess(ctx)
	} else {
		err = e.brk.RecordFailure(ctx)
	}
	if err != nil {
		e.log.Error("circuit state write failed", "err", err)
	}
}

func (e *Engine) fallbackVerdict(reason string) *Verdict {
	v := &Verdict{Source: SourceFallback, Reason: reason}
	switch e.cfg.ObserverFallback {
	case FallbackAllow:
		v.Classification = Allow
	case FallbackBlock:
		v.Classification = Block
	default:
		// Escalate surfaces as WARN so the mediator routes it to approval.
		v.Classification = Warn
	}
	return v
}

// Evaluate runs the full pipeline on text and always yields a verdict.
func (e *Engine) Evaluate(ctx context.Context, text string) *Verdict {
	if v := e.CheckInfraSecret(text); v != nil {
		return v
	}
	warnings := StructuralWarnings(text)
	if v := FastPath(text); v != nil {
		if v.Classification == Allow && len(warnings) > 0 {
			// Structural findings veto the fast allow; let the observer look.
			return e.Observe(ctx, text, warnings)
		}
		return v
	}
	return e.Observe(ctx, text, warnings)
}
