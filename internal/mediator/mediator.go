// Package mediator runs the inbound message pipeline.
//
// Every message from an external channel passes through the same gauntlet:
// infrastructure-secret check, ban list, rate limits, TOTP gate, policy
// classification, and finally either agent dispatch or an approval challenge.
// The mediator owns dispatch serialization per session and the abort handle
// for in-flight dispatches, and writes one audit entry per mediated request.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telclaude/telclaude/common/trace"
	"github.com/telclaude/telclaude/internal/approval"
	"github.com/telclaude/telclaude/internal/policy"
	"github.com/telclaude/telclaude/internal/ratelimit"
	"github.com/telclaude/telclaude/internal/redact"
	"github.com/telclaude/telclaude/internal/rpcauth"
	"github.com/telclaude/telclaude/internal/sessions"
	"github.com/telclaude/telclaude/internal/store"
	"github.com/telclaude/telclaude/internal/toolguard"
	"github.com/telclaude/telclaude/internal/totpgate"
)

// DefaultDispatchTimeout bounds one agent dispatch end to end.
const DefaultDispatchTimeout = 5 * time.Minute

// DefaultApprovalTTL is how long an approval challenge stays redeemable.
const DefaultApprovalTTL = 5 * time.Minute

// nonceRE matches an approval redemption message: the bare nonce or an
// explicit /approve command.
var nonceRE = regexp.MustCompile(`^(?:/approve\s+)?([0-9a-f]{32})$`)

// Inbound is one message from an external channel.
type Inbound struct {
	ChatID    string
	MessageID string
	Body      string
	MediaRef  string
	SenderRef string
	// ThreadKey scopes session identity. Empty defaults to ChatID.
	ThreadKey string
	// PoolKey names the session pool, e.g. "telegram".
	PoolKey string
	// Scope is the trust zone the message arrived through.
	Scope rpcauth.Scope
}

// Result is what the transport should do after mediation. ReplyText is a
// direct response (refusal, challenge, or gate prompt); streamed agent output
// went through the emit callback instead.
type Result struct {
	Outcome        string
	Classification policy.Classification
	Confidence     float64
	Tier           policy.Tier
	ReplyText      string
}

// EmitFunc delivers one redacted chunk of agent output to the user.
type EmitFunc func(chunk string) error

// AgentRequest is the dispatch handed to the runtime.
type AgentRequest struct {
	Body     string
	MediaRef string
	Tier     policy.Tier
	// ToolCheck must be called before every tool invocation.
	ToolCheck func(toolName string, toolInput map[string]any) toolguard.Decision
}

// AgentRuntime executes one agent turn, emitting output incrementally.
type AgentRuntime interface {
	Run(ctx context.Context, sess *sessions.Session, req *AgentRequest, emit EmitFunc) error
}

// Config tunes the mediator.
type Config struct {
	DispatchTimeout time.Duration
	ApprovalTTL     time.Duration
	// BanReply is sent to banned chats. Empty means silent drop.
	BanReply string
}

func (c *Config) fillDefaults() {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = DefaultApprovalTTL
	}
}

// Mediator composes the inbound pipeline.
type Mediator struct {
	cfg       Config
	st        *store.Store
	approvals *approval.Store
	gate      *totpgate.Gate
	engine    *policy.Engine
	sessions  *sessions.Manager
	guard     *toolguard.Guard
	limiter   *ratelimit.Limiter
	det       *redact.Detector
	runtime   AgentRuntime
	log       *slog.Logger

	// locks serializes dispatches per thread key.
	locks sync.Map

	// aborts tracks every in-flight dispatch by chat. A chat can hold
	// several concurrent dispatches under distinct thread keys, so each
	// gets its own handle.
	abortMu sync.Mutex
	aborts  map[string]map[string]context.CancelFunc
}

// New assembles a Mediator.
func New(cfg Config, st *store.Store, approvals *approval.Store, gate *totpgate.Gate,
	engine *policy.Engine, sess *sessions.Manager, guard *toolguard.Guard,
	limiter *ratelimit.Limiter, det *redact.Detector, runtime AgentRuntime, log *slog.Logger) *Mediator {

	cfg.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Mediator{
		cfg:       cfg,
		st:        st,
		approvals: approvals,
		gate:      gate,
		engine:    engine,
		sessions:  sess,
		guard:     guard,
		limiter:   limiter,
		det:       det,
		runtime:   runtime,
		log:       log,
		aborts:    map[string]map[string]context.CancelFunc{},
	}
}

// tierRank orders tiers for "is this message within tier" checks. SOCIAL is
// its own lane and never outranks local tiers.
var tierRank = map[policy.Tier]int{
	policy.TierSocial:     0,
	policy.TierReadOnly:   0,
	policy.TierWriteLocal: 1,
	policy.TierFullAccess: 2,
}

// Handle mediates one inbound message. Agent output streams through emit;
// the returned Result carries any direct reply and the audited outcome.
func (m *Mediator) Handle(ctx context.Context, in Inbound, emit EmitFunc) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx = trace.WithTraceID(ctx, requestID)
	if in.ThreadKey == "" {
		in.ThreadKey = in.ChatID
	}

	res, err := m.mediate(ctx, requestID, in, emit)
	if err != nil {
		m.log.Error("mediation failed", "request_id", requestID, "chat_id", in.ChatID, "err", err)
		res = &Result{Outcome: store.OutcomeError, ReplyText: "internal error"}
	}
	if res.Outcome != "" {
		m.audit(requestID, in.ChatID, res, time.Since(start))
	}
	return res, nil
}

func (m *Mediator) mediate(ctx context.Context, requestID string, in Inbound, emit EmitFunc) (*Result, error) {
	// Infrastructure secrets block before anything else, for any tier.
	if v := m.engine.CheckInfraSecret(in.Body); v != nil {
		m.log.Warn("infra secret in inbound message", "request_id", requestID, "chat_id", in.ChatID)
		return &Result{
			Outcome:        store.OutcomeBlocked,
			Classification: policy.Block,
			Confidence:     1,
			ReplyText:      "Blocked: message contains an infrastructure credential pattern.",
		}, nil
	}

	banned, err := m.st.IsBanned(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if banned {
		return &Result{
			Outcome:        store.OutcomeBlocked,
			Classification: policy.Block,
			ReplyText:      m.cfg.BanReply,
		}, nil
	}

	if d, err := m.limiter.Consume(ctx, ratelimit.TypeChatGlobal, "global"); err != nil {
		return nil, err
	} else if !d.Allowed {
		return &Result{Outcome: store.OutcomeRateLimited, ReplyText: d.Reason}, nil
	}
	if d, err := m.limiter.Consume(ctx, ratelimit.TypeChatPerUser, in.ChatID); err != nil {
		return nil, err
	} else if !d.Allowed {
		return &Result{Outcome: store.OutcomeRateLimited, ReplyText: d.Reason}, nil
	}

	gateRes, err := m.gate.Check(ctx, in.ChatID, totpgate.Message{
		MessageID: in.MessageID,
		Body:      in.Body,
		MediaRef:  in.MediaRef,
		SenderRef: in.SenderRef,
	})
	if err != nil {
		return nil, err
	}
	switch gateRes.Kind {
	case totpgate.Challenge, totpgate.InvalidCode:
		return &Result{ReplyText: gateRes.Text}, nil
	case totpgate.Error:
		return &Result{Outcome: store.OutcomeError, ReplyText: gateRes.Text}, nil
	case totpgate.Verified:
		if gateRes.Parked == nil {
			return &Result{ReplyText: gateRes.Text}, nil
		}
		// Resume the message that was waiting on verification.
		in.MessageID = gateRes.Parked.MessageID
		in.Body = gateRes.Parked.Body
		in.MediaRef = gateRes.Parked.MediaRef
		in.SenderRef = gateRes.Parked.SenderRef
	}

	if nm := nonceRE.FindStringSubmatch(strings.ToLower(strings.TrimSpace(in.Body))); nm != nil {
		return m.redeemApproval(ctx, requestID, in, nm[1], emit)
	}

	tier, err := m.engine.UserTier(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}

	v := m.engine.Evaluate(ctx, in.Body)
	switch {
	case v.Classification == policy.Block && v.Source != policy.SourceObserver && v.Source != policy.SourceFallback:
		// Fast-path and structural blocks refuse outright.
		return &Result{
			Outcome:        store.OutcomeBlocked,
			Classification: policy.Block,
			Confidence:     v.Confidence,
			Tier:           tier,
			ReplyText:      "Blocked: " + v.Reason,
		}, nil
	case v.Classification == policy.Block, v.Classification == policy.Warn:
		return m.challenge(ctx, requestID, in, tier, v)
	}

	// Observer may indicate the message needs a higher tier than the user
	// holds; that path goes through approval too.
	if v.SuggestedTier != "" && tierRank[v.SuggestedTier] > tierRank[tier] {
		return m.challenge(ctx, requestID, in, v.SuggestedTier, v)
	}

	return m.dispatch(ctx, in, tier, v.Classification, v.Confidence, emit)
}

// challenge creates a one-shot approval and returns the challenge text.
func (m *Mediator) challenge(ctx context.Context, requestID string, in Inbound, tier policy.Tier, v *policy.Verdict) (*Result, error) {
	nonce, err := m.approvals.Create(ctx, approval.Request{
		RequestID:      requestID,
		ChatID:         in.ChatID,
		Tier:           string(tier),
		Body:           in.Body,
		MediaRef:       in.MediaRef,
		Sender:         in.SenderRef,
		MessageID:      in.MessageID,
		Classification: string(v.Classification),
		Confidence:     v.Confidence,
		Reason:         v.Reason,
	}, m.cfg.ApprovalTTL)
	if err != nil {
		return nil, err
	}
	reply := fmt.Sprintf(
		"This request needs approval (%s). Reply with /approve %s within %s to proceed.",
		v.Reason, nonce, m.cfg.ApprovalTTL)
	return &Result{
		Outcome:        store.OutcomeBlocked,
		Classification: v.Classification,
		Confidence:     v.Confidence,
		Tier:           tier,
		ReplyText:      reply,
	}, nil
}

// redeemApproval consumes a pending nonce and dispatches the saved body with
// the tier that was pre-authorized at challenge time.
func (m *Mediator) redeemApproval(ctx context.Context, requestID string, in Inbound, nonce string, emit EmitFunc) (*Result, error) {
	ap, err := m.approvals.Consume(ctx, nonce, in.ChatID)
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrWrongChat):
		return &Result{Outcome: store.OutcomeBlocked, ReplyText: "That approval belongs to a different chat."}, nil
	case errors.Is(err, approval.ErrExpired):
		return &Result{Outcome: store.OutcomeBlocked, ReplyText: "That approval has expired."}, nil
	case errors.Is(err, approval.ErrAlreadyConsumed):
		return &Result{Outcome: store.OutcomeBlocked, ReplyText: "That approval was already used."}, nil
	case errors.Is(err, approval.ErrUnknownNonce):
		return &Result{Outcome: store.OutcomeBlocked, ReplyText: "Unknown approval code."}, nil
	default:
		return nil, err
	}

	in.MessageID = ap.Request.MessageID
	in.Body = ap.Request.Body
	in.MediaRef = ap.Request.MediaRef
	m.log.Info("approval redeemed",
		"request_id", requestID, "chat_id", in.ChatID, "tier", ap.Request.Tier)
	return m.dispatch(ctx, in, policy.Tier(ap.Request.Tier), policy.Classification(ap.Request.Classification), ap.Request.Confidence, emit)
}

// dispatch runs the agent turn for an allowed message. Dispatches for the
// same thread key serialize; each gets its own abort handle.
func (m *Mediator) dispatch(ctx context.Context, in Inbound, tier policy.Tier, cls policy.Classification, conf float64, emit EmitFunc) (*Result, error) {
	mu, _ := m.locks.LoadOrStore(in.ThreadKey, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.DispatchTimeout)
	handle := m.registerAbort(in.ChatID, cancel)
	defer m.clearAbort(in.ChatID, handle, cancel)

	req := &AgentRequest{
		Body:     in.Body,
		MediaRef: in.MediaRef,
		Tier:     tier,
		ToolCheck: func(toolName string, toolInput map[string]any) toolguard.Decision {
			if err := runCtx.Err(); err != nil {
				return toolguard.Decision{Allowed: false, Reason: "dispatch aborted"}
			}
			return m.guard.Check(toolguard.Request{
				ToolName:  toolName,
				ToolInput: toolInput,
				UserID:    in.SenderRef,
				Tier:      tier,
				Scope:     in.Scope,
				PoolKey:   in.PoolKey,
			})
		},
	}

	_, err := m.sessions.DispatchWithRecovery(runCtx, in.ThreadKey, in.PoolKey, func(ctx context.Context, sess *sessions.Session) (string, error) {
		sr := redact.NewStreamRedactor(m.det)
		runErr := m.runtime.Run(ctx, sess, req, func(chunk string) error {
			if out := sr.ProcessChunk(chunk); out != "" {
				return emit(out)
			}
			return nil
		})
		if tail := sr.Flush(); tail != "" {
			if emitErr := emit(tail); runErr == nil {
				runErr = emitErr
			}
		}
		return "", runErr
	})

	res := &Result{Classification: cls, Confidence: conf, Tier: tier}
	switch {
	case err == nil:
		res.Outcome = store.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		res.Outcome = store.OutcomeTimeout
		res.ReplyText = "The request timed out."
	case errors.Is(err, context.Canceled):
		res.Outcome = store.OutcomeError
		res.ReplyText = "The request was aborted."
	default:
		m.log.Error("agent dispatch failed",
			"request_id", trace.FromContext(ctx), "chat_id", in.ChatID, "thread_key", in.ThreadKey, "err", err)
		res.Outcome = store.OutcomeError
		res.ReplyText = "Something went wrong handling that request."
	}
	return res, nil
}

// Abort cancels every in-flight dispatch for a chat, if any. Used by the
// operator /stop command, session resets, and shutdown.
func (m *Mediator) Abort(chatID string) bool {
	m.abortMu.Lock()
	handles := m.aborts[chatID]
	cancels := make([]context.CancelFunc, 0, len(handles))
	for _, cancel := range handles {
		cancels = append(cancels, cancel)
	}
	m.abortMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels) > 0
}

func (m *Mediator) registerAbort(chatID string, cancel context.CancelFunc) string {
	handle := uuid.NewString()
	m.abortMu.Lock()
	if m.aborts[chatID] == nil {
		m.aborts[chatID] = map[string]context.CancelFunc{}
	}
	m.aborts[chatID][handle] = cancel
	m.abortMu.Unlock()
	return handle
}

// clearAbort removes only its own handle; concurrent dispatches in the same
// chat keep theirs.
func (m *Mediator) clearAbort(chatID, handle string, cancel context.CancelFunc) {
	m.abortMu.Lock()
	if handles := m.aborts[chatID]; handles != nil {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(m.aborts, chatID)
		}
	}
	m.abortMu.Unlock()
	cancel()
}

func (m *Mediator) audit(requestID, chatID string, res *Result, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.st.WriteAudit(ctx, store.AuditEntry{
		RequestID:      requestID,
		ChatID:         chatID,
		Classification: string(res.Classification),
		Confidence:     res.Confidence,
		Tier:           string(res.Tier),
		Outcome:        res.Outcome,
		DurationMS:     elapsed.Milliseconds(),
	})
	if err != nil {
		m.log.Error("audit write failed", "request_id", requestID, "err", err)
	}
}
