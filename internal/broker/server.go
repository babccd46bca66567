// Package broker exposes paid capabilities to the agent over internal HTTP.
//
// The broker is the only component that talks to external provider APIs; the
// agent process talks only to the broker. Every endpoint enforces, in order:
// method and content type, body size, a global in-flight cap, signed-header
// authentication, and per-user rate limits. Outbound fetches made on the
// agent's behalf go through the fetch guard (DNS pinning, private-address
// rejection, streamed size caps).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/telclaude/telclaude/common/trace"
	"github.com/telclaude/telclaude/internal/memory"
	"github.com/telclaude/telclaude/internal/ratelimit"
	"github.com/telclaude/telclaude/internal/rpcauth"
	"github.com/telclaude/telclaude/internal/store"
)

// Request limits.
const (
	DefaultBodyLimit   = 256 << 10
	DefaultMaxInFlight = 4
	DefaultPromptLimit = 8000
	DefaultTTSLimit    = 4000
	DefaultPathLimit   = 4096
)

// CapabilityProvider performs the actual paid API calls. Implementations are
// opaque to the kernel; the broker only brokers.
type CapabilityProvider interface {
	GenerateImage(ctx context.Context, prompt string) (mediaRef string, err error)
	Speak(ctx context.Context, text string) (mediaRef string, err error)
	Transcribe(ctx context.Context, mediaPath string) (text string, err error)
	Summarize(ctx context.Context, url string) (summary string, err error)
}

// Config tunes the broker server.
type Config struct {
	// Addr is the listen address. Loopback in native mode; all interfaces
	// only inside a container.
	Addr string
	// ContainerMode permits a non-loopback Addr.
	ContainerMode bool

	BodyLimit   int64
	MaxInFlight int64
	PromptLimit int
	TTSLimit    int
	PathLimit   int

	// MediaRoots are the only directories path-accepting endpoints may
	// touch.
	MediaRoots []string

	// OAuthProviders maps provider ids to their base URLs for the proxy
	// endpoint.
	OAuthProviders map[string]string
}

func (c *Config) fillDefaults() {
	if c.BodyLimit <= 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.PromptLimit <= 0 {
		c.PromptLimit = DefaultPromptLimit
	}
	if c.TTSLimit <= 0 {
		c.TTSLimit = DefaultTTSLimit
	}
	if c.PathLimit <= 0 {
		c.PathLimit = DefaultPathLimit
	}
}

// Server is the capability broker.
type Server struct {
	cfg      Config
	layout   store.Layout
	verifier *rpcauth.Verifier
	limiter  *ratelimit.Limiter
	provider CapabilityProvider
	mem      *memory.Store
	vault    VaultClient
	fetcher  *http.Client
	inflight *semaphore.Weighted
	smoother *rate.Limiter
	log      *slog.Logger
	server   *http.Server
}

// New assembles the broker server.
func New(cfg Config, layout store.Layout, verifier *rpcauth.Verifier, limiter *ratelimit.Limiter,
	provider CapabilityProvider, mem *memory.Store, vault VaultClient, log *slog.Logger) (*Server, error) {

	cfg.fillDefaults()
	if !cfg.ContainerMode {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("broker: listen address %q: %w", cfg.Addr, err)
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return nil, fmt.Errorf("broker: native mode requires a loopback listen address, got %q", cfg.Addr)
		}
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		layout:   layout,
		verifier: verifier,
		limiter:  limiter,
		provider: provider,
		mem:      mem,
		vault:    vault,
		fetcher:  NewGuardedClient(60 * time.Second),
		inflight: semaphore.NewWeighted(cfg.MaxInFlight),
		// Smooths request bursts ahead of the hard in-flight cap so a
		// burst degrades into queueing rather than a 429 storm.
		smoother: rate.NewLimiter(rate.Limit(2*cfg.MaxInFlight), int(2*cfg.MaxInFlight)),
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/v1/image-generate", s.endpoint(s.handleImageGenerate))
	mux.Handle("/v1/tts-speak", s.endpoint(s.handleTTSSpeak))
	mux.Handle("/v1/transcribe", s.endpoint(s.handleTranscribe))
	mux.Handle("/v1/fetch-attachment", s.endpoint(s.handleFetchAttachment))
	mux.Handle("/v1/summarize", s.endpoint(s.handleSummarize))
	mux.Handle("/v1/memory/snapshot", s.endpoint(s.handleMemorySnapshot))
	mux.Handle("/v1/memory/propose", s.endpoint(s.handleMemoryPropose))
	mux.Handle("/v1/memory/quarantine", s.endpoint(s.handleMemoryQuarantine))
	mux.Handle("/v1/oauth/proxy", s.endpoint(s.handleOAuthProxy))

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s, nil
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("broker listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("broker server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// authedRequest is what the middleware hands to endpoint handlers.
type authedRequest struct {
	scope  rpcauth.Scope
	body   []byte
	userID string
}

type endpointFunc func(w http.ResponseWriter, r *http.Request, ar *authedRequest)

// endpoint wraps a handler with the shared request discipline: POST only,
// JSON only, bounded body, global concurrency cap, signed-header auth and
// per-user rate limiting.
func (s *Server) endpoint(fn endpointFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Callers may carry their own correlation id across the process
		// boundary; otherwise each request gets a fresh one.
		reqID := r.Header.Get("X-Telclaude-Request-Id")
		if reqID == "" {
			reqID = trace.GenerateID()
		}
		r = r.WithContext(trace.WithTraceID(r.Context(), reqID))

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.BodyLimit+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if int64(len(body)) > s.cfg.BodyLimit {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		if err := s.smoother.Wait(r.Context()); err != nil {
			writeError(w, http.StatusTooManyRequests, "server busy")
			return
		}
		if !s.inflight.TryAcquire(1) {
			writeError(w, http.StatusTooManyRequests, "too many requests in flight")
			return
		}
		defer s.inflight.Release(1)

		scope, err := s.verifier.VerifyRequest(r, body)
		if err != nil {
			s.log.Warn("broker auth failure", "path", r.URL.Path, "request_id", reqID, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		userID := userIDFromBody(body)
		if userID == "" {
			// Stable synthetic id per scope keeps unattributed calls from
			// sharing one global bucket.
			userID = "scope:" + string(scope)
		}
		d, err := s.limiter.Consume(r.Context(), ratelimit.TypeChatPerUser, userID)
		if err != nil {
			s.log.Error("rate limit check failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !d.Allowed {
			writeError(w, http.StatusTooManyRequests, d.Reason)
			return
		}

		fn(w, r, &authedRequest{scope: scope, body: body, userID: userID})
	})
}

// userIDFromBody extracts the userId field without committing to a request
// shape.
func userIDFromBody(body []byte) string {
	var probe struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.UserID
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
