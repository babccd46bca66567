package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/telclaude/telclaude/internal/memory"
	"github.com/telclaude/telclaude/internal/rpcauth"
)

// decode unmarshals the already-read body into dst.
func decode(body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed request body")
	}
	return nil
}

// validateMediaPath resolves p and confirms it lies under a configured media
// root with no symlink indirection.
func (s *Server) validateMediaPath(p string) (string, error) {
	if len(p) > s.cfg.PathLimit {
		return "", fmt.Errorf("path too long")
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("path must be absolute")
	}
	clean := filepath.Clean(p)
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", fmt.Errorf("path does not exist")
	}
	if resolved != clean {
		return "", fmt.Errorf("symlinked paths are not allowed")
	}
	for _, root := range s.cfg.MediaRoots {
		rootClean := filepath.Clean(root)
		if resolved == rootClean || strings.HasPrefix(resolved, rootClean+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path outside media roots")
}

func (s *Server) handleImageGenerate(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.Prompt) > s.cfg.PromptLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt exceeds %d characters", s.cfg.PromptLimit))
		return
	}

	mediaRef, err := s.provider.GenerateImage(r.Context(), req.Prompt)
	if err != nil {
		s.log.Error("image generation failed", "err", err)
		writeError(w, http.StatusBadGateway, "image generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mediaRef": mediaRef})
}

func (s *Server) handleTTSSpeak(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if len(req.Text) > s.cfg.TTSLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("text exceeds %d characters", s.cfg.TTSLimit))
		return
	}

	mediaRef, err := s.provider.Speak(r.Context(), req.Text)
	if err != nil {
		s.log.Error("tts failed", "err", err)
		writeError(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mediaRef": mediaRef})
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		MediaPath string `json:"mediaPath"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MediaPath == "" {
		writeError(w, http.StatusBadRequest, "mediaPath is required")
		return
	}
	resolved, err := s.validateMediaPath(req.MediaPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, err := s.provider.Transcribe(r.Context(), resolved)
	if err != nil {
		s.log.Error("transcription failed", "err", err)
		writeError(w, http.StatusBadGateway, "transcription failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleFetchAttachment(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be absolute http or https")
		return
	}

	dest := filepath.Join(s.layout.MediaInbox(), uuid.NewString())
	n, err := fetchToFile(r.Context(), s.fetcher, req.URL, dest, MaxFetchBytes)
	if err != nil {
		s.log.Warn("attachment fetch failed", "host", u.Host, "err", err)
		writeError(w, http.StatusBadGateway, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dest, "bytes": n})
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		URL string `json:"url"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	summary, err := s.provider.Summarize(r.Context(), req.URL)
	if err != nil {
		s.log.Error("summarize failed", "err", err)
		writeError(w, http.StatusBadGateway, "summarize failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleMemorySnapshot(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		Category string `json:"category"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !memory.ValidCategory(req.Category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}

	// Only fully trusted zones see quarantined entries.
	publicPersona := memory.TrustForScope(ar.scope) != memory.TrustTrusted
	entries, err := s.mem.Snapshot(r.Context(), req.Category, publicPersona)
	if err != nil {
		s.log.Error("memory snapshot failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type entryOut struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Trust   string `json:"trust"`
	}
	out := make([]entryOut, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryOut{ID: e.ID, Content: e.Content, Trust: e.Trust})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleMemoryPropose(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		Category string `json:"category"`
		Content  string `json:"content"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	e, err := s.mem.Propose(r.Context(), req.Category, req.Content, ar.scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": e.ID, "trust": e.Trust})
}

func (s *Server) handleMemoryQuarantine(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	// The quarantine zone may not launder its own trust level by
	// quarantining and re-proposing entries.
	if ar.scope == rpcauth.ScopeMoltbook {
		writeError(w, http.StatusForbidden, "quarantine is not available from this scope")
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.mem.Quarantine(r.Context(), req.ID); err != nil {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "quarantined"})
}

func (s *Server) handleOAuthProxy(w http.ResponseWriter, r *http.Request, ar *authedRequest) {
	var req struct {
		ProviderID string `json:"providerId"`
		Path       string `json:"path"`
	}
	if err := decode(ar.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	base, ok := s.cfg.OAuthProviders[req.ProviderID]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown provider id")
		return
	}
	if strings.Contains(req.Path, "..") || !strings.HasPrefix(req.Path, "/") {
		writeError(w, http.StatusBadRequest, "invalid provider path")
		return
	}

	token, err := s.vault.Token(r.Context(), req.ProviderID)
	if err != nil {
		s.log.Error("vault token fetch failed", "provider", req.ProviderID, "err", err)
		writeError(w, http.StatusBadGateway, "provider token unavailable")
		return
	}

	target := strings.TrimSuffix(base, "/") + req.Path
	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid provider url")
		return
	}
	outReq.Header.Set("Authorization", "Bearer "+token)

	dest := filepath.Join(s.layout.MediaInbox(), uuid.NewString())
	resp, err := s.fetcher.Do(outReq)
	if err != nil {
		s.log.Warn("oauth proxy fetch failed", "provider", req.ProviderID, "err", err)
		writeError(w, http.StatusBadGateway, "provider fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("provider returned status %d", resp.StatusCode))
		return
	}

	n, err := streamToFile(resp.Body, dest, MaxFetchBytes)
	if err != nil {
		s.log.Warn("oauth proxy download failed", "provider", req.ProviderID, "err", err)
		writeError(w, http.StatusBadGateway, "download failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": dest, "bytes": n})
}
