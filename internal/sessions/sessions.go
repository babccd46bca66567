// Package sessions maps conversations to agent runtime sessions.
//
// Sessions are keyed by (thread_key, pool_key). The pool key segregates
// conversations by purpose so that untrusted traffic never shares agent
// context with trusted turns.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no session exists for a key pair.
var ErrNotFound = errors.New("sessions: not found")

// contextOverflowPatterns match agent-runtime error strings that mean the
// conversation no longer fits the model context.
var contextOverflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context_length_exceeded`),
	regexp.MustCompile(`(?i)prompt is too long`),
	regexp.MustCompile(`(?i)prompt too long`),
	regexp.MustCompile(`(?i)maximum context length`),
	regexp.MustCompile(`(?i)context window.{0,40}exceeded`),
	regexp.MustCompile(`(?i)input length exceeds`),
}

// IsContextOverflow reports whether errText is a context-overflow failure.
func IsContextOverflow(errText string) bool {
	for _, re := range contextOverflowPatterns {
		if re.MatchString(errText) {
			return true
		}
	}
	return false
}

// Session is one conversation binding.
type Session struct {
	ThreadKey        string
	PoolKey          string
	SessionID        string
	SystemPromptSent bool
	UpdatedAtMS      int64
}

// Manager persists session bindings.
type Manager struct {
	db *sql.DB
}

// NewManager creates a Manager over db.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Get returns the session for (threadKey, poolKey), or ErrNotFound.
func (m *Manager) Get(ctx context.Context, threadKey, poolKey string) (*Session, error) {
	s := &Session{}
	var sent int
	err := m.db.QueryRowContext(ctx, `
		SELECT thread_key, pool_key, session_id, system_prompt_sent, updated_at_ms
		FROM sessions WHERE thread_key = ? AND pool_key = ?
	`, threadKey, poolKey).Scan(&s.ThreadKey, &s.PoolKey, &s.SessionID, &sent, &s.UpdatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: query: %w", err)
	}
	s.SystemPromptSent = sent != 0
	return s, nil
}

// GetOrCreate returns the existing session or mints a fresh one.
func (m *Manager) GetOrCreate(ctx context.Context, threadKey, poolKey string) (*Session, error) {
	s, err := m.Get(ctx, threadKey, poolKey)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	s = &Session{
		ThreadKey: threadKey,
		PoolKey:   poolKey,
		SessionID: uuid.NewString(),
	}
	if err := m.Upsert(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert writes s, stamping UpdatedAtMS.
func (m *Manager) Upsert(ctx context.Context, s *Session) error {
	s.UpdatedAtMS = time.Now().UnixMilli()
	sent := 0
	if s.SystemPromptSent {
		sent = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sessions (thread_key, pool_key, session_id, system_prompt_sent, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_key, pool_key) DO UPDATE SET
			session_id = excluded.session_id,
			system_prompt_sent = excluded.system_prompt_sent,
			updated_at_ms = excluded.updated_at_ms
	`, s.ThreadKey, s.PoolKey, s.SessionID, sent, s.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("sessions: upsert: %w", err)
	}
	return nil
}

// Reset drops the session binding; the next dispatch starts fresh.
func (m *Manager) Reset(ctx context.Context, threadKey, poolKey string) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE thread_key = ? AND pool_key = ?
	`, threadKey, poolKey)
	if err != nil {
		return fmt.Errorf("sessions: reset: %w", err)
	}
	return nil
}

// ListActive returns sessions touched within the given window, newest first.
func (m *Manager) ListActive(ctx context.Context, within time.Duration, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := time.Now().Add(-within).UnixMilli()
	rows, err := m.db.QueryContext(ctx, `
		SELECT thread_key, pool_key, session_id, system_prompt_sent, updated_at_ms
		FROM sessions WHERE updated_at_ms >= ?
		ORDER BY updated_at_ms DESC LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var sent int
		if err := rows.Scan(&s.ThreadKey, &s.PoolKey, &s.SessionID, &sent, &s.UpdatedAtMS); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		s.SystemPromptSent = sent != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// DispatchFunc runs one agent turn against a session and returns the agent's
// reply text.
type DispatchFunc func(ctx context.Context, s *Session) (string, error)

// DispatchWithRecovery runs fn, and on a context-overflow failure resets the
// session and retries exactly once with a fresh session id. Any second
// failure propagates.
func (m *Manager) DispatchWithRecovery(ctx context.Context, threadKey, poolKey string, fn DispatchFunc) (string, error) {
	s, err := m.GetOrCreate(ctx, threadKey, poolKey)
	if err != nil {
		return "", err
	}

	out, err := fn(ctx, s)
	if err == nil {
		return out, nil
	}
	if !IsContextOverflow(err.Error()) {
		return "", err
	}

	if rerr := m.Reset(ctx, threadKey, poolKey); rerr != nil {
		return "", fmt.Errorf("sessions: reset after overflow: %w", rerr)
	}
	fresh, err2 := m.GetOrCreate(ctx, threadKey, poolKey)
	if err2 != nil {
		return "", err2
	}
	return fn(ctx, fresh)
}
