// Package memory stores the agent's long-lived notes with trust tracking.
//
// Every entry carries the source zone that produced it and a trust level
// assigned from that zone. Quarantined entries are never surfaced to the
// public persona; promotion to trusted is an explicit operator action.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/telclaude/telclaude/internal/rpcauth"
)

// Categories.
const (
	CategoryProfile   = "profile"
	CategoryInterests = "interests"
	CategoryMeta      = "meta"
	CategoryThreads   = "threads"
	CategoryPosts     = "posts"
)

// Trust levels.
const (
	TrustTrusted     = "trusted"
	TrustUntrusted   = "untrusted"
	TrustQuarantined = "quarantined"
)

// ErrNotFound is returned for an unknown entry id.
var ErrNotFound = errors.New("memory: entry not found")

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryProfile, CategoryInterests, CategoryMeta, CategoryThreads, CategoryPosts:
		return true
	}
	return false
}

// TrustForScope maps the authenticated origin zone to the trust level its
// proposals receive. The quarantine zone can only produce quarantined
// entries no matter what it claims.
func TrustForScope(scope rpcauth.Scope) string {
	switch scope {
	case rpcauth.ScopeTelegram, rpcauth.ScopeAgent:
		return TrustTrusted
	case rpcauth.ScopeMoltbook:
		return TrustQuarantined
	default:
		return TrustUntrusted
	}
}

// Entry is one stored note.
type Entry struct {
	ID           string
	Category     string
	Content      string
	Source       string
	Trust        string
	PromotedAtMS int64
	PostedAtMS   int64
	UpdatedAtMS  int64
}

// Store persists memory entries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Propose writes a new entry with the trust level of its origin scope.
func (s *Store) Propose(ctx context.Context, category, content string, scope rpcauth.Scope) (*Entry, error) {
	if !ValidCategory(category) {
		return nil, fmt.Errorf("memory: unknown category %q", category)
	}
	e := &Entry{
		ID:          uuid.NewString(),
		Category:    category,
		Content:     content,
		Source:      string(scope),
		Trust:       TrustForScope(scope),
		UpdatedAtMS: time.Now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (id, category, content, source, trust, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Category, e.Content, e.Source, e.Trust, e.UpdatedAtMS)
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}
	return e, nil
}

// Quarantine demotes an entry. Used when content is discovered to be
// injection-tainted after the fact.
func (s *Store) Quarantine(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET trust = ?, updated_at_ms = ? WHERE id = ?
	`, TrustQuarantined, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("memory: quarantine: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Promote marks an entry trusted. Operator-only.
func (s *Store) Promote(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET trust = ?, promoted_at_ms = ?, updated_at_ms = ? WHERE id = ?
	`, TrustTrusted, now, now, id)
	if err != nil {
		return fmt.Errorf("memory: promote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, entrySelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Snapshot returns entries for a category. When publicPersona is true,
// quarantined entries are excluded; this is the only read path social and
// quarantine zones get.
func (s *Store) Snapshot(ctx context.Context, category string, publicPersona bool) ([]Entry, error) {
	query := entrySelect + ` WHERE category = ?`
	args := []any{category}
	if publicPersona {
		query += ` AND trust != ?`
		args = append(args, TrustQuarantined)
	}
	query += ` ORDER BY updated_at_ms DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: snapshot: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

const entrySelect = `
	SELECT id, category, content, source, trust, promoted_at_ms, posted_at_ms, updated_at_ms
	FROM memory_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var promoted, posted sql.NullInt64
	err := row.Scan(&e.ID, &e.Category, &e.Content, &e.Source, &e.Trust, &promoted, &posted, &e.UpdatedAtMS)
	if err != nil {
		return nil, err
	}
	if promoted.Valid {
		e.PromotedAtMS = promoted.Int64
	}
	if posted.Valid {
		e.PostedAtMS = posted.Int64
	}
	return e, nil
}
