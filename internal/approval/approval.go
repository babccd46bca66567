// Package approval persists one-shot authorization nonces.
//
// An approval binds a pending message to a pre-authorized tier. Consumption
// is linearizable: the status flip from pending to consumed happens in a
// single guarded UPDATE, so exactly one consumer wins. Consumed rows are
// retained for audit; the nonce is unusable afterwards.
package approval

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the approval lifetime when the caller passes zero.
const DefaultTTL = 5 * time.Minute

// Consumption failures.
var (
	ErrUnknownNonce    = errors.New("approval: unknown nonce")
	ErrWrongChat       = errors.New("approval: nonce belongs to a different chat")
	ErrExpired         = errors.New("approval: expired")
	ErrAlreadyConsumed = errors.New("approval: already consumed")
)

// Statuses retained in the approvals table.
const (
	StatusPending  = "pending"
	StatusConsumed = "consumed"
	StatusExpired  = "expired"
)

// Request is the pending message an approval authorizes.
type Request struct {
	RequestID      string
	ChatID         string
	Tier           string
	Body           string
	MediaRef       string
	Sender         string
	Recipient      string
	MessageID      string
	Classification string
	Confidence     float64
	Reason         string
}

// Approval is a stored approval row.
type Approval struct {
	Nonce string
	Request
	Status       string
	CreatedAtMS  int64
	ExpiresAtMS  int64
	ConsumedAtMS int64
}

// Store persists approvals over the shared kernel database.
type Store struct {
	db *sql.DB
}

// NewStore creates an approval Store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// generateNonce returns a cryptographically random 16-byte hex nonce.
func generateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("approval: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create persists a new pending approval and returns its nonce.
func (s *Store) Create(ctx context.Context, req Request, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	var mediaRef sql.NullString
	if req.MediaRef != "" {
		mediaRef = sql.NullString{String: req.MediaRef, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (nonce, request_id, chat_id, tier, body, media_ref,
			sender, recipient, message_id, classification, confidence, reason,
			status, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
	`, nonce, req.RequestID, req.ChatID, req.Tier, req.Body, mediaRef,
		req.Sender, req.Recipient, req.MessageID, req.Classification, req.Confidence, req.Reason,
		now, now+ttl.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("approval: insert: %w", err)
	}
	return nonce, nil
}

// Consume redeems nonce for chatID. Exactly one successful Consume can ever
// happen per nonce; every other call returns a distinct error. A wrong-chat
// attempt does not burn the nonce.
func (s *Store) Consume(ctx context.Context, nonce, chatID string) (*Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approval: begin: %w", err)
	}
	defer tx.Rollback()

	a, err := scanApproval(tx.QueryRowContext(ctx, `
		SELECT nonce, request_id, chat_id, tier, body, media_ref,
			sender, recipient, message_id, classification, confidence, reason,
			status, created_at_ms, expires_at_ms, consumed_at_ms
		FROM approvals WHERE nonce = ?
	`, nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownNonce
	}
	if err != nil {
		return nil, fmt.Errorf("approval: query: %w", err)
	}

	if a.Status == StatusConsumed {
		return nil, ErrAlreadyConsumed
	}
	if a.ChatID != chatID {
		// Leave the row untouched: the rightful chat can still consume it.
		return nil, ErrWrongChat
	}

	now := time.Now().UnixMilli()
	if a.Status == StatusExpired || now > a.ExpiresAtMS {
		_, _ = tx.ExecContext(ctx, `
			UPDATE approvals SET status = 'expired' WHERE nonce = ? AND status = 'pending'
		`, nonce)
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("approval: commit expiry: %w", err)
		}
		return nil, ErrExpired
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE approvals SET status = 'consumed', consumed_at_ms = ?
		WHERE nonce = ? AND status = 'pending'
	`, now, nonce)
	if err != nil {
		return nil, fmt.Errorf("approval: consume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyConsumed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approval: commit: %w", err)
	}

	a.Status = StatusConsumed
	a.ConsumedAtMS = now
	return a, nil
}

// FindPendingByChat returns the newest pending approval for chatID, or nil.
// The mediator uses this to match a bare "approve" reply to its nonce.
func (s *Store) FindPendingByChat(ctx context.Context, chatID string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx, `
		SELECT nonce, request_id, chat_id, tier, body, media_ref,
			sender, recipient, message_id, classification, confidence, reason,
			status, created_at_ms, expires_at_ms, consumed_at_ms
		FROM approvals
		WHERE chat_id = ? AND status = 'pending' AND expires_at_ms > ?
		ORDER BY created_at_ms DESC LIMIT 1
	`, chatID, time.Now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: query pending: %w", err)
	}
	return a, nil
}

// ExpireStale marks pending approvals past their deadline as expired.
// Returns the number of rows flipped.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'expired'
		WHERE status = 'pending' AND expires_at_ms < ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("approval: expire stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneConsumed deletes consumed and expired audit rows older than keep.
func (s *Store) PruneConsumed(ctx context.Context, keep time.Duration) error {
	cutoff := time.Now().Add(-keep).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM approvals WHERE status != 'pending' AND created_at_ms < ?
	`, cutoff)
	if err != nil {
		return fmt.Errorf("approval: prune: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	a := &Approval{}
	var mediaRef sql.NullString
	var consumedAt sql.NullInt64
	err := row.Scan(
		&a.Nonce, &a.RequestID, &a.ChatID, &a.Tier, &a.Body, &mediaRef,
		&a.Sender, &a.Recipient, &a.MessageID, &a.Classification, &a.Confidence, &a.Reason,
		&a.Status, &a.CreatedAtMS, &a.ExpiresAtMS, &consumedAt,
	)
	if err != nil {
		return nil, err
	}
	if mediaRef.Valid {
		a.MediaRef = mediaRef.String
	}
	if consumedAt.Valid {
		a.ConsumedAtMS = consumedAt.Int64
	}
	return a, nil
}
