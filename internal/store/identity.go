package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AdminUserID is the local user id whose identity link always resolves to the
// maximum permission tier.
const AdminUserID = "admin"

// LinkCodeTTL is how long a minted link code stays redeemable.
const LinkCodeTTL = 10 * time.Minute

var (
	// ErrNoLink is returned when a chat has no identity link.
	ErrNoLink = errors.New("store: chat has no identity link")
	// ErrLinkCodeInvalid is returned when a link code is unknown, already
	// consumed, or expired. Callers must not distinguish the three cases to
	// avoid leaking which codes exist.
	ErrLinkCodeInvalid = errors.New("store: link code invalid or expired")
)

// IdentityLink maps an external chat id to a local user.
type IdentityLink struct {
	ChatID      string
	LocalUserID string
	LinkedAtMS  int64
	LinkedBy    string
}

// GetLink returns the identity link for chatID, or ErrNoLink.
func (s *Store) GetLink(ctx context.Context, chatID string) (*IdentityLink, error) {
	l := &IdentityLink{}
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, local_user_id, linked_at_ms, linked_by
		FROM identity_links WHERE chat_id = ?
	`, chatID).Scan(&l.ChatID, &l.LocalUserID, &l.LinkedAtMS, &l.LinkedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLink
	}
	if err != nil {
		return nil, fmt.Errorf("query identity link: %w", err)
	}
	return l, nil
}

// PutLink creates or replaces the identity link for a chat. A chat has at
// most one link; re-linking replaces the previous row.
func (s *Store) PutLink(ctx context.Context, chatID, localUserID, linkedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_links (chat_id, local_user_id, linked_at_ms, linked_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			local_user_id = excluded.local_user_id,
			linked_at_ms = excluded.linked_at_ms,
			linked_by = excluded.linked_by
	`, chatID, localUserID, NowMS(), linkedBy)
	if err != nil {
		return fmt.Errorf("upsert identity link: %w", err)
	}
	return nil
}

// DeleteLink removes the identity link for a chat, if any.
func (s *Store) DeleteLink(ctx context.Context, chatID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_links WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete identity link: %w", err)
	}
	return nil
}

// NewLinkCode mints a one-shot XXXX-XXXX code bound to localUserID.
func (s *Store) NewLinkCode(ctx context.Context, localUserID string) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate link code: %w", err)
	}
	raw := strings.ToUpper(hex.EncodeToString(buf))
	code := raw[:4] + "-" + raw[4:]

	now := NowMS()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO link_codes (code, local_user_id, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?)
	`, code, localUserID, now, now+LinkCodeTTL.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("insert link code: %w", err)
	}
	return code, nil
}

// ConsumeLinkCode atomically redeems a link code for chatID: the code row is
// deleted and the identity link written in one transaction. A second redeem
// of the same code fails with ErrLinkCodeInvalid.
func (s *Store) ConsumeLinkCode(ctx context.Context, code, chatID string) (*IdentityLink, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin link-code tx: %w", err)
	}
	defer tx.Rollback()

	var localUserID string
	var expiresAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT local_user_id, expires_at_ms FROM link_codes WHERE code = ?
	`, code).Scan(&localUserID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("query link code: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM link_codes WHERE code = ?`, code)
	if err != nil {
		return nil, fmt.Errorf("consume link code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrLinkCodeInvalid
	}

	if NowMS() > expiresAt {
		// Consume-then-reject: the expired code is gone either way.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit expired link code: %w", err)
		}
		return nil, ErrLinkCodeInvalid
	}

	now := NowMS()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO identity_links (chat_id, local_user_id, linked_at_ms, linked_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			local_user_id = excluded.local_user_id,
			linked_at_ms = excluded.linked_at_ms,
			linked_by = excluded.linked_by
	`, chatID, localUserID, now, "link-code")
	if err != nil {
		return nil, fmt.Errorf("write identity link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit link code: %w", err)
	}

	return &IdentityLink{
		ChatID:      chatID,
		LocalUserID: localUserID,
		LinkedAtMS:  now,
		LinkedBy:    "link-code",
	}, nil
}

// PruneLinkCodes deletes expired link codes.
func (s *Store) PruneLinkCodes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM link_codes WHERE expires_at_ms < ?`, NowMS()); err != nil {
		return fmt.Errorf("prune link codes: %w", err)
	}
	return nil
}
