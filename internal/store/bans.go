package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Ban is a blocked chat. Banned chats are dropped by the mediator before any
// policy evaluation runs.
type Ban struct {
	ChatID     string
	Reason     string
	BannedAtMS int64
}

// BanChat adds or updates a ban for chatID.
func (s *Store) BanChat(ctx context.Context, chatID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (chat_id, reason, banned_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			reason = excluded.reason,
			banned_at_ms = excluded.banned_at_ms
	`, chatID, reason, NowMS())
	if err != nil {
		return fmt.Errorf("ban chat: %w", err)
	}
	return nil
}

// UnbanChat removes a ban. Returns true when a row was removed.
func (s *Store) UnbanChat(ctx context.Context, chatID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, fmt.Errorf("unban chat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsBanned reports whether chatID is banned.
func (s *Store) IsBanned(ctx context.Context, chatID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ban: %w", err)
	}
	return true, nil
}

// ListBans returns every ban, most recent first.
func (s *Store) ListBans(ctx context.Context) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, reason, banned_at_ms FROM bans ORDER BY banned_at_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		b := &Ban{}
		if err := rows.Scan(&b.ChatID, &b.Reason, &b.BannedAtMS); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}
