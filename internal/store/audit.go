package store

import (
	"context"
	"fmt"
)

// AuditEntry records the outcome of one mediated request.
type AuditEntry struct {
	ID             int64
	RequestID      string
	ChatID         string
	Classification string
	Confidence     float64
	Tier           string
	Outcome        string
	DurationMS     int64
	CreatedAtMS    int64
}

// Audit outcomes written by the mediator.
const (
	OutcomeSuccess     = "success"
	OutcomeBlocked     = "blocked"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
)

// WriteAudit persists one audit entry.
func (s *Store) WriteAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (request_id, chat_id, classification, confidence, tier, outcome, duration_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RequestID, e.ChatID, e.Classification, e.Confidence, e.Tier, e.Outcome, e.DurationMS, NowMS())
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog retrieves recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, chat_id, classification, confidence, tier, outcome, duration_ms, created_at_ms
		FROM audit_log
		ORDER BY created_at_ms DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.ChatID, &e.Classification, &e.Confidence,
			&e.Tier, &e.Outcome, &e.DurationMS, &e.CreatedAtMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
