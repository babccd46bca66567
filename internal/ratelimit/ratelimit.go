// Package ratelimit enforces per-category quotas over the kernel store.
//
// Buckets are keyed by (limiter_type, key) and reset on fixed windows. The
// limiter is always consulted on the accepting side of a cross-zone RPC;
// a caller-side check is a courtesy, never trusted.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known limiter types. Capability quotas use CapabilityType to build a
// per-capability type string.
const (
	TypeChatGlobal    = "chat_global"
	TypeChatPerUser   = "chat_per_user"
	TypeProactivePost = "proactive_post"
)

// CapabilityType returns the limiter type for a capability and window.
// window must be "hour" or "day".
func CapabilityType(capability, window string) string {
	return "capability:" + capability + ":" + window
}

// Quota is the allowance for one limiter type.
type Quota struct {
	Points int
	Window time.Duration
}

// Decision is the outcome of a Check or Consume.
type Decision struct {
	Allowed   bool
	Remaining int
	// Reason is a short denial explanation, empty when allowed.
	Reason string
}

// Limiter evaluates quotas against the rate_buckets table.
type Limiter struct {
	db     *sql.DB
	quotas map[string]Quota
}

// New creates a Limiter with the default quota set. Callers override or add
// quotas with SetQuota before first use; SetQuota is not safe to call
// concurrently with Check/Consume.
func New(db *sql.DB) *Limiter {
	return &Limiter{
		db: db,
		quotas: map[string]Quota{
			TypeChatGlobal:    {Points: 120, Window: time.Hour},
			TypeChatPerUser:   {Points: 30, Window: time.Hour},
			TypeProactivePost: {Points: 4, Window: 24 * time.Hour},
		},
	}
}

// SetQuota registers or replaces the quota for limiterType.
func (l *Limiter) SetQuota(limiterType string, q Quota) {
	l.quotas[limiterType] = q
}

// SetCapabilityQuota registers hourly and daily quotas for a capability.
// Zero disables the corresponding window.
func (l *Limiter) SetCapabilityQuota(capability string, hourly, daily int) {
	if hourly > 0 {
		l.quotas[CapabilityType(capability, "hour")] = Quota{Points: hourly, Window: time.Hour}
	}
	if daily > 0 {
		l.quotas[CapabilityType(capability, "day")] = Quota{Points: daily, Window: 24 * time.Hour}
	}
}

// Check reports whether one more point would be allowed, without deducting.
func (l *Limiter) Check(ctx context.Context, limiterType, key string) (*Decision, error) {
	return l.evaluate(ctx, limiterType, key, false)
}

// Consume deducts one point when allowed. On denial, nothing is deducted.
func (l *Limiter) Consume(ctx context.Context, limiterType, key string) (*Decision, error) {
	return l.evaluate(ctx, limiterType, key, true)
}

// ConsumeCapability checks and deducts both the hourly and the daily window
// for capability/key. The hourly window is deducted only when both allow, so
// a daily denial does not burn hourly budget.
func (l *Limiter) ConsumeCapability(ctx context.Context, capability, key string) (*Decision, error) {
	hour := CapabilityType(capability, "hour")
	day := CapabilityType(capability, "day")

	if d, err := l.Check(ctx, hour, key); err != nil {
		return nil, err
	} else if !d.Allowed {
		return d, nil
	}
	if d, err := l.Consume(ctx, day, key); err != nil {
		return nil, err
	} else if !d.Allowed {
		return d, nil
	}
	return l.Consume(ctx, hour, key)
}

// evaluate refreshes the bucket window and applies the quota.
func (l *Limiter) evaluate(ctx context.Context, limiterType, key string, deduct bool) (*Decision, error) {
	quota, ok := l.quotas[limiterType]
	if !ok || quota.Points <= 0 {
		// Unconfigured limiter types are unlimited; the caller opted out.
		return &Decision{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now().UnixMilli()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer tx.Rollback()

	var windowStart, points int64
	err = tx.QueryRowContext(ctx, `
		SELECT window_start_ms, points FROM rate_buckets
		WHERE limiter_type = ? AND key = ?
	`, limiterType, key).Scan(&windowStart, &points)
	if errors.Is(err, sql.ErrNoRows) {
		windowStart, points = now, 0
	} else if err != nil {
		return nil, fmt.Errorf("ratelimit: query bucket: %w", err)
	}

	if now-windowStart >= quota.Window.Milliseconds() {
		windowStart, points = now, 0
	}

	if points >= int64(quota.Points) {
		retryIn := time.Duration(windowStart+quota.Window.Milliseconds()-now) * time.Millisecond
		return &Decision{
			Allowed: false,
			Reason: fmt.Sprintf("rate limit exceeded for %s (%d per %s); retry in %s",
				limiterType, quota.Points, quota.Window, retryIn.Round(time.Second)),
		}, tx.Commit()
	}

	if deduct {
		points++
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_buckets (limiter_type, key, window_start_ms, points)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(limiter_type, key) DO UPDATE SET
				window_start_ms = excluded.window_start_ms,
				points = excluded.points
		`, limiterType, key, windowStart, points)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: update bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ratelimit: commit: %w", err)
	}
	return &Decision{Allowed: true, Remaining: quota.Points - int(points)}, nil
}

// Prune removes buckets whose window expired more than a day ago.
func (l *Limiter) Prune(ctx context.Context) error {
	cutoff := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM rate_buckets WHERE window_start_ms < ?`, cutoff); err != nil {
		return fmt.Errorf("ratelimit: prune: %w", err)
	}
	return nil
}
