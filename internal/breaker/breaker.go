// Package breaker implements a three-state circuit breaker whose state lives
// in the kernel store, so every process sharing the database observes the
// same open/closed decision.
//
// Transitions:
//
//	closed    → open      when failure_count reaches FailureThreshold
//	open      → half_open when the reset timeout has elapsed
//	half_open → closed    after SuccessThreshold consecutive successes
//	half_open → open      on any failure (timeout re-armed)
package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open circuit. Defaults to 2.
	SuccessThreshold int
	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open trial. Defaults to 60s.
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// Breaker is a named circuit backed by the circuit_states table.
type Breaker struct {
	db   *sql.DB
	name string
	cfg  Config
}

// New returns a breaker for name over db.
func New(db *sql.DB, name string, cfg Config) *Breaker {
	return &Breaker{db: db, name: name, cfg: cfg.withDefaults()}
}

// row mirrors one circuit_states record.
type row struct {
	state         State
	failureCount  int
	successCount  int
	lastFailureAt int64
	nextAttemptAt int64
}

// CanExecute reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed transitions to half_open and allows one trial.
func (b *Breaker) CanExecute(ctx context.Context) (bool, error) {
	now := time.Now().UnixMilli()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("breaker %s: begin: %w", b.name, err)
	}
	defer tx.Rollback()

	r, err := b.load(ctx, tx)
	if err != nil {
		return false, err
	}

	switch r.state {
	case StateClosed, StateHalfOpen:
		return true, tx.Commit()
	case StateOpen:
		if now < r.nextAttemptAt {
			return false, tx.Commit()
		}
		r.state = StateHalfOpen
		r.successCount = 0
		if err := b.save(ctx, tx, r); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("breaker %s: commit: %w", b.name, err)
		}
		slog.Info("breaker: half-open trial allowed", "name", b.name)
		return true, nil
	default:
		return false, fmt.Errorf("breaker %s: unknown state %q", b.name, r.state)
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	return b.update(ctx, func(r *row) {
		switch r.state {
		case StateHalfOpen:
			r.successCount++
			if r.successCount >= b.cfg.SuccessThreshold {
				slog.Info("breaker: circuit closed", "name", b.name)
				r.state = StateClosed
				r.failureCount = 0
				r.successCount = 0
			}
		case StateClosed:
			r.failureCount = 0
		}
	})
}

// RecordFailure notes a failed call. Overlong timeouts count as failures on
// the caller's side.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	now := time.Now().UnixMilli()
	return b.update(ctx, func(r *row) {
		r.lastFailureAt = now
		switch r.state {
		case StateHalfOpen:
			// Any failure during the trial re-opens immediately.
			r.state = StateOpen
			r.successCount = 0
			r.nextAttemptAt = now + b.cfg.ResetTimeout.Milliseconds()
			slog.Warn("breaker: half-open trial failed, circuit re-opened", "name", b.name)
		case StateClosed:
			r.failureCount++
			if r.failureCount >= b.cfg.FailureThreshold {
				r.state = StateOpen
				r.nextAttemptAt = now + b.cfg.ResetTimeout.Milliseconds()
				slog.Warn("breaker: circuit opened",
					"name", b.name, "failures", r.failureCount)
			}
		case StateOpen:
			r.nextAttemptAt = now + b.cfg.ResetTimeout.Milliseconds()
		}
	})
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.update(ctx, func(r *row) {
		r.state = StateClosed
		r.failureCount = 0
		r.successCount = 0
		r.nextAttemptAt = 0
	})
}

// State returns the current persisted state.
func (b *Breaker) State(ctx context.Context) (State, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("breaker %s: begin: %w", b.name, err)
	}
	defer tx.Rollback()
	r, err := b.load(ctx, tx)
	if err != nil {
		return "", err
	}
	return r.state, tx.Commit()
}

// update runs fn over the loaded row inside one transaction and persists the
// result.
func (b *Breaker) update(ctx context.Context, fn func(*row)) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("breaker %s: begin: %w", b.name, err)
	}
	defer tx.Rollback()

	r, err := b.load(ctx, tx)
	if err != nil {
		return err
	}
	fn(r)
	if err := b.save(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("breaker %s: commit: %w", b.name, err)
	}
	return nil
}

func (b *Breaker) load(ctx context.Context, tx *sql.Tx) (*row, error) {
	r := &row{state: StateClosed}
	var state string
	err := tx.QueryRowContext(ctx, `
		SELECT state, failure_count, success_count, last_failure_at_ms, next_attempt_at_ms
		FROM circuit_states WHERE name = ?
	`, b.name).Scan(&state, &r.failureCount, &r.successCount, &r.lastFailureAt, &r.nextAttemptAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("breaker %s: load: %w", b.name, err)
	}
	r.state = State(state)
	return r, nil
}

func (b *Breaker) save(ctx context.Context, tx *sql.Tx, r *row) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_states (name, state, failure_count, success_count, last_failure_at_ms, next_attempt_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			success_count = excluded.success_count,
			last_failure_at_ms = excluded.last_failure_at_ms,
			next_attempt_at_ms = excluded.next_attempt_at_ms
	`, b.name, string(r.state), r.failureCount, r.successCount, r.lastFailureAt, r.nextAttemptAt)
	if err != nil {
		return fmt.Errorf("breaker %s: save: %w", b.name, err)
	}
	return nil
}
