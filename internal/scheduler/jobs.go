package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Job actions.
const (
	ActionPrivateHeartbeat = "private-heartbeat"
	ActionSocialHeartbeat  = "social-heartbeat"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrJobRunning is returned when a manual run races an active claim.
	ErrJobRunning = errors.New("scheduler: job is currently running")
)

// Job is one durable scheduled job.
type Job struct {
	ID               string
	Name             string
	Enabled          bool
	ScheduleKind     string
	ScheduleExpr     string
	Action           string
	ActionService    string
	NextRunAtMS      int64
	Running          bool
	LeaseExpiresAtMS int64
	CreatedAtMS      int64
	UpdatedAtMS      int64
}

// Run is one history row.
type Run struct {
	ID           string
	JobID        string
	StartedAtMS  int64
	FinishedAtMS int64
	Status       string
	Message      string
}

// Run statuses.
const (
	RunStatusOK      = "ok"
	RunStatusError   = "error"
	RunStatusTimeout = "timeout"
)

// AddJob validates the schedule, computes the first run and persists the job.
func (s *Scheduler) AddJob(ctx context.Context, name, kind, expr, action, actionService string) (*Job, error) {
	if err := ValidateSchedule(kind, expr); err != nil {
		return nil, err
	}
	now := s.clk.Now().UnixMilli()
	next, err := ComputeNextRunAtMs(kind, expr, now)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:            uuid.NewString(),
		Name:          name,
		Enabled:       true,
		ScheduleKind:  kind,
		ScheduleExpr:  expr,
		Action:        action,
		ActionService: actionService,
		NextRunAtMS:   next,
		CreatedAtMS:   now,
		UpdatedAtMS:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, enabled, schedule_kind, schedule_expr, action, action_service,
			next_run_at_ms, running, created_at_ms, updated_at_ms)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, 0, ?, ?)
	`, j.ID, j.Name, j.ScheduleKind, j.ScheduleExpr, j.Action, j.ActionService,
		nullableMS(j.NextRunAtMS), j.CreatedAtMS, j.UpdatedAtMS)
	if err != nil {
		return nil, fmt.Errorf("scheduler: insert job: %w", err)
	}
	return j, nil
}

// RemoveJob deletes a job and its history.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("scheduler: delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetEnabled toggles a job. Re-enabling recomputes the next run so a long
// disabled job does not fire immediately on a stale timestamp.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}

	next := j.NextRunAtMS
	if enabled {
		next, err = ComputeNextRunAtMs(j.ScheduleKind, j.ScheduleExpr, s.clk.Now().UnixMilli())
		if err != nil {
			return err
		}
	}

	en := 0
	if enabled {
		en = 1
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET enabled = ?, next_run_at_ms = ?, updated_at_ms = ? WHERE id = ?
	`, en, nullableMS(next), s.clk.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("scheduler: toggle job: %w", err)
	}
	return nil
}

// MarkDue moves a job's next run to now so the dispatch loop claims it on
// its next tick. Fails when the job is mid-run.
func (s *Scheduler) MarkDue(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET enabled = 1, next_run_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND running = 0
	`, s.clk.Now().UnixMilli(), s.clk.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("scheduler: mark due: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobRunning
	}
	return nil
}

// GetJob loads one job.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// ListJobs returns all jobs ordered by name.
func (s *Scheduler) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent history rows for a job.
func (s *Scheduler) ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, started_at_ms, finished_at_ms, status, message
		FROM cron_runs WHERE job_id = ?
		ORDER BY started_at_ms DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAtMS, &finished, &r.Status, &r.Message); err != nil {
			return nil, fmt.Errorf("scheduler: scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAtMS = finished.Int64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const jobSelect = `
	SELECT id, name, enabled, schedule_kind, schedule_expr, action, action_service,
		next_run_at_ms, running, lease_expires_at_ms, created_at_ms, updated_at_ms
	FROM cron_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var enabled, running int
	var next, lease sql.NullInt64
	err := row.Scan(&j.ID, &j.Name, &enabled, &j.ScheduleKind, &j.ScheduleExpr,
		&j.Action, &j.ActionService, &next, &running, &lease, &j.CreatedAtMS, &j.UpdatedAtMS)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.Running = running != 0
	if next.Valid {
		j.NextRunAtMS = next.Int64
	}
	if lease.Valid {
		j.LeaseExpiresAtMS = lease.Int64
	}
	return j, nil
}

// nullableMS maps 0 to NULL so "no further runs" is distinguishable.
func nullableMS(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

// claim transitions a job to running with a lease. The guarded UPDATE makes
// the claim linearizable: a second claimer sees running=1 and fails.
func (s *Scheduler) claim(ctx context.Context, id string, due bool) (*Job, error) {
	now := s.clk.Now().UnixMilli()
	lease := now + (s.timeout + s.grace).Milliseconds()

	query := `
		UPDATE cron_jobs SET running = 1, lease_expires_at_ms = ?
		WHERE id = ? AND running = 0 AND enabled = 1`
	args := []any{lease, id}
	if due {
		query += ` AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?`
		args = append(args, now)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrJobRunning
	}
	return s.GetJob(ctx, id)
}

// finish releases the claim, records history and schedules the next run.
func (s *Scheduler) finish(ctx context.Context, j *Job, startedMS int64, status, message string) {
	now := s.clk.Now().UnixMilli()

	next, err := ComputeNextRunAtMs(j.ScheduleKind, j.ScheduleExpr, now)
	if err != nil {
		s.log.Error("next-run computation failed", "job", j.Name, "err", err)
		next = 0
	}

	enabled := 1
	if next == 0 {
		// One-shot jobs stay around for history but never fire again.
		enabled = 0
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET running = 0, lease_expires_at_ms = NULL,
			next_run_at_ms = ?, enabled = enabled & ?, updated_at_ms = ?
		WHERE id = ?
	`, nullableMS(next), enabled, now, j.ID)
	if err != nil {
		s.log.Error("job release failed", "job", j.Name, "err", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cron_runs (id, job_id, started_at_ms, finished_at_ms, status, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), j.ID, startedMS, now, status, message)
	if err != nil {
		s.log.Error("run history write failed", "job", j.Name, "err", err)
	}
}

// resetStaleLeases clears running flags left behind by a crashed process.
func (s *Scheduler) resetStaleLeases(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET running = 0, lease_expires_at_ms = NULL
		WHERE running = 1 AND lease_expires_at_ms < ?
	`, now)
	if err != nil {
		return fmt.Errorf("scheduler: reset stale leases: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Warn("reset stale job leases", "count", n)
	}
	return nil
}
