// Package scheduler runs durable cron jobs over the kernel store.
//
// Jobs survive restarts: schedules, claims and history live in the database.
// A claim is a guarded UPDATE, so exactly one dispatcher runs a due job even
// with concurrent tickers. Every run gets a soft deadline (the executor's
// context is cancelled) and a hard deadline shortly after (the wait is
// abandoned even if the executor ignores the cancellation).
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// clock abstracts time.Now and time.After so tests advance time on demand.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Executor runs one job action. It must honor ctx cancellation; executors
// that do not are cut loose at the hard deadline.
type Executor func(ctx context.Context, job *Job) error

// MinTickInterval is the floor for the dispatch ticker.
const MinTickInterval = 5 * time.Second

// Config tunes the dispatch loop.
type Config struct {
	// TickInterval is the poll cadence. Clamped to MinTickInterval.
	TickInterval time.Duration
	// Timeout is the soft deadline per run. Default 5 minutes.
	Timeout time.Duration
	// Grace is the window between soft and hard deadline. Default 10s.
	Grace time.Duration
	// MaxJobsPerTick bounds concurrent claims per tick. Default 3.
	MaxJobsPerTick int
}

// Scheduler dispatches due jobs to registered executors.
type Scheduler struct {
	db       *sql.DB
	log      *slog.Logger
	clk      clock
	interval time.Duration
	timeout  time.Duration
	grace    time.Duration
	maxJobs  int

	mu        sync.Mutex
	executors map[string]Executor

	// runs tracks in-flight claimed jobs so Run can drain them on shutdown
	// without stalling the tick cadence while they execute.
	runs sync.WaitGroup
}

// New creates a Scheduler over db.
func New(db *sql.DB, cfg Config, log *slog.Logger) *Scheduler {
	return newWithClock(db, cfg, log, realClock{})
}

func newWithClock(db *sql.DB, cfg Config, log *slog.Logger, clk clock) *Scheduler {
	if cfg.TickInterval < MinTickInterval {
		cfg.TickInterval = MinTickInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		db:        db,
		log:       log,
		clk:       clk,
		interval:  cfg.TickInterval,
		timeout:   cfg.Timeout,
		grace:     cfg.Grace,
		maxJobs:   cfg.MaxJobsPerTick,
		executors: make(map[string]Executor),
	}
}

// RegisterExecutor binds an action name to its executor. Jobs with an
// unregistered action fail their runs.
func (s *Scheduler) RegisterExecutor(action string, fn Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[action] = fn
}

func (s *Scheduler) executor(action string) (Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.executors[action]
	return fn, ok
}

// Run drives the dispatch loop until ctx is cancelled. Stale leases from a
// previous crash are reset before the first tick, and in-flight runs drain
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.resetStaleLeases(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler started", "tick", s.interval, "timeout", s.timeout)

	for {
		select {
		case <-ctx.Done():
			s.runs.Wait()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.clk.After(s.interval):
			s.tick(ctx)
		}
	}
}

// tick claims and dispatches due jobs.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clk.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cron_jobs
		WHERE enabled = 1 AND running = 0
			AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms LIMIT ?
	`, now, s.maxJobs)
	if err != nil {
		s.log.Error("due-job query failed", "err", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.log.Error("due-job scan failed", "err", err)
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		job, err := s.claim(ctx, id, true)
		if err != nil {
			// Claimed elsewhere or no longer due; both are fine.
			continue
		}
		s.runs.Add(1)
		go func(j *Job) {
			defer s.runs.Done()
			s.runClaimed(ctx, j)
		}(job)
	}
}

// RunJobNow claims and runs a job immediately, skipping the due check.
// Returns ErrJobRunning when the job is already claimed.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	job, err := s.claim(ctx, id, false)
	if err != nil {
		return err
	}
	s.runClaimed(ctx, job)
	return nil
}

// runClaimed executes one claimed job with soft and hard deadlines.
func (s *Scheduler) runClaimed(ctx context.Context, job *Job) {
	started := s.clk.Now().UnixMilli()

	fn, ok := s.executor(job.Action)
	if !ok {
		s.log.Error("no executor for action", "job", job.Name, "action", job.Action)
		s.finish(ctx, job, started, RunStatusError, fmt.Sprintf("no executor registered for action %q", job.Action))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx, job)
	}()

	var status, message string
	select {
	case err := <-done:
		switch {
		case err == nil:
			status = RunStatusOK
		case runCtx.Err() != nil:
			status = RunStatusTimeout
			message = fmt.Sprintf("cron job aborted at soft deadline after %dms", s.timeout.Milliseconds())
		default:
			status = RunStatusError
			message = err.Error()
		}
	case <-s.clk.After(s.timeout + s.grace):
		// The executor ignored the abort; stop waiting for it. Recorded as
		// an error, not a timeout: the run leaked past its deadline.
		status = RunStatusError
		message = fmt.Sprintf("cron job timed out after %dms (executor did not honor abort)",
			s.timeout.Milliseconds())
	}

	if status != RunStatusOK {
		s.log.Warn("job run failed", "job", job.Name, "status", status, "message", message)
	} else {
		s.log.Info("job run completed", "job", job.Name)
	}
	s.finish(ctx, job, started, status, message)
}
