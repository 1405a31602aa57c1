// Package scheduler runs the indexer's periodic jobs with per-job overlap
// protection, execution history and startup crash recovery.
package scheduler

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/id"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Job identifiers.
const (
	JobSubmission   = "url-submission-job"
	JobVerification = "index-verification-job"
	JobRefresh      = "sitemap-refresh-job"
)

// Report is what a job body hands back to the runner.
type Report struct {
	Processed  int
	Succeeded  int
	Failed     int
	Checkpoint map[string]any
}

// JobFunc is a job body. A non-nil error marks the run as failed; the report
// is persisted either way.
type JobFunc func(ctx context.Context) (Report, error)

// Result describes one invocation.
type Result struct {
	ExecutionID string
	Outcome     store.JobOutcome
	// Skipped is set when another run of the same job held the gate.
	Skipped  bool
	Report   Report
	Err      error
	Duration time.Duration
}

// JobMetrics are the in-process counters for one job.
type JobMetrics struct {
	Total          int           `json:"total"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	OverlapSkips   int           `json:"overlap_skips"`
	Running        bool          `json:"running"`
	LastStartedAt  *time.Time    `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time    `json:"last_finished_at,omitempty"`
	LastDuration   time.Duration `json:"last_duration"`
	LastError      string        `json:"last_error,omitempty"`
}

// Runner executes jobs behind one gate per job id.
type Runner struct {
	repo   store.ExecutionRepository
	ids    id.Generator
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	gates map[string]*sync.Mutex
	stats map[string]*JobMetrics
}

// NewRunner constructs a Runner.
func NewRunner(repo store.ExecutionRepository, ids id.Generator, clk clock.Clock, logger *zap.Logger) *Runner {
	if ids == nil {
		ids = id.New()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		repo:   repo,
		ids:    ids,
		clock:  clk,
		logger: logging.OrNop(logger).Named("scheduler"),
		gates:  make(map[string]*sync.Mutex),
		stats:  make(map[string]*JobMetrics),
	}
}

func (r *Runner) gate(jobID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[jobID]
	if !ok {
		g = &sync.Mutex{}
		r.gates[jobID] = g
	}
	return g
}

// Busy reports whether jobID is currently running.
func (r *Runner) Busy(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[jobID]
	return ok && s.Running
}

// Run executes fn unless another run of jobID is in progress, in which case a
// skipped_overlap record is written and fn is not called. The returned error
// is reserved for failures to persist the execution record.
func (r *Runner) Run(ctx context.Context, jobID string, fn JobFunc) (Result, error) {
	g := r.gate(jobID)
	if !g.TryLock() {
		return r.skip(ctx, jobID)
	}
	defer g.Unlock()

	execID, err := r.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("new execution id: %w", err)
	}
	started := r.clock.Now()
	exec := store.JobExecution{ID: execID, JobID: jobID, StartedAt: started, Outcome: store.OutcomeRunning}
	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		return Result{}, fmt.Errorf("create execution: %w", err)
	}
	r.markStarted(jobID, started)
	r.logger.Info("job started", zap.String("job_id", jobID), zap.String("execution_id", execID))

	report, runErr := r.invoke(ctx, fn)

	finished := r.clock.Now()
	res := Result{
		ExecutionID: execID,
		Outcome:     store.OutcomeSuccess,
		Report:      report,
		Err:         runErr,
		Duration:    finished.Sub(started),
	}
	exec.FinishedAt = &finished
	exec.Processed = report.Processed
	exec.Succeeded = report.Succeeded
	exec.Failed = report.Failed
	exec.Checkpoint = maps.Clone(report.Checkpoint)
	if exec.Checkpoint == nil {
		exec.Checkpoint = map[string]any{}
	}
	exec.Checkpoint["duration_ms"] = res.Duration.Milliseconds()
	if runErr != nil {
		res.Outcome = store.OutcomeFailure
		msg := runErr.Error()
		exec.ErrorMessage = &msg
	}
	exec.Outcome = res.Outcome
	r.markFinished(jobID, res, finished)

	// The run already happened; record it even if the caller gave up.
	persistCtx := context.WithoutCancel(ctx)
	if err := r.repo.FinishExecution(persistCtx, exec); err != nil {
		r.logger.Error("failed to persist job execution",
			zap.String("job_id", jobID),
			zap.String("execution_id", execID),
			zap.Error(err),
		)
		return res, fmt.Errorf("finish execution: %w", err)
	}

	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.String("execution_id", execID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", res.Duration),
	}
	if runErr != nil {
		r.logger.Error("job failed", append(fields, zap.Error(runErr))...)
	} else {
		r.logger.Info("job finished", fields...)
	}
	return res, nil
}

// invoke runs fn and converts a panic into an error.
func (r *Runner) invoke(ctx context.Context, fn JobFunc) (report Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (r *Runner) skip(ctx context.Context, jobID string) (Result, error) {
	now := r.clock.Now()
	res := Result{Outcome: store.OutcomeSkippedOverlap, Skipped: true}
	r.mu.Lock()
	s := r.statsLocked(jobID)
	s.OverlapSkips++
	r.mu.Unlock()
	metrics.ObserveJobRun(jobID, string(store.OutcomeSkippedOverlap), 0)
	r.logger.Warn("job still running, skipping trigger", zap.String("job_id", jobID))

	execID, err := r.ids.NewID()
	if err != nil {
		return res, fmt.Errorf("new execution id: %w", err)
	}
	res.ExecutionID = execID
	exec := store.JobExecution{
		ID:         execID,
		JobID:      jobID,
		StartedAt:  now,
		FinishedAt: &now,
		Outcome:    store.OutcomeSkippedOverlap,
		Checkpoint: map[string]any{"reason": "previous run still in progress"},
	}
	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		return res, fmt.Errorf("record skipped execution: %w", err)
	}
	return res, nil
}

func (r *Runner) statsLocked(jobID string) *JobMetrics {
	s, ok := r.stats[jobID]
	if !ok {
		s = &JobMetrics{}
		r.stats[jobID] = s
	}
	return s
}

func (r *Runner) markStarted(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsLocked(jobID)
	s.Running = true
	s.LastStartedAt = &at
	metrics.SetJobRunning(jobID, true)
}

func (r *Runner) markFinished(jobID string, res Result, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statsLocked(jobID)
	s.Total++
	s.Running = false
	s.LastFinishedAt = &at
	s.LastDuration = res.Duration
	if res.Err != nil {
		s.Failed++
		s.LastError = res.Err.Error()
	} else {
		s.Successful++
		s.LastError = ""
	}
	metrics.SetJobRunning(jobID, false)
	metrics.ObserveJobRun(jobID, string(res.Outcome), res.Duration)
}

// Metrics returns a copy of the counters for every job that has run or been skipped.
func (r *Runner) Metrics() map[string]JobMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]JobMetrics, len(r.stats))
	for k, v := range r.stats {
		out[k] = *v
	}
	return out
}

// Recover marks executions left running by a previous process as
// interrupted. It must run before the scheduler starts.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	running, err := r.repo.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}
	now := r.clock.Now()
	recovered := 0
	for _, exec := range running {
		checkpoint := maps.Clone(exec.Checkpoint)
		if checkpoint == nil {
			checkpoint = map[string]any{}
		}
		checkpoint["stage"] = "startup_recovery"
		checkpoint["interrupted_at"] = now.Format(time.RFC3339)
		checkpoint["recovery_reason"] = "process exited while the job was running"

		exec.Outcome = store.OutcomeInterrupted
		exec.FinishedAt = &now
		exec.Checkpoint = checkpoint
		msg := "interrupted by process restart"
		exec.ErrorMessage = &msg
		if err := r.repo.FinishExecution(ctx, exec); err != nil {
			return recovered, fmt.Errorf("recover execution %s: %w", exec.ID, err)
		}
		recovered++
		r.logger.Warn("recovered interrupted job execution",
			zap.String("job_id", exec.JobID),
			zap.String("execution_id", exec.ID),
			zap.Time("started_at", exec.StartedAt),
		)
	}
	return recovered, nil
}
