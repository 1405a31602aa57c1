package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/logging"
)

var (
	// ErrUnknownJob is returned when triggering an unregistered job id.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned by TriggerAsync when the job is already running.
	ErrJobRunning = errors.New("job already running")
)

// Job is a periodic unit of work.
type Job struct {
	ID       string
	Interval time.Duration
	Run      JobFunc
}

// JobInfo describes a registered job for reporting.
type JobInfo struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	Next     *time.Time    `json:"next,omitempty"`
}

// Scheduler fires registered jobs on their intervals through a Runner.
type Scheduler struct {
	runner *Runner
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Scheduler. Panics escaping a job are recovered both by the
// runner and by the cron chain.
func New(runner *Runner, logger *zap.Logger) *Scheduler {
	logger = logging.OrNop(logger).Named("cron")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		runner:  runner,
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cl)), cron.WithLogger(cl)),
		logger:  logger,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
		baseCtx: context.Background(),
	}
}

// Register adds a job. Intervals must be positive.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Run == nil {
		return errors.New("job requires an id and a body")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	entryID, err := s.cron.AddFunc("@every "+job.Interval.String(), func() {
		s.fire(job.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.ID, err)
	}
	s.jobs[job.ID] = job
	s.entries[job.ID] = entryID
	return nil
}

func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	ctx := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	if _, err := s.runner.Run(ctx, job.ID, job.Run); err != nil {
		s.logger.Error("scheduled run not recorded", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Start begins firing jobs. Runs receive a context derived from ctx that is
// cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Jobs())))
}

// Stop halts the trigger loop, cancels running jobs and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Trigger runs a job immediately through the same overlap gate and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (Result, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return s.runner.Run(ctx, job.ID, job.Run)
}

// TriggerAsync starts a job in the background under the scheduler's context.
func (s *Scheduler) TriggerAsync(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	ctx := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if s.runner.Busy(jobID) {
		return fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runner.Run(ctx, job.ID, job.Run); err != nil {
			s.logger.Error("manual run not recorded", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Jobs lists registered jobs ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for jobID, job := range s.jobs {
		info := JobInfo{ID: jobID, Interval: job.Interval}
		if next := s.cron.Entry(s.entries[jobID]).Next; !next.IsZero() {
			info.Next = &next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Runner exposes the underlying runner for metrics and recovery.
func (s *Scheduler) Runner() *Runner {
	return s.runner
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
