package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/id"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

func newRunner(t *testing.T) (*Runner, *memory.Store) {
	t.Helper()
	repo := memory.NewStore()
	return NewRunner(repo, id.NewSequence("exec"), clock.NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)), nil), repo
}

func TestRunRecordsSuccess(t *testing.T) {
	t.Parallel()

	r, repo := newRunner(t)
	res, err := r.Run(context.Background(), JobSubmission, func(context.Context) (Report, error) {
		return Report{Processed: 3, Succeeded: 2, Failed: 1, Checkpoint: map[string]any{"batch": 3}}, nil
	})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)
	require.False(t, res.Skipped)

	execs, err := repo.ListExecutions(context.Background(), JobSubmission, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	e := execs[0]
	require.Equal(t, store.OutcomeSuccess, e.Outcome)
	require.Equal(t, 3, e.Processed)
	require.Equal(t, 2, e.Succeeded)
	require.Equal(t, 1, e.Failed)
	require.NotNil(t, e.FinishedAt)
	require.Equal(t, 3, e.Checkpoint["batch"])
	require.Contains(t, e.Checkpoint, "duration_ms")

	m := r.Metrics()[JobSubmission]
	require.Equal(t, 1, m.Total)
	require.Equal(t, 1, m.Successful)
	require.False(t, m.Running)
}

func TestRunRecordsFailureAndPanic(t *testing.T) {
	t.Parallel()

	r, repo := newRunner(t)
	ctx := context.Background()

	res, err := r.Run(ctx, JobRefresh, func(context.Context) (Report, error) {
		return Report{Processed: 1, Failed: 1}, errors.New("store unavailable")
	})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeFailure, res.Outcome)

	res, err = r.Run(ctx, JobRefresh, func(context.Context) (Report, error) {
		panic("boom")
	})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeFailure, res.Outcome)
	require.ErrorContains(t, res.Err, "boom")

	// The gate was released on both paths.
	res, err = r.Run(ctx, JobRefresh, func(context.Context) (Report, error) { return Report{}, nil })
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)

	execs, _ := repo.ListExecutions(ctx, JobRefresh, 0)
	require.Len(t, execs, 3)
	require.NotNil(t, execs[2].ErrorMessage)
	require.Equal(t, "store unavailable", *execs[2].ErrorMessage)

	m := r.Metrics()[JobRefresh]
	require.Equal(t, 3, m.Total)
	require.Equal(t, 2, m.Failed)
	require.Empty(t, m.LastError)
}

func TestRunSkipsOverlap(t *testing.T) {
	t.Parallel()

	r, repo := newRunner(t)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.Run(ctx, JobVerification, func(context.Context) (Report, error) {
			calls++
			close(started)
			<-release
			return Report{}, nil
		})
		require.NoError(t, err)
	}()
	<-started
	require.True(t, r.Busy(JobVerification))

	res, err := r.Run(ctx, JobVerification, func(context.Context) (Report, error) {
		t.Error("overlapping run must not execute")
		return Report{}, nil
	})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, store.OutcomeSkippedOverlap, res.Outcome)

	other, err := r.Run(ctx, JobSubmission, func(context.Context) (Report, error) { return Report{}, nil })
	require.NoError(t, err)
	require.False(t, other.Skipped, "different job ids do not block each other")

	close(release)
	wg.Wait()
	require.Equal(t, 1, calls)

	execs, _ := repo.ListExecutions(ctx, JobVerification, 0)
	outcomes := map[store.JobOutcome]int{}
	for _, e := range execs {
		outcomes[e.Outcome]++
	}
	require.Equal(t, map[store.JobOutcome]int{store.OutcomeSuccess: 1, store.OutcomeSkippedOverlap: 1}, outcomes)
	require.Equal(t, 1, r.Metrics()[JobVerification].OverlapSkips)
}

func TestRecoverMarksRunningAsInterrupted(t *testing.T) {
	t.Parallel()

	r, repo := newRunner(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateExecution(ctx, store.JobExecution{
		ID: "stale", JobID: JobRefresh, Outcome: store.OutcomeRunning,
		Checkpoint: map[string]any{"source": "src-3"},
	}))
	done := time.Now()
	require.NoError(t, repo.CreateExecution(ctx, store.JobExecution{ID: "done", JobID: JobRefresh, Outcome: store.OutcomeSuccess, FinishedAt: &done}))

	n, err := r.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	running, _ := repo.ListRunning(ctx)
	require.Empty(t, running)
	execs, _ := repo.ListExecutions(ctx, JobRefresh, 0)
	var stale store.JobExecution
	for _, e := range execs {
		if e.ID == "stale" {
			stale = e
		}
	}
	require.Equal(t, store.OutcomeInterrupted, stale.Outcome)
	require.NotNil(t, stale.FinishedAt)
	require.Equal(t, "startup_recovery", stale.Checkpoint["stage"])
	require.Equal(t, "src-3", stale.Checkpoint["source"])
	require.Contains(t, stale.Checkpoint, "interrupted_at")
	require.Contains(t, stale.Checkpoint, "recovery_reason")
}
