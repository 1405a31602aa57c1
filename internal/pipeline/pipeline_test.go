package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/indexapi"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/ratelimit"
	pubmem "github.com/JakeFAU/sitemap-indexer/internal/publisher/memory"
	"github.com/JakeFAU/sitemap-indexer/internal/queue"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/storage/memory"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	repo     *memory.Store
	clock    *clock.Manual
	queue    *queue.Service
	registry *quota.Registry
	events   *pubmem.Publisher
}

func newEnv(t *testing.T, quotaCfg quota.Config) *env {
	t.Helper()
	repo := memory.NewStore()
	clk := clock.NewManual(t0)
	ctx := context.Background()
	require.NoError(t, repo.UpsertSite(ctx, store.Site{ID: "site-a", URL: "sc-domain:a.example", CredentialRef: "tok-a"}))
	require.NoError(t, repo.UpsertSite(ctx, store.Site{ID: "site-b", URL: "sc-domain:b.example", CredentialRef: "tok-b"}))
	return &env{
		repo:     repo,
		clock:    clk,
		queue:    queue.NewService(repo, clk, queue.Config{MaxAttempts: 2}, nil),
		registry: quota.NewRegistry(repo, ratelimit.New(ratelimit.Config{}), clk, quotaCfg, nil),
		events:   pubmem.New(),
	}
}

func (e *env) insert(t *testing.T, id, siteID string) store.DiscoveredURL {
	t.Helper()
	lastmod := t0.Add(-time.Hour)
	u, err := e.queue.Insert(context.Background(), store.DiscoveredURL{
		ID:      id,
		SiteID:  siteID,
		URL:     "https://" + siteID + ".example/" + id,
		LastMod: &lastmod,
	})
	require.NoError(t, err)
	return u
}

func (e *env) get(t *testing.T, id string) store.DiscoveredURL {
	t.Helper()
	u, err := e.repo.GetURLByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

// fakeAPI scripts per-URL responses for both remote services.
type fakeAPI struct {
	mu     sync.Mutex
	errs   map[string]error
	states map[string]string
	calls  []string
	creds  map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{errs: map[string]error{}, states: map[string]string{}, creds: map[string]string{}}
}

func (f *fakeAPI) Submit(_ context.Context, site store.Site, pageURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageURL)
	f.creds[pageURL] = site.CredentialRef
	return f.errs[pageURL]
}

func (f *fakeAPI) Inspect(_ context.Context, site store.Site, pageURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pageURL)
	f.creds[pageURL] = site.CredentialRef
	if err := f.errs[pageURL]; err != nil {
		return "", err
	}
	return f.states[pageURL], nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func rateLimited(retryAfter bool) error {
	return &indexapi.APIError{StatusCode: http.StatusTooManyRequests, HasRetryAfter: retryAfter, RetryAfter: time.Minute}
}

func TestSubmissionJobHandlesEachOutcome(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	ok := e.insert(t, "ok", "site-a")
	throttled := e.insert(t, "throttled", "site-a")
	broken := e.insert(t, "broken", "site-b")

	api := newFakeAPI()
	api.errs[throttled.URL] = rateLimited(true)
	api.errs[broken.URL] = &indexapi.APIError{StatusCode: http.StatusBadRequest}

	job := NewSubmissionJob(e.queue, e.repo, e.registry, api, e.events, e.clock, SubmissionConfig{Batch: 10, Workers: 2}, nil)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Processed)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 2, report.Failed)
	require.Equal(t, 1, report.Checkpoint["throttled"])

	got := e.get(t, ok.ID)
	require.False(t, got.Queued())
	require.NotNil(t, got.SubmittedAt)
	require.Equal(t, "tok-a", api.creds[ok.URL])

	got = e.get(t, throttled.ID)
	require.True(t, got.Queued(), "throttled urls stay queued")
	require.Zero(t, got.Attempts)

	got = e.get(t, broken.ID)
	require.True(t, got.Queued())
	require.Equal(t, 1, got.Attempts)

	state := e.registry.State("site-a", store.APISubmission)
	require.NotNil(t, state.Last429At)
	require.Equal(t, 2, state.UsedToday)

	batches := e.events.ByTopic("queue.batch")
	require.Len(t, batches, 1)
}

func TestSubmissionJobParksRepeatedFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	u := e.insert(t, "bad", "site-a")
	api := newFakeAPI()
	api.errs[u.URL] = errors.New("connection reset")

	job := NewSubmissionJob(e.queue, e.repo, e.registry, api, nil, e.clock, SubmissionConfig{}, nil)
	for range 2 {
		_, err := job.Run(context.Background())
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}
	got := e.get(t, u.ID)
	require.False(t, got.Queued())
	require.Equal(t, 2, got.Attempts)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Processed)
}

func TestSubmissionJobDefersSiteWhenQuotaSpent(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{DefaultSubmission: 1, MaxConcurrent: 1})
	for _, id := range []string{"a1", "a2", "a3"} {
		e.insert(t, id, "site-a")
	}
	e.insert(t, "b1", "site-b")

	api := newFakeAPI()
	job := NewSubmissionJob(e.queue, e.repo, e.registry, api, nil, e.clock, SubmissionConfig{Batch: 10, Workers: 1}, nil)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.Processed)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 2, report.Checkpoint["deferred"])
	require.Equal(t, 2, api.callCount())

	remaining, err := e.queue.Peek(context.Background(), "site-a", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, u := range remaining {
		require.Zero(t, u.Attempts)
	}
}

func TestSubmissionJobEmptyQueue(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	job := NewSubmissionJob(e.queue, e.repo, e.registry, newFakeAPI(), e.events, e.clock, SubmissionConfig{}, nil)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Empty(t, e.events.Messages())
}

func TestSubmissionJobStopsOnCancellation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	e.insert(t, "a1", "site-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewSubmissionJob(e.queue, e.repo, e.registry, newFakeAPI(), nil, e.clock, SubmissionConfig{}, nil)
	_, err := job.Run(ctx)
	require.Error(t, err)
}

func TestVerificationJobRecordsStatuses(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	ctx := context.Background()
	indexed := e.insert(t, "indexed", "site-a")
	soft := e.insert(t, "soft", "site-a")
	throttled := e.insert(t, "throttled", "site-b")
	broken := e.insert(t, "broken", "site-b")
	pending := e.insert(t, "pending", "site-b")
	for _, u := range []store.DiscoveredURL{indexed, soft, throttled, broken} {
		require.NoError(t, e.queue.MarkSubmitted(ctx, u))
	}

	api := newFakeAPI()
	api.states[indexed.URL] = "Submitted and indexed"
	api.states[soft.URL] = "Soft 404"
	api.errs[throttled.URL] = rateLimited(false)
	api.errs[broken.URL] = errors.New("boom")

	job := NewVerificationJob(e.queue, e.repo, e.registry, api, VerificationConfig{Workers: 2}, nil)
	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, report.Processed)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 2, report.Failed)

	require.Equal(t, store.StatusIndexed, e.get(t, indexed.ID).IndexStatus)
	require.Equal(t, store.StatusSoft404, e.get(t, soft.ID).IndexStatus)
	require.Equal(t, store.StatusError, e.get(t, broken.ID).IndexStatus)
	require.NotNil(t, e.get(t, broken.ID).LastCheckedAt)
	require.Nil(t, e.get(t, throttled.ID).LastCheckedAt, "throttled urls are retried next run")
	require.Equal(t, store.StatusUnchecked, e.get(t, pending.ID).IndexStatus)

	due, err := e.queue.DueForVerification(ctx, 10, 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, throttled.ID, due[0].ID)

	e.clock.Advance(73 * time.Hour)
	due, err = e.queue.DueForVerification(ctx, 10, 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 4)
}
