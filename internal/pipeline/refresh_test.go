package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/discovery"
	"github.com/JakeFAU/sitemap-indexer/internal/fetcher/secure"
	"github.com/JakeFAU/sitemap-indexer/internal/id"
	"github.com/JakeFAU/sitemap-indexer/internal/publisher"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

type docFetcher map[string]string

func (d docFetcher) Fetch(_ context.Context, req secure.Request) (*secure.Response, error) {
	body, ok := d[req.URL]
	if !ok {
		return nil, &secure.FetchError{Stage: secure.StageStatus, URL: req.URL, StatusCode: 404, Err: errors.New("not found")}
	}
	return &secure.Response{Body: []byte(body), FinalURL: req.URL, StatusCode: 200}, nil
}

const (
	indexDoc = `<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` +
		`<sitemap><loc>https://a.example/posts.xml</loc></sitemap>` +
		`<sitemap><loc>https://a.example/missing.xml</loc></sitemap>` +
		`</sitemapindex>`
	postsDoc = `<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` +
		`<url><loc>https://a.example/p/1</loc><lastmod>2024-06-01</lastmod></url>` +
		`<url><loc>https://a.example/p/2</loc></url>` +
		`</urlset>`
)

func newRefreshJob(t *testing.T, e *env, fetcher sitemap.Fetcher) *RefreshJob {
	t.Helper()
	traverser := sitemap.NewTraverser(fetcher, sitemap.Config{}, nil)
	detector := discovery.NewDetector(e.repo, e.queue, id.NewSequence("url"), nil)
	return NewRefreshJob(e.repo, traverser, detector, e.events, NewReports(10), e.clock, nil)
}

func addSource(t *testing.T, e *env, id, siteID, url string, active bool) {
	t.Helper()
	require.NoError(t, e.repo.UpsertSource(context.Background(), store.SitemapSource{
		ID: id, SiteID: siteID, URL: url, Active: active,
	}))
}

func TestRefreshJobDiscoversAndRecords(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/sitemap.xml", true)
	addSource(t, e, "src-broken", "site-b", "https://b.example/sitemap.xml", true)
	addSource(t, e, "src-off", "site-b", "https://b.example/old.xml", false)

	job := newRefreshJob(t, e, docFetcher{
		"https://a.example/sitemap.xml": indexDoc,
		"https://a.example/posts.xml":   postsDoc,
	})
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, "complete", report.Checkpoint["stage"])

	queued, err := e.queue.Peek(context.Background(), "site-a", 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "https://a.example/p/1", queued[0].URL)
	require.Equal(t, 100, queued[0].CurrentPriority)

	sources, err := e.repo.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.KindIndex, sources[0].Kind)
	require.NotEmpty(t, sources[0].ContentHash)
	require.NotNil(t, sources[0].LastFetchedAt)

	reports := job.Reports().List("", 0)
	require.Len(t, reports, 2)
	require.Equal(t, "src-broken", reports[0].SourceID)
	require.True(t, reports[0].Failed)
	require.Equal(t, "fetch", reports[0].Error)
	require.Equal(t, 2, reports[1].Discovery.New)
	require.Equal(t, 1, reports[1].Summary.Counts[sitemap.StageChildFetch])

	events := e.events.ByTopic(publisher.TopicSitemapRefreshed)
	require.Len(t, events, 1)
	refreshed, ok := events[0].Payload.(publisher.SitemapRefreshed)
	require.True(t, ok)
	require.Equal(t, "src-a", refreshed.SourceID)
	require.Equal(t, 2, refreshed.New)
}

func TestRefreshJobSecondRunIsUnchanged(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	job := newRefreshJob(t, e, docFetcher{"https://a.example/posts.xml": postsDoc})

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	latest := job.Reports().List("src-a", 1)
	require.Len(t, latest, 1)
	require.True(t, latest[0].NotModified, "identical urlset body is short-circuited")
	require.Zero(t, latest[0].Discovery.New)
}

type recordingArchive struct {
	names []string
	data  [][]byte
	err   error
}

func (a *recordingArchive) PutObject(_ context.Context, name, _ string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.names = append(a.names, name)
	a.data = append(a.data, data)
	return "mem://" + name, nil
}

func TestRefreshJobArchivesChangedRoots(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	job := newRefreshJob(t, e, docFetcher{"https://a.example/posts.xml": postsDoc})
	blobs := &recordingArchive{}
	job.SetArchive(blobs)

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, blobs.names, 1)
	require.Equal(t, postsDoc, string(blobs.data[0]))

	sources, err := e.repo.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Equal(t, "site-a/src-a/"+sources[0].ContentHash+".xml", blobs.names[0])

	rep := job.Reports().List("src-a", 1)[0]
	require.Equal(t, "mem://"+blobs.names[0], rep.ArchiveURI)
	refreshed, ok := e.events.ByTopic(publisher.TopicSitemapRefreshed)[0].Payload.(publisher.SitemapRefreshed)
	require.True(t, ok)
	require.Equal(t, rep.ArchiveURI, refreshed.ArchiveURI)

	_, err = job.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, blobs.names, 1, "unchanged documents are not archived again")
	require.Empty(t, job.Reports().List("src-a", 1)[0].ArchiveURI)
}

func TestRefreshJobArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	job := newRefreshJob(t, e, docFetcher{"https://a.example/posts.xml": postsDoc})
	job.SetArchive(&recordingArchive{err: errors.New("bucket gone")})

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	rep := job.Reports().List("src-a", 1)[0]
	require.False(t, rep.Failed)
	require.Empty(t, rep.ArchiveURI)
	require.Equal(t, 2, rep.Discovery.New)
}

type failingURLs struct {
	store.URLRepository
	err error
}

func (f failingURLs) GetURL(context.Context, string, string) (store.DiscoveredURL, error) {
	return store.DiscoveredURL{}, f.err
}

func TestRefreshJobRecordsEnqueueFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	traverser := sitemap.NewTraverser(docFetcher{"https://a.example/posts.xml": postsDoc}, sitemap.Config{}, nil)
	detector := discovery.NewDetector(failingURLs{URLRepository: e.repo, err: errors.New("constraint")}, e.queue, nil, nil)
	job := NewRefreshJob(e.repo, traverser, detector, nil, nil, e.clock, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)

	rep := job.Reports().List("src-a", 1)[0]
	require.Equal(t, 2, rep.Summary.Counts[sitemap.StageEnqueue])
	require.Equal(t, []string{"a.example/p/1", "a.example/p/2"}, rep.Summary.Samples[sitemap.StageEnqueue])
}

type flakyURLs struct {
	store.URLRepository
	failures atomic.Int32
}

func (f *flakyURLs) GetURL(ctx context.Context, siteID, rawURL string) (store.DiscoveredURL, error) {
	if f.failures.Add(-1) >= 0 {
		return store.DiscoveredURL{}, errors.New("connection reset")
	}
	return f.URLRepository.GetURL(ctx, siteID, rawURL)
}

func TestRefreshJobRetriesLeavesAfterEnqueueFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	urls := &flakyURLs{URLRepository: e.repo}
	urls.failures.Store(2)
	traverser := sitemap.NewTraverser(docFetcher{"https://a.example/posts.xml": postsDoc}, sitemap.Config{}, nil)
	detector := discovery.NewDetector(urls, e.queue, id.NewSequence("url"), nil)
	job := NewRefreshJob(e.repo, traverser, detector, e.events, NewReports(10), e.clock, nil)

	_, err := job.Run(context.Background())
	require.NoError(t, err)
	first := job.Reports().List("src-a", 1)[0]
	require.Equal(t, 2, first.Discovery.Failed)

	sources, err := e.repo.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.Empty(t, sources[0].ContentHash, "hash is not advanced past unstored leaves")

	_, err = job.Run(context.Background())
	require.NoError(t, err)
	second := job.Reports().List("src-a", 1)[0]
	require.False(t, second.NotModified)
	require.Equal(t, 2, second.Discovery.New)

	stored, err := e.repo.GetURL(context.Background(), "site-a", "https://a.example/p/1")
	require.NoError(t, err)
	require.True(t, stored.Queued())

	sources, err = e.repo.ListActiveSources(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sources[0].ContentHash)
}

func TestRefreshJobAbortsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	e := newEnv(t, quota.Config{})
	addSource(t, e, "src-a", "site-a", "https://a.example/posts.xml", true)
	addSource(t, e, "src-b", "site-b", "https://b.example/posts.xml", true)
	traverser := sitemap.NewTraverser(docFetcher{"https://a.example/posts.xml": postsDoc}, sitemap.Config{}, nil)
	detector := discovery.NewDetector(failingURLs{URLRepository: e.repo, err: store.ErrUnavailable}, e.queue, nil, nil)
	job := NewRefreshJob(e.repo, traverser, detector, nil, nil, e.clock, nil)

	report, err := job.Run(context.Background())
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.Equal(t, 1, report.Processed)
}

func TestReportsHistoryIsBounded(t *testing.T) {
	t.Parallel()

	r := NewReports(3)
	for i := range 5 {
		r.Add(TraversalReport{SourceID: fmt.Sprintf("src-%d", i%2), SiteID: fmt.Sprint(i)})
	}
	all := r.List("", 0)
	require.Len(t, all, 3)
	require.Equal(t, "4", all[0].SiteID)
	require.Equal(t, "2", all[2].SiteID)

	require.Len(t, r.List("src-0", 0), 2)
	require.Len(t, r.List("", 1), 1)
}
