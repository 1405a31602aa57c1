package sitemap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitemap-indexer/internal/fetcher/secure"
	"github.com/JakeFAU/sitemap-indexer/internal/hash/sha256"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/netguard"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

type fakeFetcher struct {
	mu       sync.Mutex
	docs     map[string]string
	errs     map[string]error
	requests []secure.Request
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req secure.Request) (*secure.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.URL]; ok {
		return nil, err
	}
	if req.ETag != "" && req.ETag == f.docs[req.URL+"#etag"] {
		return &secure.Response{FinalURL: req.URL, StatusCode: 304, NotModified: true, ETag: req.ETag}, nil
	}
	body, ok := f.docs[req.URL]
	if !ok {
		return nil, &secure.FetchError{Stage: secure.StageStatus, URL: req.URL, StatusCode: 404, Err: errors.New("unexpected status")}
	}
	return &secure.Response{Body: []byte(body), FinalURL: req.URL, StatusCode: 200, ETag: f.docs[req.URL+"#etag"]}, nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.URL == url {
			n++
		}
	}
	return n
}

func index(children ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, c := range children {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", c)
	}
	b.WriteString("</sitemapindex>")
	return b.String()
}

func urlset(urls ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, u := range urls {
		fmt.Fprintf(&b, "<url><loc>%s</loc><lastmod>2024-05-01</lastmod></url>", u)
	}
	b.WriteString("</urlset>")
	return b.String()
}

func policyDenied(url string) error {
	return &secure.FetchError{
		Stage: secure.StagePolicy,
		URL:   url,
		Err:   &netguard.PolicyViolation{Host: "internal.example.com", Reason: "private address"},
	}
}

func source(url string) store.SitemapSource {
	return store.SitemapSource{ID: "src-1", SiteID: "site-1", URL: url, Active: true}
}

func TestTraverseIndexToChildToLeaf(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/sitemap_index.xml"] = index("https://example.com/sitemap1.xml")
	f.docs["https://example.com/sitemap1.xml"] = urlset("https://example.com/page")

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), source("https://example.com/sitemap_index.xml"))
	require.NoError(t, err)
	require.Equal(t, KindIndex, res.Kind)
	require.Len(t, res.Leaves, 1)
	require.Equal(t, "https://example.com/page", res.Leaves[0].URL)
	require.Equal(t, "https://example.com/sitemap1.xml", res.Leaves[0].Sitemap)
	require.Equal(t, 1, res.Summary.ChildSitemaps)
	require.Equal(t, 1, res.Summary.Leaves)
	require.Zero(t, res.Summary.Failures())
	require.Equal(t, sha256.Sum([]byte(f.docs["https://example.com/sitemap_index.xml"])), res.ContentHash)
	require.Equal(t, f.docs["https://example.com/sitemap_index.xml"], string(res.Body))
}

func TestTraversePrivateChildIsIsolated(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/sitemap_index.xml"] = index(
		"https://internal.example.com/secret.xml?token=abc",
		"https://example.com/sitemap1.xml",
	)
	f.errs["https://internal.example.com/secret.xml?token=abc"] = policyDenied("https://internal.example.com/secret.xml")
	f.docs["https://example.com/sitemap1.xml"] = urlset("https://example.com/a", "https://example.com/b")

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), source("https://example.com/sitemap_index.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 2)
	require.Equal(t, 1, res.Summary.Counts[StageChildPolicy])
	require.Equal(t, []string{"internal.example.com/secret.xml"}, res.Summary.Samples[StageChildPolicy])
	require.Equal(t, []Stage{StageChildPolicy}, res.Summary.Stages())
}

func TestTraverseChildFetchAndParseFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/root.xml"] = index(
		"https://example.com/missing.xml",
		"https://example.com/broken.xml",
		"ftp://example.com/nope.xml",
		"https://example.com/ok.xml",
	)
	f.docs["https://example.com/broken.xml"] = "<html>oops</html>"
	f.docs["https://example.com/ok.xml"] = urlset("https://example.com/x")

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), source("https://example.com/root.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 1)
	require.Equal(t, 1, res.Summary.Counts[StageChildFetch])
	require.Equal(t, 1, res.Summary.Counts[StageParse])
	require.Equal(t, 1, res.Summary.Counts[StageChildPolicy])
}

func TestTraverseRootFailures(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.errs["https://example.com/down.xml"] = &secure.FetchError{Stage: secure.StageConnect, Err: errors.New("refused")}
	f.docs["https://example.com/garbage.xml"] = "not xml"

	tr := NewTraverser(f, Config{}, nil)

	res, err := tr.Traverse(context.Background(), source("https://example.com/down.xml"))
	require.Error(t, err)
	require.Equal(t, 1, res.Summary.Counts[StageFetch])

	res, err = tr.Traverse(context.Background(), source("https://example.com/garbage.xml"))
	require.ErrorIs(t, err, ErrParse)
	require.Equal(t, 1, res.Summary.Counts[StageParse])
	require.Empty(t, res.Leaves)
}

func TestTraverseDepthLimitAbandonsBranch(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/root.xml"] = index("https://example.com/l1.xml", "https://example.com/leafy.xml")
	f.docs["https://example.com/l1.xml"] = index("https://example.com/l2.xml")
	f.docs["https://example.com/l2.xml"] = urlset("https://example.com/deep")
	f.docs["https://example.com/leafy.xml"] = urlset("https://example.com/shallow")

	res, err := NewTraverser(f, Config{MaxDepth: 1}, nil).Traverse(context.Background(), source("https://example.com/root.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 1)
	require.Equal(t, "https://example.com/shallow", res.Leaves[0].URL)
	require.Equal(t, 1, res.Summary.Counts[StageDepthLimit])
	require.Zero(t, f.count("https://example.com/l2.xml"))
}

func TestTraverseChildLimit(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	var children []string
	for i := range 5 {
		child := fmt.Sprintf("https://example.com/s%d.xml", i)
		children = append(children, child)
		f.docs[child] = urlset(fmt.Sprintf("https://example.com/p%d", i))
	}
	f.docs["https://example.com/root.xml"] = index(children...)

	res, err := NewTraverser(f, Config{MaxChildren: 3}, nil).Traverse(context.Background(), source("https://example.com/root.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 3)
	require.Equal(t, 3, res.Summary.ChildSitemaps)
	require.Equal(t, 2, res.Summary.Counts[StageChildLimit])
	for i, leaf := range res.Leaves {
		require.Equal(t, fmt.Sprintf("https://example.com/p%d", i), leaf.URL, "leaves keep document order")
	}
}

func TestTraverseCyclesAndDuplicates(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/a.xml"] = index("https://example.com/b.xml", "https://EXAMPLE.com/b.xml#dup")
	f.docs["https://example.com/b.xml"] = index("https://example.com/a.xml", "https://example.com/c.xml")
	f.docs["https://example.com/c.xml"] = urlset("https://example.com/p", "https://example.com/p#again")

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), source("https://example.com/a.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 1)
	require.Zero(t, res.Summary.Failures())
	require.Equal(t, 1, f.count("https://example.com/a.xml"))
	require.Equal(t, 1, f.count("https://example.com/b.xml"))
}

func TestTraverseConditionalRoot(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/s.xml"] = urlset("https://example.com/p")
	f.docs["https://example.com/s.xml#etag"] = `"v1"`

	src := source("https://example.com/s.xml")
	src.Kind = KindURLSet
	src.ETag = `"v1"`

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Empty(t, res.Leaves)
	require.Equal(t, `"v1"`, res.ETag)
}

func TestTraverseUnchangedContentHash(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	body := urlset("https://example.com/p")
	f.docs["https://example.com/s.xml"] = body

	src := source("https://example.com/s.xml")
	src.Kind = KindURLSet
	src.ContentHash = sha256.Sum([]byte(body))

	res, err := NewTraverser(f, Config{}, nil).Traverse(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res.NotModified)
	require.Empty(t, res.Leaves)
	require.Nil(t, res.Body)
}

func TestTraverseLogsSanitizedURLs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	f := newFakeFetcher()
	f.docs["https://example.com/root.xml"] = index("https://internal.example.com/x.xml?key=s3cret")
	f.errs["https://internal.example.com/x.xml?key=s3cret"] = policyDenied("https://internal.example.com/x.xml")

	_, err := NewTraverser(f, Config{}, zap.New(core)).Traverse(context.Background(), source("https://example.com/root.xml"))
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "internal.example.com/x.xml", entry.ContextMap()["url"])
	require.NotContains(t, fmt.Sprint(entry.ContextMap()), "s3cret")
}

func TestTraverseHonorsCancellation(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.docs["https://example.com/root.xml"] = index("https://example.com/s1.xml")
	f.docs["https://example.com/s1.xml"] = urlset("https://example.com/p")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewTraverser(f, Config{}, nil).Traverse(ctx, source("https://example.com/root.xml"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.Zero(t, f.count("https://example.com/s1.xml"))
}

func TestLimitError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrap: %w", &LimitError{Limit: "depth", Value: 5})
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Contains(t, err.Error(), "depth limit 5")
}

func TestTraverseSkipsUnsupportedLeaves(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	f := newFakeFetcher()
	f.docs["https://example.com/root.xml"] = urlset("https://example.com/a", "mailto:ops@example.com", "https://example.com/b")

	res, err := NewTraverser(f, Config{}, zap.New(core)).Traverse(context.Background(), source("https://example.com/root.xml"))
	require.NoError(t, err)
	require.Len(t, res.Leaves, 2)
	require.Equal(t, 1, logs.FilterMessage("skipping unsupported url").Len())
}
