package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/discovery"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Traverser expands one source into leaves. *sitemap.Traverser satisfies it.
type Traverser interface {
	Traverse(ctx context.Context, src store.SitemapSource) (*sitemap.Result, error)
}

// Reconciler applies leaves to stored URLs. *discovery.Detector satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, siteID, sourceID string, leaves []sitemap.Leaf) (discovery.Outcome, error)
}

// SubmissionQueue is the part of *queue.Service the submission job needs.
type SubmissionQueue interface {
	DequeueBatch(ctx context.Context, n int) ([]store.DiscoveredURL, error)
	MarkSubmitted(ctx context.Context, u store.DiscoveredURL) error
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// VerificationQueue is the part of *queue.Service the verification job needs.
type VerificationQueue interface {
	DueForVerification(ctx context.Context, n int, olderThan time.Duration) ([]store.DiscoveredURL, error)
	RecordStatus(ctx context.Context, id string, status store.IndexStatus) error
}

// Permits issues per-call permits. *quota.Registry satisfies it.
type Permits interface {
	Acquire(ctx context.Context, siteID string, kind store.APIKind) (*quota.Permit, error)
}

// Archive stores root sitemap documents. *gcs.BlobStore and *local.BlobStore satisfy it.
type Archive interface {
	PutObject(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// systemic reports whether err means the whole job should stop.
func systemic(err error) bool {
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// siteCache resolves site identities once per job run.
type siteCache struct {
	repo  store.SiteRepository
	mu    sync.Mutex
	sites map[string]store.Site
}

func newSiteCache(repo store.SiteRepository) *siteCache {
	return &siteCache{repo: repo, sites: make(map[string]store.Site)}
}

func (c *siteCache) get(ctx context.Context, id string) (store.Site, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if site, ok := c.sites[id]; ok {
		return site, nil
	}
	site, err := c.repo.GetSite(ctx, id)
	if err != nil {
		return store.Site{}, err
	}
	c.sites[id] = site
	return site, nil
}

// tally accumulates per-URL results from concurrent workers.
type tally struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	throttled int
	deferred  int
	parked    int
}

func (t *tally) add(fn func(*tally)) {
	t.mu.Lock()
	fn(t)
	t.mu.Unlock()
}

// siteSet records sites that stopped accepting work for the current run.
type siteSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSiteSet() *siteSet {
	return &siteSet{ids: make(map[string]struct{})}
}

// add reports whether id was newly added.
func (s *siteSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *siteSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

type statusCount struct {
	mu     sync.Mutex
	counts map[store.IndexStatus]int
}

func newStatusCount() *statusCount {
	return &statusCount{counts: make(map[store.IndexStatus]int)}
}

func (s *statusCount) inc(status store.IndexStatus) {
	s.mu.Lock()
	s.counts[status]++
	s.mu.Unlock()
}

func (s *statusCount) snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[string(k)] = v
	}
	return out
}
