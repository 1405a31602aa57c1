// Package discovery reconciles traversal output against persisted URLs and
// decides which URLs are new, modified or unchanged.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/id"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Queue is the part of the priority queue the detector writes through.
type Queue interface {
	Insert(ctx context.Context, u store.DiscoveredURL) (store.DiscoveredURL, error)
	Enqueue(ctx context.Context, u store.DiscoveredURL) (store.DiscoveredURL, error)
}

// Outcome counts how a batch of leaves was classified.
type Outcome struct {
	New       int `json:"new"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	// FailedURLs lists the leaves that could not be stored.
	FailedURLs []string `json:"-"`
}

// Detector classifies leaves. Reconciliation for one site is serialized.
type Detector struct {
	urls   store.URLRepository
	queue  Queue
	ids    id.Generator
	logger *zap.Logger

	mu    sync.Mutex
	sites map[string]*sync.Mutex
}

// NewDetector constructs a Detector.
func NewDetector(urls store.URLRepository, queue Queue, ids id.Generator, logger *zap.Logger) *Detector {
	if ids == nil {
		ids = id.New()
	}
	return &Detector{
		urls:   urls,
		queue:  queue,
		ids:    ids,
		logger: logging.OrNop(logger).Named("discovery"),
		sites:  make(map[string]*sync.Mutex),
	}
}

func (d *Detector) siteLock(siteID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.sites[siteID]
	if !ok {
		m = &sync.Mutex{}
		d.sites[siteID] = m
	}
	return m
}

// Reconcile applies one traversal's leaves to the site's stored URLs.
// Per-leaf store failures are counted; an unavailable store or a cancelled
// context aborts the batch.
func (d *Detector) Reconcile(ctx context.Context, siteID, sourceID string, leaves []sitemap.Leaf) (Outcome, error) {
	lock := d.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	var out Outcome
	defer func() {
		metrics.ObserveDiscovery("new", out.New)
		metrics.ObserveDiscovery("modified", out.Modified)
		metrics.ObserveDiscovery("unchanged", out.Unchanged)
		metrics.ObserveDiscovery("failed", out.Failed)
	}()

	for _, leaf := range leaves {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("reconcile site %s: %w", siteID, err)
		}
		err := d.reconcileOne(ctx, siteID, sourceID, leaf, &out)
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, fmt.Errorf("reconcile site %s: %w", siteID, err)
		}
		out.Failed++
		out.FailedURLs = append(out.FailedURLs, leaf.URL)
		d.logger.Warn("failed to store discovered url",
			zap.String("site_id", siteID),
			logging.URL("url", leaf.URL),
			zap.Error(err),
		)
	}
	return out, nil
}

func (d *Detector) reconcileOne(ctx context.Context, siteID, sourceID string, leaf sitemap.Leaf, out *Outcome) error {
	existing, err := d.urls.GetURL(ctx, siteID, leaf.URL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		urlID, err := d.ids.NewID()
		if err != nil {
			return err
		}
		_, err = d.queue.Insert(ctx, store.DiscoveredURL{
			ID:             urlID,
			SiteID:         siteID,
			SourceID:       sourceID,
			URL:            leaf.URL,
			LastMod:        leaf.LastMod,
			ChangeFreq:     leaf.ChangeFreq,
			SourcePriority: leaf.Priority,
		})
		if err != nil {
			return err
		}
		out.New++
		return nil
	case err != nil:
		return fmt.Errorf("load url: %w", err)
	}

	if !newer(leaf, existing) {
		out.Unchanged++
		return nil
	}
	existing.LastMod = leaf.LastMod
	existing.ChangeFreq = leaf.ChangeFreq
	existing.SourcePriority = leaf.Priority
	existing.SourceID = sourceID
	if _, err := d.queue.Enqueue(ctx, existing); err != nil {
		return err
	}
	out.Modified++
	return nil
}

// newer reports whether the leaf carries a lastmod strictly after the stored
// one. A missing leaf lastmod never counts as a change.
func newer(leaf sitemap.Leaf, existing store.DiscoveredURL) bool {
	if leaf.LastMod == nil {
		return false
	}
	if existing.LastMod == nil {
		return true
	}
	return leaf.LastMod.After(*existing.LastMod)
}
