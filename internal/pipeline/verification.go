package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-indexer/internal/indexapi"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/scheduler"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const defaultReverifyAfter = 72 * time.Hour

// VerificationConfig sizes a verification run.
type VerificationConfig struct {
	Batch   int
	Workers int
	// ReverifyAfter is how long a checked URL rests before it is inspected again.
	ReverifyAfter time.Duration
}

// VerificationJob inspects submitted URLs and records their index status.
type VerificationJob struct {
	queue     VerificationQueue
	sites     store.SiteRepository
	permits   Permits
	inspector indexapi.Inspector
	cfg       VerificationConfig
	logger    *zap.Logger
}

// NewVerificationJob constructs a VerificationJob.
func NewVerificationJob(
	q VerificationQueue,
	sites store.SiteRepository,
	permits Permits,
	inspector indexapi.Inspector,
	cfg VerificationConfig,
	logger *zap.Logger,
) *VerificationJob {
	if cfg.Batch <= 0 {
		cfg.Batch = defaultVerificationBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ReverifyAfter <= 0 {
		cfg.ReverifyAfter = defaultReverifyAfter
	}
	return &VerificationJob{
		queue:     q,
		sites:     sites,
		permits:   permits,
		inspector: inspector,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("verification"),
	}
}

// Run inspects one batch of due URLs.
func (j *VerificationJob) Run(ctx context.Context) (scheduler.Report, error) {
	due, err := j.queue.DueForVerification(ctx, j.cfg.Batch, j.cfg.ReverifyAfter)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list due urls: %w", err)
	}
	if len(due) == 0 {
		return scheduler.Report{Checkpoint: map[string]any{"batch": 0}}, nil
	}

	sites := newSiteCache(j.sites)
	exhausted := newSiteSet()
	statuses := newStatusCount()
	var t tally

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Workers)
	for _, u := range due {
		g.Go(func() error {
			return j.inspectOne(gctx, u, sites, exhausted, statuses, &t)
		})
	}
	werr := g.Wait()

	report := scheduler.Report{
		Processed: len(due),
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Checkpoint: map[string]any{
			"batch":     len(due),
			"throttled": t.throttled,
			"deferred":  t.deferred,
			"statuses":  statuses.snapshot(),
		},
	}
	if werr != nil {
		return report, fmt.Errorf("verify batch: %w", werr)
	}
	return report, nil
}

func (j *VerificationJob) inspectOne(
	ctx context.Context,
	u store.DiscoveredURL,
	sites *siteCache,
	exhausted *siteSet,
	statuses *statusCount,
	t *tally,
) error {
	log := j.logger.With(zap.String("url_id", u.ID), zap.String("site_id", u.SiteID))
	if exhausted.has(u.SiteID) {
		t.add(func(t *tally) { t.deferred++ })
		return nil
	}

	site, err := sites.get(ctx, u.SiteID)
	if err != nil {
		if systemic(err) {
			return err
		}
		log.Warn("site lookup failed", zap.Error(err))
		return j.record(ctx, u, store.StatusError, statuses, t)
	}

	permit, err := j.permits.Acquire(ctx, u.SiteID, store.APIVerification)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			if exhausted.add(u.SiteID) {
				log.Info("daily verification quota spent; deferring site")
			}
			t.add(func(t *tally) { t.deferred++ })
			return nil
		}
		return err
	}

	state, err := j.inspector.Inspect(ctx, site, u.URL)
	switch {
	case err == nil:
		permit.Success()
		return j.record(ctx, u, indexapi.MapIndexStatus(state), statuses, t)
	case indexapi.IsRateLimited(err):
		_, hadRetryAfter := indexapi.RetryAfterOf(err)
		permit.Throttled(hadRetryAfter)
		log.Warn("inspection throttled", zap.Bool("retry_after", hadRetryAfter))
		t.add(func(t *tally) { t.failed++; t.throttled++ })
		return nil
	default:
		permit.Release()
		if systemic(err) {
			return err
		}
		log.Warn("inspection failed", logging.URL("url", u.URL), zap.Error(err))
		return j.record(ctx, u, store.StatusError, statuses, t)
	}
}

func (j *VerificationJob) record(ctx context.Context, u store.DiscoveredURL, status store.IndexStatus, statuses *statusCount, t *tally) error {
	if err := j.queue.RecordStatus(ctx, u.ID, status); err != nil {
		return fmt.Errorf("record status %s: %w", u.ID, err)
	}
	statuses.inc(status)
	t.add(func(t *tally) {
		if status == store.StatusError {
			t.failed++
		} else {
			t.succeeded++
		}
	})
	return nil
}
