package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/indexapi"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/publisher"
	"github.com/JakeFAU/sitemap-indexer/internal/quota"
	"github.com/JakeFAU/sitemap-indexer/internal/scheduler"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const (
	defaultSubmissionBatch   = 50
	defaultVerificationBatch = 100
	defaultWorkers           = 4
)

// SubmissionConfig sizes a submission run.
type SubmissionConfig struct {
	Batch   int
	Workers int
}

// SubmissionJob dequeues the highest-priority URLs and submits each one under
// a quota permit.
type SubmissionJob struct {
	queue     SubmissionQueue
	sites     store.SiteRepository
	permits   Permits
	submitter indexapi.Submitter
	publisher publisher.Publisher
	clock     clock.Clock
	cfg       SubmissionConfig
	logger    *zap.Logger
}

// NewSubmissionJob constructs a SubmissionJob.
func NewSubmissionJob(
	q SubmissionQueue,
	sites store.SiteRepository,
	permits Permits,
	submitter indexapi.Submitter,
	pub publisher.Publisher,
	clk clock.Clock,
	cfg SubmissionConfig,
	logger *zap.Logger,
) *SubmissionJob {
	if cfg.Batch <= 0 {
		cfg.Batch = defaultSubmissionBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if pub == nil {
		pub = publisher.Nop{}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SubmissionJob{
		queue:     q,
		sites:     sites,
		permits:   permits,
		submitter: submitter,
		publisher: pub,
		clock:     clk,
		cfg:       cfg,
		logger:    logging.OrNop(logger).Named("submission"),
	}
}

// Run submits one batch. URLs of a site whose daily quota is spent stay
// queued untouched for the next run.
func (j *SubmissionJob) Run(ctx context.Context) (scheduler.Report, error) {
	batch, err := j.queue.DequeueBatch(ctx, j.cfg.Batch)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("dequeue batch: %w", err)
	}
	if len(batch) == 0 {
		return scheduler.Report{Checkpoint: map[string]any{"batch": 0}}, nil
	}
	j.announce(ctx, batch)

	sites := newSiteCache(j.sites)
	exhausted := newSiteSet()
	var t tally

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Workers)
	for _, u := range batch {
		g.Go(func() error {
			return j.submitOne(gctx, u, sites, exhausted, &t)
		})
	}
	werr := g.Wait()

	report := scheduler.Report{
		Processed: len(batch),
		Succeeded: t.succeeded,
		Failed:    t.failed,
		Checkpoint: map[string]any{
			"batch":     len(batch),
			"throttled": t.throttled,
			"deferred":  t.deferred,
			"parked":    t.parked,
		},
	}
	if werr != nil {
		return report, fmt.Errorf("submit batch: %w", werr)
	}
	return report, nil
}

func (j *SubmissionJob) submitOne(ctx context.Context, u store.DiscoveredURL, sites *siteCache, exhausted *siteSet, t *tally) error {
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
		return j.fail(ctx, u, t, log)
	}

	permit, err := j.permits.Acquire(ctx, u.SiteID, store.APISubmission)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			if exhausted.add(u.SiteID) {
				log.Info("daily submission quota spent; deferring site")
			}
			t.add(func(t *tally) { t.deferred++ })
			return nil
		}
		return err
	}

	err = j.submitter.Submit(ctx, site, u.URL)
	switch {
	case err == nil:
		permit.Success()
		if err := j.queue.MarkSubmitted(ctx, u); err != nil {
			return fmt.Errorf("mark submitted %s: %w", u.ID, err)
		}
		t.add(func(t *tally) { t.succeeded++ })
		return nil
	case indexapi.IsRateLimited(err):
		_, hadRetryAfter := indexapi.RetryAfterOf(err)
		permit.Throttled(hadRetryAfter)
		log.Warn("submission throttled", zap.Bool("retry_after", hadRetryAfter))
		t.add(func(t *tally) { t.failed++; t.throttled++ })
		return nil
	default:
		permit.Release()
		if systemic(err) {
			return err
		}
		log.Warn("submission failed", logging.URL("url", u.URL), zap.Error(err))
		return j.fail(ctx, u, t, log)
	}
}

func (j *SubmissionJob) fail(ctx context.Context, u store.DiscoveredURL, t *tally, log *zap.Logger) error {
	parked, err := j.queue.MarkFailed(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", u.ID, err)
	}
	t.add(func(t *tally) {
		t.failed++
		if parked {
			t.parked++
		}
	})
	if parked {
		log.Debug("url parked after repeated failures")
	}
	return nil
}

func (j *SubmissionJob) announce(ctx context.Context, batch []store.DiscoveredURL) {
	event := publisher.QueueBatch{
		ExecutionJob: scheduler.JobSubmission,
		Items:        make([]publisher.BatchEntry, 0, len(batch)),
		DequeuedAt:   j.clock.Now(),
	}
	for _, u := range batch {
		event.Items = append(event.Items, publisher.BatchEntry{URLID: u.ID, SiteID: u.SiteID, Priority: u.CurrentPriority})
	}
	if _, err := j.publisher.Publish(ctx, publisher.TopicQueueBatch, event); err != nil {
		j.logger.Warn("failed to publish batch event", zap.Int("batch", len(batch)), zap.Error(err))
	}
}
