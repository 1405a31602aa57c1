package pipeline

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/publisher"
	"github.com/JakeFAU/sitemap-indexer/internal/scheduler"
	"github.com/JakeFAU/sitemap-indexer/internal/sitemap"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// RefreshJob traverses every active source and feeds its leaves to discovery.
type RefreshJob struct {
	sources   store.SourceRepository
	traverser Traverser
	detector  Reconciler
	publisher publisher.Publisher
	reports   *Reports
	clock     clock.Clock
	archive   Archive
	logger    *zap.Logger
}

// NewRefreshJob constructs a RefreshJob. A nil publisher discards events and a
// nil reports keeps a default-sized history.
func NewRefreshJob(
	sources store.SourceRepository,
	traverser Traverser,
	detector Reconciler,
	pub publisher.Publisher,
	reports *Reports,
	clk clock.Clock,
	logger *zap.Logger,
) *RefreshJob {
	if pub == nil {
		pub = publisher.Nop{}
	}
	if reports == nil {
		reports = NewReports(0)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RefreshJob{
		sources:   sources,
		traverser: traverser,
		detector:  detector,
		publisher: pub,
		reports:   reports,
		clock:     clk,
		logger:    logging.OrNop(logger).Named("refresh"),
	}
}

// SetArchive makes the job store each changed root document in blobs.
func (j *RefreshJob) SetArchive(blobs Archive) {
	j.archive = blobs
}

// Reports exposes the traversal history.
func (j *RefreshJob) Reports() *Reports {
	return j.reports
}

// Run refreshes all active sources in order. A failing source is counted and
// the job continues; a systemic store or context error aborts it.
func (j *RefreshJob) Run(ctx context.Context) (scheduler.Report, error) {
	sources, err := j.sources.ListActiveSources(ctx)
	if err != nil {
		return scheduler.Report{}, fmt.Errorf("list sources: %w", err)
	}

	report := scheduler.Report{Checkpoint: map[string]any{"stage": "refresh"}}
	perSource := make(map[string]any, len(sources))
	for _, src := range sources {
		rep, err := j.RefreshSource(ctx, src)
		report.Processed++
		perSource[src.ID] = checkpointOf(rep)
		if err != nil {
			report.Checkpoint["sources"] = perSource
			return report, err
		}
		if rep.Failed {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	report.Checkpoint["stage"] = "complete"
	report.Checkpoint["sources"] = perSource
	return report, nil
}

// RefreshSource runs one traversal and reconciliation. The returned error is
// non-nil only for systemic failures; per-source failures are in the report.
func (j *RefreshJob) RefreshSource(ctx context.Context, src store.SitemapSource) (rep TraversalReport, err error) {
	rep = TraversalReport{
		SourceID:  src.ID,
		SiteID:    src.SiteID,
		StartedAt: j.clock.Now(),
	}
	defer func() {
		rep.FinishedAt = j.clock.Now()
		j.reports.Add(rep)
	}()

	log := j.logger.With(zap.String("site_id", src.SiteID), zap.String("source_id", src.ID))

	res, terr := j.traverser.Traverse(ctx, src)
	rep.Summary = res.Summary
	rep.Kind = string(res.Kind)
	rep.NotModified = res.NotModified
	if terr != nil {
		if systemic(terr) {
			return rep, fmt.Errorf("traverse source %s: %w", src.ID, terr)
		}
		rep.Failed = true
		rep.Error = rootFailure(res.Summary)
		log.Warn("sitemap refresh failed", zap.String("stage", rep.Error))
		return rep, nil
	}

	if res.Body != nil && j.archive != nil {
		rep.ArchiveURI = j.archiveRoot(ctx, src, res, log)
	}

	if !res.NotModified {
		outcome, rerr := j.detector.Reconcile(ctx, src.SiteID, src.ID, res.Leaves)
		rep.Discovery = outcome
		for _, u := range outcome.FailedURLs {
			rep.Summary.Record(sitemap.StageEnqueue, u)
		}
		if rerr != nil {
			rep.Failed = true
			rep.Error = "discovery aborted"
			return rep, fmt.Errorf("reconcile source %s: %w", src.ID, rerr)
		}
	}

	state := store.SourceFetchState{
		Kind:         res.Kind,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		ContentHash:  res.ContentHash,
		FetchedAt:    j.clock.Now(),
	}
	if rep.Discovery.Failed > 0 {
		// Leaves that failed to store must be seen again on the next run.
		state.ETag = src.ETag
		state.LastModified = src.LastModified
		state.ContentHash = src.ContentHash
		log.Warn("keeping previous validators after discovery failures", zap.Int("failed", rep.Discovery.Failed))
	}
	if uerr := j.sources.UpdateSourceFetchState(ctx, src.ID, state); uerr != nil {
		if systemic(uerr) {
			return rep, fmt.Errorf("update source %s: %w", src.ID, uerr)
		}
		log.Warn("failed to record source fetch state", zap.Error(uerr))
	}

	if rep.Summary.Leaves == 0 && rep.Summary.Failures() > 0 {
		rep.Failed = true
		rep.Error = "no leaves recovered"
	}

	j.publish(ctx, rep, log)
	log.Info("sitemap refreshed",
		zap.String("kind", rep.Kind),
		zap.Bool("not_modified", rep.NotModified),
		zap.Int("leaves", rep.Summary.Leaves),
		zap.Int("new", rep.Discovery.New),
		zap.Int("modified", rep.Discovery.Modified),
		zap.Int("failures", rep.Summary.Failures()),
	)
	return rep, nil
}

func (j *RefreshJob) publish(ctx context.Context, rep TraversalReport, log *zap.Logger) {
	failures := make(map[string]int, len(rep.Summary.Counts))
	for stage, n := range rep.Summary.Counts {
		failures[string(stage)] = n
	}
	event := publisher.SitemapRefreshed{
		SiteID:      rep.SiteID,
		SourceID:    rep.SourceID,
		Kind:        rep.Kind,
		NotModified: rep.NotModified,
		Leaves:      rep.Summary.Leaves,
		New:         rep.Discovery.New,
		Modified:    rep.Discovery.Modified,
		Unchanged:   rep.Discovery.Unchanged,
		Failures:    failures,
		ArchiveURI:  rep.ArchiveURI,
		RefreshedAt: j.clock.Now(),
	}
	if _, err := j.publisher.Publish(ctx, publisher.TopicSitemapRefreshed, event); err != nil {
		log.Warn("failed to publish refresh event", zap.Error(err))
	}
}

// archiveRoot stores the root document under site/source/hash. Failures are
// logged and never fail the source.
func (j *RefreshJob) archiveRoot(ctx context.Context, src store.SitemapSource, res *sitemap.Result, log *zap.Logger) string {
	name := path.Join(src.SiteID, src.ID, res.ContentHash+".xml")
	uri, err := j.archive.PutObject(ctx, name, "application/xml", res.Body)
	if err != nil {
		log.Warn("failed to archive sitemap", zap.Error(err))
		return ""
	}
	return uri
}

// rootFailure names the stage that stopped a traversal at its root.
func rootFailure(s sitemap.Summary) string {
	for _, stage := range s.Stages() {
		if stage == sitemap.StageFetch || stage == sitemap.StageParse {
			return string(stage)
		}
	}
	return "traversal failed"
}

func checkpointOf(rep TraversalReport) map[string]any {
	cp := map[string]any{
		"leaves":       rep.Summary.Leaves,
		"new":          rep.Discovery.New,
		"modified":     rep.Discovery.Modified,
		"not_modified": rep.NotModified,
		"failed":       rep.Failed,
	}
	if n := rep.Summary.Failures(); n > 0 {
		stages := make(map[string]int, len(rep.Summary.Counts))
		for stage, c := range rep.Summary.Counts {
			stages[string(stage)] = c
		}
		cp["failures"] = stages
	}
	return cp
}
