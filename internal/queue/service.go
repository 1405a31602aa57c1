package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const defaultMaxAttempts = 5

// ErrInvalidPriority is returned for manual priorities outside 1..100.
var ErrInvalidPriority = errors.New("manual priority must be between 1 and 100")

// Config tunes the queue.
type Config struct {
	// MaxAttempts parks a URL after this many failed submissions.
	MaxAttempts int
}

// Service owns the queue fields of discovered URLs.
type Service struct {
	urls   store.URLRepository
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

// NewService constructs a queue over urls.
func NewService(urls store.URLRepository, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Service{
		urls:   urls,
		clock:  clk,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("queue"),
	}
}

// Now exposes the queue's clock so collaborators stamp rows consistently.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

func (s *Service) prioritize(u *store.DiscoveredURL, now time.Time) {
	u.CurrentPriority = Effective(AutoPriority(u.LastMod, now), u.ManualPriority)
	u.Attempts = 0
	u.UpdatedAt = now
}

// Insert stores a newly discovered URL in the queue.
func (s *Service) Insert(ctx context.Context, u store.DiscoveredURL) (store.DiscoveredURL, error) {
	now := s.clock.Now()
	s.prioritize(&u, now)
	if u.DiscoveredAt.IsZero() {
		u.DiscoveredAt = now
	}
	if u.IndexStatus == "" {
		u.IndexStatus = store.StatusUnchecked
	}
	if err := s.urls.InsertURL(ctx, u); err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("insert url: %w", err)
	}
	return u, nil
}

// Enqueue recomputes an existing row's priority and puts it back in line.
func (s *Service) Enqueue(ctx context.Context, u store.DiscoveredURL) (store.DiscoveredURL, error) {
	now := s.clock.Now()
	auto := u
	auto.CurrentPriority = AutoPriority(u.LastMod, now)
	auto.UpdatedAt = now
	if err := s.urls.RequeueURL(ctx, auto); err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("enqueue url: %w", err)
	}
	s.prioritize(&u, now)
	return u, nil
}

// DequeueBatch returns up to n queued URLs across all sites, highest priority
// first, stamping last_attempted_at. Rows stay queued until marked.
func (s *Service) DequeueBatch(ctx context.Context, n int) ([]store.DiscoveredURL, error) {
	return s.dequeue(ctx, store.URLFilter{}, n)
}

// DequeueSiteBatch is DequeueBatch restricted to one site.
func (s *Service) DequeueSiteBatch(ctx context.Context, siteID string, n int) ([]store.DiscoveredURL, error) {
	return s.dequeue(ctx, store.URLFilter{SiteID: siteID}, n)
}

func (s *Service) dequeue(ctx context.Context, filter store.URLFilter, n int) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	batch, err := s.urls.DequeueURLs(ctx, filter, n, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("dequeue urls: %w", err)
	}
	metrics.ObserveDequeued(len(batch))
	return batch, nil
}

// Peek returns the next n queued URLs without stamping them.
func (s *Service) Peek(ctx context.Context, siteID string, n int) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.urls.PeekURLs(ctx, store.URLFilter{SiteID: siteID}, n)
	if err != nil {
		return nil, fmt.Errorf("peek urls: %w", err)
	}
	return rows, nil
}

// SetManualPriority sets or clears the override. Setting one queues the URL
// at that rank; clearing recomputes the automatic rank for queued rows.
func (s *Service) SetManualPriority(ctx context.Context, id string, priority *int) (store.DiscoveredURL, error) {
	if priority != nil && !ValidManual(*priority) {
		return store.DiscoveredURL{}, ErrInvalidPriority
	}
	u, err := s.urls.GetURLByID(ctx, id)
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("load url: %w", err)
	}
	now := s.clock.Now()
	u, err = s.urls.SetURLPriority(ctx, id, priority, AutoPriority(u.LastMod, now), now)
	if err != nil {
		return store.DiscoveredURL{}, fmt.Errorf("update priority: %w", err)
	}
	return u, nil
}

// Remove takes a URL out of the queue without submitting it.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.urls.ParkURL(ctx, id, s.clock.Now()); err != nil {
		return fmt.Errorf("remove url: %w", err)
	}
	return nil
}

// MarkSubmitted records a successful submission of a dequeued row and makes
// it eligible for verification. A row re-enqueued with a newer lastmod while
// the call was in flight stays queued.
func (s *Service) MarkSubmitted(ctx context.Context, u store.DiscoveredURL) error {
	if err := s.urls.MarkURLSubmitted(ctx, u.ID, u.LastMod, s.clock.Now()); err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	return nil
}

// MarkFailed records a failed submission. The row keeps its priority and
// moves behind its peers; after MaxAttempts failures it is parked.
func (s *Service) MarkFailed(ctx context.Context, id string) (parked bool, err error) {
	u, err := s.urls.RecordURLFailure(ctx, id, s.cfg.MaxAttempts, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if u.Attempts == s.cfg.MaxAttempts {
		s.logger.Warn("url parked after repeated submission failures",
			zap.String("url_id", u.ID),
			zap.String("site_id", u.SiteID),
			logging.URL("url", u.URL),
			zap.Int("attempts", u.Attempts),
		)
		return true, nil
	}
	return false, nil
}

// RecordStatus stores the outcome of an index inspection.
func (s *Service) RecordStatus(ctx context.Context, id string, status store.IndexStatus) error {
	if err := s.urls.RecordURLStatus(ctx, id, status, s.clock.Now()); err != nil {
		return fmt.Errorf("record status: %w", err)
	}
	return nil
}

// DueForVerification returns up to n submitted URLs never inspected or last
// inspected more than olderThan ago, least recently checked first.
func (s *Service) DueForVerification(ctx context.Context, n int, olderThan time.Duration) ([]store.DiscoveredURL, error) {
	if n <= 0 {
		return nil, nil
	}
	cutoff := s.clock.Now().Add(-olderThan)
	rows, err := s.urls.ListDueForVerification(ctx, store.URLFilter{}, n, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list due for verification: %w", err)
	}
	return rows, nil
}
