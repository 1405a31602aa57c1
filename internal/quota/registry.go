// Package quota issues permits for calls to the remote indexing APIs. A
// permit requires remaining daily quota, a rate token and a per-site
// concurrency slot; the quota estimate itself is learned from responses.
package quota

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitemap-indexer/internal/clock"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const (
	defaultSubmissionLimit   = 50
	defaultVerificationLimit = 500
	defaultMaxConcurrent     = 2
	persistTimeout           = 5 * time.Second
)

// ErrQuotaExceeded is returned by Acquire when today's quota is used up.
// Callers defer the work to a later run instead of waiting.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// Config tunes the registry.
type Config struct {
	DefaultSubmission   int
	DefaultVerification int
	// MaxConcurrent bounds in-flight calls per site across both API kinds.
	MaxConcurrent int
}

type stateKey struct {
	site string
	kind store.APIKind
}

// Registry tracks quota state per site and API kind. Construct one per
// process and share it.
type Registry struct {
	repo    store.QuotaRepository
	limiter *ratelimit.Limiter
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	states map[stateKey]*store.QuotaState
	slots  map[string]*semaphore.Weighted
}

// NewRegistry constructs a Registry. repo may be nil to keep state in memory only.
func NewRegistry(repo store.QuotaRepository, limiter *ratelimit.Limiter, clk clock.Clock, cfg Config, logger *zap.Logger) *Registry {
	if cfg.DefaultSubmission <= 0 {
		cfg.DefaultSubmission = defaultSubmissionLimit
	}
	if cfg.DefaultVerification <= 0 {
		cfg.DefaultVerification = defaultVerificationLimit
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		repo:    repo,
		limiter: limiter,
		clock:   clk,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("quota"),
		states:  make(map[stateKey]*store.QuotaState),
		slots:   make(map[string]*semaphore.Weighted),
	}
}

// Load restores persisted state. It is called once at startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	states, err := r.repo.LoadQuotaStates(ctx)
	if err != nil {
		return fmt.Errorf("load quota states: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		state := s
		r.states[stateKey{s.SiteID, s.Kind}] = &state
		metrics.SetQuota(s.SiteID, string(s.Kind), s.DailyLimit, s.Confidence)
	}
	return nil
}

func (r *Registry) defaultLimit(kind store.APIKind) int {
	if kind == store.APIVerification {
		return r.cfg.DefaultVerification
	}
	return r.cfg.DefaultSubmission
}

// stateLocked returns the live state for a key, rolling usage over at the
// UTC day boundary.
func (r *Registry) stateLocked(siteID string, kind store.APIKind, now time.Time) *store.QuotaState {
	key := stateKey{siteID, kind}
	today := now.UTC().Format(time.DateOnly)
	q, ok := r.states[key]
	if !ok {
		q = &store.QuotaState{
			SiteID:     siteID,
			Kind:       kind,
			DailyLimit: r.defaultLimit(kind),
			Status:     store.QuotaPending,
			UsageDate:  today,
		}
		r.states[key] = q
	}
	if q.DailyLimit <= 0 {
		q.DailyLimit = r.defaultLimit(kind)
	}
	if q.UsageDate != today {
		q.UsageDate = today
		q.UsedToday = 0
	}
	return q
}

func (r *Registry) slotsFor(siteID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.slots[siteID]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.cfg.MaxConcurrent))
		r.slots[siteID] = sem
	}
	return sem
}

// Acquire reserves one call for siteID and kind. It fails fast with
// ErrQuotaExceeded when the day's quota is spent, otherwise waits for a rate
// token and a concurrency slot. The returned permit must be released.
func (r *Registry) Acquire(ctx context.Context, siteID string, kind store.APIKind) (*Permit, error) {
	if err := r.reserve(siteID, kind); err != nil {
		metrics.ObservePermit(string(kind), "exceeded")
		return nil, err
	}

	if err := r.limiter.Wait(ctx, ratelimit.Key(siteID, string(kind))); err != nil {
		r.refund(siteID, kind)
		metrics.ObservePermit(string(kind), "cancelled")
		return nil, fmt.Errorf("acquire %s permit: %w", kind, err)
	}
	sem := r.slotsFor(siteID)
	if err := sem.Acquire(ctx, 1); err != nil {
		r.refund(siteID, kind)
		metrics.ObservePermit(string(kind), "cancelled")
		return nil, fmt.Errorf("acquire %s slot: %w", kind, err)
	}

	metrics.ObservePermit(string(kind), "granted")
	metrics.IncPermitsInFlight(string(kind))
	return &Permit{registry: r, site: siteID, kind: kind, sem: sem}, nil
}

func (r *Registry) reserve(siteID string, kind store.APIKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.stateLocked(siteID, kind, r.clock.Now())
	if q.UsedToday >= q.DailyLimit {
		return fmt.Errorf("%w: site %s %s limit %d", ErrQuotaExceeded, siteID, kind, q.DailyLimit)
	}
	q.UsedToday++
	r.persistLocked(q)
	return nil
}

func (r *Registry) refund(siteID string, kind store.APIKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.stateLocked(siteID, kind, r.clock.Now())
	if q.UsedToday > 0 {
		q.UsedToday--
	}
	r.persistLocked(q)
}

// RecordSuccess feeds a successful call into quota discovery.
func (r *Registry) RecordSuccess(siteID string, kind store.APIKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	q := r.stateLocked(siteID, kind, now)
	applySuccess(q, r.defaultLimit(kind), now)
	r.persistLocked(q)
}

// Record429 feeds a throttling response into quota discovery.
func (r *Registry) Record429(siteID string, kind store.APIKind, hadRetryAfter bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	q := r.stateLocked(siteID, kind, now)
	applyThrottle(q, hadRetryAfter, now)
	r.logger.Warn("quota throttled",
		zap.String("site_id", siteID),
		zap.String("kind", string(kind)),
		zap.Int("daily_limit", q.DailyLimit),
		zap.Float64("confidence", q.Confidence),
		zap.String("status", string(q.Status)),
	)
	r.persistLocked(q)
}

// persistLocked saves q while r.mu is held so writes reach the store in
// mutation order. Failures are logged and otherwise ignored.
func (r *Registry) persistLocked(q *store.QuotaState) {
	metrics.SetQuota(q.SiteID, string(q.Kind), q.DailyLimit, q.Confidence)
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.repo.SaveQuotaState(ctx, *q); err != nil {
		r.logger.Warn("failed to persist quota state",
			zap.String("site_id", q.SiteID),
			zap.String("kind", string(q.Kind)),
			zap.Error(err),
		)
	}
}

// State returns a copy of the current state for one key.
func (r *Registry) State(siteID string, kind store.APIKind) store.QuotaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.stateLocked(siteID, kind, r.clock.Now())
}

// Remaining reports how many calls are left today for one key.
func (r *Registry) Remaining(siteID string, kind store.APIKind) int {
	return r.State(siteID, kind).Remaining()
}

// Snapshot returns copies of every tracked state, ordered by site then kind.
func (r *Registry) Snapshot() []store.QuotaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]store.QuotaState, 0, len(r.states))
	for key := range r.states {
		out = append(out, *r.stateLocked(key.site, key.kind, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID != out[j].SiteID {
			return out[i].SiteID < out[j].SiteID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Permit authorizes one remote call. Release must run on every path; Success
// and Throttled release as well.
type Permit struct {
	registry *Registry
	site     string
	kind     store.APIKind
	sem      *semaphore.Weighted
	once     sync.Once
}

// Release returns the concurrency slot. It is safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.sem.Release(1)
		metrics.DecPermitsInFlight(string(p.kind))
	})
}

// Success records a successful call and releases the permit.
func (p *Permit) Success() {
	p.registry.RecordSuccess(p.site, p.kind)
	p.Release()
}

// Throttled records a 429 and releases the permit. hadRetryAfter reports
// whether the server said when to come back.
func (p *Permit) Throttled(hadRetryAfter bool) {
	p.registry.Record429(p.site, p.kind, hadRetryAfter)
	p.Release()
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. ok is false when the header is absent or invalid.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	if d := when.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
