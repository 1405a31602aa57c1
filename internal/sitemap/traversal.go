package sitemap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-indexer/internal/fetcher/secure"
	"github.com/JakeFAU/sitemap-indexer/internal/hash/sha256"
	"github.com/JakeFAU/sitemap-indexer/internal/logging"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

const (
	defaultMaxDepth    = 5
	defaultMaxChildren = 1000
	defaultConcurrency = 4
	maxSamplesPerStage = 5
)

// Stage labels a category of traversal failure.
type Stage string

// Traversal stages.
const (
	StageFetch       Stage = "fetch"
	StageParse       Stage = "parse"
	StageDepthLimit  Stage = "index_depth_limit"
	StageChildLimit  Stage = "index_child_limit"
	StageChildPolicy Stage = "fetch_child_policy"
	StageChildFetch  Stage = "fetch_child"
	StageEnqueue     Stage = "enqueue"
)

// ErrLimitExceeded is matched by every *LimitError.
var ErrLimitExceeded = errors.New("traversal limit exceeded")

// LimitError reports a branch abandoned because of a traversal bound.
type LimitError struct {
	// Limit is "depth" or "fanout".
	Limit string
	Value int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("traversal %s limit %d exceeded", e.Limit, e.Value)
}

// Is lets errors.Is match ErrLimitExceeded.
func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// Fetcher retrieves one sitemap document.
type Fetcher interface {
	Fetch(ctx context.Context, req secure.Request) (*secure.Response, error)
}

// Config bounds a traversal.
type Config struct {
	MaxDepth    int
	MaxChildren int
	Concurrency int
}

// Leaf is a content URL discovered through a urlset.
type Leaf struct {
	URL        string
	LastMod    *time.Time
	ChangeFreq *string
	Priority   *float64
	// Sitemap is the canonical URL of the urlset that listed the entry.
	Sitemap string
}

// Summary is the stage-grouped outcome of one traversal, safe to expose.
type Summary struct {
	Counts map[Stage]int `json:"counts"`
	// Samples holds up to a few sanitized host+path URLs per stage.
	Samples       map[Stage][]string `json:"samples,omitempty"`
	Leaves        int                `json:"leaves"`
	ChildSitemaps int                `json:"child_sitemaps"`
}

// Failures is the total number of recorded failures across stages.
func (s Summary) Failures() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// Result is the outcome of Traverse.
type Result struct {
	Leaves  []Leaf
	Summary Summary
	// Kind, ETag, LastModified and ContentHash describe the root document.
	Kind         Kind
	ETag         string
	LastModified string
	ContentHash  string
	// NotModified is set when the root was unchanged since the previous fetch.
	NotModified bool
	// Body is the decoded root document when its content hash changed.
	Body []byte
}

// Traverser expands sitemap sources into leaf URLs.
type Traverser struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
}

// NewTraverser constructs a Traverser; zero config values take defaults.
func NewTraverser(fetcher Fetcher, cfg Config, logger *zap.Logger) *Traverser {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxChildren <= 0 {
		cfg.MaxChildren = defaultMaxChildren
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Traverser{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("traversal"),
	}
}

// walk is the per-trigger traversal context. It is never shared between calls.
type walk struct {
	t      *Traverser
	source store.SitemapSource

	mu       sync.Mutex
	visited  map[string]struct{}
	children int
	summary  Summary
}

// Traverse fetches the source and, for indexes, its children recursively.
// A root fetch or parse failure is returned as an error alongside a Result
// whose summary records the stage. Child failures are only recorded.
func (t *Traverser) Traverse(ctx context.Context, src store.SitemapSource) (*Result, error) {
	w := &walk{
		t:       t,
		source:  src,
		visited: make(map[string]struct{}),
		summary: Summary{Counts: make(map[Stage]int), Samples: make(map[Stage][]string)},
	}
	res, err := w.run(ctx)
	res.Summary = w.summary
	res.Summary.Leaves = len(res.Leaves)
	metrics.ObserveTraversal(stageCounts(res.Summary.Counts), len(res.Leaves))
	return res, err
}

func (w *walk) run(ctx context.Context) (*Result, error) {
	root, err := Canonicalize(w.source.URL)
	if err != nil {
		w.record(StageFetch, w.source.URL, err)
		return &Result{Kind: w.source.Kind}, fmt.Errorf("canonicalize root: %w", err)
	}
	w.visited[root] = struct{}{}

	req := secure.Request{URL: root}
	// Validators only describe the root document; an index body can be
	// unchanged while its children are not.
	if w.source.Kind == KindURLSet {
		req.ETag = w.source.ETag
		req.LastModified = w.source.LastModified
	}
	resp, err := w.t.fetcher.Fetch(ctx, req)
	if err != nil {
		w.record(StageFetch, root, err)
		return &Result{Kind: w.source.Kind}, fmt.Errorf("fetch root sitemap: %w", err)
	}
	res := &Result{
		Kind:         w.source.Kind,
		ETag:         firstNonEmpty(resp.ETag, w.source.ETag),
		LastModified: firstNonEmpty(resp.LastModified, w.source.LastModified),
		ContentHash:  w.source.ContentHash,
	}
	if resp.NotModified {
		res.NotModified = true
		return res, nil
	}

	kind, err := DetectKind(resp.Body)
	if err != nil {
		w.record(StageParse, root, err)
		return res, fmt.Errorf("parse root sitemap: %w", err)
	}
	res.Kind = kind
	digest, same := sha256.Unchanged(w.source.ContentHash, resp.Body)
	res.ContentHash = digest
	if !same {
		res.Body = resp.Body
	}
	if same && kind == KindURLSet {
		res.NotModified = true
		return res, nil
	}

	res.Leaves = dedupe(w.expand(ctx, root, resp.Body, kind, 0))
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("traverse sitemap: %w", err)
	}
	return res, nil
}

// expand turns one fetched document into leaves. depth is the document's
// distance from the root.
func (w *walk) expand(ctx context.Context, docURL string, body []byte, kind Kind, depth int) []Leaf {
	if kind == KindURLSet {
		return w.leaves(docURL, body)
	}

	var locs []string
	for entry, err := range StreamEntries(body, KindIndex) {
		if err != nil {
			w.record(StageParse, docURL, err)
			break
		}
		locs = append(locs, entry.URL)
	}
	if len(locs) == 0 {
		return nil
	}
	if depth+1 > w.t.cfg.MaxDepth {
		w.record(StageDepthLimit, docURL, &LimitError{Limit: "depth", Value: w.t.cfg.MaxDepth})
		return nil
	}

	results := make([][]Leaf, len(locs))
	var g errgroup.Group
	g.SetLimit(w.t.cfg.Concurrency)
	for i, loc := range locs {
		child, ok := w.claim(loc)
		if !ok {
			continue
		}
		g.Go(func() error {
			results[i] = w.child(ctx, child, depth+1)
			return nil
		})
	}
	_ = g.Wait()

	var out []Leaf
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// claim canonicalizes a child location and reserves it against the visited
// set and the child budget. Already visited children are skipped silently.
func (w *walk) claim(loc string) (string, bool) {
	child, err := Canonicalize(loc)
	if err != nil {
		w.record(StageChildPolicy, loc, err)
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, seen := w.visited[child]; seen {
		return "", false
	}
	w.visited[child] = struct{}{}
	if w.children >= w.t.cfg.MaxChildren {
		w.recordLocked(StageChildLimit, child, &LimitError{Limit: "fanout", Value: w.t.cfg.MaxChildren})
		return "", false
	}
	w.children++
	w.summary.ChildSitemaps++
	return child, true
}

func (w *walk) child(ctx context.Context, childURL string, depth int) []Leaf {
	if ctx.Err() != nil {
		return nil
	}
	resp, err := w.t.fetcher.Fetch(ctx, secure.Request{URL: childURL})
	if err != nil {
		if secure.IsPolicy(err) {
			w.record(StageChildPolicy, childURL, err)
		} else {
			w.record(StageChildFetch, childURL, err)
		}
		return nil
	}
	kind, err := DetectKind(resp.Body)
	if err != nil {
		w.record(StageParse, childURL, err)
		return nil
	}
	return w.expand(ctx, childURL, resp.Body, kind, depth)
}

func (w *walk) leaves(docURL string, body []byte) []Leaf {
	var out []Leaf
	for entry, err := range StreamEntries(body, KindURLSet) {
		if err != nil {
			w.record(StageParse, docURL, err)
			break
		}
		canonical, err := Canonicalize(entry.URL)
		if err != nil {
			w.t.logger.Debug("skipping unsupported url",
				logging.URL("url", entry.URL),
				logging.URL("sitemap", docURL),
				zap.Error(err),
			)
			continue
		}
		out = append(out, Leaf{
			URL:        canonical,
			LastMod:    entry.LastMod,
			ChangeFreq: entry.ChangeFreq,
			Priority:   entry.Priority,
			Sitemap:    docURL,
		})
	}
	return out
}

func (w *walk) record(stage Stage, rawURL string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recordLocked(stage, rawURL, err)
}

func (w *walk) recordLocked(stage Stage, rawURL string, err error) {
	w.summary.Counts[stage]++
	sample := logging.SanitizeURL(rawURL)
	if len(w.summary.Samples[stage]) < maxSamplesPerStage {
		w.summary.Samples[stage] = append(w.summary.Samples[stage], sample)
	}
	w.t.logger.Info("traversal failure",
		zap.String("source_id", w.source.ID),
		zap.String("stage", string(stage)),
		zap.String("url", sample),
		zap.String("fetch_stage", string(secure.StageOf(err))),
		zap.Error(err),
	)
}

// Record adds a failure observed after traversal, such as an enqueue error,
// to the summary.
func (s *Summary) Record(stage Stage, rawURL string) {
	if s.Counts == nil {
		s.Counts = make(map[Stage]int)
	}
	if s.Samples == nil {
		s.Samples = make(map[Stage][]string)
	}
	s.Counts[stage]++
	if len(s.Samples[stage]) < maxSamplesPerStage {
		s.Samples[stage] = append(s.Samples[stage], logging.SanitizeURL(rawURL))
	}
}

// Stages lists the stages with at least one failure, sorted.
func (s Summary) Stages() []Stage {
	out := make([]Stage, 0, len(s.Counts))
	for stage, n := range s.Counts {
		if n > 0 {
			out = append(out, stage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dedupe(in []Leaf) []Leaf {
	seen := make(map[string]struct{}, len(in))
	out := make([]Leaf, 0, len(in))
	for _, leaf := range in {
		if _, ok := seen[leaf.URL]; ok {
			continue
		}
		seen[leaf.URL] = struct{}{}
		out = append(out, leaf)
	}
	return out
}

func stageCounts(counts map[Stage]int) map[string]int {
	out := make(map[string]int, len(counts))
	for stage, n := range counts {
		out[string(stage)] = n
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
