// Package publisher defines the events the pipeline announces and the
// interface used to emit them.
package publisher

import (
	"context"
	"time"
)

// Event topics.
const (
	TopicSitemapRefreshed = "sitemap.refreshed"
	TopicQueueBatch       = "queue.batch"
)

// Publisher sends a payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SitemapRefreshed is emitted after each source traversal.
type SitemapRefreshed struct {
	SiteID      string         `json:"site_id"`
	SourceID    string         `json:"source_id"`
	Kind        string         `json:"kind"`
	NotModified bool           `json:"not_modified"`
	Leaves      int            `json:"leaves"`
	New         int            `json:"new"`
	Modified    int            `json:"modified"`
	Unchanged   int            `json:"unchanged"`
	Failures    map[string]int `json:"failures,omitempty"`
	ArchiveURI  string         `json:"archive_uri,omitempty"`
	RefreshedAt time.Time      `json:"refreshed_at"`
}

// QueueBatch is emitted when a submission batch is dequeued.
type QueueBatch struct {
	ExecutionJob string       `json:"job"`
	Items        []BatchEntry `json:"items"`
	DequeuedAt   time.Time    `json:"dequeued_at"`
}

// BatchEntry is one dequeued URL.
type BatchEntry struct {
	URLID    string `json:"url_id"`
	SiteID   string `json:"site_id"`
	Priority int    `json:"priority"`
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
