package indexapi

import (
	"strings"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

var indexedStates = map[string]struct{}{
	"indexed":                                  {},
	"submitted and indexed":                    {},
	"indexed, not submitted in sitemap":        {},
	"alternate page with proper canonical tag": {},
	"pass": {},
}

// MapIndexStatus converts a remote coverage state into the internal vocabulary.
func MapIndexStatus(raw string) store.IndexStatus {
	state := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case state == "":
		return store.StatusUnchecked
	case isIndexed(state):
		return store.StatusIndexed
	case strings.Contains(state, "soft 404"):
		return store.StatusSoft404
	case strings.Contains(state, "blocked"), strings.Contains(state, "robots"):
		return store.StatusBlocked
	case state == "inspection_failed", state == "unknown", state == "error",
		strings.Contains(state, "verdict_unspecified"):
		return store.StatusError
	default:
		return store.StatusNotIndexed
	}
}

func isIndexed(state string) bool {
	_, ok := indexedStates[state]
	return ok
}
