package indexapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

func TestMapIndexStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]store.IndexStatus{
		"":                      store.StatusUnchecked,
		"  ":                    store.StatusUnchecked,
		"Indexed":               store.StatusIndexed,
		"Submitted and indexed": store.StatusIndexed,
		"Alternate page with proper canonical tag": store.StatusIndexed,
		"Soft 404":                              store.StatusSoft404,
		"Blocked by robots.txt":                 store.StatusBlocked,
		"Blocked due to access forbidden (403)": store.StatusBlocked,
		"inspection_failed":                     store.StatusError,
		"UNKNOWN":                               store.StatusError,
		"Crawled - currently not indexed":       store.StatusNotIndexed,
		"Discovered - currently not indexed":    store.StatusNotIndexed,
		"Excluded by 'noindex' tag":             store.StatusNotIndexed,
	}
	for raw, want := range cases {
		require.Equal(t, want, MapIndexStatus(raw), raw)
	}
}
