package sitemap

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const urlsetDoc = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:image="http://www.google.com/schemas/sitemap-image/1.1">
  <url>
    <loc> https://example.com/a </loc>
    <lastmod>2024-05-01T10:00:00+02:00</lastmod>
    <changefreq>Daily</changefreq>
    <priority>0.8</priority>
    <image:image><image:loc>https://cdn.example.com/a.png</image:loc></image:image>
  </url>
  <url><loc>https://example.com/b</loc><lastmod>2024-05-02</lastmod><priority>7</priority></url>
  <url><lastmod>2024-05-03</lastmod></url>
  <url><loc>https://example.com/c</loc><lastmod>yesterday</lastmod><priority>abc</priority></url>
</urlset>`

const indexDoc = `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap1.xml</loc><lastmod>2024-05-01T10:00Z</lastmod></sitemap>
  <sitemap><loc>https://example.com/sitemap2.xml</loc></sitemap>
</sitemapindex>`

func collect(t *testing.T, data string, kind Kind) ([]RawEntry, error) {
	t.Helper()
	var out []RawEntry
	for entry, err := range StreamEntries([]byte(data), kind) {
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func TestDetectKind(t *testing.T) {
	t.Parallel()

	kind, err := DetectKind([]byte(urlsetDoc))
	require.NoError(t, err)
	require.Equal(t, KindURLSet, kind)

	kind, err = DetectKind([]byte(indexDoc))
	require.NoError(t, err)
	require.Equal(t, KindIndex, kind)

	for name, doc := range map[string]string{
		"html":      "<!doctype html><html><body>hi</body></html>",
		"empty":     "",
		"text":      "just text",
		"malformed": "<urlset",
		"rss":       `<?xml version="1.0"?><rss version="2.0"></rss>`,
	} {
		_, err := DetectKind([]byte(doc))
		require.ErrorIs(t, err, ErrParse, name)
		var pe *ParseError
		require.True(t, errors.As(err, &pe), name)
	}
}

func TestStreamEntriesURLSet(t *testing.T) {
	t.Parallel()

	entries, err := collect(t, urlsetDoc, KindURLSet)
	require.NoError(t, err)
	require.Len(t, entries, 3, "entry without loc is skipped")

	a := entries[0]
	require.Equal(t, "https://example.com/a", a.URL)
	require.NotNil(t, a.LastMod)
	require.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), *a.LastMod)
	require.Equal(t, "daily", *a.ChangeFreq)
	require.InDelta(t, 0.8, *a.Priority, 1e-9)

	b := entries[1]
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), *b.LastMod)
	require.Nil(t, b.Priority, "priority outside 0..1")
	require.Nil(t, b.ChangeFreq)

	c := entries[2]
	require.Nil(t, c.LastMod)
	require.Nil(t, c.Priority)
}

func TestStreamEntriesIndex(t *testing.T) {
	t.Parallel()

	entries, err := collect(t, indexDoc, KindIndex)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://example.com/sitemap1.xml", entries[0].URL)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), *entries[0].LastMod)
}

func TestStreamEntriesMalformedIsTerminal(t *testing.T) {
	t.Parallel()

	doc := `<urlset><url><loc>https://example.com/a</loc></url><url><loc>https://example.com/b</loc></urlset>`
	entries, err := collect(t, doc, KindURLSet)
	require.ErrorIs(t, err, ErrParse)
	require.Len(t, entries, 1, "entries before the error are still produced")
}

func TestStreamEntriesStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	seen := 0
	for range StreamEntries([]byte(urlsetDoc), KindURLSet) {
		seen++
		break
	}
	require.Equal(t, 1, seen)
}

func TestParseLastModLayouts(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"2024-05-01T10:00:00Z":      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		"2024-05-01T10:00:00.5Z":    time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC),
		"2024-05-01T10:00+01:00":    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		"2024-05-01T10:00:00":       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		"2024-05-01T10:00":          time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		" 2024-05-01 ":              time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		"2024-05-01T10:00:00-05:00": time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got := parseLastMod(raw)
		require.NotNil(t, got, raw)
		require.True(t, want.Equal(*got), raw)
	}
	require.Nil(t, parseLastMod(""))
	require.Nil(t, parseLastMod("May 1st"))
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/Path?b=2&a=1#frag": "https://example.com/Path?b=2&a=1",
		"http://example.com:80":                     "http://example.com/",
		"http://example.com:8080/x":                 "http://example.com:8080/x",
		"https://user:pw@example.com/x":             "https://example.com/x",
	}
	for raw, want := range cases {
		got, err := Canonicalize(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	for _, raw := range []string{"ftp://example.com/x", "mailto:a@example.com", "https:///x", "/relative"} {
		_, err := Canonicalize(raw)
		require.ErrorIs(t, err, ErrUnsupportedURL, raw)
	}
	_, err := Canonicalize("%zz")
	require.Error(t, err)
}
