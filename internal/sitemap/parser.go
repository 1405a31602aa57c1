package sitemap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Kind is the document type of a sitemap.
type Kind = store.SourceKind

// Document kinds.
const (
	KindIndex  = store.KindIndex
	KindURLSet = store.KindURLSet
)

// ErrParse is matched by every *ParseError.
var ErrParse = errors.New("sitemap parse error")

// ParseError reports malformed or unrecognised sitemap content.
type ParseError struct {
	// Offset is the input byte offset at which decoding stopped.
	Offset int64
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse sitemap at offset %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse sitemap at offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// RawEntry is one <url> or <sitemap> element as declared by the origin.
type RawEntry struct {
	URL        string
	LastMod    *time.Time
	ChangeFreq *string
	// Priority is nil when absent, unparseable or outside 0..1.
	Priority *float64
}

type xmlEntry struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

func newDecoder(data []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(label) {
		case "utf-8", "utf8", "us-ascii", "ascii":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", label)
	}
	return dec
}

// DetectKind classifies a document by its root element.
func DetectKind(data []byte) (Kind, error) {
	dec := newDecoder(data)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return store.KindUnknown, &ParseError{Offset: dec.InputOffset(), Reason: "no root element"}
		}
		if err != nil {
			return store.KindUnknown, &ParseError{Offset: dec.InputOffset(), Reason: "malformed xml", Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "sitemapindex":
			return KindIndex, nil
		case "urlset":
			return KindURLSet, nil
		default:
			return store.KindUnknown, &ParseError{
				Offset: dec.InputOffset(),
				Reason: fmt.Sprintf("unexpected root element %q", start.Name.Local),
			}
		}
	}
}

// StreamEntries lazily decodes the entries of a document of the given kind,
// one element at a time. Entries without a <loc> are skipped. Decoding stops
// after the first error, which is always a *ParseError.
func StreamEntries(data []byte, kind Kind) iter.Seq2[RawEntry, error] {
	element := "url"
	if kind == KindIndex {
		element = "sitemap"
	}
	return func(yield func(RawEntry, error) bool) {
		dec := newDecoder(data)
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(RawEntry{}, &ParseError{Offset: dec.InputOffset(), Reason: "malformed xml", Err: err})
				return
			}
			start, ok := tok.(xml.StartElement)
			if !ok || !strings.EqualFold(start.Name.Local, element) {
				continue
			}
			var raw xmlEntry
			if err := dec.DecodeElement(&raw, &start); err != nil {
				yield(RawEntry{}, &ParseError{Offset: dec.InputOffset(), Reason: "malformed <" + element + ">", Err: err})
				return
			}
			entry, ok := raw.toEntry()
			if !ok {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (x xmlEntry) toEntry() (RawEntry, bool) {
	loc := strings.TrimSpace(x.Loc)
	if loc == "" {
		return RawEntry{}, false
	}
	entry := RawEntry{URL: loc, LastMod: parseLastMod(x.LastMod)}
	if cf := strings.ToLower(strings.TrimSpace(x.ChangeFreq)); cf != "" {
		entry.ChangeFreq = &cf
	}
	if p, err := strconv.ParseFloat(strings.TrimSpace(x.Priority), 64); err == nil && !math.IsNaN(p) && p >= 0 && p <= 1 {
		entry.Priority = &p
	}
	return entry, true
}

var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseLastMod accepts the W3C datetime profile used by sitemaps. Values
// without a zone are taken as UTC.
func parseLastMod(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range lastModLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
