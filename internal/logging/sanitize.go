package logging

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// SanitizeURL reduces a URL to host+path so credentials, query strings and
// fragments never reach logs or reports.
func SanitizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		// Unparseable input may still carry secrets after '?'.
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		if i := strings.LastIndex(raw, "@"); i >= 0 {
			raw = raw[i+1:]
		}
		return raw
	}
	return u.Host + u.EscapedPath()
}

// URL returns a zap field holding the sanitized form of raw.
func URL(key, raw string) zap.Field {
	return zap.String(key, SanitizeURL(raw))
}
