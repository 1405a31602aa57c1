// Package sitemap classifies and streams XML sitemaps and expands sitemap
// indexes into flat sets of content URLs under depth and fan-out bounds.
package sitemap
