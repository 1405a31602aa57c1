// Package queue ranks discovered URLs and serves them for submission in
// priority order.
package queue

import (
	"math"
	"time"
)

// Priority bounds.
const (
	MinPriority   = 1
	MaxPriority   = 100
	FloorPriority = 10
)

const day = 24 * time.Hour

// AutoPriority ranks a URL by the age of its lastmod. Fresher content ranks
// higher; the result never increases as the age grows.
func AutoPriority(lastmod *time.Time, now time.Time) int {
	if lastmod == nil {
		return FloorPriority
	}
	age := float64(now.Sub(*lastmod)) / float64(day)
	switch {
	case age <= 1:
		return MaxPriority
	case age <= 7:
		return 80 + int(7-age)
	case age <= 30:
		return 50 + int(math.Floor((30-age)/7))*10
	default:
		return max(FloorPriority, 50-int(math.Floor((age-30)/30))*10)
	}
}

// Effective returns the manual override when set, else the computed value.
func Effective(auto int, manual *int) int {
	if manual != nil {
		return *manual
	}
	return auto
}

// ValidManual reports whether p is an acceptable manual override.
func ValidManual(p int) bool {
	return p >= MinPriority && p <= MaxPriority
}
