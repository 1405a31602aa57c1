package quota

import (
	"math"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/store"
)

// Discovery tuning.
const (
	estimatedWindow     = 10
	confirmedWindow     = 50
	confirmedConfidence = 0.95
	failedConfidence    = 0.15
	minConfidence       = 0.05
	startConfidence     = 0.1
	rediscoveryInterval = 7 * 24 * time.Hour
	growthFactor        = 1.1
	shrinkFactor        = 0.9
	penaltyRetryAfter   = 0.15
	penaltyRefused      = 0.25
)

func needsRestart(q *store.QuotaState, now time.Time) bool {
	switch q.Status {
	case store.QuotaPending, store.QuotaFailed:
		return true
	}
	if q.LastDiscoveryAt == nil {
		return true
	}
	return now.Sub(*q.LastDiscoveryAt) >= rediscoveryInterval
}

// applySuccess advances discovery after a successful call.
func applySuccess(q *store.QuotaState, defaultLimit int, now time.Time) {
	if needsRestart(q, now) {
		if q.DailyLimit <= 0 {
			q.DailyLimit = defaultLimit
		}
		q.Status = store.QuotaDiscovering
		q.Confidence = math.Max(q.Confidence, startConfidence)
		q.SuccessCount = 0
		q.LastDiscoveryAt = &now
		return
	}

	q.SuccessCount++
	n := q.SuccessCount
	if n%estimatedWindow == 0 {
		q.DailyLimit = max(int(math.Ceil(float64(q.DailyLimit)*growthFactor)), q.DailyLimit)
	}
	step := 0.01
	if n < estimatedWindow {
		step = 0.02
	}
	q.Confidence = math.Min(1, q.Confidence+step)
	q.LastDiscoveryAt = &now

	switch {
	case n >= confirmedWindow && q.Confidence >= confirmedConfidence:
		q.Status = store.QuotaConfirmed
	case n >= estimatedWindow:
		q.Status = store.QuotaEstimated
	default:
		q.Status = store.QuotaDiscovering
	}
}

// applyThrottle reacts to a 429. Being told when to come back is penalized
// less than an outright refusal.
func applyThrottle(q *store.QuotaState, hadRetryAfter bool, now time.Time) {
	q.DailyLimit = max(1, int(float64(q.DailyLimit)*shrinkFactor))
	penalty := penaltyRefused
	if hadRetryAfter {
		penalty = penaltyRetryAfter
	}
	// The floor caps the loss; it never lifts a value already below it.
	q.Confidence = math.Max(math.Min(q.Confidence, minConfidence), q.Confidence-penalty)
	if q.Confidence < failedConfidence {
		q.Status = store.QuotaFailed
	} else {
		q.Status = store.QuotaEstimated
	}
	q.Last429At = &now
	q.LastDiscoveryAt = &now
}
