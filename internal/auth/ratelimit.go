package auth

import (
	"slices"
	"time"

	"github.com/org/wirebot/pkg/models"
)

// DefaultRateWindow applies when an operator's limits leave the window unset.
const DefaultRateWindow = time.Minute

// RateLimited reports whether another mutating request at now would exceed
// limit requests per window, given the operator's operation records. When it
// would, it also returns how long until the oldest counted request leaves the
// window. Rejected records do not count, so a throttled operator is not kept
// throttled by its own retries.
func RateLimited(records []*models.OperationRecord, now time.Time, limit int, window time.Duration) (time.Duration, bool) {
	if limit == models.Unlimited {
		return 0, false
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if limit <= 0 {
		return window, true
	}
	start := now.Add(-window)

	var stamps []time.Time
	for _, rec := range records {
		if !rec.Intent.Mutating() || rec.Outcome == models.OutcomeRejected {
			continue
		}
		if !rec.Timestamp.After(start) || rec.Timestamp.After(now) {
			continue
		}
		stamps = append(stamps, rec.Timestamp)
	}
	if len(stamps) < limit {
		return 0, false
	}
	// The operator gets a slot back once enough requests age out to bring the
	// count below limit. With exactly limit requests that is the oldest one.
	slices.SortFunc(stamps, time.Time.Compare)
	return stamps[len(stamps)-limit].Add(window).Sub(now), true
}
