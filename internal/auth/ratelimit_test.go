package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/org/wirebot/pkg/models"
)

func records(now time.Time, ages ...time.Duration) []*models.OperationRecord {
	out := make([]*models.OperationRecord, len(ages))
	for i, age := range ages {
		out[i] = &models.OperationRecord{
			Intent:    models.IntentAddClient,
			Outcome:   models.OutcomeSucceeded,
			Timestamp: now.Add(-age),
		}
	}
	return out
}

func TestRateLimited(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		recs    []*models.OperationRecord
		limit   int
		limited bool
		retry   time.Duration
	}{
		{"empty", nil, 3, false, 0},
		{"under limit", records(now, 10*time.Second, 20*time.Second), 3, false, 0},
		{"at limit", records(now, 10*time.Second, 20*time.Second, 50*time.Second), 3, true, 10 * time.Second},
		{"outside window ignored", records(now, 10*time.Second, 20*time.Second, 61*time.Second), 3, false, 0},
		{"boundary is outside", records(now, 10*time.Second, 20*time.Second, time.Minute), 3, false, 0},
		{"over limit waits for enough to age out", records(now, 5*time.Second, 10*time.Second, 20*time.Second, 50*time.Second), 3, true, 40 * time.Second},
		{"unlimited", records(now, time.Second, time.Second, time.Second), models.Unlimited, false, 0},
		{"zero limit", nil, 0, true, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, limited := RateLimited(tc.recs, now, tc.limit, time.Minute)
			assert.Equal(t, tc.limited, limited)
			assert.Equal(t, tc.retry, retry)
		})
	}
}

func TestRateLimitedIgnoresReadsAndRejections(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	recs := records(now, time.Second, 2*time.Second)
	recs[0].Intent = models.IntentListClients
	recs[1].Outcome = models.OutcomeRejected

	_, limited := RateLimited(recs, now, 1, time.Minute)
	assert.False(t, limited)
}

// For any sequence of accepted requests, no window of length W contains more
// than limit of them.
func TestRateLimitInvariant(t *testing.T) {
	const limit = 3
	window := time.Minute
	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	var accepted []*models.OperationRecord
	for i := 0; i < 200; i++ {
		now := start.Add(time.Duration(i*7) * time.Second)
		if _, limited := RateLimited(accepted, now, limit, window); limited {
			continue
		}
		accepted = append(accepted, &models.OperationRecord{
			Intent: models.IntentRemoveClient, Outcome: models.OutcomeSucceeded, Timestamp: now,
		})
	}
	for _, a := range accepted {
		n := 0
		for _, b := range accepted {
			if !b.Timestamp.Before(a.Timestamp) && b.Timestamp.Before(a.Timestamp.Add(window)) {
				n++
			}
		}
		assert.LessOrEqual(t, n, limit, "window starting %s", a.Timestamp)
	}
	assert.NotEmpty(t, accepted)
}
