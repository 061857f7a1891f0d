package ratelimit

import (
	"sync"
	"time"
)

type bucketKey struct {
	telegramID int64
	action     string
}

// bucket holds the request timestamps of one (user, action) pair inside the
// current window. Each bucket carries its own lock so the evict-check-append
// sequence is a single critical section per key; contention is limited to one
// user's concurrent requests.
type bucket struct {
	mu     sync.Mutex
	stamps []time.Time
}

// take runs the sliding-window admission for one request. It evicts stamps
// older than the window, then either records now and admits, or denies with
// the seconds until the oldest remaining stamp leaves the window.
func (b *bucket) take(now time.Time, p Policy) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-time.Duration(p.WindowSeconds) * time.Second)
	b.evictLocked(cutoff)

	if len(b.stamps) >= p.MaxRequests {
		retryAfter := int(b.stamps[0].Add(time.Duration(p.WindowSeconds) * time.Second).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfter,
			Warning:           true,
		}
	}

	b.stamps = append(b.stamps, now)
	used := len(b.stamps)
	return Decision{
		Allowed:   true,
		Remaining: p.MaxRequests - used,
		Warning:   float64(used) >= warningThreshold*float64(p.MaxRequests),
	}
}

// evictLocked drops all stamps at or before cutoff. Caller holds b.mu.
func (b *bucket) evictLocked(cutoff time.Time) {
	idx := 0
	for idx < len(b.stamps) && !b.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[idx:]...)
	}
}

// newestStamp returns the most recent timestamp, or zero when empty.
func (b *bucket) newestStamp() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stamps) == 0 {
		return time.Time{}
	}
	return b.stamps[len(b.stamps)-1]
}
