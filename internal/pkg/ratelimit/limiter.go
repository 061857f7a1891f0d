package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	// bucketRetention bounds memory: buckets whose newest stamp is older than
	// this are removed by the sweeper. Losing them is harmless, the window has
	// long passed.
	bucketRetention = 24 * time.Hour

	defaultSweepInterval = time.Hour
)

// Limiter owns all sliding-window buckets and applies per-action policies.
// All methods are safe for concurrent use.
type Limiter struct {
	policies     map[string]Policy
	admins       map[int64]struct{}
	maxTextBytes int

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	now func() time.Time

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	runMu         sync.Mutex
	running       bool
}

// NewLimiter creates a limiter with an explicit policy table and admin
// allow-list.
func NewLimiter(policies map[string]Policy, adminIDs []int64, maxTextBytes int) *Limiter {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &Limiter{
		policies:      policies,
		admins:        admins,
		maxTextBytes:  maxTextBytes,
		buckets:       make(map[bucketKey]*bucket),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// NewLimiterFromEnv wires the limiter from the environment: policies, the
// admin allow-list (ADMIN_USER_IDS) and the text size cap.
func NewLimiterFromEnv(adminIDs []int64) *Limiter {
	return NewLimiter(PoliciesFromEnv(), adminIDs, MaxTextBytesFromEnv())
}

// Check runs the sliding-window admission for one request. Admins always
// pass and never touch bucket state. Unknown action types pass as well: the
// permissive default keeps new call sites working before a policy exists.
func (l *Limiter) Check(telegramID int64, isAdmin bool, action string) Decision {
	if isAdmin || l.isAllowListed(telegramID) {
		return Decision{Allowed: true, Remaining: adminRemaining}
	}

	policy, ok := l.policies[action]
	if !ok || policy.MaxRequests <= 0 || policy.WindowSeconds <= 0 {
		return Decision{Allowed: true, Remaining: adminRemaining}
	}

	return l.getBucket(telegramID, action).take(l.now(), policy)
}

// CheckTextSize applies the global raw-payload cap. Not time-windowed.
func (l *Limiter) CheckTextSize(text string) bool {
	if l.maxTextBytes <= 0 {
		return true
	}
	return len(text) <= l.maxTextBytes
}

// MaxTextBytes returns the configured payload cap for caller messaging.
func (l *Limiter) MaxTextBytes() int {
	return l.maxTextBytes
}

func (l *Limiter) isAllowListed(telegramID int64) bool {
	_, ok := l.admins[telegramID]
	return ok
}

func (l *Limiter) getBucket(telegramID int64, action string) *bucket {
	key := bucketKey{telegramID: telegramID, action: action}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// Start launches the background sweeper that drops buckets idle past the
// retention horizon. In-check eviction only trims the bucket being checked,
// so buckets of inactive users have to be swept separately.
func (l *Limiter) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return
	}
	l.running = true

	// Stop closed the previous channel; each sweeper run gets its own.
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				removed := l.Sweep()
				if removed > 0 {
					log.Infof("[RateLimit] Swept %d idle buckets", removed)
				}
			}
		}
	}()
}

// Stop terminates the sweeper.
func (l *Limiter) Stop() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if !l.running {
		return
	}
	close(l.stopCh)
	l.running = false
	l.wg.Wait()
}

// Sweep removes buckets whose newest stamp is older than the retention
// horizon and returns how many were dropped.
func (l *Limiter) Sweep() int {
	horizon := l.now().Add(-bucketRetention)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		newest := b.newestStamp()
		if newest.IsZero() || newest.Before(horizon) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// bucketCount reports the live bucket count; test hook.
func (l *Limiter) bucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// setNow overrides the clock; test hook.
func (l *Limiter) setNow(now func() time.Time) {
	l.now = now
}
