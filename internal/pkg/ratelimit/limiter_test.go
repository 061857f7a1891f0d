package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicies() map[string]Policy {
	return map[string]Policy{
		ActionAIRequests: {MaxRequests: 5, WindowSeconds: 60},
		ActionCommands:   {MaxRequests: 30, WindowSeconds: 60},
	}
}

// fakeClock is a manually advanced clock for window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheckAllowsUpToPolicyLimit(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)
	clock := newFakeClock()
	l.setNow(clock.Now)

	for i := 0; i < 5; i++ {
		d := l.Check(100, false, ActionAIRequests)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5-i-1, d.Remaining)
		clock.Advance(time.Second)
	}

	d := l.Check(100, false, ActionAIRequests)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfterSeconds, 0)
	assert.True(t, d.Warning)
}

func TestDeniedRequestSucceedsAfterRetryAfter(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)
	clock := newFakeClock()
	l.setNow(clock.Now)

	for i := 0; i < 5; i++ {
		require.True(t, l.Check(100, false, ActionAIRequests).Allowed)
	}
	d := l.Check(100, false, ActionAIRequests)
	require.False(t, d.Allowed)
	require.Greater(t, d.RetryAfterSeconds, 0)

	clock.Advance(time.Duration(d.RetryAfterSeconds) * time.Second)
	assert.True(t, l.Check(100, false, ActionAIRequests).Allowed)
}

func TestWarningCrossesAt80Percent(t *testing.T) {
	l := NewLimiter(map[string]Policy{ActionAIRequests: {MaxRequests: 10, WindowSeconds: 60}}, nil, 4096)
	clock := newFakeClock()
	l.setNow(clock.Now)

	for i := 1; i <= 10; i++ {
		d := l.Check(7, false, ActionAIRequests)
		require.True(t, d.Allowed)
		if i < 8 {
			assert.False(t, d.Warning, "request %d should not warn", i)
		} else {
			assert.True(t, d.Warning, "request %d should warn", i)
		}
	}
}

// The key admission property: under concurrent checks for the same key with
// policy N, exactly N are admitted, never more or fewer.
func TestConcurrentChecksAdmitExactlyN(t *testing.T) {
	const n, k = 5, 20
	l := NewLimiter(map[string]Policy{ActionAIRequests: {MaxRequests: n, WindowSeconds: 60}}, nil, 4096)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed, denied := 0, 0

	for i := 0; i < n+k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := l.Check(42, false, ActionAIRequests)
			mu.Lock()
			defer mu.Unlock()
			if d.Allowed {
				allowed++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, allowed)
	assert.Equal(t, k, denied)
}

func TestAdminBypassNeverDeniedAndNeverRecorded(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)

	for i := 0; i < 100; i++ {
		d := l.Check(1, true, ActionAIRequests)
		require.True(t, d.Allowed)
		assert.Equal(t, adminRemaining, d.Remaining)
	}
	// Admin traffic must not pollute bucket state.
	assert.Equal(t, 0, l.bucketCount())
}

func TestAllowListedIDBypasses(t *testing.T) {
	l := NewLimiter(testPolicies(), []int64{777}, 4096)

	for i := 0; i < 50; i++ {
		require.True(t, l.Check(777, false, ActionAIRequests).Allowed)
	}
	assert.Equal(t, 0, l.bucketCount())
}

func TestUnknownActionFailsOpen(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)

	for i := 0; i < 100; i++ {
		require.True(t, l.Check(5, false, "brand_new_action").Allowed)
	}
	assert.Equal(t, 0, l.bucketCount())
}

func TestWindowSlides(t *testing.T) {
	l := NewLimiter(map[string]Policy{ActionAIRequests: {MaxRequests: 2, WindowSeconds: 10}}, nil, 4096)
	clock := newFakeClock()
	l.setNow(clock.Now)

	require.True(t, l.Check(9, false, ActionAIRequests).Allowed)
	clock.Advance(6 * time.Second)
	require.True(t, l.Check(9, false, ActionAIRequests).Allowed)
	require.False(t, l.Check(9, false, ActionAIRequests).Allowed)

	// First stamp leaves the window; one slot frees up.
	clock.Advance(5 * time.Second)
	assert.True(t, l.Check(9, false, ActionAIRequests).Allowed)
}

func TestSweepRemovesIdleBuckets(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)
	clock := newFakeClock()
	l.setNow(clock.Now)

	l.Check(1, false, ActionAIRequests)
	l.Check(2, false, ActionCommands)
	require.Equal(t, 2, l.bucketCount())

	clock.Advance(25 * time.Hour)
	l.Check(3, false, ActionAIRequests)

	removed := l.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l.bucketCount())
}

func TestSweeperRestartsAfterStop(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 4096)

	l.Start()
	l.Stop()

	// A second Start must launch a live sweeper again, and a second Stop must
	// terminate it cleanly rather than closing an already-closed channel.
	l.Start()
	l.Stop()
}

func TestCheckTextSize(t *testing.T) {
	l := NewLimiter(testPolicies(), nil, 10)

	assert.True(t, l.CheckTextSize("short"))
	assert.True(t, l.CheckTextSize("exactly 10"))
	assert.False(t, l.CheckTextSize("definitely too long"))
}
