package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Admission decisions must never wait on Redis; queueing an increment has to
// be effectively free even while the backend is unreachable.
func TestAddDecisionNeverBlocksCaller(t *testing.T) {
	start := time.Now()
	for i := 0; i < 5*pendingBuffer; i++ {
		AddDecision("rate_limited")
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "queueing decisions must not block on the counter backend")
}
