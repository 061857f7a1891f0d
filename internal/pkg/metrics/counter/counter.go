package counter

import (
	"context"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mpetrenko/coverbot/internal/pkg/cache"
)

const decisionsKey = "admission:counters:decisions"

// pendingBuffer bounds the backlog while Redis is unreachable; overflow is
// dropped rather than ever blocking an admission decision.
const pendingBuffer = 1024

var (
	pending    = make(chan string, pendingBuffer)
	workerOnce sync.Once
)

// AddDecision queues a counter increment for one admission outcome. The write
// happens on a background worker; the caller never waits on Redis.
func AddDecision(reason string) {
	workerOnce.Do(startWorker)
	select {
	case pending <- reason:
	default:
		// Backlog full, counter accuracy loses to admission latency.
	}
}

func startWorker() {
	go func() {
		ctx := context.Background()
		for reason := range pending {
			if err := cache.GetClient().HIncrBy(ctx, decisionsKey, reason, 1).Err(); err != nil {
				log.Debugf("[Metrics] Decision counter unavailable: %v", err)
			}
		}
	}()
}

// Snapshot returns the accumulated decision counters per reason.
func Snapshot() (map[string]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, decisionsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(data))
	for reason, raw := range data {
		if v, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			out[reason] = v
		}
	}
	return out, nil
}
