package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget limits how many calls a campaign may place per clock hour. Take
// reserves one slot in the current hour bucket; false means the hour is
// exhausted and the dispatcher must wait for the next one.
type Budget interface {
	Take(ctx context.Context, now time.Time) (bool, error)
}

// takeScript reserves one slot in an hourly counter. The TTL outlives the
// bucket so short-lived runs within the same hour share one count.
var takeScript = redis.NewScript(`
-- KEYS[1] = hour bucket key
-- ARGV[1] = limit (int)
-- ARGV[2] = ttl_ms (int)
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// RedisBudget is an hourly call budget shared across process invocations.
// Runs are short-lived scheduled jobs, so the counter has to live outside the
// process or every invocation would start from zero.
type RedisBudget struct {
	rdb      *redis.Client
	campaign string
	limit    int
}

func NewRedisBudget(rdb *redis.Client, campaign string, limit int) (*RedisBudget, error) {
	if rdb == nil {
		return nil, fmt.Errorf("dispatch: redis client is nil")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("dispatch: hourly limit must be > 0")
	}
	return &RedisBudget{rdb: rdb, campaign: campaign, limit: limit}, nil
}

func (b *RedisBudget) Take(ctx context.Context, now time.Time) (bool, error) {
	key := fmt.Sprintf("call_budget:%s:%s", b.campaign, now.Format("2006010215"))
	res, err := takeScript.Run(ctx, b.rdb, []string{key}, b.limit, (2 * time.Hour).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch: budget take: %w", err)
	}
	return res == 1, nil
}

// MemoryBudget is the in-process fallback when no redis address is configured.
// Counts reset when the process exits.
type MemoryBudget struct {
	mu     sync.Mutex
	limit  int
	bucket string
	count  int
}

func NewMemoryBudget(limit int) *MemoryBudget {
	return &MemoryBudget{limit: limit}
}

func (b *MemoryBudget) Take(_ context.Context, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := now.Format("2006010215")
	if bucket != b.bucket {
		b.bucket = bucket
		b.count = 0
	}
	if b.count >= b.limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// UnlimitedBudget never refuses a slot.
type UnlimitedBudget struct{}

func (UnlimitedBudget) Take(context.Context, time.Time) (bool, error) { return true, nil }
