package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type bucketState struct {
	level   float64
	updated time.Time
}

// MemoryTokenBucket applies the same refill rules as RedisTokenBucket inside
// one process. The API falls back to it when Redis is not reachable.
type MemoryTokenBucket struct {
	mu      sync.Mutex
	params  bucketParams
	buckets map[string]bucketState
	now     func() time.Time
}

func NewMemoryTokenBucket(capacity int, window time.Duration) (*MemoryTokenBucket, error) {
	params, err := newBucketParams(capacity, window)
	if err != nil {
		return nil, err
	}
	return &MemoryTokenBucket{
		params:  params,
		buckets: make(map[string]bucketState),
		now:     time.Now,
	}, nil
}

func (l *MemoryTokenBucket) Allow(_ context.Context, subject string, cost int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.params.capacity)
	charge := float64(l.params.clampCost(cost))
	key := normalizeSubject(subject)

	state, ok := l.buckets[key]
	if !ok || now.Sub(state.updated) > l.params.ttl {
		state = bucketState{level: capacity, updated: now}
	}
	elapsed := max(0, float64(now.Sub(state.updated).Milliseconds()))
	state.level = math.Min(capacity, state.level+elapsed*l.params.refillPerMS)
	state.updated = now

	decision := Decision{Limit: l.params.capacity}
	if state.level >= charge {
		state.level -= charge
		decision.Allowed = true
	} else {
		wait := math.Ceil((charge - state.level) / l.params.refillPerMS)
		decision.RetryAfter = time.Duration(wait) * time.Millisecond
	}
	decision.Remaining = int64(math.Floor(state.level))
	l.buckets[key] = state
	l.evict(now)
	return decision, nil
}

// evict drops buckets idle past the ttl once the map grows large.
func (l *MemoryTokenBucket) evict(now time.Time) {
	if len(l.buckets) < 4096 {
		return
	}
	for key, state := range l.buckets {
		if now.Sub(state.updated) > l.params.ttl {
			delete(l.buckets, key)
		}
	}
}
