package core

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedActors bounds the limiter map. Past it the map is reset, which
// at worst hands every actor a fresh burst.
const maxTrackedActors = 10000

// actorLimiter keeps one token bucket per actor.
type actorLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newActorLimiter(opts RateLimitOptions) *actorLimiter {
	if opts.PerSecond <= 0 {
		return nil
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &actorLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(opts.PerSecond),
		burst:    burst,
	}
}

// Allow reports whether actor may proceed now. A nil limiter allows all.
func (l *actorLimiter) Allow(actor string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[actor]
	if !ok {
		if len(l.limiters) >= maxTrackedActors {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[actor] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
