package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// principalLimiter hands every principal its own token bucket. Buckets idle
// for longer than limiterIdleTTL are dropped on the next sweep.
type principalLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[int64]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

// newPrincipalLimiter returns nil when perMinute disables limiting.
func newPrincipalLimiter(perMinute int) *principalLimiter {
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &principalLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		entries: make(map[int64]*limiterEntry),
		now:     time.Now,
	}
}

func (l *principalLimiter) allow(principalID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.entries, id)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.entries[principalID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[principalID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
