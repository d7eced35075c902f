// ABOUTME: Per-user token bucket limiting how fast a user can send messages
// ABOUTME: Limiters are created on first use and dropped after an hour of inactivity

package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = time.Hour
	limiterSweepSize = 10_000
)

type userLimiter struct {
	limit rate.Limit
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	now        func() time.Time
}

// newUserLimiter allows perMinute messages per user with the given burst.
// A non-positive perMinute returns nil, which allows everything.
func newUserLimiter(perMinute, burst int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &userLimiter{
		limit:      rate.Limit(float64(perMinute) / 60),
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether userID may send a message now
func (l *userLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	return l.getUserLimiter(userID).AllowN(l.now(), 1)
}

// getUserLimiter returns the limiter for userID, creating one if needed.
func (l *userLimiter) getUserLimiter(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limiter, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= limiterSweepSize {
			l.sweepLocked(now)
		}
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = limiter
	}
	l.lastAccess[userID] = now
	return limiter
}

// sweepLocked drops limiters idle for longer than limiterIdleTTL. Must be called with mu held.
func (l *userLimiter) sweepLocked(now time.Time) {
	for userID, seen := range l.lastAccess {
		if now.Sub(seen) > limiterIdleTTL {
			delete(l.lastAccess, userID)
			delete(l.limiters, userID)
		}
	}
}
