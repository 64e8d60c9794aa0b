package connauth

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-source-ip token-bucket limiter standing in for the
// §4.9 sliding window: Allow rejects once the bucket for key is
// exhausted, and Reset restores a full bucket after a successful
// authentication. A nil *Limiter always allows, so callers can pass one
// only when rate limiting is configured.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiter builds a Limiter permitting perSec requests per second (and
// burst) per key. A non-positive perSec returns nil (no limiting).
func NewLimiter(perSec int) *Limiter {
	if perSec <= 0 {
		return nil
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(perSec),
		burst:    perSec,
	}
}

// Allow reports whether key may proceed, creating a fresh bucket for keys
// seen for the first time.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Reset restores key's bucket to full capacity, called after a
// successful authentication so that legitimate callers are never
// penalized for earlier failed attempts.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}
