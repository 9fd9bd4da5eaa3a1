package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connectRate is one admission per second per (remote IP, token) bucket.
const connectRate = rate.Limit(1)

type bucketKey struct {
	remoteIP string
	tokenID  string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter admits socket connects at one per second per (remote IP,
// token). Buckets are independent: the same IP with different tokens and
// the same token from different IPs are never throttled by each other.
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[bucketKey]*bucket)}
}

// Allow reports whether a connect from remoteIP with tokenID is admitted
// right now.
func (l *Limiter) Allow(remoteIP, tokenID string) bool {
	key := bucketKey{remoteIP: remoteIP, tokenID: tokenID}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(connectRate, 1)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Prune drops buckets idle longer than maxIdle. Run periodically so the
// map does not grow with every IP that ever connected.
func (l *Limiter) Prune(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
