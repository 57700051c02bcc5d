package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	updated  time.Time
	lastSeen time.Time
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the bucket will be full again.
	ResetAt time.Time
}

// Limiter is a token-bucket rate limiter keyed by credential id. Every key
// gets rate tokens per window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Take consumes one token for key when available. A limiter with a
// non-positive rate allows everything.
func (l *Limiter) Take(key string) Decision {
	if l.rate <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucket(key, now)

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.rate,
		Remaining: max(0, int(b.tokens)),
		ResetAt:   now.Add(l.untilFull(b.tokens)),
	}
}

// Prune forgets keys not seen for idle. It returns the number removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// bucket returns the refilled bucket for key. Must be called with l.mu held.
func (l *Limiter) bucket(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), updated: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if elapsed := now.Sub(b.updated).Seconds(); elapsed > 0 {
		b.tokens = min(float64(l.rate), b.tokens+elapsed*l.perSecond())
		b.updated = now
	}
	return b
}

func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

func (l *Limiter) untilFull(tokens float64) time.Duration {
	deficit := float64(l.rate) - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / l.perSecond() * float64(time.Second))
}
