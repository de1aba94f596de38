// Package ratelimit throttles sandbox and session creation per user with
// token buckets. Buckets refill lazily on each call; the reconciler drops
// idle ones with Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited matches every rejection returned by Allow.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError reports how long the caller should wait before retrying.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *LimitedError) Unwrap() error { return ErrRateLimited }

// Config sets the refill rate and bucket size.
type Config struct {
	RequestsPerMinute int // 0 = unlimited.
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter holds one bucket per user. Safe for concurrent use.
type Limiter struct {
	perSecond float64
	capacity  float64
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	at     time.Time
}

// NewLimiter creates a limiter. A zero rate disables limiting.
func NewLimiter(cfg Config) *Limiter {
	capacity := max(cfg.BurstSize, 0)
	if capacity == 0 {
		capacity = max(cfg.RequestsPerMinute, 1)
	}
	return &Limiter{
		perSecond: float64(cfg.RequestsPerMinute) / 60,
		capacity:  float64(capacity),
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// Allow takes one token from the user's bucket. When the bucket is empty
// it returns a *LimitedError that matches ErrRateLimited.
func (l *Limiter) Allow(userID string) error {
	if l == nil || l.perSecond <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[userID]
	if b == nil {
		b = &bucket{tokens: l.capacity, at: now}
		l.buckets[userID] = b
	}
	b.tokens = l.level(b, now)
	b.at = now

	if b.tokens < 1 {
		wait := (1 - b.tokens) / l.perSecond
		return &LimitedError{RetryAfter: time.Duration(math.Ceil(wait * float64(time.Second)))}
	}
	b.tokens--
	return nil
}

// level is the bucket's token count at now.
func (l *Limiter) level(b *bucket, now time.Time) float64 {
	return math.Min(l.capacity, b.tokens+now.Sub(b.at).Seconds()*l.perSecond)
}

// Prune forgets users whose bucket is full again and untouched for at
// least idle. It returns how many were dropped.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for user, b := range l.buckets {
		if now.Sub(b.at) >= idle && l.level(b, now) >= l.capacity {
			delete(l.buckets, user)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
