// Package ratelimit provides token-bucket admission control. A Bucket belongs
// to exactly one connection; a Registry shares buckets by key (user id,
// login email) and forgets them when no longer referenced.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock lets tests control refill.
type Clock func() time.Time

// Bucket holds capacity tokens and regains one every refill interval.
type Bucket struct {
	lim *rate.Limiter
	now Clock
}

func NewBucket(capacity int, refill time.Duration) *Bucket {
	return NewBucketWithClock(capacity, refill, time.Now)
}

func NewBucketWithClock(capacity int, refill time.Duration, now Clock) *Bucket {
	return &Bucket{lim: newLimiter(capacity, refill), now: now}
}

func newLimiter(capacity int, refill time.Duration) *rate.Limiter {
	if capacity < 1 {
		capacity = 1
	}
	limit := rate.Inf
	if refill > 0 {
		limit = rate.Every(refill)
	}
	return rate.NewLimiter(limit, capacity)
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	return b.lim.AllowN(b.now(), 1)
}

type entry struct {
	lim  *rate.Limiter
	refs int
}

// Registry is a set of buckets keyed by identity. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	capacity int
	refill   time.Duration
	now      Clock
	buckets  map[string]*entry
}

// maxIdle bounds unreferenced buckets kept between sweeps.
const maxIdle = 1024

func NewRegistry(capacity int, refill time.Duration) *Registry {
	return NewRegistryWithClock(capacity, refill, time.Now)
}

func NewRegistryWithClock(capacity int, refill time.Duration, now Clock) *Registry {
	return &Registry{
		capacity: capacity,
		refill:   refill,
		now:      now,
		buckets:  make(map[string]*entry),
	}
}

func (r *Registry) get(key string) *entry {
	e, ok := r.buckets[key]
	if !ok {
		e = &entry{lim: newLimiter(r.capacity, r.refill)}
		r.buckets[key] = e
	}
	return e
}

// Acquire pins the bucket for key until a matching Release.
func (r *Registry) Acquire(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(key).refs++
}

// Release drops one reference; the bucket is discarded at zero.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.buckets[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.buckets, key)
	}
}

// Allow consumes one token from key's bucket.
func (r *Registry) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if len(r.buckets) > maxIdle {
		r.sweep(now)
	}
	return r.get(key).lim.AllowN(now, 1)
}

// sweep drops unreferenced buckets that have refilled completely; they carry
// no state a fresh bucket would not.
func (r *Registry) sweep(now time.Time) {
	for key, e := range r.buckets {
		if e.refs <= 0 && e.lim.TokensAt(now) >= float64(r.capacity) {
			delete(r.buckets, key)
		}
	}
}

// Len reports how many buckets are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
