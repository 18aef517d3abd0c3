package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
)

// RevocationStore remembers revoked credentials until they would have
// expired anyway. Keys are credential digests.
type RevocationStore interface {
	Revoke(ctx context.Context, key string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, key string) (bool, error)
}

// MemoryRevocations is a process-local RevocationStore swept by expiry.
type MemoryRevocations struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryRevocations) Revoke(_ context.Context, key string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !expiresAt.After(m.now()) {
		return nil
	}
	m.entries[key] = expiresAt
	return nil
}

func (m *MemoryRevocations) IsRevoked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !exp.After(m.now()) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// Sweep drops entries whose credential has expired and returns how many.
func (m *MemoryRevocations) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryRevocations) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps every interval until ctx is done.
func (m *MemoryRevocations) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}

// RedisRevocations stores each revocation as a key whose TTL ends at the
// credential's expiry, so state survives restarts and is shared by instances.
type RedisRevocations struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: "revoked:", now: time.Now}
}

func (r *RedisRevocations) Revoke(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+key, 1, ttl).Err(); err != nil {
		return apperr.Storage("revoke token", err)
	}
	return nil
}

func (r *RedisRevocations) IsRevoked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, apperr.Storage("check revocation", err)
	}
	return n == 1, nil
}
