// Package cache holds short-lived candidate reservations so two concurrent
// searches never bind the same fixer.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reserver grants a time-limited exclusive claim on a fixer.
// Implementations must be safe for concurrent use.
type Reserver interface {
	Reserve(ctx context.Context, fixerID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, fixerID, owner string) error
}

func ReservationKey(fixerID string) string { return "reserve:fixer:" + fixerID }

// RedisReserver implements Reserver with SET NX and an owner-checked delete.
type RedisReserver struct {
	client *redis.Client
}

// NewRedisReserver creates a reserver from a Redis URL.
func NewRedisReserver(redisURL string) (*RedisReserver, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisReserver{client: redis.NewClient(opts)}, nil
}

func NewRedisReserverFromClient(client *redis.Client) *RedisReserver {
	return &RedisReserver{client: client}
}

func (r *RedisReserver) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisReserver) Close() error { return r.client.Close() }

func (r *RedisReserver) Reserve(ctx context.Context, fixerID, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, ReservationKey(fixerID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve fixer %s: %w", fixerID, err)
	}
	return ok, nil
}

// only the owner may release; an expired and re-taken claim is left alone
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisReserver) Release(ctx context.Context, fixerID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{ReservationKey(fixerID)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release fixer %s: %w", fixerID, err)
	}
	return nil
}

// MemoryReserver is the single-process Reserver.
type MemoryReserver struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
}

type claim struct {
	owner   string
	expires time.Time
}

func NewMemoryReserver(now func() time.Time) *MemoryReserver {
	if now == nil {
		now = time.Now
	}
	return &MemoryReserver{claims: make(map[string]claim), now: now}
}

func (m *MemoryReserver) Reserve(_ context.Context, fixerID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if c, ok := m.claims[fixerID]; ok && now.Before(c.expires) {
		return false, nil
	}
	m.claims[fixerID] = claim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryReserver) Release(_ context.Context, fixerID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[fixerID]; ok && c.owner == owner {
		delete(m.claims, fixerID)
	}
	return nil
}
