package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const noncePrefix = "nonce:"

// RedisNonceGuard claims nonces with SET NX so replicas share one replay window.
type RedisNonceGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisNonceGuard(rdb *redis.Client, ttl time.Duration) *RedisNonceGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisNonceGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisNonceGuard) Use(ctx context.Context, id model.Identity, nonce string) error {
	ok, err := g.rdb.SetNX(ctx, noncePrefix+string(id)+":"+nonce, 1, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	if !ok {
		return ErrReplayedNonce
	}
	return nil
}

func (g *RedisNonceGuard) Release(ctx context.Context, id model.Identity, nonce string) error {
	return g.rdb.Del(ctx, noncePrefix+string(id)+":"+nonce).Err()
}

// MemoryNonceGuard is the single-process variant used without redis.
type MemoryNonceGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryNonceGuard(ttl time.Duration) *MemoryNonceGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryNonceGuard{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryNonceGuard) Use(_ context.Context, id model.Identity, nonce string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := string(id) + ":" + nonce
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return ErrReplayedNonce
	}
	g.seen[key] = now.Add(g.ttl)

	// sweep opportunistically so the map stays bounded by the window
	if len(g.seen)%1024 == 0 {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
	}
	return nil
}

func (g *MemoryNonceGuard) Release(_ context.Context, id model.Identity, nonce string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, string(id)+":"+nonce)
	return nil
}
