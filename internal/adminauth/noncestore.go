package adminauth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore claims nonces with SetNX, grounded on the teacher's
// oidc_flow.go state-nonce pattern (there keyed by a Redis Set + GetDel; a
// signed-request nonce only needs a single atomic claim, so SetNX suffices).
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore builds a NonceStore backed by client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "adminauth:nonce:"}
}

func (s *RedisNonceStore) Claim(ctx context.Context, nonce string, window time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+nonce, "1", window).Result()
}

// InMemoryNonceStore is the single-process fallback used when no Redis is
// configured: a mutex-guarded map with lazy expiry on Claim.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

// NewInMemoryNonceStore builds an empty in-memory NonceStore.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{claims: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) Claim(_ context.Context, nonce string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.claims[nonce]; ok && now.Before(expiresAt) {
		return false, nil
	}

	s.claims[nonce] = now.Add(window)
	s.sweepLocked(now)
	return true, nil
}

// sweepLocked drops expired entries so the map doesn't grow unbounded.
// Caller holds mu.
func (s *InMemoryNonceStore) sweepLocked(now time.Time) {
	for nonce, expiresAt := range s.claims {
		if now.After(expiresAt) {
			delete(s.claims, nonce)
		}
	}
}
