package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ksred/klear-finance/internal/config"
)

// Store remembers revoked session token ids until they would have expired anyway
type Store interface {
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// NewStore returns a Redis backed store when an address is configured,
// otherwise an in-memory one
func NewStore(ctx context.Context, cfg config.SessionConfig) (Store, error) {
	if cfg.RedisAddr == "" {
		return NewMemoryStore(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedisStore(rdb), nil
}

// MemoryStore keeps revocations in process. They are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time // id -> expiry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) Revoke(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.revoked[id] = now.Add(ttl)

	// drop entries whose tokens expired on their own
	for k, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, k)
		}
	}
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.revoked[id]
	if !ok {
		return false, nil
	}
	if !exp.After(s.now()) {
		delete(s.revoked, id)
		return false, nil
	}
	return true, nil
}

const redisKeyPrefix = "session:revoked:"

// RedisStore keeps revocations in Redis with a TTL so entries clean
// themselves up
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Revoke(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, redisKeyPrefix+id, 1, ttl).Err()
}

func (s *RedisStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
