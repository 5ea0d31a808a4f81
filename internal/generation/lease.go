package generation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive, expiring ownership of a key.
type Lease interface {
	// Acquire returns a token and true when the caller now owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release drops ownership if token still owns key.
	Release(ctx context.Context, key, token string) error
}

// MemoryLease keeps leases in process memory.
type MemoryLease struct {
	mu     sync.Mutex
	leases map[string]memoryLeaseEntry
	now    func() time.Time
}

type memoryLeaseEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		leases: make(map[string]memoryLeaseEntry),
		now:    time.Now,
	}
}

func (l *MemoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.leases[key]; ok && now.Before(entry.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLeaseEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLease) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.leases[key]; ok && entry.token == token {
		delete(l.leases, key)
	}
	return nil
}

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease shares leases across API replicas.
type RedisLease struct {
	client *redis.Client
	prefix string
}

func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	if client == nil {
		panic("generation: redis client required")
	}
	if prefix == "" {
		prefix = "review:generation:lease:"
	}
	return &RedisLease{client: client, prefix: prefix}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}
