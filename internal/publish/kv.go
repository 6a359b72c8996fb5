package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the artifact store surface: plain TTL'd writes for artifacts plus
// a compare-owner lock for the single-writer scan guard.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// releaseScript deletes the lock only when the caller still owns it, so a
// slow scan cannot release a lock a newer scan has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisKV backs KV with a Redis client.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisKV) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, token, ttl).Result()
}

func (r *RedisKV) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.rdb, []string{key}, token).Err()
}

// Ping reports store reachability for the health surface.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemKV is an in-process KV for tests and degraded local runs.
type MemKV struct {
	mu      sync.Mutex
	data    map[string]memEntry
	now     func() time.Time
	FailSet error
}

// NewMemKV builds an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{data: map[string]memEntry{}, now: time.Now}
}

// SetClock overrides the time source for TTL tests.
func (m *MemKV) SetClock(now func() time.Time) { m.now = now }

func (m *MemKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.FailSet != nil {
		return m.FailSet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.data[key] = memEntry{value: append([]byte(nil), value...), expiresAt: exp}
	return nil
}

func (m *MemKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemKV) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok {
		if e.expiresAt.IsZero() || m.now().Before(e.expiresAt) {
			return false, nil
		}
	}
	m.data[key] = memEntry{value: []byte(token), expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemKV) ReleaseLock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.data[key]; ok && string(e.value) == token {
		delete(m.data, key)
	}
	return nil
}
