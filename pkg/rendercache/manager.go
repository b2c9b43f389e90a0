package rendercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skyvoyage/pagecache/pkg/page"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// scanCount is the COUNT hint of SCAN calls issued by Evict and Purge.
const scanCount = 500

// Manager caches rendered pages in Redis.
type Manager struct {
	redis  *redis.Client
	prefix string
}

// NewManager creates a new render cache manager with Redis backend.
func NewManager(redisClient *redis.Client, prefix string) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRenderPrefix
	}
	return &Manager{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (m *Manager) key(k Key) string {
	return m.prefix + k.Body()
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist or entry is expired.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := m.redis.Get(ctx, m.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues("redis").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		_ = m.Delete(ctx, key)
		CacheMisses.WithLabelValues("redis").Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	return &entry, nil
}

// Set stores a cache entry with TTL based on the entry's Expires field.
func (m *Manager) Set(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		// Already expired, don't cache
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := m.redis.Set(ctx, m.key(key), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a single cache entry.
func (m *Manager) Delete(ctx context.Context, key Key) error {
	if err := m.redis.Del(ctx, m.key(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Evict removes every cached render of a page instance and returns the
// number of keys removed.
func (m *Manager) Evict(ctx context.Context, ref page.Ref) (int, error) {
	n, err := m.deleteMatching(ctx, ScopePrefix(m.prefix, ref)+"*")
	if err != nil {
		CacheErrors.WithLabelValues("evict").Inc()
		return n, fmt.Errorf("evict %s: %w", ref, err)
	}
	return n, nil
}

// Purge removes every cached render under the manager's prefix.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	n, err := m.deleteMatching(ctx, m.prefix+"*")
	if err != nil {
		CacheErrors.WithLabelValues("purge").Inc()
		return n, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

func (m *Manager) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
			EvictedKeys.WithLabelValues("redis").Add(float64(n))
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// UpdateTTL extends the lifetime of an existing cache entry.
func (m *Manager) UpdateTTL(ctx context.Context, key Key, newExpires time.Time) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.Expires = newExpires
	return m.Set(ctx, key, entry)
}
