// Package timestamp stores the authoritative "last changed" value of every
// page instance.
//
// Values are integer milliseconds and never decrease: a bump with a value not
// greater than the stored one is a no-op, so concurrent writers need no
// external lock. A page instance that was never bumped reads as Uninitialized.
package timestamp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/skyvoyage/pagecache/pkg/page"
)

// Uninitialized is returned for page instances that were never invalidated.
const Uninitialized int64 = 0

// DefaultKeyPrefix prefixes the per-page Redis hashes.
const DefaultKeyPrefix = "pagecache:ts:"

// pageLevelField is the hash field of pages that are not identity-scoped.
const pageLevelField = page.PageLevelID

// Entry is one pending bump.
type Entry struct {
	Ref page.Ref
	At  int64
}

// Store is the page timestamp contract.
type Store interface {
	Get(ctx context.Context, p page.Page, entityID string, forceRefresh bool) (int64, error)
	Bump(ctx context.Context, p page.Page, entityID string, at int64) error
	BumpMany(ctx context.Context, entries []Entry) error
}

// bumpSource stores ARGV[2] in field ARGV[1] only when it is greater than the
// current value and returns the value held afterwards.
const bumpSource = `
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local at = tonumber(ARGV[2])
if at > cur then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return at
end
return cur
`

var bumpScript = redis.NewScript(bumpSource)

// Options configures a RedisStore.
type Options struct {
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string

	// ReadCacheSize is the number of page instances kept in the local read
	// cache. Zero disables the cache.
	ReadCacheSize int

	// ReadCacheTTL bounds how long a locally cached value is trusted.
	ReadCacheTTL time.Duration
}

// DefaultOptions returns the settings used by the service.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:     DefaultKeyPrefix,
		ReadCacheSize: 10000,
		ReadCacheTTL:  5 * time.Second,
	}
}

// RedisStore keeps one Redis hash per page with one field per entity id.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	local  *expirable.LRU[page.Ref, int64]
	reads  singleflight.Group
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed timestamp store.
func NewRedisStore(redisClient *redis.Client, opts Options, logger zerolog.Logger) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	s := &RedisStore{
		redis:  redisClient,
		prefix: opts.KeyPrefix,
		logger: logger.With().Str("component", "timestamp").Logger(),
	}
	if opts.ReadCacheSize > 0 {
		s.local = expirable.NewLRU[page.Ref, int64](opts.ReadCacheSize, nil, opts.ReadCacheTTL)
	}
	return s
}

func (s *RedisStore) key(p page.Page) string {
	return s.prefix + p.String()
}

func field(entityID string) string {
	if entityID == "" {
		return pageLevelField
	}
	return entityID
}

// Get returns the timestamp of a page instance. forceRefresh bypasses the
// local read cache.
func (s *RedisStore) Get(ctx context.Context, p page.Page, entityID string, forceRefresh bool) (int64, error) {
	ref := page.Ref{Page: p, EntityID: entityID}

	if s.local != nil && !forceRefresh {
		if v, ok := s.local.Get(ref); ok {
			Reads.WithLabelValues("cache").Inc()
			return v, nil
		}
	}

	v, err, _ := s.reads.Do(ref.String(), func() (interface{}, error) {
		raw, err := s.redis.HGet(ctx, s.key(p), field(entityID)).Result()
		if errors.Is(err, redis.Nil) {
			return Uninitialized, nil
		}
		if err != nil {
			return nil, err
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrCorruptValue, raw)
		}
		return ts, nil
	})
	if err != nil {
		Errors.WithLabelValues("get").Inc()
		return 0, fmt.Errorf("read timestamp %s: %w", ref, err)
	}

	ts := v.(int64)
	Reads.WithLabelValues("redis").Inc()
	s.remember(ref, ts)
	return ts, nil
}

// Bump raises the timestamp of a page instance to at. Lower or equal values
// leave the stored value untouched.
func (s *RedisStore) Bump(ctx context.Context, p page.Page, entityID string, at int64) error {
	ref := page.Ref{Page: p, EntityID: entityID}

	stored, err := bumpScript.Run(ctx, s.redis, []string{s.key(p)}, field(entityID), at).Int64()
	if err != nil {
		Errors.WithLabelValues("bump").Inc()
		return fmt.Errorf("bump timestamp %s: %w", ref, err)
	}
	s.recordBump(ref, at, stored)
	return nil
}

// BumpMany applies a batch of bumps in one pipeline round trip.
func (s *RedisStore) BumpMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// Load once so every pipelined EVALSHA finds the script.
	if err := bumpScript.Load(ctx, s.redis).Err(); err != nil {
		Errors.WithLabelValues("bump").Inc()
		return fmt.Errorf("load bump script: %w", err)
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.Cmd, len(entries))
	for i, e := range entries {
		cmds[i] = bumpScript.EvalSha(ctx, pipe, []string{s.key(e.Ref.Page)}, field(e.Ref.EntityID), e.At)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		Errors.WithLabelValues("bump").Inc()
		return fmt.Errorf("bump %d timestamps: %w", len(entries), err)
	}

	for i, e := range entries {
		stored, err := cmds[i].Int64()
		if err != nil {
			continue
		}
		s.recordBump(e.Ref, e.At, stored)
	}

	s.logger.Debug().Int("count", len(entries)).Msg("Timestamps bumped")
	return nil
}

func (s *RedisStore) recordBump(ref page.Ref, at, stored int64) {
	if stored == at {
		Bumps.WithLabelValues("applied").Inc()
	} else {
		Bumps.WithLabelValues("stale").Inc()
	}
	s.remember(ref, stored)
}

func (s *RedisStore) remember(ref page.Ref, ts int64) {
	if s.local != nil {
		s.local.Add(ref, ts)
	}
}

// Forget drops every locally cached value.
func (s *RedisStore) Forget() {
	if s.local != nil {
		s.local.Purge()
	}
}
