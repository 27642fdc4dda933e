package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"kubepulse/internal/payload"
	"kubepulse/internal/types"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	cacheKeyNameTemplate = "_kubepulse_cache_%s"

	fieldValue   = "v"
	fieldExpires = "exp"

	// keys outlive their logical expiry so DeleteExpiredCache sweeps by the caller's cutoff; Redis drops
	// whatever the sweep misses
	expiryGrace = time.Minute
)

// CacheStore implements ports.CacheBackend on Redis. Each entry is a hash holding the compressed value and the
// logical expiry in unix nanoseconds. Reads and sweeps judge expiry by that field, never by the key TTL.
type CacheStore struct {
	cli *redis.Client
	now func() time.Time
}

func NewCacheStore(cli *redis.Client) *CacheStore {
	return &CacheStore{cli: cli, now: time.Now}
}

// SetTimeNowFn overrides the clock used for read-time expiry checks.
func (s *CacheStore) SetTimeNowFn(f func() time.Time) {
	s.now = f
}

func (s *CacheStore) SetCache(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	k := getCacheKey(key)
	if !expiresAt.After(s.now()) {
		// Already expired: make sure a stale copy does not linger.
		if err := s.cli.Del(ctx, k).Err(); err != nil {
			return types.Err(types.ErrStorage, err, "set cache %s", key)
		}
		return nil
	}
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, fieldValue, payload.Compress(value), fieldExpires, expiresAt.UnixNano())
		p.ExpireAt(ctx, k, expiresAt.Add(expiryGrace))
		return nil
	})
	if err != nil {
		return types.Err(types.ErrStorage, err, "set cache %s", key)
	}
	return nil
}

func (s *CacheStore) GetCache(ctx context.Context, key string) ([]byte, error) {
	fields, err := s.cli.HGetAll(ctx, getCacheKey(key)).Result()
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "get cache %s", key)
	}
	raw, ok := fields[fieldValue]
	if !ok {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	exp, err := strconv.ParseInt(fields[fieldExpires], 10, 64)
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "decode expiry of cache %s", key)
	}
	if !time.Unix(0, exp).After(s.now()) {
		return nil, types.Err(types.ErrNotFound, nil, "cache %s", key)
	}
	v, err := payload.Decompress([]byte(raw))
	if err != nil {
		return nil, types.Err(types.ErrStorage, err, "decode cache %s", key)
	}
	return v, nil
}

// DeleteExpiredCache removes entries whose logical expiry is at or before cutoff.
func (s *CacheStore) DeleteExpiredCache(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, types.Err(types.ErrStorage, err, "delete expired cache")
	}
	var deleted int64
	for _, k := range keys {
		raw, err := s.cli.HGet(ctx, k, fieldExpires).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, types.Err(types.ErrStorage, err, "delete expired cache")
		}
		exp, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && time.Unix(0, exp).After(cutoff) {
			continue
		}
		// unparsable expiry counts as expired
		n, err := s.cli.Del(ctx, k).Result()
		if err != nil {
			return deleted, types.Err(types.ErrStorage, err, "delete expired cache")
		}
		deleted += n
	}
	return deleted, nil
}

func (s *CacheStore) scanKeys(ctx context.Context) ([]string, error) {
	iter := s.cli.Scan(ctx, 0, getCacheKey("*"), 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *CacheStore) ClearCache(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return types.Err(types.ErrStorage, err, "clear cache")
	}
	if len(keys) == 0 {
		return nil
	}
	n, err := s.cli.Del(ctx, keys...).Result()
	if err != nil {
		return types.Err(types.ErrStorage, err, "clear cache")
	}
	log.WithField("keys", n).Debug("redis cache cleared")
	return nil
}

// Ping checks the connection.
func (s *CacheStore) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}

func getCacheKey(key string) string {
	return fmt.Sprintf(cacheKeyNameTemplate, key)
}
