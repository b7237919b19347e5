package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	listingCachePrefix   = "listing:"
	listingVersionPrefix = "listing:ver:"
	listingVersionTTL    = 24 * time.Hour
)

// CachedStore puts a redis read-through cache in front of another Store.
// Only single-listing reads are cached. A committed unit on a key bumps the
// key's version and evicts it; a reader only fills the cache if the version it
// saw before reading the inner store is still current.
type CachedStore struct {
	Store

	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps inner with a listing cache held in rdb.
func NewCached(inner Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: inner, redis: rdb, ttl: ttl, logger: logger}
}

func listingCacheKey(key model.ListingKey) string {
	return listingCachePrefix + string(key)
}

func listingVersionKey(key model.ListingKey) string {
	return listingVersionPrefix + string(key)
}

func (s *CachedStore) Atomically(ctx context.Context, key model.ListingKey, fn func(tx Tx) error) error {
	err := s.Store.Atomically(ctx, key, fn)
	if err == nil {
		s.evict(ctx, key)
	}
	return err
}

// evict bumps the version before deleting so a fill racing the commit either
// lands before the delete or fails its version check.
func (s *CachedStore) evict(ctx context.Context, key model.ListingKey) {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, listingVersionKey(key))
		pipe.Expire(ctx, listingVersionKey(key), listingVersionTTL)
		pipe.Del(ctx, listingCacheKey(key))
		return nil
	})
	if err != nil {
		s.logger.Warn("store.cache.evict_failed", zap.String("listing", string(key)), zap.Error(err))
	}
}

func (s *CachedStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	var cached model.Listing
	err := s.GetJSON(ctx, listingCacheKey(key), &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("store.cache.read_failed", zap.String("listing", string(key)), zap.Error(err))
	}

	version, verErr := s.redis.Get(ctx, listingVersionKey(key)).Result()
	if verErr != nil && !errors.Is(verErr, redis.Nil) {
		s.logger.Warn("store.cache.read_failed", zap.String("listing", string(key)), zap.Error(verErr))
	}

	l, err := s.Store.GetListing(ctx, key)
	if err != nil {
		return nil, err
	}
	if verErr == nil || errors.Is(verErr, redis.Nil) {
		s.fill(ctx, key, version, l)
	}
	return l, nil
}

// fill caches l unless the key's version moved past seen.
func (s *CachedStore) fill(ctx context.Context, key model.ListingKey, seen string, l *model.Listing) {
	data, err := json.Marshal(l)
	if err != nil {
		return
	}
	verKey := listingVersionKey(key)
	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, verKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != seen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, listingCacheKey(key), data, s.ttl)
			return nil
		})
		return err
	}, verKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleFill), errors.Is(err, redis.TxFailedErr):
		s.logger.Debug("store.cache.fill_skipped", zap.String("listing", string(key)))
	default:
		s.logger.Warn("store.cache.write_failed", zap.String("listing", string(key)), zap.Error(err))
	}
}

var errStaleFill = errors.New("listing changed while reading")

func (s *CachedStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *CachedStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *CachedStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return s.Store.HealthCheck(ctx)
}

func (s *CachedStore) Close() error {
	err := s.Store.Close()
	if s.redis != nil {
		if cerr := s.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
