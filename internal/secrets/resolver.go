// Package secrets resolves typed service secrets through a TTL cache.
package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/escrow-market/pkg/secrets"
)

// Resolver turns a named secret into T, caching parsed values so rotation is
// picked up after one TTL without calling the provider on every read.
type Resolver[T any] struct {
	logger   *zap.Logger
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
	parse    func(map[string]string) (T, error)
}

// NewResolver builds a resolver. parse validates required fields.
func NewResolver[T any](
	logger *zap.Logger,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
	parse func(map[string]string) (T, error),
) *Resolver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver[T]{
		logger:   logger,
		provider: provider,
		cache:    cache,
		parse:    parse,
	}
}

// Resolve returns the cached value for name, fetching it on a miss.
func (r *Resolver[T]) Resolve(ctx context.Context, name string) (T, error) {
	if v, ok := r.cache.Get(name); ok {
		metrics.IncCacheHit("hit")
		return v, nil
	}
	metrics.IncCacheHit("miss")

	raw, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed", zap.String("name", name), zap.Error(err))
		var zero T
		return zero, fmt.Errorf("resolve secret %q: %w", name, err)
	}

	v, err := r.parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse secret %q: %w", name, err)
	}

	r.cache.Put(name, v)
	r.logger.Info("secrets.resolved", zap.String("name", name))
	return v, nil
}

// Bust forgets name so the next Resolve refetches it.
func (r *Resolver[T]) Bust(name string) {
	r.cache.Bust(name)
}
