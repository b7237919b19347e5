package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Tx is one all-or-nothing unit of work scoped to a single listing key.
// Listing writes for any other key are rejected.
type Tx interface {
	custody.Ledger

	// Listing returns the record at key, or model.ErrListingNotFound.
	Listing(ctx context.Context, key model.ListingKey) (*model.Listing, error)
	// InsertListing is compare-and-insert: it fails with model.ErrDuplicateListing if
	// any record (active or settled) exists at the key.
	InsertListing(ctx context.Context, l model.Listing) error
	// SettleListing persists a listing that has just left the active state.
	SettleListing(ctx context.Context, l model.Listing) error
	// AppendEvent records the notification in the event log as part of the unit.
	AppendEvent(ctx context.Context, evt model.Event) error
}

// Store persists listings, the custody ledger and the event log.
type Store interface {
	custody.Registry

	// Atomically runs fn as one unit against key. Units on the same key are
	// serialized; if fn returns an error nothing it did is kept.
	Atomically(ctx context.Context, key model.ListingKey, fn func(tx Tx) error) error

	GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error)
	ListListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error)
	ListingEvents(ctx context.Context, key model.ListingKey) ([]model.Event, error)
	// RecentEvents pages the whole event log newest first. before is an
	// exclusive Seq cursor; zero starts at the newest event.
	RecentEvents(ctx context.Context, before int64, limit int) ([]model.Event, error)
	CountActive(ctx context.Context) (int, error)

	// Unpublished returns committed events not yet acknowledged by MarkPublished, oldest first.
	Unpublished(ctx context.Context, limit int) ([]model.Event, error)
	MarkPublished(ctx context.Context, ids ...uuid.UUID) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// PGPoolConfig tunes the pgx pool used by the Postgres backend.
type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewRedisClient connects and pings redis.
func NewRedisClient(ctx context.Context, addr string, db int, password string) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func checkKey(unit, got model.ListingKey) error {
	if unit != got {
		return fmt.Errorf("listing %s written inside unit for %s", got, unit)
	}
	return nil
}
