package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// MemoryStore keeps everything in process. Units on one key are serialized by a
// per-key mutex; custody changes are journaled and undone on failure.
type MemoryStore struct {
	*custody.Book

	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[model.ListingKey]*keyLock

	mu        sync.RWMutex
	listings  map[model.ListingKey]model.Listing
	events    []model.Event
	published map[uuid.UUID]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		Book:      custody.NewBook(),
		logger:    logger,
		locks:     make(map[model.ListingKey]*keyLock),
		listings:  make(map[model.ListingKey]model.Listing),
		published: make(map[uuid.UUID]bool),
	}
}

// keyLock is a per-key mutex that is dropped from the map once nobody holds
// or waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (s *MemoryStore) lockKey(key model.ListingKey) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

func (s *MemoryStore) lockedKeys() int {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	return len(s.locks)
}

func (s *MemoryStore) Atomically(ctx context.Context, key model.ListingKey, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockKey(key)
	defer unlock()

	tx := &memTx{store: s, key: key, ledger: s.Book.Begin()}
	committed := false
	defer func() {
		if !committed {
			tx.ledger.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		s.logger.Debug("store.memory.rollback", zap.String("listing", string(key)), zap.Error(err))
		return err
	}

	s.mu.Lock()
	if tx.listing != nil {
		s.listings[key] = *tx.listing
	}
	for _, evt := range tx.events {
		evt.Seq = int64(len(s.events) + 1)
		s.events = append(s.events, evt)
	}
	s.mu.Unlock()

	tx.ledger.Commit()
	committed = true
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, key model.ListingKey) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[key]
	if !ok {
		return nil, model.ErrListingNotFound
	}
	return &l, nil
}

func (s *MemoryStore) ListListings(_ context.Context, filter model.ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	out := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		if filter.Matches(l) {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListingEvents(_ context.Context, key model.ListingKey) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Listing == key {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, before int64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	end := len(s.events)
	if before > 0 && before <= int64(end) {
		end = int(before - 1)
	}
	var out []model.Event
	for i := end - 1; i >= 0; i-- {
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountActive(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.listings {
		if l.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Unpublished(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for _, e := range s.events {
		if s.published[e.ID] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.published[id] = true
	}
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// memTx stages listing and event writes until the unit commits; ledger
// operations go straight to the book's journal.
type memTx struct {
	store   *MemoryStore
	key     model.ListingKey
	ledger  *custody.BookTx
	listing *model.Listing
	events  []model.Event
}

func (t *memTx) OpenEscrow(ctx context.Context, account model.AccountID, controller model.Identity) error {
	return t.ledger.OpenEscrow(ctx, account, controller)
}

func (t *memTx) MoveAsset(ctx context.Context, asset model.AssetID, from, to model.AccountID, by custody.Authority) error {
	return t.ledger.MoveAsset(ctx, asset, from, to, by)
}

func (t *memTx) MoveValue(ctx context.Context, from, to model.Identity, amount uint64, by custody.Authority) error {
	return t.ledger.MoveValue(ctx, from, to, amount, by)
}

func (t *memTx) Listing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	if t.listing != nil && key == t.key {
		l := *t.listing
		return &l, nil
	}
	return t.store.GetListing(ctx, key)
}

func (t *memTx) InsertListing(ctx context.Context, l model.Listing) error {
	if err := checkKey(t.key, l.Key); err != nil {
		return err
	}
	if _, err := t.Listing(ctx, l.Key); err == nil {
		return model.ErrDuplicateListing
	}
	t.listing = &l
	return nil
}

func (t *memTx) SettleListing(ctx context.Context, l model.Listing) error {
	if err := checkKey(t.key, l.Key); err != nil {
		return err
	}
	current, err := t.Listing(ctx, l.Key)
	if err != nil {
		return err
	}
	if !current.IsActive || l.IsActive {
		return model.ErrListingNotActive
	}
	t.listing = &l
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, evt model.Event) error {
	t.events = append(t.events, evt)
	return nil
}
