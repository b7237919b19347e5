// Package market implements the listing lifecycle: create, purchase and cancel,
// each settled through the custody ledger in one unit of work.
package market

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	opCreate   = "create"
	opPurchase = "purchase"
	opCancel   = "cancel"
)

// Emitter delivers committed events to observers. An error means the event
// stays in the outbox for the relay to retry.
type Emitter interface {
	Emit(ctx context.Context, evt model.Event) error
}

// Engine runs listing transitions against a Store.
type Engine struct {
	store   store.Store
	emitter Emitter
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for CreatedAt/SettledAt and events.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine. A nil emitter leaves events in the outbox.
func NewEngine(st store.Store, emitter Emitter, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: st, emitter: emitter, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// escrowAuthority is the listing's derived authority. Only the engine mints it,
// so only a committed purchase or cancel can move an escrowed asset.
type escrowAuthority struct {
	listing model.ListingKey
	id      model.Identity
}

func (a escrowAuthority) Controller() model.Identity { return a.id }

func authorityFor(key model.ListingKey) escrowAuthority {
	return escrowAuthority{listing: key, id: keys.EscrowAuthority(key)}
}

// CreateListingRequest asks to escrow Asset and list it at Price.
type CreateListingRequest struct {
	Seller custody.Consent
	Asset  model.AssetID
	Price  uint64
	Name   string
	Symbol string
	URI    string
}

// PurchaseRequest asks to buy Listing, paying SellerDestination.
type PurchaseRequest struct {
	Buyer             custody.Consent
	Listing           model.ListingKey
	SellerDestination model.Identity
}

// CancelRequest asks to return the escrowed asset of Listing to its seller.
type CancelRequest struct {
	Caller  custody.Consent
	Listing model.ListingKey
}

// CreateListing moves the asset into a fresh escrow account and records an
// active listing for it.
func (e *Engine) CreateListing(ctx context.Context, req CreateListingRequest) (model.ListingKey, error) {
	start := time.Now()
	if err := ValidateCreate(req); err != nil {
		e.finish(opCreate, "", start, err)
		return "", err
	}

	key := keys.ListingKey(req.Asset)
	escrow := keys.EscrowAccount(key, req.Asset)
	authority := authorityFor(key)
	seller := req.Seller.Identity()

	var evt model.Event
	err := e.store.Atomically(ctx, key, func(tx store.Tx) error {
		if _, err := tx.Listing(ctx, key); err == nil {
			return model.ErrDuplicateListing
		} else if !errors.Is(err, model.ErrListingNotFound) {
			return err
		}

		if err := tx.OpenEscrow(ctx, escrow, authority.Controller()); err != nil {
			return err
		}
		if err := tx.MoveAsset(ctx, req.Asset, keys.WalletAccount(seller), escrow, req.Seller); err != nil {
			return err
		}

		l := model.Listing{
			Key:           key,
			Seller:        seller,
			AssetID:       req.Asset,
			Price:         req.Price,
			Name:          req.Name,
			Symbol:        req.Symbol,
			URI:           req.URI,
			IsActive:      true,
			EscrowAccount: escrow,
			CreatedAt:     e.now().UTC(),
		}
		if err := tx.InsertListing(ctx, l); err != nil {
			return err
		}
		evt = model.NewListingCreated(l, l.CreatedAt)
		return tx.AppendEvent(ctx, evt)
	})
	e.finish(opCreate, key, start, err)
	if err != nil {
		return "", err
	}

	metrics.ActiveListings.Inc()
	e.publish(ctx, evt)
	return key, nil
}

// Purchase pays the seller from the buyer and releases the escrowed asset to
// the buyer under the listing's derived authority.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) error {
	start := time.Now()
	if req.Buyer.IsZero() {
		e.finish(opPurchase, req.Listing, start, model.ErrUnauthorizedAccess)
		return model.ErrUnauthorizedAccess
	}
	buyer := req.Buyer.Identity()
	authority := authorityFor(req.Listing)

	var evt model.Event
	err := e.store.Atomically(ctx, req.Listing, func(tx store.Tx) error {
		l, err := tx.Listing(ctx, req.Listing)
		if err != nil {
			return err
		}
		if err := CheckPurchase(l, req.SellerDestination); err != nil {
			return err
		}

		if err := tx.MoveValue(ctx, buyer, l.Seller, l.Price, req.Buyer); err != nil {
			return err
		}
		if err := tx.MoveAsset(ctx, l.AssetID, l.EscrowAccount, keys.WalletAccount(buyer), authority); err != nil {
			return err
		}

		at := e.now()
		next := *l
		next.Settle(model.SettlementPurchased, buyer, at)
		if err := tx.SettleListing(ctx, next); err != nil {
			return err
		}
		evt = model.NewPurchased(next, buyer, at)
		return tx.AppendEvent(ctx, evt)
	})
	e.finish(opPurchase, req.Listing, start, err)
	if err != nil {
		return err
	}

	metrics.ActiveListings.Dec()
	e.publish(ctx, evt)
	return nil
}

// Cancel returns the escrowed asset to the seller who listed it.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) error {
	start := time.Now()
	if req.Caller.IsZero() {
		e.finish(opCancel, req.Listing, start, model.ErrUnauthorizedAccess)
		return model.ErrUnauthorizedAccess
	}
	authority := authorityFor(req.Listing)

	var evt model.Event
	err := e.store.Atomically(ctx, req.Listing, func(tx store.Tx) error {
		l, err := tx.Listing(ctx, req.Listing)
		if err != nil {
			return err
		}
		if err := CheckCancel(l, req.Caller.Identity()); err != nil {
			return err
		}

		if err := tx.MoveAsset(ctx, l.AssetID, l.EscrowAccount, keys.WalletAccount(l.Seller), authority); err != nil {
			return err
		}

		at := e.now()
		next := *l
		next.Settle(model.SettlementCanceled, "", at)
		if err := tx.SettleListing(ctx, next); err != nil {
			return err
		}
		evt = model.NewCanceled(next, at)
		return tx.AppendEvent(ctx, evt)
	})
	e.finish(opCancel, req.Listing, start, err)
	if err != nil {
		return err
	}

	metrics.ActiveListings.Dec()
	e.publish(ctx, evt)
	return nil
}

func (e *Engine) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	return e.store.GetListing(ctx, key)
}

func (e *Engine) ListListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error) {
	return e.store.ListListings(ctx, filter)
}

// RecentEvents pages the whole market's history newest first. before is the
// Seq of the last event of the previous page, or zero for the first page.
func (e *Engine) RecentEvents(ctx context.Context, before int64, limit int) ([]model.Event, error) {
	return e.store.RecentEvents(ctx, before, limit)
}

// SyncActiveListings sets the active-listings gauge from the store. Run it at
// startup; transitions keep it current afterwards.
func (e *Engine) SyncActiveListings(ctx context.Context) error {
	n, err := e.store.CountActive(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveListings.Set(float64(n))
	e.logger.Info("market.active_listings_synced", zap.Int("active", n))
	return nil
}

// ListingEvents returns the committed history of one listing, oldest first.
func (e *Engine) ListingEvents(ctx context.Context, key model.ListingKey) ([]model.Event, error) {
	if _, err := e.store.GetListing(ctx, key); err != nil {
		return nil, err
	}
	return e.store.ListingEvents(ctx, key)
}

// publish runs after commit. A failed emit leaves the event unpublished.
func (e *Engine) publish(ctx context.Context, evt model.Event) {
	if e.emitter == nil {
		return
	}
	if err := e.emitter.Emit(ctx, evt); err != nil {
		e.logger.Warn("market.emit_deferred",
			zap.String("event_id", evt.ID.String()),
			zap.String("type", string(evt.Type)),
			zap.Error(err))
		return
	}
	if err := e.store.MarkPublished(ctx, evt.ID); err != nil {
		e.logger.Warn("market.mark_published_failed", zap.String("event_id", evt.ID.String()), zap.Error(err))
	}
}

func (e *Engine) finish(op string, key model.ListingKey, start time.Time, err error) {
	metrics.ObserveDuration(metrics.TransitionDuration, start, op)
	result := Classify(err)
	metrics.IncTransition(op, result)
	if err != nil {
		e.logger.Info("market."+op+".rejected",
			zap.String("listing", string(key)),
			zap.String("reason", result),
			zap.Error(err))
		return
	}
	e.logger.Info("market."+op+".committed", zap.String("listing", string(key)))
}
