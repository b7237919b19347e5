// Package dispatch verifies signed commands and runs them on the engine. Both
// the HTTP API and the queue consumer go through it.
package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/auth"
	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/internal/market"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Engine is the part of market.Engine that changes state.
type Engine interface {
	CreateListing(ctx context.Context, req market.CreateListingRequest) (model.ListingKey, error)
	Purchase(ctx context.Context, req market.PurchaseRequest) error
	Cancel(ctx context.Context, req market.CancelRequest) error
}

type Dispatcher struct {
	verifier *auth.Verifier
	engine   Engine
	logger   *zap.Logger
}

func New(verifier *auth.Verifier, engine Engine, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{verifier: verifier, engine: engine, logger: logger}
}

func (d *Dispatcher) CreateListing(ctx context.Context, cmd model.CreateListingCommand) (model.ListingKey, error) {
	consent, err := d.verifier.Consent(ctx, cmd.Seller, auth.CreateMessage(cmd), cmd.Signature, cmd.Nonce)
	if err != nil {
		return "", err
	}
	key, err := d.engine.CreateListing(ctx, market.CreateListingRequest{
		Seller: consent,
		Asset:  cmd.AssetID,
		Price:  cmd.Price,
		Name:   cmd.Name,
		Symbol: cmd.Symbol,
		URI:    cmd.URI,
	})
	d.settleNonce(ctx, cmd.Seller, cmd.Nonce, err)
	return key, err
}

func (d *Dispatcher) Purchase(ctx context.Context, cmd model.PurchaseCommand) error {
	consent, err := d.verifier.Consent(ctx, cmd.Buyer, auth.PurchaseMessage(cmd), cmd.Signature, cmd.Nonce)
	if err != nil {
		return err
	}
	err = d.engine.Purchase(ctx, market.PurchaseRequest{
		Buyer:             consent,
		Listing:           cmd.Listing,
		SellerDestination: cmd.SellerDestination,
	})
	d.settleNonce(ctx, cmd.Buyer, cmd.Nonce, err)
	return err
}

func (d *Dispatcher) Cancel(ctx context.Context, cmd model.CancelListingCommand) error {
	consent, err := d.verifier.Consent(ctx, cmd.Seller, auth.CancelMessage(cmd), cmd.Signature, cmd.Nonce)
	if err != nil {
		return err
	}
	err = d.engine.Cancel(ctx, market.CancelRequest{Caller: consent, Listing: cmd.Listing})
	d.settleNonce(ctx, cmd.Seller, cmd.Nonce, err)
	return err
}

// settleNonce frees the nonce after a retryable failure so the same signed
// command can be resubmitted. Rejected commands keep their nonce burned.
func (d *Dispatcher) settleNonce(ctx context.Context, id model.Identity, nonce string, err error) {
	if err == nil || !Retryable(err) {
		return
	}
	if rerr := d.verifier.Release(context.WithoutCancel(ctx), id, nonce); rerr != nil {
		d.logger.Warn("dispatch.nonce_release_failed", zap.String("identity", string(id)), zap.Error(rerr))
	}
}

// Retryable reports whether err came from infrastructure rather than from the
// command itself, so resubmitting unchanged may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{
		model.ErrListingNotActive,
		model.ErrUnauthorizedAccess,
		model.ErrDuplicateListing,
		model.ErrListingNotFound,
		model.ErrInvalidListing,
		custody.ErrTransferFailed,
		auth.ErrInvalidSignature,
		auth.ErrReplayedNonce,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}
