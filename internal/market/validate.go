package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// ValidateCreate checks the request fields before any state is touched.
// Price is not bounded; zero is accepted.
func ValidateCreate(req CreateListingRequest) error {
	switch {
	case req.Seller.IsZero():
		return fmt.Errorf("%w: seller is required", model.ErrInvalidListing)
	case req.Asset == "":
		return fmt.Errorf("%w: asset is required", model.ErrInvalidListing)
	case req.Name == "":
		return fmt.Errorf("%w: name is required", model.ErrInvalidListing)
	case len(req.Name) > model.MaxNameLength:
		return fmt.Errorf("%w: name exceeds %d bytes", model.ErrInvalidListing, model.MaxNameLength)
	case len(req.Symbol) > model.MaxSymbolLength:
		return fmt.Errorf("%w: symbol exceeds %d bytes", model.ErrInvalidListing, model.MaxSymbolLength)
	case req.URI == "":
		return fmt.Errorf("%w: uri is required", model.ErrInvalidListing)
	case len(req.URI) > model.MaxURILength:
		return fmt.Errorf("%w: uri exceeds %d bytes", model.ErrInvalidListing, model.MaxURILength)
	}
	return nil
}

// CheckPurchase enforces the purchase preconditions: the listing is active,
// then the declared payment destination is its seller.
func CheckPurchase(l *model.Listing, destination model.Identity) error {
	if !l.IsActive {
		return model.ErrListingNotActive
	}
	if destination != l.Seller {
		return model.ErrUnauthorizedAccess
	}
	return nil
}

// CheckCancel enforces the cancel preconditions: the listing is active, then
// the caller is its seller.
func CheckCancel(l *model.Listing, caller model.Identity) error {
	if !l.IsActive {
		return model.ErrListingNotActive
	}
	if caller != l.Seller {
		return model.ErrUnauthorizedAccess
	}
	return nil
}

// Classify maps a transition error onto a short label for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrListingNotActive):
		return "not_active"
	case errors.Is(err, model.ErrUnauthorizedAccess):
		return "unauthorized"
	case errors.Is(err, model.ErrDuplicateListing):
		return "duplicate"
	case errors.Is(err, model.ErrListingNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidListing):
		return "invalid"
	case errors.Is(err, custody.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
