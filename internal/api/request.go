package api

import (
	"time"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// ListingResponse is a listing plus its price rendered in display units.
type ListingResponse struct {
	model.Listing
	State        model.ListingState `json:"state"`
	DisplayPrice string             `json:"display_price"`
	Currency     string             `json:"currency"`
}

func toListingResponse(l model.Listing, cur model.Currency) ListingResponse {
	return ListingResponse{
		Listing:      l,
		State:        l.State(),
		DisplayPrice: cur.Format(l.Price),
		Currency:     cur.Symbol,
	}
}

// CreateListingResponse is returned by POST /listings.
type CreateListingResponse struct {
	Listing model.ListingKey `json:"listing"`
}

// TransitionResponse is returned by purchase and cancel.
type TransitionResponse struct {
	Listing model.ListingKey   `json:"listing"`
	State   model.ListingState `json:"state"`
}

// EventPageResponse is one page of the market-wide history.
type EventPageResponse struct {
	Events []model.Event `json:"events"`
	Next   int64         `json:"next,omitempty"`
}

// MintAssetRequest issues a new asset into owner's wallet.
type MintAssetRequest struct {
	Asset model.AssetID  `json:"asset"`
	Owner model.Identity `json:"owner"`
}

// DepositRequest credits owner. Amount is in display units, e.g. "1.25".
type DepositRequest struct {
	Owner  model.Identity `json:"owner"`
	Amount string         `json:"amount"`
}

// AccountResponse describes one identity's wallet.
type AccountResponse struct {
	Identity       model.Identity  `json:"identity"`
	Account        model.AccountID `json:"account"`
	Balance        uint64          `json:"balance"`
	DisplayBalance string          `json:"display_balance"`
	Currency       string          `json:"currency"`
	Assets         []model.AssetID `json:"assets"`
}

// AssetResponse locates an asset.
type AssetResponse struct {
	Asset    model.AssetID    `json:"asset"`
	Holder   model.AccountID  `json:"holder"`
	Owner    model.Identity   `json:"owner,omitempty"`
	InEscrow bool             `json:"in_escrow"`
	Listing  model.ListingKey `json:"listing"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Time   time.Time         `json:"time"`
}
