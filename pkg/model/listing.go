package model

import (
	"time"
)

// Identity is the hex-encoded ed25519 public key of a party.
type Identity string

// AssetID identifies a unique asset (e.g. a mint address).
type AssetID string

// ListingKey is the deterministic address of a listing, derived from its AssetID.
type ListingKey string

// AccountID addresses a holding account in the custody ledger.
type AccountID string

// ListingState is the lifecycle state of a listing.
type ListingState string

const (
	ListingStateActive  ListingState = "ACTIVE"
	ListingStateSettled ListingState = "SETTLED"
)

// Settlement records how a listing left the active state.
type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementPurchased Settlement = "purchased"
	SettlementCanceled  Settlement = "canceled"
)

// Metadata limits mirror the on-chain token metadata bounds.
const (
	MaxNameLength   = 32
	MaxSymbolLength = 10
	MaxURILength    = 200
)

// Listing is the persistent record of one asset offered for sale.
// Seller, AssetID, Price and the display fields are set at creation and never change.
type Listing struct {
	Key           ListingKey `json:"key"`
	Seller        Identity   `json:"seller"`
	AssetID       AssetID    `json:"asset_id"`
	Price         uint64     `json:"price"`
	Name          string     `json:"name"`
	Symbol        string     `json:"symbol,omitempty"`
	URI           string     `json:"uri"`
	IsActive      bool       `json:"is_active"`
	EscrowAccount AccountID  `json:"escrow_account"`
	Settlement    Settlement `json:"settlement,omitempty"`
	Buyer         Identity   `json:"buyer,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// State maps the active flag onto the lifecycle state machine.
func (l Listing) State() ListingState {
	if l.IsActive {
		return ListingStateActive
	}
	return ListingStateSettled
}

// Settle moves the listing into its terminal state. It reports false when the
// listing was already settled, leaving it untouched.
func (l *Listing) Settle(how Settlement, buyer Identity, at time.Time) bool {
	if !l.IsActive {
		return false
	}
	l.IsActive = false
	l.Settlement = how
	l.Buyer = buyer
	settled := at.UTC()
	l.SettledAt = &settled
	return true
}

// ListingFilter narrows listing queries.
type ListingFilter struct {
	ActiveOnly bool
	Seller     Identity
	Limit      int
}

// Matches reports whether l passes the filter (Limit is applied by callers).
func (f ListingFilter) Matches(l Listing) bool {
	if f.ActiveOnly && !l.IsActive {
		return false
	}
	if f.Seller != "" && l.Seller != f.Seller {
		return false
	}
	return true
}
