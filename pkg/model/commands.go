package model

// CreateListingCommand is the signed request to escrow an asset and list it.
// Signature is the hex ed25519 signature of the seller over the canonical message.
type CreateListingCommand struct {
	Seller    Identity `json:"seller"`
	AssetID   AssetID  `json:"assetId"`
	Price     uint64   `json:"price"`
	Name      string   `json:"name"`
	Symbol    string   `json:"symbol,omitempty"`
	URI       string   `json:"uri"`
	Nonce     string   `json:"nonce"`
	Signature string   `json:"signature"`
}

// PurchaseCommand is the signed request to buy an active listing. SellerDestination
// must name the seller recorded on the listing.
type PurchaseCommand struct {
	Buyer             Identity   `json:"buyer"`
	Listing           ListingKey `json:"listing"`
	SellerDestination Identity   `json:"sellerDestination"`
	Nonce             string     `json:"nonce"`
	Signature         string     `json:"signature"`
}

// CancelListingCommand is the signed request by the seller to reclaim an unsold asset.
type CancelListingCommand struct {
	Seller    Identity   `json:"seller"`
	Listing   ListingKey `json:"listing"`
	Nonce     string     `json:"nonce"`
	Signature string     `json:"signature"`
}
