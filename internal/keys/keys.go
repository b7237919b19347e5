// Package keys derives the deterministic addresses used by the marketplace.
// Every derivation is a namespaced blake2b-256 hash, so lookups never need an index
// and the same asset always maps to the same listing and escrow account.
package keys

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	listingNamespace   = "escrow-market/listing"
	escrowNamespace    = "escrow-market/escrow"
	authorityNamespace = "escrow-market/authority"

	walletPrefix = "wallet:"
	escrowPrefix = "escrow:"
)

func derive(namespace string, parts ...string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(namespace))
	for _, p := range parts {
		// length-prefix each part so ("ab","c") and ("a","bc") never collide
		h.Write([]byte{byte(len(p) >> 8), byte(len(p))})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ListingKey returns the listing address for an asset.
func ListingKey(asset model.AssetID) model.ListingKey {
	return model.ListingKey(derive(listingNamespace, string(asset)))
}

// EscrowAccount returns the custodial account that holds the asset while the listing is active.
func EscrowAccount(listing model.ListingKey, asset model.AssetID) model.AccountID {
	return model.AccountID(escrowPrefix + derive(escrowNamespace, string(listing), string(asset)))
}

// EscrowAuthority returns the identity of the derived authority that controls the
// listing's escrow account. No private key exists for it.
func EscrowAuthority(listing model.ListingKey) model.Identity {
	return model.Identity("authority:" + derive(authorityNamespace, string(listing)))
}

// WalletAccount returns the freely-transferable account owned by id.
func WalletAccount(id model.Identity) model.AccountID {
	return model.AccountID(walletPrefix + string(id))
}

// WalletOwner reports the identity owning a wallet account.
func WalletOwner(account model.AccountID) (model.Identity, bool) {
	s := string(account)
	if !strings.HasPrefix(s, walletPrefix) {
		return "", false
	}
	return model.Identity(strings.TrimPrefix(s, walletPrefix)), true
}

// IsEscrow reports whether account is a derived escrow account.
func IsEscrow(account model.AccountID) bool {
	return strings.HasPrefix(string(account), escrowPrefix)
}
