package model

import "errors"

var (
	// ErrListingNotActive is returned when purchase or cancel targets a settled listing.
	ErrListingNotActive = errors.New("listing not active")

	// ErrUnauthorizedAccess is returned when the caller does not match the identity the
	// transition requires (non-seller cancel, mismatched payment destination).
	ErrUnauthorizedAccess = errors.New("unauthorized access")

	// ErrDuplicateListing is returned when a listing already exists at the derived key.
	ErrDuplicateListing = errors.New("duplicate listing")

	ErrListingNotFound = errors.New("listing not found")

	// ErrInvalidListing wraps metadata or field validation failures.
	ErrInvalidListing = errors.New("invalid listing")
)
