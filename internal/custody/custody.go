// Package custody defines the transfer primitive the marketplace settles through:
// unique assets held in accounts, fungible value held per identity, and the
// authorities allowed to move them.
package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var (
	// ErrTransferFailed matches every *TransferError via errors.Is.
	ErrTransferFailed = errors.New("transfer failed")

	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrAssetNotHeld      = errors.New("asset not held by source account")
	ErrAuthorityMismatch = errors.New("authority does not control source account")
	ErrEscrowInUse       = errors.New("escrow account already open")
	ErrAssetExists       = errors.New("asset already minted")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

// TransferError is returned by every failing Ledger operation.
type TransferError struct {
	Op   string
	From string
	To   string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.From, e.To, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}

func transferErr(op string, from, to any, err error) error {
	return &TransferError{Op: op, From: fmt.Sprint(from), To: fmt.Sprint(to), Err: err}
}

// Authority is whatever authorizes moving value or assets out of an account.
type Authority interface {
	Controller() model.Identity
}

// Consent is the authority of a party that proved control of its identity.
type Consent struct {
	signer model.Identity
}

// NewConsent wraps an identity whose signature has already been verified.
func NewConsent(id model.Identity) Consent {
	return Consent{signer: id}
}

func (c Consent) Controller() model.Identity { return c.signer }

// Identity returns the consenting party.
func (c Consent) Identity() model.Identity { return c.signer }

func (c Consent) IsZero() bool { return c.signer == "" }

// Ledger is the transfer primitive as seen from inside one unit of work.
// Implementations must make every operation undone if the unit does not commit.
type Ledger interface {
	// OpenEscrow creates a custodial account whose sole transfer authority is controller.
	OpenEscrow(ctx context.Context, account model.AccountID, controller model.Identity) error
	// MoveAsset moves a unique asset between accounts; by must control from.
	MoveAsset(ctx context.Context, asset model.AssetID, from, to model.AccountID, by Authority) error
	// MoveValue moves amount smallest units from one identity to another; by must be from.
	MoveValue(ctx context.Context, from, to model.Identity, amount uint64, by Authority) error
}

// Registry is the administrative side of custody: issuing assets and funding parties.
type Registry interface {
	MintAsset(ctx context.Context, asset model.AssetID, owner model.Identity) error
	Deposit(ctx context.Context, owner model.Identity, amount uint64) error
	Balance(ctx context.Context, owner model.Identity) (uint64, error)
	HolderOf(ctx context.Context, asset model.AssetID) (model.AccountID, error)
	AccountAssets(ctx context.Context, account model.AccountID) ([]model.AssetID, error)
}
