package custody

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type fixedAuthority model.Identity

func (a fixedAuthority) Controller() model.Identity { return model.Identity(a) }

func TestBook_MoveAssetIntoEscrowAndBack(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	require.NoError(t, book.MintAsset(ctx, "asset-1", "seller"))

	escrow := model.AccountID("escrow:test")
	tx := book.Begin()
	require.NoError(t, tx.OpenEscrow(ctx, escrow, "authority"))
	require.NoError(t, tx.MoveAsset(ctx, "asset-1", keys.WalletAccount("seller"), escrow, NewConsent("seller")))
	tx.Commit()

	holder, err := book.HolderOf(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, escrow, holder)

	// the seller no longer controls the escrowed asset
	tx = book.Begin()
	err = tx.MoveAsset(ctx, "asset-1", escrow, keys.WalletAccount("seller"), NewConsent("seller"))
	assert.ErrorIs(t, err, ErrAuthorityMismatch)
	assert.ErrorIs(t, err, ErrTransferFailed)

	require.NoError(t, tx.MoveAsset(ctx, "asset-1", escrow, keys.WalletAccount("seller"), fixedAuthority("authority")))
	tx.Commit()

	assets, err := book.AccountAssets(ctx, escrow)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestBook_MoveAssetFailures(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	require.NoError(t, book.MintAsset(ctx, "asset-1", "seller"))
	tx := book.Begin()

	err := tx.MoveAsset(ctx, "missing", keys.WalletAccount("seller"), keys.WalletAccount("b"), NewConsent("seller"))
	assert.ErrorIs(t, err, ErrUnknownAsset)

	err = tx.MoveAsset(ctx, "asset-1", keys.WalletAccount("other"), keys.WalletAccount("b"), NewConsent("other"))
	assert.ErrorIs(t, err, ErrAssetNotHeld)

	err = tx.MoveAsset(ctx, "asset-1", keys.WalletAccount("seller"), "escrow:never-opened", NewConsent("seller"))
	assert.ErrorIs(t, err, ErrUnknownAccount)

	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "move_asset", te.Op)
}

func TestBook_MoveValue(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	require.NoError(t, book.Deposit(ctx, "buyer", 150))

	tx := book.Begin()
	err := tx.MoveValue(ctx, "buyer", "seller", 100, NewConsent("seller"))
	assert.ErrorIs(t, err, ErrAuthorityMismatch)

	err = tx.MoveValue(ctx, "buyer", "seller", 200, NewConsent("buyer"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, tx.MoveValue(ctx, "buyer", "seller", 100, NewConsent("buyer")))
	tx.Commit()

	bal, _ := book.Balance(ctx, "buyer")
	assert.Equal(t, uint64(50), bal)
	bal, _ = book.Balance(ctx, "seller")
	assert.Equal(t, uint64(100), bal)
}

func TestBookTx_Rollback(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	require.NoError(t, book.MintAsset(ctx, "asset-1", "seller"))
	require.NoError(t, book.Deposit(ctx, "buyer", 100))

	escrow := model.AccountID("escrow:x")
	tx := book.Begin()
	require.NoError(t, tx.OpenEscrow(ctx, escrow, "authority"))
	require.NoError(t, tx.MoveAsset(ctx, "asset-1", keys.WalletAccount("seller"), escrow, NewConsent("seller")))
	require.NoError(t, tx.MoveValue(ctx, "buyer", "seller", 60, NewConsent("buyer")))
	tx.Rollback()

	holder, _ := book.HolderOf(ctx, "asset-1")
	assert.Equal(t, keys.WalletAccount("seller"), holder)
	bal, _ := book.Balance(ctx, "buyer")
	assert.Equal(t, uint64(100), bal)
	bal, _ = book.Balance(ctx, "seller")
	assert.Zero(t, bal)

	// the escrow account can be opened again after rollback
	tx = book.Begin()
	assert.NoError(t, tx.OpenEscrow(ctx, escrow, "authority"))
	assert.ErrorIs(t, tx.OpenEscrow(ctx, escrow, "authority"), ErrEscrowInUse)
}

func TestBook_MintTwice(t *testing.T) {
	ctx := context.Background()
	book := NewBook()
	require.NoError(t, book.MintAsset(ctx, "asset-1", "a"))
	assert.ErrorIs(t, book.MintAsset(ctx, "asset-1", "b"), ErrAssetExists)
}
