package custody

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Book is an in-memory custody ledger. Mutations go through a BookTx so they can
// be rolled back as a unit.
type Book struct {
	mu       sync.Mutex
	holdings map[model.AssetID]model.AccountID
	escrows  map[model.AccountID]model.Identity
	balances map[model.Identity]uint64
}

// NewBook returns an empty ledger.
func NewBook() *Book {
	return &Book{
		holdings: make(map[model.AssetID]model.AccountID),
		escrows:  make(map[model.AccountID]model.Identity),
		balances: make(map[model.Identity]uint64),
	}
}

// controllerOf must be called with b.mu held.
func (b *Book) controllerOf(account model.AccountID) (model.Identity, bool) {
	if owner, ok := keys.WalletOwner(account); ok {
		return owner, true
	}
	ctrl, ok := b.escrows[account]
	return ctrl, ok
}

// Begin starts a journaled unit of work against the book.
func (b *Book) Begin() *BookTx {
	return &BookTx{book: b}
}

func (b *Book) MintAsset(_ context.Context, asset model.AssetID, owner model.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.holdings[asset]; ok {
		return transferErr("mint_asset", "", owner, ErrAssetExists)
	}
	b.holdings[asset] = keys.WalletAccount(owner)
	return nil
}

func (b *Book) Deposit(_ context.Context, owner model.Identity, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[owner] > math.MaxUint64-amount {
		return transferErr("deposit", "", owner, ErrBalanceOverflow)
	}
	b.balances[owner] += amount
	return nil
}

func (b *Book) Balance(_ context.Context, owner model.Identity) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[owner], nil
}

func (b *Book) HolderOf(_ context.Context, asset model.AssetID) (model.AccountID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.holdings[asset]
	if !ok {
		return "", ErrUnknownAsset
	}
	return acct, nil
}

func (b *Book) AccountAssets(_ context.Context, account model.AccountID) ([]model.AssetID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.AssetID
	for asset, holder := range b.holdings {
		if holder == account {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// BookTx applies ledger operations immediately and records their inverse.
// Rollback replays the inverses newest first. A BookTx is not safe for
// concurrent use; the book itself is.
type BookTx struct {
	book    *Book
	journal []func()
	done    bool
}

func (t *BookTx) record(undo func()) {
	t.journal = append(t.journal, undo)
}

// Commit discards the journal.
func (t *BookTx) Commit() {
	t.journal = nil
	t.done = true
}

// Rollback undoes every operation applied through this transaction.
func (t *BookTx) Rollback() {
	if t.done {
		return
	}
	t.book.mu.Lock()
	defer t.book.mu.Unlock()
	for i := len(t.journal) - 1; i >= 0; i-- {
		t.journal[i]()
	}
	t.journal = nil
	t.done = true
}

func (t *BookTx) OpenEscrow(_ context.Context, account model.AccountID, controller model.Identity) error {
	b := t.book
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.escrows[account]; ok {
		return transferErr("open_escrow", controller, account, ErrEscrowInUse)
	}
	b.escrows[account] = controller
	t.record(func() { delete(b.escrows, account) })
	return nil
}

func (t *BookTx) MoveAsset(_ context.Context, asset model.AssetID, from, to model.AccountID, by Authority) error {
	b := t.book
	b.mu.Lock()
	defer b.mu.Unlock()

	holder, ok := b.holdings[asset]
	if !ok {
		return transferErr("move_asset", from, to, ErrUnknownAsset)
	}
	if holder != from {
		return transferErr("move_asset", from, to, ErrAssetNotHeld)
	}
	ctrl, ok := b.controllerOf(from)
	if !ok || by == nil || ctrl != by.Controller() {
		return transferErr("move_asset", from, to, ErrAuthorityMismatch)
	}
	if _, ok := b.controllerOf(to); !ok {
		return transferErr("move_asset", from, to, ErrUnknownAccount)
	}

	b.holdings[asset] = to
	t.record(func() { b.holdings[asset] = from })
	return nil
}

func (t *BookTx) MoveValue(_ context.Context, from, to model.Identity, amount uint64, by Authority) error {
	b := t.book
	b.mu.Lock()
	defer b.mu.Unlock()

	if by == nil || by.Controller() != from {
		return transferErr("move_value", from, to, ErrAuthorityMismatch)
	}
	if b.balances[from] < amount {
		return transferErr("move_value", from, to, ErrInsufficientFunds)
	}
	if from != to && b.balances[to] > math.MaxUint64-amount {
		return transferErr("move_value", from, to, ErrBalanceOverflow)
	}

	b.balances[from] -= amount
	b.balances[to] += amount
	t.record(func() {
		b.balances[to] -= amount
		b.balances[from] += amount
	})
	return nil
}
