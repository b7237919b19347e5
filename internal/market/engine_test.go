package market

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, evt model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingEmitter) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

const (
	seller = model.Identity("seller")
	buyer  = model.Identity("buyer")
	asset  = model.AssetID("asset-A")
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *recordingEmitter) {
	t.Helper()
	st := store.NewMemory(nil)
	em := &recordingEmitter{}
	eng := NewEngine(st, em, nil, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	require.NoError(t, st.MintAsset(ctx, asset, seller))
	require.NoError(t, st.Deposit(ctx, buyer, 1_000))
	return eng, st, em
}

func createReq(price uint64) CreateListingRequest {
	return CreateListingRequest{
		Seller: custody.NewConsent(seller),
		Asset:  asset,
		Price:  price,
		Name:   "Sunset #1",
		Symbol: "SUN",
		URI:    "https://example.com/sunset/1.json",
	}
}

func purchaseReq(key model.ListingKey, who model.Identity) PurchaseRequest {
	return PurchaseRequest{Buyer: custody.NewConsent(who), Listing: key, SellerDestination: seller}
}

func cancelReq(key model.ListingKey, who model.Identity) CancelRequest {
	return CancelRequest{Caller: custody.NewConsent(who), Listing: key}
}

func balance(t *testing.T, st custody.Registry, id model.Identity) uint64 {
	t.Helper()
	b, err := st.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func holder(t *testing.T, st custody.Registry, a model.AssetID) model.AccountID {
	t.Helper()
	h, err := st.HolderOf(context.Background(), a)
	require.NoError(t, err)
	return h
}

func TestCreateListing_EscrowsAsset(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)
	assert.Equal(t, keys.ListingKey(asset), key)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.True(t, l.IsActive)
	assert.Equal(t, seller, l.Seller)
	assert.Equal(t, uint64(100), l.Price)
	assert.Equal(t, "SUN", l.Symbol)
	assert.Equal(t, fixedNow, l.CreatedAt)
	assert.Equal(t, keys.EscrowAccount(key, asset), l.EscrowAccount)
	assert.Equal(t, l.EscrowAccount, holder(t, st, asset))

	events := em.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventListingCreated, events[0].Type)
	assert.Equal(t, key, events[0].Listing)
	require.NotNil(t, events[0].Price)
	assert.Equal(t, uint64(100), *events[0].Price)

	pending, err := st.Unpublished(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateListing_ZeroPriceIsLegal(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(0))
	require.NoError(t, err)

	require.NoError(t, eng.Purchase(ctx, purchaseReq(key, buyer)))
	assert.Equal(t, uint64(1_000), balance(t, st, buyer))
	assert.Equal(t, keys.WalletAccount(buyer), holder(t, st, asset))
}

func TestCreateListing_Duplicate(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	_, err = eng.CreateListing(ctx, createReq(100))
	assert.ErrorIs(t, err, model.ErrDuplicateListing)

	// settled listings still occupy the key
	require.NoError(t, eng.Cancel(ctx, cancelReq(key, seller)))
	_, err = eng.CreateListing(ctx, createReq(100))
	assert.ErrorIs(t, err, model.ErrDuplicateListing)
}

func TestCreateListing_TransferFailureCreatesNothing(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)

	// someone who does not hold the asset
	req := createReq(100)
	req.Seller = custody.NewConsent("mallory")
	_, err := eng.CreateListing(ctx, req)
	require.ErrorIs(t, err, custody.ErrTransferFailed)
	assert.ErrorIs(t, err, custody.ErrAssetNotHeld)

	// unknown asset
	req = createReq(100)
	req.Asset = "never-minted"
	_, err = eng.CreateListing(ctx, req)
	assert.ErrorIs(t, err, custody.ErrUnknownAsset)

	_, err = eng.GetListing(ctx, keys.ListingKey(asset))
	assert.ErrorIs(t, err, model.ErrListingNotFound)
	assert.Equal(t, keys.WalletAccount(seller), holder(t, st, asset))
	assert.Empty(t, em.Events())

	// the escrow account opened by the failed attempt was rolled back
	_, err = eng.CreateListing(ctx, createReq(100))
	assert.NoError(t, err)
}

func TestCreateListing_Validation(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	cases := map[string]func(*CreateListingRequest){
		"no seller":   func(r *CreateListingRequest) { r.Seller = custody.Consent{} },
		"no asset":    func(r *CreateListingRequest) { r.Asset = "" },
		"no name":     func(r *CreateListingRequest) { r.Name = "" },
		"long name":   func(r *CreateListingRequest) { r.Name = strings.Repeat("n", model.MaxNameLength+1) },
		"long symbol": func(r *CreateListingRequest) { r.Symbol = strings.Repeat("s", model.MaxSymbolLength+1) },
		"no uri":      func(r *CreateListingRequest) { r.URI = "" },
		"long uri":    func(r *CreateListingRequest) { r.URI = strings.Repeat("u", model.MaxURILength+1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createReq(1)
			mutate(&req)
			_, err := eng.CreateListing(ctx, req)
			assert.ErrorIs(t, err, model.ErrInvalidListing)
		})
	}

	req := createReq(1)
	req.Symbol = ""
	req.Name = strings.Repeat("n", model.MaxNameLength)
	_, err := eng.CreateListing(ctx, req)
	assert.NoError(t, err)
}

func TestPurchase_Settles(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)
	require.NoError(t, eng.Purchase(ctx, purchaseReq(key, buyer)))

	assert.Equal(t, uint64(900), balance(t, st, buyer))
	assert.Equal(t, uint64(100), balance(t, st, seller))
	assert.Equal(t, keys.WalletAccount(buyer), holder(t, st, asset))

	escrowed, err := st.AccountAssets(ctx, keys.EscrowAccount(key, asset))
	require.NoError(t, err)
	assert.Empty(t, escrowed)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.False(t, l.IsActive)
	assert.Equal(t, model.SettlementPurchased, l.Settlement)
	assert.Equal(t, buyer, l.Buyer)
	require.NotNil(t, l.SettledAt)

	events := em.Events()
	require.Len(t, events, 2)
	purchased := events[1]
	assert.Equal(t, model.EventPurchased, purchased.Type)
	assert.Equal(t, buyer, purchased.Buyer)
	assert.Equal(t, seller, purchased.Seller)
	assert.Equal(t, asset, purchased.Asset)
	require.NotNil(t, purchased.Price)
	assert.Equal(t, uint64(100), *purchased.Price)

	err = eng.Purchase(ctx, purchaseReq(key, buyer))
	assert.ErrorIs(t, err, model.ErrListingNotActive)
	assert.Len(t, em.Events(), 2)
}

func TestPurchase_WrongDestination(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	req := purchaseReq(key, buyer)
	req.SellerDestination = "attacker"
	err = eng.Purchase(ctx, req)
	assert.ErrorIs(t, err, model.ErrUnauthorizedAccess)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.True(t, l.IsActive)
	assert.Equal(t, l.EscrowAccount, holder(t, st, asset))
	assert.Equal(t, uint64(1_000), balance(t, st, buyer))
	assert.Zero(t, balance(t, st, "attacker"))
}

func TestPurchase_InsufficientFundsRollsBack(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(5_000))
	require.NoError(t, err)

	err = eng.Purchase(ctx, purchaseReq(key, buyer))
	require.ErrorIs(t, err, custody.ErrInsufficientFunds)
	assert.ErrorIs(t, err, custody.ErrTransferFailed)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.True(t, l.IsActive)
	assert.Equal(t, l.EscrowAccount, holder(t, st, asset))
	assert.Equal(t, uint64(1_000), balance(t, st, buyer))
	assert.Zero(t, balance(t, st, seller))
}

func TestPurchase_UnknownListing(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.Purchase(context.Background(), purchaseReq("missing", buyer))
	assert.ErrorIs(t, err, model.ErrListingNotFound)
}

func TestPurchase_RequiresConsent(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)
	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	err = eng.Purchase(ctx, PurchaseRequest{Listing: key, SellerDestination: seller})
	assert.ErrorIs(t, err, model.ErrUnauthorizedAccess)
}

func TestCancel_ReturnsAsset(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, cancelReq(key, seller)))

	assert.Equal(t, keys.WalletAccount(seller), holder(t, st, asset))
	escrowed, err := st.AccountAssets(ctx, keys.EscrowAccount(key, asset))
	require.NoError(t, err)
	assert.Empty(t, escrowed)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.False(t, l.IsActive)
	assert.Equal(t, model.SettlementCanceled, l.Settlement)

	events := em.Events()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventCanceled, events[1].Type)
	assert.Equal(t, seller, events[1].Seller)
	assert.Equal(t, asset, events[1].Asset)
	assert.Nil(t, events[1].Price)

	history, err := eng.ListingEvents(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.EventListingCreated, history[0].Type)
}

func TestCancel_NotSeller(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	err = eng.Cancel(ctx, cancelReq(key, buyer))
	assert.ErrorIs(t, err, model.ErrUnauthorizedAccess)

	l, err := eng.GetListing(ctx, key)
	require.NoError(t, err)
	assert.True(t, l.IsActive)
	assert.Equal(t, l.EscrowAccount, holder(t, st, asset))
}

func TestSettledListingRejectsEverything(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel then purchase", func(t *testing.T) {
		eng, _, _ := newTestEngine(t)
		key, err := eng.CreateListing(ctx, createReq(100))
		require.NoError(t, err)
		require.NoError(t, eng.Cancel(ctx, cancelReq(key, seller)))

		assert.ErrorIs(t, eng.Purchase(ctx, purchaseReq(key, buyer)), model.ErrListingNotActive)
		assert.ErrorIs(t, eng.Cancel(ctx, cancelReq(key, seller)), model.ErrListingNotActive)
	})

	t.Run("purchase then cancel", func(t *testing.T) {
		eng, _, _ := newTestEngine(t)
		key, err := eng.CreateListing(ctx, createReq(100))
		require.NoError(t, err)
		require.NoError(t, eng.Purchase(ctx, purchaseReq(key, buyer)))

		assert.ErrorIs(t, eng.Cancel(ctx, cancelReq(key, seller)), model.ErrListingNotActive)
	})

	t.Run("not active reported before identity", func(t *testing.T) {
		eng, _, _ := newTestEngine(t)
		key, err := eng.CreateListing(ctx, createReq(100))
		require.NoError(t, err)
		require.NoError(t, eng.Cancel(ctx, cancelReq(key, seller)))

		assert.ErrorIs(t, eng.Cancel(ctx, cancelReq(key, buyer)), model.ErrListingNotActive)
		req := purchaseReq(key, buyer)
		req.SellerDestination = "attacker"
		assert.ErrorIs(t, eng.Purchase(ctx, req), model.ErrListingNotActive)
	})
}

func TestPurchase_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	const n = 16
	buyers := make([]model.Identity, n)
	for i := range buyers {
		buyers[i] = model.Identity("buyer-" + string(rune('a'+i)))
		require.NoError(t, st.Deposit(ctx, buyers[i], 100))
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := range buyers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.Purchase(ctx, purchaseReq(key, buyers[i]))
		}(i)
	}
	wg.Wait()

	var winner model.Identity
	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			winner = buyers[i]
			continue
		}
		assert.ErrorIs(t, err, model.ErrListingNotActive)
	}
	require.Equal(t, 1, wins)

	assert.Equal(t, keys.WalletAccount(winner), holder(t, st, asset))
	assert.Equal(t, uint64(100), balance(t, st, seller))
	for _, b := range buyers {
		want := uint64(100)
		if b == winner {
			want = 0
		}
		assert.Equal(t, want, balance(t, st, b))
	}

	purchases := 0
	for _, evt := range em.Events() {
		if evt.Type == model.EventPurchased {
			purchases++
		}
	}
	assert.Equal(t, 1, purchases)
}

func TestIndependentListingsRunConcurrently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(nil)
	eng := NewEngine(st, nil, nil)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		a := model.AssetID("asset-" + string(rune('a'+i)))
		require.NoError(t, st.MintAsset(ctx, a, seller))
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := createReq(10)
			req.Asset = a
			_, err := eng.CreateListing(ctx, req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := eng.ListListings(ctx, model.ListingFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, n)
}

func TestEmitFailureLeavesEventInOutbox(t *testing.T) {
	ctx := context.Background()
	eng, st, em := newTestEngine(t)
	em.err = errors.New("nats down")

	key, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	pending, err := st.Unpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, key, pending[0].Listing)
}

func TestListingEvents_UnknownListing(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.ListingEvents(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrListingNotFound)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "ok", Classify(nil))
	assert.Equal(t, "not_active", Classify(model.ErrListingNotActive))
	assert.Equal(t, "transfer_failed", Classify(&custody.TransferError{Op: "move_value", Err: custody.ErrInsufficientFunds}))
	assert.Equal(t, "canceled", Classify(context.Canceled))
	assert.Equal(t, "error", Classify(errors.New("x")))
}

func TestSyncActiveListings_SeedsGaugeFromStore(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t)

	_, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)

	metrics.ActiveListings.Set(-3)
	require.NoError(t, eng.SyncActiveListings(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveListings))
}

func TestRecentEvents_NewestFirstAcrossListings(t *testing.T) {
	ctx := context.Background()
	eng, st, _ := newTestEngine(t)
	require.NoError(t, st.MintAsset(ctx, "asset-B", seller))

	first, err := eng.CreateListing(ctx, createReq(100))
	require.NoError(t, err)
	req := createReq(5)
	req.Asset = "asset-B"
	second, err := eng.CreateListing(ctx, req)
	require.NoError(t, err)
	require.NoError(t, eng.Purchase(ctx, purchaseReq(first, buyer)))

	page, err := eng.RecentEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, model.EventPurchased, page[0].Type)
	assert.Equal(t, first, page[0].Listing)
	assert.Equal(t, second, page[1].Listing)

	rest, err := eng.RecentEvents(ctx, page[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, model.EventListingCreated, rest[0].Type)
	assert.Equal(t, first, rest[0].Listing)
}
