package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type flakyEmitter struct {
	failOn int
	calls  int
	got    []model.Event
}

func (f *flakyEmitter) Emit(_ context.Context, evt model.Event) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("nats unavailable")
	}
	f.got = append(f.got, evt)
	return nil
}

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func seedOutbox(t *testing.T, n int) (*store.MemoryStore, []model.Event) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory(nil)
	l := model.Listing{Key: "k1", Seller: "s", AssetID: "a", Name: "n", URI: "u", IsActive: true, CreatedAt: base}

	var out []model.Event
	require.NoError(t, st.Atomically(ctx, "k1", func(tx store.Tx) error {
		if err := tx.InsertListing(ctx, l); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			evt := model.NewListingCreated(l, base.Add(time.Duration(i)*time.Second))
			out = append(out, evt)
			if err := tx.AppendEvent(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	}))
	return st, out
}

func TestOutboxRelay_RepublishesInOrder(t *testing.T) {
	ctx := context.Background()
	st, seeded := seedOutbox(t, 3)
	em := &flakyEmitter{}

	r := NewOutboxRelay(nil, st, em, time.Second, 10, 0)
	r.now = func() time.Time { return base.Add(time.Hour) }

	assert.Equal(t, 3, r.runOnce(ctx))
	require.Len(t, em.got, 3)
	assert.Equal(t, seeded[0].ID, em.got[0].ID)

	pending, err := st.Unpublished(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, 0, r.runOnce(ctx))
}

func TestOutboxRelay_StopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	st, seeded := seedOutbox(t, 3)
	em := &flakyEmitter{failOn: 2}

	r := NewOutboxRelay(nil, st, em, time.Second, 10, 0)
	r.now = func() time.Time { return base.Add(time.Hour) }

	assert.Equal(t, 1, r.runOnce(ctx))
	pending, err := st.Unpublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, seeded[1].ID, pending[0].ID)

	assert.Equal(t, 2, r.runOnce(ctx))
}

func TestOutboxRelay_LeavesFreshEvents(t *testing.T) {
	ctx := context.Background()
	st, _ := seedOutbox(t, 3)
	em := &flakyEmitter{}

	r := NewOutboxRelay(nil, st, em, time.Second, 10, 5*time.Second)
	// only the first event is older than minAge
	r.now = func() time.Time { return base.Add(5500 * time.Millisecond) }

	assert.Equal(t, 1, r.runOnce(ctx))
}

func TestOutboxRelay_StartStop(t *testing.T) {
	st, _ := seedOutbox(t, 1)
	em := &flakyEmitter{}
	r := NewOutboxRelay(nil, st, em, 10*time.Millisecond, 10, 0)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		pending, _ := st.Unpublished(context.Background(), 0)
		return len(pending) == 0
	}, time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
