package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type mockJetStream struct {
	published []*nats.Msg
	opts      [][]nats.PubOpt
	fail      bool
}

func (m *mockJetStream) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.fail {
		return nil, errors.New("mock publish error")
	}
	m.published = append(m.published, msg)
	m.opts = append(m.opts, opts)
	return &nats.PubAck{Stream: "mock-stream"}, nil
}

func testEvent() model.Event {
	l := model.Listing{Key: "k1", Seller: "seller", AssetID: "asset-1", Price: 2_500_000_000}
	return model.NewPurchased(l, "buyer", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
}

func TestEmit_PublishesEnvelopeOnTopic(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "escrow-market", model.DefaultCurrency)
	evt := testEvent()

	require.NoError(t, p.Emit(context.Background(), evt))
	require.Len(t, js.published, 1)

	msg := js.published[0]
	assert.Equal(t, "evt.market.listing.purchased.v1", msg.Subject)
	assert.Equal(t, "listing.purchased", msg.Header.Get("event_type"))
	assert.Equal(t, "escrow-market", msg.Header.Get("service"))
	assert.Equal(t, "k1", msg.Header.Get("listing"))
	assert.Len(t, js.opts[0], 1, "dedupe id option expected")

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, evt.ID, env.ID)
	assert.Equal(t, "2.500000000", env.Context.DisplayPrice)
	assert.Equal(t, "SOL", env.Context.Currency)

	var payload model.Event
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, model.Identity("buyer"), payload.Buyer)
}

func TestEmit_PublishFailure(t *testing.T) {
	js := &mockJetStream{fail: true}
	p := NewWithJetStream(js, "escrow-market", model.DefaultCurrency)

	err := p.Emit(context.Background(), testEvent())
	assert.Error(t, err)
}

func TestPublishEnvelope_CanceledContext(t *testing.T) {
	js := &mockJetStream{}
	p := NewWithJetStream(js, "escrow-market", model.DefaultCurrency)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PublishEnvelope(ctx, "subj", &model.Envelope{ID: uuid.New()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, js.published)
}

func TestIsConnected_WithoutConn(t *testing.T) {
	p := NewWithJetStream(&mockJetStream{}, "svc", model.DefaultCurrency)
	assert.True(t, p.IsConnected())
	p.Close()
}
