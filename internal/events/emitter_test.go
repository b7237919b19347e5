package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type fakeSink struct {
	got []model.Event
	err error
}

func (f *fakeSink) Emit(_ context.Context, evt model.Event) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, evt)
	return nil
}

func TestEmitter_DurableThenBus(t *testing.T) {
	sink := &fakeSink{}
	bus := eventbus.New()
	received := make(chan model.Event, 1)
	bus.SubscribeAll(func(evt model.Event) { received <- evt })

	e := New(sink, bus, nil)
	evt := model.Event{Type: model.EventCanceled, Listing: "k1"}
	require.NoError(t, e.Emit(context.Background(), evt))

	assert.Len(t, sink.got, 1)
	assert.Equal(t, model.ListingKey("k1"), (<-received).Listing)
}

func TestEmitter_DurableFailureSkipsBus(t *testing.T) {
	sink := &fakeSink{err: errors.New("down")}
	bus := eventbus.New()
	called := false
	bus.Subscribe(model.EventCanceled, func(model.Event) { called = true })

	e := New(sink, bus, nil)
	err := e.Emit(context.Background(), model.Event{Type: model.EventCanceled})
	require.Error(t, err)

	bus.PublishSync(model.Event{Type: model.EventPurchased})
	assert.False(t, called)
}

func TestEmitter_BusOnly(t *testing.T) {
	bus := eventbus.New()
	received := make(chan model.Event, 1)
	bus.SubscribeAll(func(evt model.Event) { received <- evt })

	e := New(nil, nil, nil)
	assert.NoError(t, e.Emit(context.Background(), model.Event{}))

	e = New(nil, bus, nil)
	assert.NoError(t, e.Emit(context.Background(), model.Event{Listing: "x"}))
	assert.Equal(t, model.ListingKey("x"), (<-received).Listing)
}
