package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// --- fakes ---

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	queues    map[string]chan amqp.Delivery
	published []published
	closed    bool
	failPub   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{queues: make(map[string]chan amqp.Delivery)}
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.queues[name] = make(chan amqp.Delivery, 4)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.queues[queue]
	if !ok {
		return nil, errors.New("queue not declared")
	}
	return ch, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub {
		return errors.New("channel closed")
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakeChannel) Published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type ackRecorder struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
	done    chan struct{}
}

func newAck() *ackRecorder { return &ackRecorder{done: make(chan struct{})} }

func (a *ackRecorder) Ack(uint64, bool) error {
	a.mu.Lock()
	a.acked = true
	a.mu.Unlock()
	close(a.done)
	return nil
}

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.nacked, a.requeue = true, requeue
	a.mu.Unlock()
	close(a.done)
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

type fakeCommands struct {
	createErr   error
	purchaseErr error
	cancelErr   error
	created     []model.CreateListingCommand
}

func (f *fakeCommands) CreateListing(_ context.Context, cmd model.CreateListingCommand) (model.ListingKey, error) {
	f.created = append(f.created, cmd)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "key-" + model.ListingKey(cmd.AssetID), nil
}

func (f *fakeCommands) Purchase(context.Context, model.PurchaseCommand) error    { return f.purchaseErr }
func (f *fakeCommands) Cancel(context.Context, model.CancelListingCommand) error { return f.cancelErr }

func delivery(t *testing.T, ack *ackRecorder, v any, replyTo string) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, ReplyTo: replyTo, CorrelationId: "corr-1"}
}

// --- consumer ---

func TestConsumer_CreateAcksAndReplies(t *testing.T) {
	ch := newFakeChannel()
	cmds := &fakeCommands{}
	c := NewConsumerWithChannel(ch, cmds, nil)

	ack := newAck()
	c.handle(context.Background(), QueueCreateListing,
		delivery(t, ack, model.CreateListingCommand{AssetID: "a1", Nonce: "n"}, "replies"))

	assert.True(t, ack.acked)
	require.Len(t, cmds.created, 1)

	pubs := ch.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "replies", pubs[0].key)
	assert.Equal(t, "corr-1", pubs[0].msg.CorrelationId)

	var r Reply
	require.NoError(t, json.Unmarshal(pubs[0].msg.Body, &r))
	assert.Equal(t, model.ListingKey("key-a1"), r.Listing)
	assert.Empty(t, r.Error)
}

func TestConsumer_RejectedCommandIsDropped(t *testing.T) {
	ch := newFakeChannel()
	c := NewConsumerWithChannel(ch, &fakeCommands{purchaseErr: model.ErrListingNotActive}, nil)

	ack := newAck()
	c.handle(context.Background(), QueuePurchase, delivery(t, ack, model.PurchaseCommand{Listing: "k1"}, "replies"))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)

	pubs := ch.Published()
	require.Len(t, pubs, 1)
	var r Reply
	require.NoError(t, json.Unmarshal(pubs[0].msg.Body, &r))
	assert.Equal(t, model.ListingKey("k1"), r.Listing)
	assert.Equal(t, model.ErrListingNotActive.Error(), r.Error)
}

func TestConsumer_InfrastructureFailureRequeues(t *testing.T) {
	ch := newFakeChannel()
	c := NewConsumerWithChannel(ch, &fakeCommands{cancelErr: errors.New("postgres ping failed")}, nil)

	ack := newAck()
	c.handle(context.Background(), QueueCancelListing, delivery(t, ack, model.CancelListingCommand{Listing: "k1"}, ""))

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, ch.Published())
}

func TestConsumer_MalformedBody(t *testing.T) {
	c := NewConsumerWithChannel(newFakeChannel(), &fakeCommands{}, nil)

	ack := newAck()
	c.handle(context.Background(), QueueCreateListing, amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestConsumer_StartConsumesAllQueues(t *testing.T) {
	ch := newFakeChannel()
	cmds := &fakeCommands{}
	c := NewConsumerWithChannel(ch, cmds, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.ElementsMatch(t, []string{QueueCreateListing, QueuePurchase, QueueCancelListing}, ch.declared)

	ack := newAck()
	ch.queues[QueueCreateListing] <- delivery(t, ack, model.CreateListingCommand{AssetID: "a2"}, "")

	select {
	case <-ack.done:
	case <-time.After(time.Second):
		t.Fatal("delivery not handled")
	}
	assert.True(t, ack.acked)

	require.NoError(t, c.Close())
	assert.True(t, ch.closed)
}

// --- publisher ---

func TestPublisher_PublishesFromBus(t *testing.T) {
	ch := newFakeChannel()
	bus := eventbus.New()
	NewPublisherWithChannel(ch, "market.events", model.DefaultCurrency, bus, nil)

	l := model.Listing{Key: "k1", Seller: "s", AssetID: "a1", Price: 1}
	bus.PublishSync(model.NewCanceled(l, time.Now()))

	require.Eventually(t, func() bool { return len(ch.Published()) == 1 }, time.Second, 10*time.Millisecond)
	p := ch.Published()[0]
	assert.Equal(t, "market.events", p.exchange)
	assert.Equal(t, "evt.market.listing.canceled.v1", p.key)
	assert.Equal(t, uint8(10), p.msg.Priority)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "listing.canceled", p.msg.Type)
}

func TestPublisher_PublishFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.failPub = true
	p := NewPublisherWithChannel(ch, "", model.DefaultCurrency, nil, nil)

	err := p.Publish(context.Background(), model.Event{Type: model.EventPurchased})
	assert.Error(t, err)
	require.NoError(t, p.Close())
}
