package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a listing notification.
type EventType string

const (
	EventListingCreated EventType = "listing.created"
	EventPurchased      EventType = "listing.purchased"
	EventCanceled       EventType = "listing.canceled"
)

// Topic returns the stream subject for the event type, e.g. "evt.market.listing.created.v1".
func (t EventType) Topic() string {
	return "evt.market." + string(t) + ".v1"
}

// Event is the immutable notification appended after a committed transition.
// Price is nil for cancellations. Seq is the event's position in the log and is
// only set on events read back from a store.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	Seq        int64      `json:"seq,omitempty"`
	Type       EventType  `json:"type"`
	Listing    ListingKey `json:"listing"`
	Seller     Identity   `json:"seller"`
	Buyer      Identity   `json:"buyer,omitempty"`
	Asset      AssetID    `json:"asset"`
	Price      *uint64    `json:"price,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewListingCreated builds the ListingCreated{listing, seller, asset, price} notification.
func NewListingCreated(l Listing, at time.Time) Event {
	price := l.Price
	return Event{
		ID:         uuid.New(),
		Type:       EventListingCreated,
		Listing:    l.Key,
		Seller:     l.Seller,
		Asset:      l.AssetID,
		Price:      &price,
		OccurredAt: at.UTC(),
	}
}

// NewPurchased builds the Purchased{listing, buyer, seller, asset, price} notification.
func NewPurchased(l Listing, buyer Identity, at time.Time) Event {
	price := l.Price
	return Event{
		ID:         uuid.New(),
		Type:       EventPurchased,
		Listing:    l.Key,
		Seller:     l.Seller,
		Buyer:      buyer,
		Asset:      l.AssetID,
		Price:      &price,
		OccurredAt: at.UTC(),
	}
}

// NewCanceled builds the Canceled{listing, seller, asset} notification.
func NewCanceled(l Listing, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       EventCanceled,
		Listing:    l.Key,
		Seller:     l.Seller,
		Asset:      l.AssetID,
		OccurredAt: at.UTC(),
	}
}

// Envelope is the canonical wrapper for events leaving the process.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Context       Context         `json:"context,omitempty"`
}

// Context carries display hints alongside the payload.
type Context struct {
	Listing      string `json:"listing,omitempty"`
	Asset        string `json:"asset,omitempty"`
	DisplayPrice string `json:"display_price,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

// NewEnvelope wraps evt; the envelope ID equals the event ID so downstream
// deduplication works across republishes.
func NewEnvelope(evt Event, currency Currency) (*Envelope, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		ID:            evt.ID,
		CorrelationID: uuid.New(),
		Topic:         evt.Type.Topic(),
		EventType:     string(evt.Type),
		Version:       "1.0.0",
		Timestamp:     evt.OccurredAt,
		Payload:       data,
		Context: Context{
			Listing:  string(evt.Listing),
			Asset:    string(evt.Asset),
			Currency: currency.Symbol,
		},
	}
	if evt.Price != nil {
		env.Context.DisplayPrice = currency.Format(*evt.Price)
	}
	return env, nil
}
