package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/eventbus"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Publisher forwards committed listing events from the bus to RabbitMQ, routed
// by event topic (e.g. "evt.market.listing.purchased.v1").
type Publisher struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	currency model.Currency
	logger   *zap.Logger
}

// NewPublisher dials RabbitMQ and subscribes to every event on the bus
func NewPublisher(url, exchange string, currency model.Currency, eventBus *eventbus.EventBus, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := NewPublisherWithChannel(channel, exchange, currency, eventBus, logger)
	p.conn = conn
	return p, nil
}

// NewPublisherWithChannel builds a publisher on an open channel
func NewPublisherWithChannel(ch Channel, exchange string, currency model.Currency, eventBus *eventbus.EventBus, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		channel:  ch,
		exchange: exchange,
		currency: currency,
		logger:   logger,
	}
	if eventBus != nil {
		eventBus.SubscribeAll(func(evt model.Event) {
			_ = p.Publish(context.Background(), evt)
		})
	}
	return p
}

// Publish sends one event as a persistent message
func (p *Publisher) Publish(ctx context.Context, evt model.Event) error {
	env, err := model.NewEnvelope(evt, p.currency)
	if err != nil {
		p.logger.Error("Failed to build envelope", zap.String("event_id", evt.ID.String()), zap.Error(err))
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("Failed to marshal envelope", zap.Error(err))
		return err
	}

	priority := uint8(0)
	if evt.Type == model.EventCanceled {
		priority = 10
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		env.Topic,  // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID.String(),
			Type:         env.EventType,
			Timestamp:    env.Timestamp,
			Priority:     priority,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish listing event",
			zap.String("event_id", evt.ID.String()),
			zap.String("routing_key", env.Topic),
			zap.Error(err))
		metrics.IncError("rabbitmq_publisher", "publish_failed")
		return err
	}

	p.logger.Debug("Published listing event", zap.String("routing_key", env.Topic), zap.String("listing", string(evt.Listing)))
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
