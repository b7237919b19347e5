package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/dispatch"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	// QueueCreateListing carries model.CreateListingCommand
	QueueCreateListing = "cmd.market.listing.create"
	// QueuePurchase carries model.PurchaseCommand
	QueuePurchase = "cmd.market.listing.purchase"
	// QueueCancelListing carries model.CancelListingCommand
	QueueCancelListing = "cmd.market.listing.cancel"
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Commands runs verified commands; dispatch.Dispatcher implements it.
type Commands interface {
	CreateListing(ctx context.Context, cmd model.CreateListingCommand) (model.ListingKey, error)
	Purchase(ctx context.Context, cmd model.PurchaseCommand) error
	Cancel(ctx context.Context, cmd model.CancelListingCommand) error
}

// Reply is sent to a command's ReplyTo queue when one is set.
type Reply struct {
	Listing model.ListingKey `json:"listing,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Consumer consumes signed listing commands from RabbitMQ
type Consumer struct {
	conn     *amqp.Connection
	channel  Channel
	commands Commands
	logger   *zap.Logger
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewConsumer dials RabbitMQ and opens a channel
func NewConsumer(url string, commands Commands, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	c := NewConsumerWithChannel(channel, commands, logger)
	c.conn = conn
	return c, nil
}

// NewConsumerWithChannel builds a consumer on an already open channel
func NewConsumerWithChannel(ch Channel, commands Commands, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		channel:  ch,
		commands: commands,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start declares the command queues and starts one goroutine per queue
func (c *Consumer) Start(ctx context.Context) error {
	for _, queue := range []string{QueueCreateListing, QueuePurchase, QueueCancelListing} {
		if _, err := c.channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
		msgs, err := c.channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}
		c.wg.Add(1)
		go c.consume(ctx, queue, msgs)
	}

	c.logger.Info("Started consuming from RabbitMQ",
		zap.Strings("queues", []string{QueueCreateListing, QueuePurchase, QueueCancelListing}),
	)
	return nil
}

func (c *Consumer) consume(ctx context.Context, queue string, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Command channel closed", zap.String("queue", queue))
				return
			}
			c.handle(ctx, queue, msg)
		}
	}
}

// handle runs one delivery. Malformed and rejected commands are dropped
// (dead-lettered if the queue has a DLX); infrastructure failures are requeued.
func (c *Consumer) handle(ctx context.Context, queue string, msg amqp.Delivery) {
	c.logger.Debug("Received command", zap.String("queue", queue), zap.String("message_id", msg.MessageId))

	run, err := c.decode(queue, msg.Body)
	if err != nil {
		c.logger.Error("Failed to unmarshal command", zap.String("queue", queue), zap.Error(err))
		_ = msg.Nack(false, false)
		metrics.IncCommand(queue, "rejected")
		return
	}
	key, err := run(ctx)

	switch {
	case err == nil:
		_ = msg.Ack(false)
		metrics.IncCommand(queue, "ok")
		c.reply(ctx, msg, Reply{Listing: key})
	case dispatch.Retryable(err):
		c.logger.Error("Failed to run command, requeueing", zap.String("queue", queue), zap.Error(err))
		_ = msg.Nack(false, true)
		metrics.IncCommand(queue, "requeued")
	default:
		c.logger.Info("Command rejected", zap.String("queue", queue), zap.String("listing", string(key)), zap.Error(err))
		_ = msg.Nack(false, false)
		metrics.IncCommand(queue, "rejected")
		c.reply(ctx, msg, Reply{Listing: key, Error: err.Error()})
	}
}

// decode parses a delivery body for queue and returns the command to run.
func (c *Consumer) decode(queue string, body []byte) (func(context.Context) (model.ListingKey, error), error) {
	switch queue {
	case QueueCreateListing:
		var cmd model.CreateListingCommand
		if err := json.Unmarshal(body, &cmd); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (model.ListingKey, error) {
			return c.commands.CreateListing(ctx, cmd)
		}, nil
	case QueuePurchase:
		var cmd model.PurchaseCommand
		if err := json.Unmarshal(body, &cmd); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (model.ListingKey, error) {
			return cmd.Listing, c.commands.Purchase(ctx, cmd)
		}, nil
	case QueueCancelListing:
		var cmd model.CancelListingCommand
		if err := json.Unmarshal(body, &cmd); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (model.ListingKey, error) {
			return cmd.Listing, c.commands.Cancel(ctx, cmd)
		}, nil
	}
	return nil, fmt.Errorf("unknown queue %q", queue)
}

func (c *Consumer) reply(ctx context.Context, msg amqp.Delivery, r Reply) {
	if msg.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(r)
	if err != nil {
		return
	}
	err = c.channel.PublishWithContext(ctx, "", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationId,
		Body:          body,
	})
	if err != nil {
		c.logger.Warn("Failed to publish command reply", zap.String("reply_to", msg.ReplyTo), zap.Error(err))
	}
}

// Close stops the consumer goroutines and closes the connection
func (c *Consumer) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
