// Package events fans committed listing events out to observers.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Sink is a durable destination such as the NATS publisher.
type Sink interface {
	Emit(ctx context.Context, evt model.Event) error
}

// Emitter publishes to the durable sink first and only then to the in-process
// bus, so local subscribers never see an event the stream rejected.
type Emitter struct {
	durable Sink
	bus     *eventbus.EventBus
	logger  *zap.Logger
}

// New builds an emitter. Either side may be nil.
func New(durable Sink, bus *eventbus.EventBus, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{durable: durable, bus: bus, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, evt model.Event) error {
	if e.durable != nil {
		if err := e.durable.Emit(ctx, evt); err != nil {
			return err
		}
	}
	if e.bus != nil {
		e.bus.Publish(evt)
	}
	e.logger.Debug("events.emitted",
		zap.String("event_id", evt.ID.String()),
		zap.String("type", string(evt.Type)),
		zap.String("listing", string(evt.Listing)))
	return nil
}
