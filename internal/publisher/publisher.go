package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/logger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// JetStream is the publishing subset of nats.JetStreamContext.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes listing events as canonical envelopes.
type Publisher struct {
	nc       *nats.Conn
	js       JetStream
	service  string
	currency model.Currency
}

// StreamConfig describes the JetStream stream that captures listing events.
type StreamConfig struct {
	Name             string
	DuplicatesWindow time.Duration
}

// New creates a Publisher on nc and makes sure the events stream exists.
func New(nc *nats.Conn, service string, currency model.Currency, stream StreamConfig) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if stream.Name != "" {
		if err := ensureStream(js, stream); err != nil {
			return nil, err
		}
	}
	p := NewWithJetStream(js, service, currency)
	p.nc = nc
	return p, nil
}

// NewWithJetStream builds a Publisher on an existing JetStream handle.
func NewWithJetStream(js JetStream, service string, currency model.Currency) *Publisher {
	return &Publisher{js: js, service: service, currency: currency}
}

func ensureStream(js nats.JetStreamManager, cfg StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}
	window := cfg.DuplicatesWindow
	if window <= 0 {
		window = 2 * time.Minute
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       cfg.Name,
		Subjects:   []string{"evt.market.>"},
		Storage:    nats.FileStorage,
		Duplicates: window,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", cfg.Name, err)
	}
	logger.S().Infow("publisher.stream_created", "stream", cfg.Name, "duplicates_window", window)
	return nil
}

// Emit publishes a committed event on its topic.
func (p *Publisher) Emit(ctx context.Context, evt model.Event) error {
	env, err := model.NewEnvelope(evt, p.currency)
	if err != nil {
		metrics.IncError("publisher", "envelope_failed")
		return err
	}
	return p.PublishEnvelope(ctx, env.Topic, env)
}

// PublishEnvelope serializes and publishes an envelope. The envelope ID is sent
// as Nats-Msg-Id so JetStream drops republished duplicates.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"listing":        []string{env.Context.Listing},
		},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.MsgId(env.ID.String()))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"listing", env.Context.Listing,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	logger.S().Infow("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
		"listing", env.Context.Listing,
	)
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// IsConnected reports whether the underlying connection is up. Publishers built
// without a connection report true.
func (p *Publisher) IsConnected() bool {
	if p.nc == nil {
		return true
	}
	return p.nc.IsConnected()
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
