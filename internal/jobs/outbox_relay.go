package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Outbox is the subset of the store the relay needs.
type Outbox interface {
	Unpublished(ctx context.Context, limit int) ([]model.Event, error)
	MarkPublished(ctx context.Context, ids ...uuid.UUID) error
}

// Emitter delivers one event; see events.Emitter.
type Emitter interface {
	Emit(ctx context.Context, evt model.Event) error
}

// OutboxRelay periodically republishes committed events whose post-commit
// publication failed. Events younger than MinAge are left for the engine.
type OutboxRelay struct {
	logger   *zap.Logger
	outbox   Outbox
	emitter  Emitter
	interval time.Duration
	batch    int
	minAge   time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOutboxRelay constructs a background job that runs every interval.
func NewOutboxRelay(logger *zap.Logger, outbox Outbox, emitter Emitter, interval time.Duration, batch int, minAge time.Duration) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{
		logger:   logger,
		outbox:   outbox,
		emitter:  emitter,
		interval: interval,
		batch:    batch,
		minAge:   minAge,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the relay loop until Stop or ctx is done.
func (r *OutboxRelay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox_relay.started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.stopCh:
			r.logger.Info("outbox_relay.stopped (manual stop)")
			return
		case <-ctx.Done():
			r.logger.Info("outbox_relay.stopped (context canceled)")
			return
		}
	}
}

// Stop halts the relay. Safe to call more than once.
func (r *OutboxRelay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// runOnce publishes pending events in commit order, stopping at the first
// failure so later events never overtake earlier ones. It returns how many
// events were published.
func (r *OutboxRelay) runOnce(ctx context.Context) int {
	pending, err := r.outbox.Unpublished(ctx, r.batch)
	if err != nil {
		r.logger.Error("outbox_relay.load_failed", zap.Error(err))
		metrics.IncError("outbox_relay", "load_failed")
		return 0
	}
	metrics.OutboxPending.Set(float64(len(pending)))
	if len(pending) == 0 {
		metrics.SetLastRelay(r.now())
		return 0
	}

	cutoff := r.now().Add(-r.minAge)
	var done []uuid.UUID
	for _, evt := range pending {
		if evt.OccurredAt.After(cutoff) {
			break
		}
		if err := r.emitter.Emit(ctx, evt); err != nil {
			r.logger.Warn("outbox_relay.emit_failed",
				zap.String("event_id", evt.ID.String()),
				zap.String("listing", string(evt.Listing)),
				zap.Error(err))
			metrics.IncError("outbox_relay", "emit_failed")
			break
		}
		done = append(done, evt.ID)
	}

	if len(done) > 0 {
		if err := r.outbox.MarkPublished(ctx, done...); err != nil {
			r.logger.Error("outbox_relay.mark_failed", zap.Int("count", len(done)), zap.Error(err))
			return len(done)
		}
		r.logger.Info("outbox_relay.republished", zap.Int("count", len(done)))
	}
	metrics.SetLastRelay(r.now())
	return len(done)
}
