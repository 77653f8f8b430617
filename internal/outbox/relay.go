package outbox

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RelayConfig tunes a Relay.
type RelayConfig struct {
	ID          string
	BatchSize   int
	Interval    time.Duration
	Lease       time.Duration
	MaxAttempts int
}

func (c *RelayConfig) setDefaults() {
	if c.ID == "" {
		c.ID = "relay"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Relay polls the outbox and forwards messages to a Dispatcher.
type Relay struct {
	cfg      RelayConfig
	store    Store
	dispatch Dispatcher
}

// NewRelay creates a Relay. Zero config fields take defaults.
func NewRelay(store Store, dispatch Dispatcher, cfg RelayConfig) *Relay {
	cfg.setDefaults()
	return &Relay{cfg: cfg, store: store, dispatch: dispatch}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox").With(zap.String("relay_id", r.cfg.ID))
	lg.Info("Relay started", zap.Duration("interval", r.cfg.Interval))

	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("Relay stopping")
			return nil
		case <-t.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				lg.Error("Relay flush failed", zap.Error(err))
			}
		}
	}
}

// Flush claims one batch and dispatches it. It returns the number of
// messages delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	lg := zctx.From(ctx)

	msgs, err := r.store.ClaimBatch(ctx, r.cfg.ID, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	sent := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if err := r.dispatch.Dispatch(ctx, m); err != nil {
			lg.Warn("Outbox dispatch failed",
				zap.Int64("message_id", m.ID),
				zap.String("type", m.Type),
				zap.Int("attempts", m.Attempts+1),
				zap.Error(err),
			)
			if err := r.store.MarkFailed(ctx, m.ID, err.Error(), r.cfg.MaxAttempts); err != nil {
				return len(sent), err
			}
			continue
		}
		sent = append(sent, m.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			return 0, err
		}
	}
	return len(sent), nil
}
