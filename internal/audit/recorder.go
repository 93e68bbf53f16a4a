package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"policy-automation/internal/events"
	"policy-automation/internal/storage"
)

// Store is the persistence surface the recorder writes to.
type Store interface {
	InsertRateChange(ctx context.Context, rec storage.RateChangeRecord) error
	InsertHalving(ctx context.Context, rec storage.HalvingRecord) error
}

// Subscriber registers handlers on the bus.
type Subscriber interface {
	Subscribe(eventType events.Type, handler events.Handler, opts ...events.SubscribeOption)
}

// Recorder persists confirmed policy changes.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  zerolog.Logger
}

// New builds a recorder. Each write is bounded by timeout.
func New(store Store, timeout time.Duration, logger zerolog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Recorder{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "audit").Logger(),
	}
}

// Attach subscribes to APY update and halving events.
func (r *Recorder) Attach(bus Subscriber) {
	bus.Subscribe(events.BlockchainAPYUpdated, r.handleAPYUpdated, events.WithName("audit.apy_updated"))
	bus.Subscribe(events.BlockchainHalvingExecuted, r.handleHalving, events.WithName("audit.halving"))
}

func (r *Recorder) handleAPYUpdated(ctx context.Context, evt events.Event) error {
	payload, ok := evt.Payload.(events.APYUpdatedPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec := storage.RateChangeRecord{
		TxHash:      payload.TxHash,
		OldAPY:      payload.OldAPY,
		NewAPY:      payload.NewAPY,
		Reason:      payload.Reason,
		BlockNumber: payload.BlockNumber,
		ChangedAt:   timestampOr(payload.Timestamp, evt.Timestamp),
	}
	if err := r.store.InsertRateChange(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("tx_hash", payload.TxHash).Msg("persist rate change failed")
		return err
	}
	r.logger.Debug().Str("tx_hash", payload.TxHash).Uint64("new_apy", payload.NewAPY).Msg("rate change recorded")
	return nil
}

func (r *Recorder) handleHalving(ctx context.Context, evt events.Event) error {
	payload, ok := evt.Payload.(events.HalvingExecutedPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec := storage.HalvingRecord{
		TxHash:      payload.TxHash,
		Reason:      payload.Reason,
		BlockNumber: payload.BlockNumber,
		ExecutedAt:  timestampOr(payload.Timestamp, evt.Timestamp),
	}
	if err := r.store.InsertHalving(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("tx_hash", payload.TxHash).Msg("persist halving failed")
		return err
	}
	r.logger.Info().Str("tx_hash", payload.TxHash).Msg("halving recorded")
	return nil
}

func timestampOr(ts, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts
}
