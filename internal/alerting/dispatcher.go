package alerting

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"policy-automation/internal/domain"
	"policy-automation/internal/events"
	"policy-automation/internal/storage"
)

// Subscriber registers handlers on the bus.
type Subscriber interface {
	Subscribe(eventType events.Type, handler events.Handler, opts ...events.SubscribeOption)
}

// AuditStore records delivered alerts.
type AuditStore interface {
	InsertAlert(ctx context.Context, alert storage.AlertRecord) (storage.AlertRecord, error)
}

// DispatcherOptions tune alert routing.
type DispatcherOptions struct {
	// Cooldown suppresses repeats of the same alert key.
	Cooldown time.Duration
	Channels []string
	Timeout  time.Duration
	// RateChanges also reports every confirmed APY update.
	RateChanges bool
}

// Dispatcher turns operator-relevant bus events into notifications.
type Dispatcher struct {
	notifier Notifier
	audit    AuditStore
	opts     DispatcherOptions
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher builds a dispatcher. audit may be nil.
func NewDispatcher(notifier Notifier, audit AuditStore, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		notifier: notifier,
		audit:    audit,
		opts:     opts,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Attach subscribes to the alerting event types.
func (d *Dispatcher) Attach(bus Subscriber) {
	bus.Subscribe(events.SystemAnnouncement, d.handle, events.WithName("alerting.announcement"))
	bus.Subscribe(events.SystemEmergencyPause, d.handle, events.WithName("alerting.emergency_pause"),
		events.WithSubscriberPriority(events.PriorityCritical))
	bus.Subscribe(events.BlockchainHalvingExecuted, d.handle, events.WithName("alerting.halving"),
		events.WithSubscriberPriority(events.PriorityHigh))
	bus.Subscribe(events.AutomationHandlerFailed, d.handle, events.WithName("alerting.handler_failed"))
	if d.opts.RateChanges {
		bus.Subscribe(events.BlockchainAPYUpdated, d.handle, events.WithName("alerting.apy_updated"))
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt events.Event) error {
	note, key, err := build(evt)
	if err != nil {
		return err
	}
	if !d.claim(key) {
		d.logger.Debug().Str("key", key).Msg("alert suppressed by cooldown")
		return events.ErrSkipped
	}

	note.Channels = d.opts.Channels
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	if err := d.notifier.Notify(ctx, note); err != nil {
		d.release(key)
		return fmt.Errorf("deliver %s alert: %w", evt.Type, err)
	}

	if d.audit != nil {
		if _, err := d.audit.InsertAlert(ctx, storage.AlertRecord{
			EventType: note.EventType,
			Severity:  note.Severity,
			Message:   note.Title,
			Channels:  note.Channels,
		}); err != nil {
			d.logger.Warn().Err(err).Str("event_type", note.EventType).Msg("alert audit failed")
		}
	}
	return nil
}

// claim reserves key for the cooldown period.
func (d *Dispatcher) claim(key string) bool {
	if d.opts.Cooldown <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.opts.Cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSent, key)
}

func build(evt events.Event) (Notification, string, error) {
	note := Notification{EventType: string(evt.Type), OccurredAt: evt.Timestamp}

	switch p := evt.Payload.(type) {
	case events.AnnouncementPayload:
		note.Severity = SeverityInfo
		note.Title = p.Message
		note.Fields = []Field{
			{Label: "Type", Value: p.Type},
			{Label: "Trend", Value: string(p.Trend)},
			{Label: "Sentiment", Value: p.Sentiment},
		}
		return note, string(evt.Type) + ":" + p.Message, nil

	case events.EmergencyPausePayload:
		note.Severity = SeverityCritical
		note.Title = "Emergency pause triggered on policy contract"
		note.Fields = []Field{
			{Label: "Pauser", Value: p.Pauser},
			{Label: "Reason", Value: p.Reason},
			{Label: "Tx", Value: p.TxHash},
			{Label: "Block", Value: strconv.FormatUint(p.BlockNumber, 10)},
		}
		return note, string(evt.Type) + ":" + p.TxHash, nil

	case events.HalvingExecutedPayload:
		note.Severity = SeverityCritical
		note.Title = "Emission halving executed"
		note.Fields = []Field{
			{Label: "Reason", Value: p.Reason},
			{Label: "Tx", Value: p.TxHash},
			{Label: "Block", Value: strconv.FormatUint(p.BlockNumber, 10)},
		}
		return note, string(evt.Type) + ":" + p.TxHash, nil

	case events.HandlerFailedPayload:
		note.Severity = SeverityWarning
		if p.CircuitBreakerStatus != "" {
			note.Severity = SeverityCritical
		}
		note.Title = fmt.Sprintf("%s.%s failed", p.Service, p.Method)
		note.Fields = []Field{
			{Label: "Error", Value: p.Error},
			{Label: "Circuit breaker", Value: p.CircuitBreakerStatus},
		}
		return note, string(evt.Type) + ":" + p.Service + "." + p.Method, nil

	case events.APYUpdatedPayload:
		note.Severity = SeverityInfo
		note.Title = fmt.Sprintf("APY set to %s%%", domain.BasisPointsToPercent(p.NewAPY).String())
		note.Fields = []Field{
			{Label: "Previous", Value: domain.BasisPointsToPercent(p.OldAPY).String() + "%"},
			{Label: "Reason", Value: p.Reason},
			{Label: "Tx", Value: p.TxHash},
		}
		return note, string(evt.Type) + ":" + p.TxHash, nil
	}
	return Notification{}, "", fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
}
