package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"policy-automation/internal/breaker"
)

const (
	defaultMaxErrors           = 100
	defaultBreakerThreshold    = 10
	defaultBreakerResetTimeout = time.Minute
)

// Observer receives bus activity, used by exporters.
type Observer interface {
	EventPublished(evt Event)
	HandlerFailed(failure HandlerError)
}

// Options tune the bus.
type Options struct {
	MaxErrors           int
	BreakerThreshold    uint
	BreakerResetTimeout time.Duration
	Observer            Observer
}

// Metrics is a read-only snapshot of bus activity.
type Metrics struct {
	TotalEvents    uint64          `json:"totalEvents"`
	EventsByType   map[Type]uint64 `json:"eventsByType"`
	LastEventTime  time.Time       `json:"lastEventTime,omitempty"`
	Errors         []HandlerError  `json:"errors"`
	Dropped        uint64          `json:"dropped"`
	CircuitBreaker breaker.State   `json:"circuitBreaker"`
}

type subscription struct {
	name     string
	handler  Handler
	priority Priority
}

// Bus is an in-process publish/subscribe broker. Delivery is best effort and at most
// once: handlers run asynchronously and nothing is persisted.
type Bus struct {
	opts    Options
	logger  zerolog.Logger
	breaker *breaker.Breaker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[Type][]subscription
	closed bool

	metricsMu sync.Mutex
	total     uint64
	byType    map[Type]uint64
	lastEvent time.Time
	errors    []HandlerError
	dropped   uint64
}

// New constructs a Bus.
func New(opts Options, logger zerolog.Logger) *Bus {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = defaultMaxErrors
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerResetTimeout <= 0 {
		opts.BreakerResetTimeout = defaultBreakerResetTimeout
	}

	log := logger.With().Str("component", "event_bus").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		opts:   opts,
		logger: log,
		breaker: breaker.New(breaker.Options{
			Threshold:    opts.BreakerThreshold,
			ResetTimeout: opts.BreakerResetTimeout,
			OnOpen: func(s breaker.State) {
				log.Error().Uint("failures", s.FailureCount).Msg("event bus circuit breaker opened")
			},
			OnClose: func() {
				log.Info().Msg("event bus circuit breaker closed")
			},
		}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[Type][]subscription),
		byType: make(map[Type]uint64),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithSubscriberPriority sets the scheduling priority of the handler.
func WithSubscriberPriority(p Priority) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithName labels the handler in the error log.
func WithName(name string) SubscribeOption {
	return func(s *subscription) { s.name = name }
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType Type, handler Handler, opts ...SubscribeOption) {
	sub := subscription{handler: handler, priority: PriorityNormal}
	for _, opt := range opts {
		opt(&sub)
	}
	if sub.name == "" {
		sub.name = string(eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := append(b.subs[eventType], sub)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	b.subs[eventType] = list

	b.logger.Debug().Str("event_type", string(eventType)).Str("subscriber", sub.name).
		Str("priority", sub.priority.String()).Msg("subscriber registered")
}

// PublishOption configures a published event.
type PublishOption func(*Event)

// WithPriority sets the event priority.
func WithPriority(p Priority) PublishOption {
	return func(e *Event) { e.Priority = p }
}

// Publish records the event and schedules every handler registered for its type.
// It never blocks on handlers and never returns their errors.
func (b *Bus) Publish(eventType Type, payload any, opts ...PublishOption) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&evt)
	}

	b.recordPublish(evt)
	if b.opts.Observer != nil {
		b.opts.Observer.EventPublished(evt)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.metricsMu.Lock()
		b.dropped++
		b.metricsMu.Unlock()
		b.logger.Warn().Str("event_type", string(eventType)).Msg("bus closed; event dropped")
		return evt
	}

	subs := b.subs[eventType]
	if len(subs) == 0 {
		b.logger.Debug().Str("event_type", string(eventType)).Msg("no subscribers")
		return evt
	}

	// subs is kept sorted by priority, so critical handlers are scheduled first.
	for _, sub := range subs {
		b.wg.Add(1)
		go b.dispatch(sub, evt)
	}
	return evt
}

func (b *Bus) dispatch(sub subscription, evt Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.recordFailure(sub, evt, fmt.Sprintf("panic: %v", r), true)
		}
	}()

	err := sub.handler(b.ctx, evt)
	switch {
	case err == nil:
		b.breaker.RecordSuccess()
	case errors.Is(err, ErrSkipped):
		b.logger.Debug().Str("event_type", string(evt.Type)).Str("subscriber", sub.name).Err(err).Msg("handler skipped event")
	default:
		b.recordFailure(sub, evt, err.Error(), false)
	}
}

func (b *Bus) recordPublish(evt Event) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.total++
	b.byType[evt.Type]++
	b.lastEvent = evt.Timestamp
}

func (b *Bus) recordFailure(sub subscription, evt Event, msg string, panicked bool) {
	failure := HandlerError{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Subscriber: sub.name,
		Message:    msg,
		Panic:      panicked,
		At:         time.Now().UTC(),
	}

	b.metricsMu.Lock()
	b.errors = append(b.errors, failure)
	if over := len(b.errors) - b.opts.MaxErrors; over > 0 {
		b.errors = append([]HandlerError(nil), b.errors[over:]...)
	}
	b.metricsMu.Unlock()

	b.breaker.RecordFailure()
	if b.opts.Observer != nil {
		b.opts.Observer.HandlerFailed(failure)
	}

	b.logger.Error().
		Str("event_type", string(evt.Type)).
		Str("event_id", evt.ID).
		Str("subscriber", sub.name).
		Bool("panic", panicked).
		Str("error", msg).
		Msg("event handler failed")
}

// Metrics returns a snapshot.
func (b *Bus) Metrics() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()

	byType := make(map[Type]uint64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	errs := make([]HandlerError, len(b.errors))
	copy(errs, b.errors)

	return Metrics{
		TotalEvents:    b.total,
		EventsByType:   byType,
		LastEventTime:  b.lastEvent,
		Errors:         errs,
		Dropped:        b.dropped,
		CircuitBreaker: b.breaker.State(),
	}
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *Bus) SubscriberCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Wait blocks until every scheduled handler has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close stops dispatching new events, cancels the handler context and waits for
// in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.breaker.Stop()
}
