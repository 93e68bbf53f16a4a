package metricsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"policy-automation/internal/events"
)

const (
	defaultHistorySize  = 24
	defaultGrowthWindow = 24 * time.Hour
)

// Subscriber is the bus surface the tracker registers on.
type Subscriber interface {
	Subscribe(eventType events.Type, handler events.Handler, opts ...events.SubscribeOption)
}

// Tracker keeps a trailing oracle price series and first-seen times of wallets.
type Tracker struct {
	historySize  int
	growthWindow time.Duration
	now          func() time.Time

	mu        sync.Mutex
	prices    []decimal.Decimal
	firstSeen map[string]time.Time
}

// NewTracker builds a tracker keeping historySize prices.
func NewTracker(historySize int, growthWindow time.Duration) *Tracker {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if growthWindow <= 0 {
		growthWindow = defaultGrowthWindow
	}
	return &Tracker{
		historySize:  historySize,
		growthWindow: growthWindow,
		now:          time.Now,
		firstSeen:    make(map[string]time.Time),
	}
}

// Attach subscribes the tracker to oracle and user activity events.
func (t *Tracker) Attach(bus Subscriber) {
	bus.Subscribe(events.OracleDataReceived, t.handleOracle, events.WithName("metricsource.prices"))
	bus.Subscribe(events.UserActivityDetected, t.handleActivity, events.WithName("metricsource.wallets"))
}

func (t *Tracker) handleOracle(_ context.Context, evt events.Event) error {
	payload, ok := evt.Payload.(events.OracleDataPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}
	t.RecordPrice(payload.OracleData.Price)
	return nil
}

func (t *Tracker) handleActivity(_ context.Context, evt events.Event) error {
	payload, ok := evt.Payload.(events.UserActivityPayload)
	if !ok {
		return fmt.Errorf("%w: %T", events.ErrUnexpectedPayload, evt.Payload)
	}
	if payload.Activity.Wallet == "" {
		return events.ErrSkipped
	}
	t.RecordWallet(payload.Activity.Wallet)
	return nil
}

// RecordPrice appends a price, dropping the oldest beyond the history size.
func (t *Tracker) RecordPrice(price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices = append(t.prices, price)
	if over := len(t.prices) - t.historySize; over > 0 {
		t.prices = append([]decimal.Decimal(nil), t.prices[over:]...)
	}
}

// RecordWallet notes the first time a wallet was seen.
func (t *Tracker) RecordWallet(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.firstSeen[wallet]; !ok {
		t.firstSeen[wallet] = t.now()
	}
}

// PriceHistory returns a copy of the trailing prices, oldest first.
func (t *Tracker) PriceHistory() []decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]decimal.Decimal(nil), t.prices...)
}

// UserGrowth is the ratio of wallets first seen within the growth window to wallets
// known before it. With no prior wallets it is 1 if any are new, else 0.
func (t *Tracker) UserGrowth() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.growthWindow)
	var fresh, prior int
	for _, at := range t.firstSeen {
		if at.After(cutoff) {
			fresh++
		} else {
			prior++
		}
	}
	switch {
	case prior > 0:
		return float64(fresh) / float64(prior)
	case fresh > 0:
		return 1
	default:
		return 0
	}
}
