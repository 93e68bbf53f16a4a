package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"policy-automation/internal/chain"
	"policy-automation/internal/domain"
	"policy-automation/internal/events"
)

const orchestratorID = "main"

// Bus is the event bus surface the orchestrator needs.
type Bus interface {
	Subscribe(eventType events.Type, handler events.Handler, opts ...events.SubscribeOption)
	Publish(eventType events.Type, payload any, opts ...events.PublishOption) events.Event
}

// ChainExecutor executes policy transactions.
type ChainExecutor interface {
	Initialize(ctx context.Context) error
	SetRate(ctx context.Context, newRate uint64, reason string) (chain.RateResult, error)
	ExecuteHalving(ctx context.Context, reason string) (chain.HalvingResult, error)
	CurrentRate(ctx context.Context) (uint64, bool)
}

// Scorer is the external decision producer.
type Scorer interface {
	AnalyzeMarketConditions(ctx context.Context, data domain.OracleData) (domain.Decision, error)
	AnalyzeUserBehavior(ctx context.Context, activity domain.UserActivity) (domain.UserAnalysis, error)
}

// Metrics is a snapshot of orchestrator counters.
type Metrics struct {
	TotalDecisions        uint64    `json:"totalDecisions"`
	RejectedDecisions     uint64    `json:"rejectedDecisions"`
	SuccessfulAdjustments uint64    `json:"successfulAdjustments"`
	FailedAdjustments     uint64    `json:"failedAdjustments"`
	HalvingsExecuted      uint64    `json:"halvingsExecuted"`
	LastDecisionTime      time.Time `json:"lastDecisionTime,omitempty"`
	LastHalvingAt         time.Time `json:"lastHalvingAt,omitempty"`
	APYChangesInLastHour  int       `json:"apyChangesInLastHour"`
	IsRunning             bool      `json:"isRunning"`
	Policy                Policy    `json:"policy"`
}

// Orchestrator turns oracle, scorer and chain events into gated policy actions.
type Orchestrator struct {
	bus    Bus
	chain  ChainExecutor
	scorer Scorer
	policy Policy
	logger zerolog.Logger
	now    func() time.Time

	startMu       sync.Mutex
	subscribeOnce sync.Once

	// mu guards run state, the rate window, halving state and counters. Admission
	// and halving cooldown decisions are taken under it.
	mu              sync.Mutex
	running         bool
	window          []RateChange
	reserved        int
	lastHalvingAt   time.Time
	halvingInFlight bool
	metrics         Metrics
}

// New constructs a stopped orchestrator.
func New(bus Bus, executor ChainExecutor, scorer Scorer, policy Policy, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:    bus,
		chain:  executor,
		scorer: scorer,
		policy: policy,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		now:    time.Now,
	}
}

// Start initializes the chain executor, registers event handlers once and begins
// acting on events. Calling Start on a running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	if o.IsRunning() {
		o.logger.Warn().Msg("orchestrator already running")
		return nil
	}

	o.logger.Info().Msg("starting automation orchestrator")
	if err := o.chain.Initialize(ctx); err != nil {
		o.logger.Error().Err(err).Msg("failed to start orchestrator")
		return fmt.Errorf("initialize blockchain service: %w", err)
	}

	o.subscribeOnce.Do(o.subscribe)

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	o.logger.Info().Msg("automation orchestrator running")
	return nil
}

// Stop stops acting on events. Handlers stay registered and skip while stopped;
// in-flight work is not aborted.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	o.logger.Info().Msg("automation orchestrator stopped")
}

// IsRunning reports the run state.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Policy returns the configured thresholds.
func (o *Orchestrator) Policy() Policy {
	return o.policy
}

// Metrics returns a snapshot of counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.window = pruneWindow(o.window, o.now())
	m := o.metrics
	m.APYChangesInLastHour = len(o.window)
	m.LastHalvingAt = o.lastHalvingAt
	m.IsRunning = o.running
	m.Policy = o.policy
	return m
}

// RateWindow returns the changes counted against the hourly cap.
func (o *Orchestrator) RateWindow() []RateChange {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.window = pruneWindow(o.window, o.now())
	out := make([]RateChange, len(o.window))
	copy(out, o.window)
	return out
}

// ShouldExecuteAPYChange evaluates decision against the policy and the current window
// without reserving a slot.
func (o *Orchestrator) ShouldExecuteAPYChange(decision domain.Decision) Admission {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.window = pruneWindow(o.window, o.now())
	return ShouldExecuteAPYChange(o.policy, decision, len(o.window)+o.reserved)
}

// RestoreLastHalving seeds the halving cooldown from persisted history. Earlier
// timestamps than the one already known are ignored.
func (o *Orchestrator) RestoreLastHalving(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if at.After(o.lastHalvingAt) {
		o.lastHalvingAt = at
	}
}

// TriggerOracle injects a synthetic oracle reading, used by operators and tests.
func (o *Orchestrator) TriggerOracle(data domain.OracleData) events.Event {
	if data.Source == "" {
		data.Source = "manual"
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = o.now().UTC()
	}
	o.logger.Info().Str("asset_pair", data.AssetPair).Str("price", data.Price.String()).Msg("manual oracle trigger")
	return o.bus.Publish(events.OracleDataReceived, events.OracleDataPayload{OracleData: data})
}

func (o *Orchestrator) subscribe() {
	o.bus.Subscribe(events.OracleDataReceived, o.handleOracleData,
		events.WithName("orchestrator.oracle"), events.WithSubscriberPriority(events.PriorityHigh))
	o.bus.Subscribe(events.MLPredictionReady, o.handlePrediction,
		events.WithName("orchestrator.prediction"), events.WithSubscriberPriority(events.PriorityHigh))
	o.bus.Subscribe(events.EconomyHalvingDue, o.handleHalvingDue,
		events.WithName("orchestrator.halving"), events.WithSubscriberPriority(events.PriorityCritical))
	o.bus.Subscribe(events.BlockchainTxConfirmed, o.handleTxConfirmed,
		events.WithName("orchestrator.tx_confirmed"))
	o.bus.Subscribe(events.UserActivityDetected, o.handleUserActivity,
		events.WithName("orchestrator.user_activity"))
	o.logger.Info().Msg("event subscriptions registered")
}

// reserve admits decision and holds a window slot until settle is called.
func (o *Orchestrator) reserve(decision domain.Decision) Admission {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.window = pruneWindow(o.window, o.now())
	adm := ShouldExecuteAPYChange(o.policy, decision, len(o.window)+o.reserved)
	if adm.Execute {
		o.reserved++
	}
	return adm
}

// settle releases a reservation, recording change when the rate actually moved.
func (o *Orchestrator) settle(change *RateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reserved--
	if change != nil {
		o.window = append(o.window, *change)
	}
	o.window = pruneWindow(o.window, o.now())
}

// claimHalving reports whether a halving may start now and marks it in flight.
func (o *Orchestrator) claimHalving() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.halvingInFlight {
		return false, "halving already in flight"
	}
	if !o.lastHalvingAt.IsZero() {
		if since := o.now().Sub(o.lastHalvingAt); since < o.policy.HalvingCooldown {
			return false, fmt.Sprintf("halving in cooldown: %s remaining", (o.policy.HalvingCooldown - since).Round(time.Second))
		}
	}
	o.halvingInFlight = true
	return true, ""
}

func (o *Orchestrator) finishHalving(executed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.halvingInFlight = false
	if executed {
		o.lastHalvingAt = o.now()
		o.metrics.HalvingsExecuted++
	}
}
