package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"policy-automation/internal/breaker"
	"policy-automation/internal/events"
	"policy-automation/internal/retry"
)

var (
	// ErrCircuitOpen is returned without touching the chain while the breaker is open.
	ErrCircuitOpen = errors.New("chain circuit breaker open; transactions paused")
	// ErrMissingRole means the signer lacks the automation role on the contract.
	ErrMissingRole = errors.New("signer lacks AUTOMATION_ROLE")
	// ErrRateOutOfRange rejects rates outside the configured bounds.
	ErrRateOutOfRange = errors.New("rate out of allowed range")
	// ErrTxReverted marks a mined transaction with a failed status.
	ErrTxReverted = errors.New("transaction reverted")
)

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(eventType events.Type, payload any, opts ...events.PublishOption) events.Event
}

// Options tune the service.
type Options struct {
	MinRate             uint64
	MaxRate             uint64
	MaxAttempts         int
	Backoff             time.Duration
	BreakerThreshold    uint
	BreakerResetTimeout time.Duration
	// PollInterval drives the contract event listeners; zero disables them.
	PollInterval time.Duration
}

// DefaultOptions mirrors the production contract limits.
func DefaultOptions() Options {
	return Options{
		MinRate:             500,
		MaxRate:             5000,
		MaxAttempts:         3,
		Backoff:             2 * time.Second,
		BreakerThreshold:    5,
		BreakerResetTimeout: time.Minute,
		PollInterval:        15 * time.Second,
	}
}

// RateResult describes a SetRate call.
type RateResult struct {
	Success     bool   `json:"success"`
	Unchanged   bool   `json:"unchanged,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	OldRate     uint64 `json:"oldRate,omitempty"`
	NewRate     uint64 `json:"newRate,omitempty"`
}

// HalvingResult describes an ExecuteHalving call.
type HalvingResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// Status is the read-only surface for status reporting.
type Status struct {
	Initialized    bool          `json:"initialized"`
	Sender         string        `json:"sender"`
	CircuitBreaker breaker.State `json:"circuitBreaker"`
}

// Service executes privileged policy transactions with bounded retry and a circuit
// breaker, and republishes contract events onto the bus.
type Service struct {
	contract Contract
	bus      Publisher
	opts     Options
	logger   zerolog.Logger
	breaker  *breaker.Breaker

	initMu         sync.Mutex
	initialized    bool
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}
}

// NewService wires a contract to the bus.
func NewService(contract Contract, bus Publisher, opts Options, logger zerolog.Logger) *Service {
	defaults := DefaultOptions()
	if opts.MinRate == 0 {
		opts.MinRate = defaults.MinRate
	}
	if opts.MaxRate == 0 {
		opts.MaxRate = defaults.MaxRate
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = defaults.BreakerThreshold
	}
	if opts.BreakerResetTimeout <= 0 {
		opts.BreakerResetTimeout = defaults.BreakerResetTimeout
	}

	log := logger.With().Str("component", "blockchain_service").Logger()
	return &Service{
		contract: contract,
		bus:      bus,
		opts:     opts,
		logger:   log,
		breaker: breaker.New(breaker.Options{
			Threshold:    opts.BreakerThreshold,
			ResetTimeout: opts.BreakerResetTimeout,
			OnClose: func() {
				log.Info().Msg("circuit breaker closed; resuming transactions")
			},
		}),
	}
}

// Initialize verifies the automation role and starts the event listeners. Safe to
// call repeatedly.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return nil
	}

	sender := s.contract.Sender()
	role, err := s.contract.AutomationRole(ctx)
	if err != nil {
		return fmt.Errorf("read automation role: %w", err)
	}
	ok, err := s.contract.HasRole(ctx, role, sender)
	if err != nil {
		return fmt.Errorf("check automation role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: wallet %s; grant it from the contract admin", ErrMissingRole, sender.Hex())
	}

	if s.opts.PollInterval > 0 {
		head, headErr := s.contract.LatestBlock(ctx)
		listenCtx, cancel := context.WithCancel(context.Background())
		s.listenerCancel = cancel
		s.listenerDone = make(chan struct{})
		go s.listen(listenCtx, s.listenerDone, head, headErr == nil)
	}

	s.initialized = true
	s.logger.Info().Str("wallet", sender.Hex()).Msg("blockchain service initialized")
	return nil
}

// SetRate moves the on-chain rate to newRate basis points.
func (s *Service) SetRate(ctx context.Context, newRate uint64, reason string) (RateResult, error) {
	if err := s.Initialize(ctx); err != nil {
		return RateResult{}, err
	}
	if err := s.breaker.Allow(); err != nil {
		return RateResult{}, ErrCircuitOpen
	}
	if newRate < s.opts.MinRate || newRate > s.opts.MaxRate {
		return RateResult{}, fmt.Errorf("%w: %d (must be %d-%d)", ErrRateOutOfRange, newRate, s.opts.MinRate, s.opts.MaxRate)
	}

	s.logger.Info().Uint64("new_rate", newRate).Str("reason", reason).Msg("adjusting rate on chain")

	current, err := s.contract.CurrentRate(ctx)
	if err != nil {
		s.recordFailure("setRate", err)
		return RateResult{}, fmt.Errorf("read current rate: %w", err)
	}
	if current == newRate {
		s.logger.Info().Uint64("rate", current).Msg("rate already at target")
		return RateResult{Success: true, Unchanged: true, OldRate: current, NewRate: newRate}, nil
	}

	out := retry.Do(ctx, s.retryPolicy("setRate"), func(ctx context.Context) (common.Hash, error) {
		return s.contract.SubmitSetRate(ctx, newRate)
	})
	if !out.OK() {
		return RateResult{}, out.Error()
	}

	receipt, err := s.confirm(ctx, "setRate", out.Value)
	if err != nil {
		return RateResult{}, err
	}
	s.breaker.RecordSuccess()

	s.logger.Info().
		Str("tx_hash", receipt.TxHash).
		Uint64("block", receipt.BlockNumber).
		Uint64("gas_used", receipt.GasUsed).
		Uint64("old_rate", current).
		Uint64("new_rate", newRate).
		Msg("rate updated")

	s.bus.Publish(events.BlockchainAPYUpdated, events.APYUpdatedPayload{
		OldAPY:      current,
		NewAPY:      newRate,
		Reason:      reason,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		Timestamp:   time.Now().UTC(),
	})

	return RateResult{
		Success:     true,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		OldRate:     current,
		NewRate:     newRate,
	}, nil
}

// ExecuteHalving triggers the contract's emission halving.
func (s *Service) ExecuteHalving(ctx context.Context, reason string) (HalvingResult, error) {
	if err := s.Initialize(ctx); err != nil {
		return HalvingResult{}, err
	}
	if err := s.breaker.Allow(); err != nil {
		return HalvingResult{}, ErrCircuitOpen
	}

	s.logger.Warn().Str("reason", reason).Msg("executing halving on chain")

	out := retry.Do(ctx, s.retryPolicy("executeHalving"), func(ctx context.Context) (common.Hash, error) {
		return s.contract.SubmitHalving(ctx)
	})
	if !out.OK() {
		return HalvingResult{}, out.Error()
	}

	receipt, err := s.confirm(ctx, "executeHalving", out.Value)
	if err != nil {
		return HalvingResult{}, err
	}
	s.breaker.RecordSuccess()

	s.logger.Info().Str("tx_hash", receipt.TxHash).Uint64("block", receipt.BlockNumber).Msg("halving executed")

	s.bus.Publish(events.BlockchainHalvingExecuted, events.HalvingExecutedPayload{
		Reason:      reason,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		Timestamp:   time.Now().UTC(),
		Severity:    "CRITICAL",
	}, events.WithPriority(events.PriorityCritical))

	return HalvingResult{Success: true, TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber}, nil
}

// CurrentRate reads the on-chain rate; ok is false when it cannot be read.
func (s *Service) CurrentRate(ctx context.Context) (rate uint64, ok bool) {
	if err := s.Initialize(ctx); err != nil {
		s.logger.Error().Err(err).Msg("cannot read rate; service not initialized")
		return 0, false
	}
	rate, err := s.contract.CurrentRate(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read current rate")
		return 0, false
	}
	return rate, true
}

// Status returns a snapshot for status reporting.
func (s *Service) Status() Status {
	s.initMu.Lock()
	initialized := s.initialized
	s.initMu.Unlock()

	return Status{
		Initialized:    initialized,
		Sender:         s.contract.Sender().Hex(),
		CircuitBreaker: s.breaker.State(),
	}
}

// Close stops the event listeners and the breaker timer.
func (s *Service) Close() {
	s.initMu.Lock()
	cancel, done := s.listenerCancel, s.listenerDone
	s.listenerCancel, s.listenerDone = nil, nil
	s.initialized = false
	s.initMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.breaker.Stop()
}

func (s *Service) retryPolicy(method string) retry.Policy {
	return retry.Policy{
		MaxAttempts: s.opts.MaxAttempts,
		Backoff:     retry.Linear(s.opts.Backoff),
		Allow: func() error {
			if s.breaker.Allow() != nil {
				return ErrCircuitOpen
			}
			return nil
		},
		OnFailure: func(attempt int, err error) {
			s.logger.Warn().
				Str("method", method).
				Int("attempt", attempt).
				Int("max_attempts", s.opts.MaxAttempts).
				Err(err).
				Msg("transaction attempt failed")
			s.recordFailure(method, err)
		},
	}
}

func (s *Service) confirm(ctx context.Context, method string, hash common.Hash) (Receipt, error) {
	s.logger.Info().Str("tx_hash", hash.Hex()).Str("method", method).Msg("waiting for confirmation")

	receipt, err := s.contract.WaitReceipt(ctx, hash)
	if err != nil {
		s.recordFailure(method, err)
		return Receipt{}, fmt.Errorf("wait for %s receipt: %w", method, err)
	}
	if !receipt.Succeeded() {
		s.recordFailure(method, ErrTxReverted)
		return Receipt{}, fmt.Errorf("%s %s: %w", method, receipt.TxHash, ErrTxReverted)
	}
	return receipt, nil
}

func (s *Service) recordFailure(method string, err error) {
	opened := s.breaker.RecordFailure()
	state := s.breaker.State()

	s.logger.Error().
		Str("method", method).
		Err(err).
		Uint("failures", state.FailureCount).
		Msg("blockchain transaction error")

	if !opened {
		return
	}

	s.logger.Error().Dur("reset_after", state.ResetTimeout).Msg("circuit breaker opened; pausing transactions")
	s.bus.Publish(events.AutomationHandlerFailed, events.HandlerFailedPayload{
		Service:              "BlockchainService",
		Method:               method,
		Error:                err.Error(),
		CircuitBreakerStatus: "OPEN",
	}, events.WithPriority(events.PriorityHigh))
}
