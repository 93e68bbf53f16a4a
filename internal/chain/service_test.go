package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/events"
	"policy-automation/internal/retry"
)

type fakeContract struct {
	mu sync.Mutex

	sender   common.Address
	hasRole  bool
	roleErr  error
	rate     uint64
	rateErr  error
	submitFn func(attempt int) error
	status   uint64
	waitErr  error

	head      uint64
	logs      map[uint64][]ContractEvent
	roleCalls int
	submits   int
	halvings  int
	lastHash  common.Hash
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		sender:  common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		hasRole: true,
		rate:    1000,
		status:  1,
		logs:    map[uint64][]ContractEvent{},
	}
}

func (f *fakeContract) Sender() common.Address { return f.sender }

func (f *fakeContract) AutomationRole(ctx context.Context) ([32]byte, error) {
	return [32]byte{1}, nil
}

func (f *fakeContract) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleCalls++
	return f.hasRole, f.roleErr
}

func (f *fakeContract) CurrentRate(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate, f.rateErr
}

func (f *fakeContract) submit() (common.Hash, error) {
	f.submits++
	if f.submitFn != nil {
		if err := f.submitFn(f.submits); err != nil {
			return common.Hash{}, err
		}
	}
	f.lastHash = common.BigToHash(common.Big1)
	return f.lastHash, nil
}

func (f *fakeContract) SubmitSetRate(ctx context.Context, rate uint64) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, err := f.submit()
	if err == nil && f.status == 1 {
		f.rate = rate
	}
	return hash, err
}

func (f *fakeContract) SubmitHalving(ctx context.Context) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, err := f.submit()
	if err == nil {
		f.halvings++
	}
	return hash, err
}

func (f *fakeContract) WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return Receipt{}, f.waitErr
	}
	return Receipt{TxHash: hash.Hex(), BlockNumber: 42, GasUsed: 21000, Status: f.status}, nil
}

func (f *fakeContract) LatestBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeContract) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ContractEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContractEvent
	for b := fromBlock; b <= toBlock; b++ {
		out = append(out, f.logs[b]...)
	}
	return out, nil
}

func (f *fakeContract) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type published struct {
	Type     events.Type
	Payload  any
	Priority events.Priority
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (r *recordingBus) Publish(eventType events.Type, payload any, opts ...events.PublishOption) events.Event {
	evt := events.Event{Type: eventType, Payload: payload}
	for _, opt := range opts {
		opt(&evt)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{Type: eventType, Payload: payload, Priority: evt.Priority})
	return evt
}

func (r *recordingBus) ofType(t events.Type) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		MinRate:             500,
		MaxRate:             5000,
		MaxAttempts:         3,
		Backoff:             0,
		BreakerThreshold:    5,
		BreakerResetTimeout: time.Hour,
	}
}

func newTestService(t *testing.T, contract *fakeContract, opts Options) (*Service, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	svc := NewService(contract, bus, opts, zerolog.Nop())
	t.Cleanup(svc.Close)
	return svc, bus
}

func TestInitializeRequiresRole(t *testing.T) {
	contract := newFakeContract()
	contract.hasRole = false
	svc, _ := newTestService(t, contract, testOptions())

	err := svc.Initialize(context.Background())
	require.ErrorIs(t, err, ErrMissingRole)

	_, err = svc.SetRate(context.Background(), 1200, "test")
	require.ErrorIs(t, err, ErrMissingRole)
	assert.Zero(t, contract.submitCount())
}

func TestInitializeIsIdempotent(t *testing.T) {
	contract := newFakeContract()
	svc, _ := newTestService(t, contract, testOptions())

	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Initialize(context.Background()))

	assert.Equal(t, 1, contract.roleCalls)
	assert.True(t, svc.Status().Initialized)
}

func TestSetRateUnchangedIsNoop(t *testing.T) {
	contract := newFakeContract()
	contract.rate = 1200
	svc, bus := newTestService(t, contract, testOptions())

	res, err := svc.SetRate(context.Background(), 1200, "same")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Unchanged)
	assert.Zero(t, contract.submitCount())
	assert.Empty(t, bus.ofType(events.BlockchainAPYUpdated))
}

func TestSetRateOutOfRange(t *testing.T) {
	svc, _ := newTestService(t, newFakeContract(), testOptions())

	for _, rate := range []uint64{0, 499, 5001} {
		_, err := svc.SetRate(context.Background(), rate, "bad")
		assert.ErrorIs(t, err, ErrRateOutOfRange, "rate %d", rate)
	}
	assert.Zero(t, svc.Status().CircuitBreaker.FailureCount)
}

func TestSetRatePublishesUpdate(t *testing.T) {
	contract := newFakeContract()
	svc, bus := newTestService(t, contract, testOptions())

	res, err := svc.SetRate(context.Background(), 1200, "ml decision")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Unchanged)
	assert.Equal(t, uint64(1000), res.OldRate)
	assert.Equal(t, uint64(1200), res.NewRate)
	assert.Equal(t, uint64(42), res.BlockNumber)
	assert.Equal(t, 1, contract.submitCount())

	updates := bus.ofType(events.BlockchainAPYUpdated)
	require.Len(t, updates, 1)
	payload := updates[0].Payload.(events.APYUpdatedPayload)
	assert.Equal(t, uint64(1000), payload.OldAPY)
	assert.Equal(t, uint64(1200), payload.NewAPY)
	assert.Equal(t, "ml decision", payload.Reason)
	assert.Equal(t, res.TxHash, payload.TxHash)
}

func TestSetRateRetriesThenSucceeds(t *testing.T) {
	contract := newFakeContract()
	contract.submitFn = func(attempt int) error {
		if attempt < 3 {
			return errors.New("nonce too low")
		}
		return nil
	}
	svc, _ := newTestService(t, contract, testOptions())

	res, err := svc.SetRate(context.Background(), 1500, "retry")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, contract.submitCount())
	assert.Zero(t, svc.Status().CircuitBreaker.FailureCount)
}

func TestSetRateExhaustsRetries(t *testing.T) {
	contract := newFakeContract()
	contract.submitFn = func(int) error { return errors.New("rpc down") }
	svc, bus := newTestService(t, contract, testOptions())

	_, err := svc.SetRate(context.Background(), 1500, "fail")
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Contains(t, err.Error(), "rpc down")
	assert.Equal(t, 3, contract.submitCount())

	state := svc.Status().CircuitBreaker
	assert.Equal(t, uint(3), state.FailureCount)
	assert.False(t, state.IsOpen)
	assert.Empty(t, bus.ofType(events.AutomationHandlerFailed))
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	contract := newFakeContract()
	contract.submitFn = func(int) error { return errors.New("rpc down") }
	svc, bus := newTestService(t, contract, testOptions())

	_, err := svc.SetRate(context.Background(), 1500, "first")
	require.ErrorIs(t, err, retry.ErrExhausted)

	// Two more failures reach the threshold and abort the retry loop.
	_, err = svc.SetRate(context.Background(), 1500, "second")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, contract.submitCount())
	assert.True(t, svc.Status().CircuitBreaker.IsOpen)

	failures := bus.ofType(events.AutomationHandlerFailed)
	require.Len(t, failures, 1)
	payload := failures[0].Payload.(events.HandlerFailedPayload)
	assert.Equal(t, "OPEN", payload.CircuitBreakerStatus)
	assert.Equal(t, "setRate", payload.Method)

	_, err = svc.SetRate(context.Background(), 1500, "blocked")
	require.ErrorIs(t, err, ErrCircuitOpen)
	_, err = svc.ExecuteHalving(context.Background(), "blocked")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, contract.submitCount())
}

func TestBreakerAutoResets(t *testing.T) {
	contract := newFakeContract()
	contract.submitFn = func(int) error { return errors.New("rpc down") }
	opts := testOptions()
	opts.MaxAttempts = 1
	opts.BreakerThreshold = 2
	opts.BreakerResetTimeout = 50 * time.Millisecond
	svc, _ := newTestService(t, contract, opts)

	for i := 0; i < 2; i++ {
		_, _ = svc.SetRate(context.Background(), 1500, "fail")
	}
	_, err := svc.SetRate(context.Background(), 1500, "blocked")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, contract.submitCount())

	require.Eventually(t, func() bool {
		return !svc.Status().CircuitBreaker.IsOpen
	}, time.Second, 10*time.Millisecond)

	contract.mu.Lock()
	contract.submitFn = nil
	contract.mu.Unlock()

	res, err := svc.SetRate(context.Background(), 1500, "recovered")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, contract.submitCount())
}

func TestSetRateReverted(t *testing.T) {
	contract := newFakeContract()
	contract.status = 0
	svc, bus := newTestService(t, contract, testOptions())

	_, err := svc.SetRate(context.Background(), 1500, "revert")
	require.ErrorIs(t, err, ErrTxReverted)
	assert.Equal(t, 1, contract.submitCount())
	assert.Equal(t, uint(1), svc.Status().CircuitBreaker.FailureCount)
	assert.Empty(t, bus.ofType(events.BlockchainAPYUpdated))
}

func TestExecuteHalvingPublishesCritical(t *testing.T) {
	contract := newFakeContract()
	svc, bus := newTestService(t, contract, testOptions())

	res, err := svc.ExecuteHalving(context.Background(), "supply threshold")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, contract.halvings)

	executed := bus.ofType(events.BlockchainHalvingExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, events.PriorityCritical, executed[0].Priority)
	payload := executed[0].Payload.(events.HalvingExecutedPayload)
	assert.Equal(t, "supply threshold", payload.Reason)
	assert.Equal(t, "CRITICAL", payload.Severity)
}

func TestCurrentRate(t *testing.T) {
	contract := newFakeContract()
	svc, _ := newTestService(t, contract, testOptions())

	rate, ok := svc.CurrentRate(context.Background())
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), rate)

	contract.mu.Lock()
	contract.rateErr = errors.New("rpc down")
	contract.mu.Unlock()

	_, ok = svc.CurrentRate(context.Background())
	assert.False(t, ok)
}
