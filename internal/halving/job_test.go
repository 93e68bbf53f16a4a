package halving

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/domain"
	"policy-automation/internal/events"
)

type stubSource struct {
	metrics domain.SystemMetrics
	err     error
	calls   atomic.Int32
}

func (s *stubSource) Collect(ctx context.Context) (domain.SystemMetrics, error) {
	s.calls.Add(1)
	return s.metrics, s.err
}

type stubChecker struct {
	assessment domain.HalvingAssessment
	err        error
}

func (s *stubChecker) CheckHalvingConditions(ctx context.Context, metrics domain.SystemMetrics) (domain.HalvingAssessment, error) {
	return s.assessment, s.err
}

type stubLocker struct {
	acquired bool
	unlocked bool
}

func (s *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !s.acquired {
		return nil, false, nil
	}
	return func() { s.unlocked = true }, true, nil
}

func newTestJob(t *testing.T, source MetricsSource, checker Checker, opts Options) (*Job, *events.Bus) {
	t.Helper()
	bus := events.New(events.Options{}, zerolog.Nop())
	t.Cleanup(bus.Close)
	job := New(bus, source, checker, opts, zerolog.Nop())
	t.Cleanup(job.Stop)
	return job, bus
}

func supply(v int64) domain.SystemMetrics {
	return domain.SystemMetrics{TotalSupply: decimal.NewFromInt(v)}
}

func TestCheckNowTriggersHalving(t *testing.T) {
	checker := &stubChecker{assessment: domain.HalvingAssessment{ShouldHalve: true, Confidence: 0.92, Reasoning: "emission too high", Urgency: "HIGH"}}
	job, bus := newTestJob(t, &stubSource{metrics: supply(1_000_000)}, checker, DefaultOptions())

	var got []events.Event
	var mu sync.Mutex
	bus.Subscribe(events.EconomyHalvingDue, func(ctx context.Context, evt events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt)
		return nil
	})

	result, err := job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultTriggered, result)
	bus.Wait()

	mu.Lock()
	require.Len(t, got, 1)
	payload := got[0].Payload.(events.HalvingDuePayload)
	mu.Unlock()
	assert.Equal(t, "emission too high", payload.Reasoning)
	assert.Equal(t, "HIGH", payload.Urgency)
	assert.Equal(t, 0.92, payload.Confidence)

	m := job.Metrics()
	assert.Equal(t, uint64(1), m.HalvingsTriggered)
	assert.Equal(t, ResultTriggered, m.LastCheckResult)
}

func TestCheckNowConfidenceMustExceedThreshold(t *testing.T) {
	checker := &stubChecker{assessment: domain.HalvingAssessment{ShouldHalve: true, Confidence: 0.8}}
	job, bus := newTestJob(t, &stubSource{metrics: supply(10)}, checker, DefaultOptions())

	result, err := job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultConditionsNotMet, result)
	assert.Zero(t, bus.Metrics().EventsByType[events.EconomyHalvingDue])

	checker.assessment = domain.HalvingAssessment{ShouldHalve: false, Confidence: 0.99}
	result, _ = job.CheckNow(context.Background())
	assert.Equal(t, ResultConditionsNotMet, result)
	assert.Zero(t, job.Metrics().HalvingsTriggered)
}

func TestCheckNowSkipsLowSupply(t *testing.T) {
	opts := DefaultOptions()
	opts.MinTotalSupply = decimal.NewFromInt(1_000)
	checker := &stubChecker{err: errors.New("must not be called")}
	job, _ := newTestJob(t, &stubSource{metrics: supply(999)}, checker, opts)

	result, err := job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, result)
}

func TestCheckNowErrorPublishesDiagnostic(t *testing.T) {
	source := &stubSource{err: errors.New("rpc timeout")}
	job, bus := newTestJob(t, source, &stubChecker{}, DefaultOptions())

	var failures []events.HandlerFailedPayload
	var mu sync.Mutex
	bus.Subscribe(events.AutomationHandlerFailed, func(ctx context.Context, evt events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, evt.Payload.(events.HandlerFailedPayload))
		return nil
	})

	result, err := job.CheckNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, ResultError, result)
	bus.Wait()

	mu.Lock()
	require.Len(t, failures, 1)
	assert.Equal(t, "HalvingCheckJob", failures[0].Service)
	assert.Contains(t, failures[0].Error, "rpc timeout")
	mu.Unlock()

	m := job.Metrics()
	assert.Equal(t, ResultError, m.LastCheckResult)
	assert.Equal(t, uint64(1), m.Errors)

	// A later cycle still runs.
	source.err = nil
	source.metrics = supply(5)
	result, err = job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultConditionsNotMet, result)
}

func TestCheckNowRespectsAdvisoryLock(t *testing.T) {
	locker := &stubLocker{}
	opts := DefaultOptions()
	opts.Locker = locker
	opts.LockKey = 42
	source := &stubSource{metrics: supply(5)}
	job, _ := newTestJob(t, source, &stubChecker{}, opts)

	result, err := job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultLockHeld, result)
	assert.Zero(t, source.calls.Load())

	locker.acquired = true
	result, err = job.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultConditionsNotMet, result)
	assert.True(t, locker.unlocked)
}

func TestHealthCheckStatuses(t *testing.T) {
	bus := events.New(events.Options{BreakerThreshold: 2, BreakerResetTimeout: time.Hour}, zerolog.Nop())
	defer bus.Close()
	job := New(bus, &stubSource{}, &stubChecker{}, DefaultOptions(), zerolog.Nop())

	assert.Equal(t, events.HealthHealthy, job.HealthCheckNow().Status)

	bus.Subscribe(events.OracleError, func(ctx context.Context, evt events.Event) error {
		return errors.New("handler failure")
	})
	bus.Publish(events.OracleError, events.OracleErrorPayload{})
	bus.Wait()
	health := job.HealthCheckNow()
	assert.Equal(t, events.HealthDegraded, health.Status)
	assert.Equal(t, 1, health.RecentErrors)

	job.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, events.HealthHealthy, job.HealthCheckNow().Status)

	bus.Publish(events.OracleError, events.OracleErrorPayload{})
	bus.Wait()
	health = job.HealthCheckNow()
	assert.Equal(t, events.HealthUnhealthy, health.Status)
	assert.True(t, health.CircuitBreakerOpen)

	m := job.Metrics()
	assert.Equal(t, uint64(4), m.HealthChecks)
	assert.Equal(t, events.HealthUnhealthy, m.LastHealthStatus)
}

func TestStartStopIdempotent(t *testing.T) {
	source := &stubSource{metrics: supply(5)}
	opts := DefaultOptions()
	opts.Immediate = true
	job, bus := newTestJob(t, source, &stubChecker{}, opts)

	job.Start()
	job.Start()
	assert.True(t, job.IsRunning())

	require.Eventually(t, func() bool {
		return source.calls.Load() == 1 && bus.Metrics().EventsByType[events.SystemHealthCheck] >= 1
	}, time.Second, 5*time.Millisecond)

	job.Stop()
	job.Stop()
	assert.False(t, job.IsRunning())
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestDisabledJobOnlyProbesHealth(t *testing.T) {
	source := &stubSource{metrics: supply(5)}
	opts := DefaultOptions()
	opts.Enabled = false
	opts.Immediate = true
	job, bus := newTestJob(t, source, &stubChecker{}, opts)

	job.Start()
	require.Eventually(t, func() bool {
		return bus.Metrics().EventsByType[events.SystemHealthCheck] >= 1
	}, time.Second, 5*time.Millisecond)
	job.Stop()

	assert.Zero(t, source.calls.Load())
}
