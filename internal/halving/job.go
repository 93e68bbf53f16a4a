package halving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"policy-automation/internal/domain"
	"policy-automation/internal/events"
	"policy-automation/internal/scheduler"
)

// Result is the outcome of one primary check cycle.
type Result string

const (
	ResultTriggered        Result = "TRIGGERED"
	ResultConditionsNotMet Result = "CONDITIONS_NOT_MET"
	ResultSkipped          Result = "SKIPPED"
	ResultLockHeld         Result = "LOCK_HELD"
	ResultError            Result = "ERROR"
)

// MetricsSource supplies the economic snapshot.
type MetricsSource interface {
	Collect(ctx context.Context) (domain.SystemMetrics, error)
}

// Checker asks the scorer whether emission should halve.
type Checker interface {
	CheckHalvingConditions(ctx context.Context, metrics domain.SystemMetrics) (domain.HalvingAssessment, error)
}

// Bus is the event bus surface the job needs.
type Bus interface {
	Publish(eventType events.Type, payload any, opts ...events.PublishOption) events.Event
	Metrics() events.Metrics
}

// Locker coordinates the primary cycle across replicas.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Options tune the job.
type Options struct {
	Enabled             bool
	Interval            time.Duration
	HealthInterval      time.Duration
	HealthLookback      time.Duration
	ConfidenceThreshold float64
	MinTotalSupply      decimal.Decimal
	// Immediate runs both cycles once on Start.
	Immediate bool
	Locker    Locker
	LockKey   int64
}

// DefaultOptions returns the production schedule.
func DefaultOptions() Options {
	return Options{
		Enabled:             true,
		Interval:            30 * time.Minute,
		HealthInterval:      5 * time.Minute,
		ConfidenceThreshold: 0.8,
	}
}

// Metrics is a snapshot of job counters.
type Metrics struct {
	TotalChecks       uint64    `json:"totalChecks"`
	HalvingsTriggered uint64    `json:"halvingsTriggered"`
	Errors            uint64    `json:"errors"`
	LastCheckAt       time.Time `json:"lastCheckAt,omitempty"`
	LastCheckResult   Result    `json:"lastCheckResult,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	HealthChecks      uint64    `json:"healthChecks"`
	LastHealthStatus  string    `json:"lastHealthStatus,omitempty"`
	LastHealthAt      time.Time `json:"lastHealthAt,omitempty"`
	IsRunning         bool      `json:"isRunning"`
}

// Job periodically evaluates halving conditions and probes bus health.
type Job struct {
	bus     Bus
	source  MetricsSource
	checker Checker
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	mu      sync.Mutex
	metrics Metrics
}

// New constructs a stopped job.
func New(bus Bus, source MetricsSource, checker Checker, opts Options, logger zerolog.Logger) *Job {
	defaults := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = defaults.Interval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaults.HealthInterval
	}
	if opts.HealthLookback <= 0 {
		opts.HealthLookback = opts.HealthInterval
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = defaults.ConfidenceThreshold
	}

	return &Job{
		bus:     bus,
		source:  source,
		checker: checker,
		opts:    opts,
		logger:  logger.With().Str("component", "halving_job").Logger(),
		now:     time.Now,
	}
}

// Start launches both schedules. Calling Start on a running job is a no-op.
func (j *Job) Start() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.cancel != nil {
		j.logger.Warn().Msg("halving job already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	if j.opts.Enabled {
		primary := scheduler.New(scheduler.Options{
			Name:      "halving_check",
			Interval:  j.opts.Interval,
			Immediate: j.opts.Immediate,
		}, j.logger)
		j.spawn(ctx, primary, func(ctx context.Context, _ time.Time) error {
			_, err := j.CheckNow(ctx)
			return err
		})
	} else {
		j.logger.Info().Msg("halving check disabled")
	}

	health := scheduler.New(scheduler.Options{
		Name:      "health_check",
		Interval:  j.opts.HealthInterval,
		Immediate: j.opts.Immediate,
	}, j.logger)
	j.spawn(ctx, health, func(ctx context.Context, _ time.Time) error {
		j.HealthCheckNow()
		return nil
	})

	j.mu.Lock()
	j.metrics.IsRunning = true
	j.mu.Unlock()

	j.logger.Info().
		Bool("halving_enabled", j.opts.Enabled).
		Dur("interval", j.opts.Interval).
		Dur("health_interval", j.opts.HealthInterval).
		Msg("halving job started")
}

// Stop halts both schedules and waits for an in-flight cycle to finish.
func (j *Job) Stop() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
	j.cancel = nil

	j.mu.Lock()
	j.metrics.IsRunning = false
	j.mu.Unlock()

	j.logger.Info().Msg("halving job stopped")
}

// IsRunning reports whether the schedules are active.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metrics.IsRunning
}

// Metrics returns a snapshot.
func (j *Job) Metrics() Metrics {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.metrics
}

func (j *Job) spawn(ctx context.Context, sched *scheduler.Scheduler, tick scheduler.TickFunc) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		if err := sched.Run(ctx, tick); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Error().Err(err).Msg("schedule exited")
		}
	}()
}

// CheckNow runs one primary cycle. Failures are recorded and published as
// AUTOMATION_HANDLER_FAILED; the returned error is informational.
func (j *Job) CheckNow(ctx context.Context) (Result, error) {
	if j.opts.Locker != nil && j.opts.LockKey != 0 {
		unlock, acquired, err := j.opts.Locker.TryAdvisoryLock(ctx, j.opts.LockKey)
		if err != nil {
			return j.fail(fmt.Errorf("acquire advisory lock: %w", err))
		}
		if !acquired {
			j.logger.Debug().Msg("skip halving check because advisory lock held elsewhere")
			j.record(ResultLockHeld, "")
			return ResultLockHeld, nil
		}
		defer unlock()
	}

	j.logger.Info().Msg("checking halving conditions")

	snapshot, err := j.source.Collect(ctx)
	if err != nil {
		return j.fail(fmt.Errorf("collect system metrics: %w", err))
	}

	if snapshot.TotalSupply.LessThan(j.opts.MinTotalSupply) {
		j.logger.Info().
			Str("total_supply", snapshot.TotalSupply.String()).
			Str("min_total_supply", j.opts.MinTotalSupply.String()).
			Msg("supply below halving minimum")
		j.record(ResultSkipped, "")
		return ResultSkipped, nil
	}

	assessment, err := j.checker.CheckHalvingConditions(ctx, snapshot)
	if err != nil {
		return j.fail(fmt.Errorf("check halving conditions: %w", err))
	}

	if !assessment.ShouldHalve || assessment.Confidence <= j.opts.ConfidenceThreshold {
		j.logger.Info().
			Bool("should_halve", assessment.ShouldHalve).
			Float64("confidence", assessment.Confidence).
			Msg("halving conditions not met")
		j.record(ResultConditionsNotMet, "")
		return ResultConditionsNotMet, nil
	}

	j.logger.Warn().
		Float64("confidence", assessment.Confidence).
		Str("urgency", assessment.Urgency).
		Str("reasoning", assessment.Reasoning).
		Msg("halving conditions met")

	j.bus.Publish(events.EconomyHalvingDue, events.HalvingDuePayload{
		Source:     "HalvingCheckJob",
		Reasoning:  assessment.Reasoning,
		Urgency:    assessment.Urgency,
		Confidence: assessment.Confidence,
	}, events.WithPriority(events.PriorityCritical))

	j.mu.Lock()
	j.metrics.HalvingsTriggered++
	j.mu.Unlock()
	j.record(ResultTriggered, "")
	return ResultTriggered, nil
}

// HealthCheckNow derives a coarse status from bus metrics and publishes it.
func (j *Job) HealthCheckNow() events.HealthCheckPayload {
	m := j.bus.Metrics()
	now := j.now().UTC()

	recent := 0
	cutoff := now.Add(-j.opts.HealthLookback)
	for _, e := range m.Errors {
		if e.At.After(cutoff) {
			recent++
		}
	}

	status := events.HealthHealthy
	switch {
	case m.CircuitBreaker.IsOpen:
		status = events.HealthUnhealthy
	case recent > 0:
		status = events.HealthDegraded
	}

	payload := events.HealthCheckPayload{
		Status:             status,
		TotalEvents:        m.TotalEvents,
		RecentErrors:       recent,
		CircuitBreakerOpen: m.CircuitBreaker.IsOpen,
		CheckedAt:          now,
	}
	j.bus.Publish(events.SystemHealthCheck, payload)

	j.mu.Lock()
	j.metrics.HealthChecks++
	j.metrics.LastHealthStatus = status
	j.metrics.LastHealthAt = now
	j.mu.Unlock()

	log := j.logger.Debug()
	if status != events.HealthHealthy {
		log = j.logger.Warn()
	}
	log.Str("status", status).Int("recent_errors", recent).Msg("health check")
	return payload
}

func (j *Job) fail(err error) (Result, error) {
	j.logger.Error().Err(err).Msg("halving check failed")
	j.mu.Lock()
	j.metrics.Errors++
	j.mu.Unlock()
	j.record(ResultError, err.Error())

	j.bus.Publish(events.AutomationHandlerFailed, events.HandlerFailedPayload{
		Service: "HalvingCheckJob",
		Method:  "checkHalvingConditions",
		Error:   err.Error(),
	})
	return ResultError, err
}

func (j *Job) record(result Result, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.metrics.TotalChecks++
	j.metrics.LastCheckAt = j.now().UTC()
	j.metrics.LastCheckResult = result
	j.metrics.LastError = errMsg
}
