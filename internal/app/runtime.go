package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"policy-automation/internal/audit"
	"policy-automation/internal/chain"
	"policy-automation/internal/events"
	"policy-automation/internal/halving"
	"policy-automation/internal/metricsource"
	"policy-automation/internal/ml"
	"policy-automation/internal/natsbridge"
	"policy-automation/internal/orchestrator"
	"policy-automation/internal/storage"
	"policy-automation/internal/telemetry"
	"policy-automation/internal/version"
)

const growthWindow = 24 * time.Hour

// runtime is the assembled automation graph.
type runtime struct {
	store     *storage.Store
	collector *telemetry.Collector
	bus       *events.Bus
	chain     *chain.Service
	scorer    *ml.Client
	orch      *orchestrator.Orchestrator
	tracker   *metricsource.Tracker
	job       *halving.Job
	bridge    *natsbridge.Bridge

	closers []func()
}

func (r *runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// close releases resources in reverse acquisition order.
func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// build assembles the runtime. listen enables the contract event listener and the
// NATS bridge, which only the long-running service needs.
func (a *App) build(ctx context.Context, listen bool) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail and halving lock disabled")
	} else {
		rt.store = store
		rt.onClose(closeStore)
	}

	var observer events.Observer
	if a.Config.Metrics.Enabled {
		rt.collector = telemetry.NewCollector()
		observer = rt.collector
	}
	rt.bus = a.newBus(observer)
	rt.onClose(rt.bus.Close)

	contract, err := a.newContract()
	if err != nil {
		return nil, err
	}
	rt.onClose(contract.Close)
	rt.chain = chain.NewService(contract, rt.bus, a.chainOptions(listen), a.Logger)
	rt.onClose(rt.chain.Close)

	scorer, closeScorer, err := a.newScorer(ctx)
	if err != nil {
		return nil, err
	}
	rt.scorer = scorer
	rt.onClose(closeScorer)

	rt.orch = orchestrator.New(rt.bus, rt.chain, rt.scorer, a.policy(), a.Logger)
	if rt.store != nil {
		if err := a.restoreHalving(ctx, rt.store, rt.orch); err != nil {
			return nil, err
		}
		audit.New(rt.store, 0, a.Logger).Attach(rt.bus)
	}

	if dispatcher := a.newDispatcher(rt.store); dispatcher != nil {
		dispatcher.Attach(rt.bus)
	}

	rt.tracker = metricsource.NewTracker(a.Config.Halving.PriceHistorySize, growthWindow)
	rt.tracker.Attach(rt.bus)

	if listen && a.Config.NATS.URL != "" {
		if err := a.attachBridge(rt); err != nil {
			return nil, err
		}
	}

	token := metricsource.NewToken(metricsource.TokenOptions{
		RPCURL:          a.Config.Ethereum.RPCURL,
		TokenAddress:    a.Config.Ethereum.TokenAddress,
		TreasuryAddress: a.Config.Ethereum.TreasuryAddress,
		Timeout:         a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
	rt.onClose(token.Close)
	source := metricsource.New(token, rt.chain, rt.tracker, a.Logger)

	rt.job = halving.New(rt.bus, source, rt.scorer, a.halvingOptions(rt.store), a.Logger)
	rt.onClose(rt.job.Stop)

	if rt.collector != nil {
		a.registerGauges(rt)
	}
	return rt, nil
}

type halvingHistory interface {
	LastHalving(ctx context.Context) (storage.HalvingRecord, bool, error)
}

// restoreHalving seeds the cooldown from the audit trail so a restart cannot
// execute a second halving inside the cooldown.
func (a *App) restoreHalving(ctx context.Context, store halvingHistory, orch *orchestrator.Orchestrator) error {
	last, ok, err := store.LastHalving(ctx)
	if err != nil {
		return fmt.Errorf("load last halving: %w", err)
	}
	if ok {
		orch.RestoreLastHalving(last.ExecutedAt)
		a.Logger.Info().Time("executed_at", last.ExecutedAt).Msg("restored halving cooldown")
	}
	return nil
}

func (a *App) halvingOptions(store *storage.Store) halving.Options {
	cfg := a.Config.Halving
	opts := halving.Options{
		Enabled:             cfg.Enabled,
		Interval:            a.Config.Scheduler.HalvingInterval,
		HealthInterval:      a.Config.Scheduler.HealthInterval,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MinTotalSupply:      decimal.NewFromFloat(cfg.MinTotalSupply),
		Immediate:           a.Config.Scheduler.RunOnStart,
	}
	if store != nil {
		opts.Locker = store
		opts.LockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	return opts
}

func (a *App) attachBridge(rt *runtime) error {
	forward, err := parseTypes(a.Config.NATS.Forward)
	if err != nil {
		return err
	}
	bridge, err := natsbridge.Connect(natsbridge.Options{
		URL:     a.Config.NATS.URL,
		Name:    a.Config.App.Name,
		Prefix:  a.Config.NATS.Prefix,
		Forward: forward,
		Ingest:  a.Config.NATS.Ingest,
	}, a.Logger)
	if err != nil {
		return err
	}
	rt.bridge = bridge
	rt.onClose(func() {
		if err := bridge.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close nats bridge")
		}
	})
	return bridge.Attach(rt.bus)
}

func parseTypes(names []string) ([]events.Type, error) {
	types := make([]events.Type, 0, len(names))
	for _, name := range names {
		t, ok := events.ParseType(name)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		types = append(types, t)
	}
	return types, nil
}

func (a *App) registerGauges(rt *runtime) {
	c := rt.collector
	c.GaugeFunc("orchestrator", "running", "1 while the orchestrator acts on events.", func() float64 {
		return boolGauge(rt.orch.IsRunning())
	})
	c.GaugeFunc("orchestrator", "apy_changes_last_hour", "Rate changes inside the trailing hour window.", func() float64 {
		return float64(len(rt.orch.RateWindow()))
	})
	c.GaugeFunc("orchestrator", "decisions", "Decisions evaluated since start.", func() float64 {
		return float64(rt.orch.Metrics().TotalDecisions)
	})
	c.GaugeFunc("orchestrator", "rejected_decisions", "Decisions rejected by admission control.", func() float64 {
		return float64(rt.orch.Metrics().RejectedDecisions)
	})
	c.GaugeFunc("chain", "breaker_open", "1 while the chain circuit breaker is open.", func() float64 {
		return boolGauge(rt.chain.Status().CircuitBreaker.IsOpen)
	})
	c.GaugeFunc("bus", "breaker_open", "1 while the bus circuit breaker is open.", func() float64 {
		return boolGauge(rt.bus.Metrics().CircuitBreaker.IsOpen)
	})
	c.GaugeFunc("halving", "checks", "Halving check cycles run.", func() float64 {
		return float64(rt.job.Metrics().TotalChecks)
	})
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Run executes the long-running automation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	serverErr := make(chan error, 1)
	if rt.collector != nil {
		server := telemetry.NewServer(a.Config.Metrics.ListenAddr, rt.collector.Registry(), a.Logger)
		go func() {
			serverErr <- server.Run(ctx)
		}()
	}

	if err := rt.orch.Start(ctx); err != nil {
		return err
	}
	rt.job.Start()

	a.Logger.Info().Str("version", version.String()).Msg("policy automation service started")
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("metrics server terminated with error")
			rt.orch.Stop()
			return err
		}
	}

	rt.orch.Stop()
	rt.job.Stop()
	rt.bus.Wait()
	a.Logger.Info().Msg("policy automation service stopped")
	return nil
}
