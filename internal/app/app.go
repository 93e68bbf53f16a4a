package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"policy-automation/internal/alerting"
	"policy-automation/internal/audit"
	"policy-automation/internal/chain"
	"policy-automation/internal/config"
	"policy-automation/internal/events"
	"policy-automation/internal/ml"
	"policy-automation/internal/orchestrator"
	"policy-automation/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newBus(observer events.Observer) *events.Bus {
	cfg := a.Config.Bus
	return events.New(events.Options{
		MaxErrors:           cfg.MaxErrors,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
		Observer:            observer,
	}, a.Logger)
}

func (a *App) newContract() (*chain.EthContract, error) {
	eth := a.Config.Ethereum
	return chain.NewEthContract(chain.EthOptions{
		RPCURL:              eth.RPCURL,
		ContractAddress:     eth.ContractAddress,
		PrivateKeyHex:       eth.PrivateKey,
		ChainID:             eth.ChainID,
		RequestTimeout:      eth.RequestTimeout,
		ReceiptPollInterval: eth.ReceiptPoll,
		SetRateGasLimit:     eth.SetRateGasLimit,
		HalvingGasLimit:     eth.HalvingGasLimit,
	}, a.Logger)
}

// chainOptions maps config onto the service. listen enables the contract event
// listener, which only the long-running service needs.
func (a *App) chainOptions(listen bool) chain.Options {
	cfg := a.Config.Chain
	opts := chain.Options{
		MinRate:             cfg.MinRate,
		MaxRate:             cfg.MaxRate,
		MaxAttempts:         cfg.MaxAttempts,
		Backoff:             cfg.Backoff,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
	}
	if listen {
		opts.PollInterval = a.Config.Ethereum.EventPoll
	}
	return opts
}

func (a *App) policy() orchestrator.Policy {
	cfg := a.Config.Automation
	return orchestrator.Policy{
		MinConfidence:        cfg.MinConfidence,
		MinAPYChangePercent:  cfg.MinAPYChangePercent,
		MaxAPYChangesPerHour: cfg.MaxAPYChangesPerHour,
		HalvingCooldown:      cfg.HalvingCooldown,
	}
}

// newScorer builds the ML client with a redis cache when redis.addr is set and an
// in-process cache otherwise.
func (a *App) newScorer(ctx context.Context) (*ml.Client, func(), error) {
	cfg := a.Config.ML
	opts := ml.Options{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		Timeout:         cfg.Timeout,
		UserAgent:       cfg.UserAgent,
		CacheTTL:        cfg.CacheTTL,
		FallbackEnabled: cfg.FallbackEnabled,
	}

	if a.Config.Redis.Addr == "" {
		return ml.NewClient(opts, ml.NewMemoryCache(cfg.CacheSize), a.Logger), func() {}, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", a.Config.Redis.Addr, err)
	}

	cache := ml.NewRedisCache(rdb, a.Config.Redis.Prefix)
	return ml.NewClient(opts, cache, a.Logger), func() { _ = rdb.Close() }, nil
}

func (a *App) newDispatcher(store *storage.Store) *alerting.Dispatcher {
	cfg := a.Config.Alerting
	if !cfg.Enabled || !cfg.Telegram.Enabled {
		return nil
	}
	notifier := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger)

	var auditStore alerting.AuditStore
	if store != nil {
		auditStore = store
	}
	return alerting.NewDispatcher(notifier, auditStore, alerting.DispatcherOptions{
		Cooldown:    cfg.Cooldown,
		Channels:    cfg.Channels,
		RateChanges: cfg.RateChanges,
	}, a.Logger)
}

// adminSession wires the minimum needed for direct chain administration: a bus,
// the chain service and, when configured, the audit recorder.
type adminSession struct {
	store   *storage.Store
	bus     *events.Bus
	chain   *chain.Service
	closers []func()
}

func (a *App) openAdminSession(ctx context.Context) (*adminSession, error) {
	s := &adminSession{}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		s.store = store
		s.closers = append(s.closers, closeStore)
	}

	s.bus = a.newBus(nil)
	s.closers = append(s.closers, s.bus.Close)
	if store != nil {
		audit.New(store, 0, a.Logger).Attach(s.bus)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; change will not be audited")
	}

	contract, err := a.newContract()
	if err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, contract.Close)

	s.chain = chain.NewService(contract, s.bus, a.chainOptions(false), a.Logger)
	s.closers = append(s.closers, s.chain.Close)
	return s, nil
}

func (s *adminSession) close() {
	s.bus.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// ExportOptions hold parameters for exporting rate history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}
