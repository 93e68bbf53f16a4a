package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"policy-automation/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Automation AutomationConfig `mapstructure:"automation"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Bus        BusConfig        `mapstructure:"bus"`
	Halving    HalvingConfig    `mapstructure:"halving"`
	ML         MLConfig         `mapstructure:"ml"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// auditing and the halving advisory lock.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplicationName string        `mapstructure:"application_name"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the periodic jobs.
type SchedulerConfig struct {
	HalvingInterval time.Duration `mapstructure:"halving_interval"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EthereumConfig covers on-chain access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	TokenAddress    string        `mapstructure:"token_address"`
	TreasuryAddress string        `mapstructure:"treasury_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ChainID         int64         `mapstructure:"chain_id"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ReceiptPoll     time.Duration `mapstructure:"receipt_poll"`
	EventPoll       time.Duration `mapstructure:"event_poll"`
	SetRateGasLimit uint64        `mapstructure:"set_rate_gas_limit"`
	HalvingGasLimit uint64        `mapstructure:"halving_gas_limit"`
}

// AutomationConfig holds the admission policy.
type AutomationConfig struct {
	MinConfidence        float64       `mapstructure:"min_confidence"`
	MinAPYChangePercent  float64       `mapstructure:"min_apy_change_percent"`
	MaxAPYChangesPerHour uint          `mapstructure:"max_apy_changes_per_hour"`
	HalvingCooldown      time.Duration `mapstructure:"halving_cooldown"`
}

// ChainConfig tunes the blockchain service.
type ChainConfig struct {
	MinRate             uint64        `mapstructure:"min_rate"`
	MaxRate             uint64        `mapstructure:"max_rate"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	Backoff             time.Duration `mapstructure:"backoff"`
	BreakerThreshold    uint          `mapstructure:"breaker_threshold"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	MaxErrors           int           `mapstructure:"max_errors"`
	BreakerThreshold    uint          `mapstructure:"breaker_threshold"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
}

// HalvingConfig tunes the halving check.
type HalvingConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	MinTotalSupply      float64 `mapstructure:"min_total_supply"`
	PriceHistorySize    int     `mapstructure:"price_history_size"`
}

// MLConfig covers the scoring service.
type MLConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheSize       int           `mapstructure:"cache_size"`
	FallbackEnabled bool          `mapstructure:"fallback_enabled"`
}

// RedisConfig enables the shared prediction cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// NATSConfig enables the event bridge when URL is set.
type NATSConfig struct {
	URL     string   `mapstructure:"url"`
	Prefix  string   `mapstructure:"prefix"`
	Forward []string `mapstructure:"forward"`
	Ingest  bool     `mapstructure:"ingest"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Channels    []string       `mapstructure:"channels"`
	RateChanges bool           `mapstructure:"rate_changes"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLICYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "policyd")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.application_name", "policyd")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.halving_interval", "30m")
	v.SetDefault("scheduler.health_interval", "5m")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x504f4c59))
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.contract_address", "")
	v.SetDefault("ethereum.token_address", "")
	v.SetDefault("ethereum.treasury_address", "")
	v.SetDefault("ethereum.private_key", "")
	v.SetDefault("ethereum.chain_id", 0)
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.receipt_poll", "2s")
	v.SetDefault("ethereum.event_poll", "15s")
	v.SetDefault("ethereum.set_rate_gas_limit", 150000)
	v.SetDefault("ethereum.halving_gas_limit", 300000)

	v.SetDefault("automation.min_confidence", 0.75)
	v.SetDefault("automation.min_apy_change_percent", 2.0)
	v.SetDefault("automation.max_apy_changes_per_hour", 5)
	v.SetDefault("automation.halving_cooldown", "24h")

	v.SetDefault("chain.min_rate", 500)
	v.SetDefault("chain.max_rate", 5000)
	v.SetDefault("chain.max_attempts", 3)
	v.SetDefault("chain.backoff", "2s")
	v.SetDefault("chain.breaker_threshold", 5)
	v.SetDefault("chain.breaker_reset_timeout", "1m")

	v.SetDefault("bus.max_errors", 100)
	v.SetDefault("bus.breaker_threshold", 10)
	v.SetDefault("bus.breaker_reset_timeout", "1m")

	v.SetDefault("halving.enabled", true)
	v.SetDefault("halving.confidence_threshold", 0.8)
	v.SetDefault("halving.min_total_supply", 0.0)
	v.SetDefault("halving.price_history_size", 24)

	v.SetDefault("ml.base_url", "http://localhost:8000")
	v.SetDefault("ml.api_key", "")
	v.SetDefault("ml.timeout", "30s")
	v.SetDefault("ml.user_agent", "policyd/1.0")
	v.SetDefault("ml.cache_ttl", "5m")
	v.SetDefault("ml.cache_size", 100)
	v.SetDefault("ml.fallback_enabled", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "policyd:")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "policy")
	v.SetDefault("nats.forward", []string{
		"BLOCKCHAIN_APY_UPDATED",
		"BLOCKCHAIN_HALVING_EXECUTED",
		"SYSTEM_ANNOUNCEMENT",
		"USER_PROMO_TRIGGERED",
		"USER_ELIGIBLE_AIRDROP",
		"SYSTEM_EMERGENCY_PAUSE",
	})
	v.SetDefault("nats.ingest", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9102")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "10m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.rate_changes", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.HalvingInterval <= 0 {
		return fmt.Errorf("scheduler.halving_interval must be greater than zero")
	}
	if c.Scheduler.HealthInterval <= 0 {
		return fmt.Errorf("scheduler.health_interval must be greater than zero")
	}
	if c.Automation.MinConfidence < 0 || c.Automation.MinConfidence > 1 {
		return fmt.Errorf("automation.min_confidence must be within [0, 1]")
	}
	if c.Automation.MinAPYChangePercent < 0 {
		return fmt.Errorf("automation.min_apy_change_percent cannot be negative")
	}
	if c.Automation.MaxAPYChangesPerHour == 0 {
		return fmt.Errorf("automation.max_apy_changes_per_hour must be greater than zero")
	}
	if c.Chain.MinRate == 0 || c.Chain.MinRate > c.Chain.MaxRate {
		return fmt.Errorf("chain.min_rate must be positive and not exceed chain.max_rate")
	}
	if c.Chain.MaxAttempts <= 0 {
		return fmt.Errorf("chain.max_attempts must be greater than zero")
	}
	if c.Halving.ConfidenceThreshold < 0 || c.Halving.ConfidenceThreshold > 1 {
		return fmt.Errorf("halving.confidence_threshold must be within [0, 1]")
	}
	if c.Halving.MinTotalSupply < 0 {
		return fmt.Errorf("halving.min_total_supply cannot be negative")
	}
	if c.ML.Timeout <= 0 {
		return fmt.Errorf("ml.timeout must be greater than zero")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
