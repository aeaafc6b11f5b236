package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/retry"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration. A loaded Config is a snapshot: nothing
// mutates it after Load returns. Use Reload to obtain a newer one.
type Config struct {
	General    GeneralConfig    `yaml:"general" toml:"general"`
	Feed       FeedConfig       `yaml:"feed" toml:"feed"`
	Solana     SolanaConfig     `yaml:"solana" toml:"solana"`
	Safety     SafetyConfig     `yaml:"safety" toml:"safety"`
	Filter     FilterConfig     `yaml:"filter" toml:"filter"`
	Engine     EngineConfig     `yaml:"engine" toml:"engine"`
	Trading    TradingConfig    `yaml:"trading" toml:"trading"`
	Monitor    MonitorConfig    `yaml:"monitor" toml:"monitor"`
	Risk       RiskConfig       `yaml:"risk" toml:"risk"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" toml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse" toml:"clickhouse"`
	Telegram   TelegramConfig   `yaml:"telegram" toml:"telegram"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`

	path string
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id" toml:"instance_id"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`
	LogFormat  string `yaml:"log_format" toml:"log_format"` // json|text
}

type FeedConfig struct {
	Endpoint         string        `yaml:"endpoint" toml:"endpoint"`
	SubscribeMigrate bool          `yaml:"subscribe_migrations" toml:"subscribe_migrations"`
	PingInterval     time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	BufferSize       int           `yaml:"buffer_size" toml:"buffer_size"`
	Backoff          retry.Policy  `yaml:"backoff" toml:"backoff"`
	RestartDelay     time.Duration `yaml:"restart_delay" toml:"restart_delay"` // wait before resubscribing after exhaustion
}

type SolanaConfig struct {
	RPCEndpoint  string        `yaml:"rpc_endpoint" toml:"rpc_endpoint"`
	RateLimitRPS float64       `yaml:"rate_limit_rps" toml:"rate_limit_rps"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`
	WalletPubkey string        `yaml:"wallet_pubkey" toml:"wallet_pubkey"`
	DASEnabled   bool          `yaml:"das_enabled" toml:"das_enabled"` // Helius getTokenAccounts for holder counts
}

type ProviderConfig struct {
	Name     string        `yaml:"name" toml:"name"` // rugcheck|goplus|sellroute
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Weight   float64       `yaml:"weight" toml:"weight"`
	Endpoint string        `yaml:"endpoint" toml:"endpoint"`
	APIKey   string        `yaml:"api_key" toml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

type SafetyConfig struct {
	Providers  []ProviderConfig `yaml:"providers" toml:"providers"`
	VerdictTTL time.Duration    `yaml:"verdict_ttl" toml:"verdict_ttl"`
	Retry      retry.Policy     `yaml:"retry" toml:"retry"`
	Blacklist  []string         `yaml:"blacklist" toml:"blacklist"` // seed entries, merged with the store
}

type FilterConfig struct {
	MinSafetyScore        float64 `yaml:"min_safety_score" toml:"min_safety_score"`
	MinLiquiditySOL       float64 `yaml:"min_liquidity_sol" toml:"min_liquidity_sol"`
	MinHolders            int     `yaml:"min_holders" toml:"min_holders"`
	MaxTopHolderPct       float64 `yaml:"max_top_holder_pct" toml:"max_top_holder_pct"`
	MaxCreatorTokens      int     `yaml:"max_creator_tokens" toml:"max_creator_tokens"`
	MaxBuyTaxPct          float64 `yaml:"max_buy_tax_pct" toml:"max_buy_tax_pct"`
	MaxSellTaxPct         float64 `yaml:"max_sell_tax_pct" toml:"max_sell_tax_pct"`
	RejectUnknownHoneypot bool    `yaml:"reject_unknown_honeypot" toml:"reject_unknown_honeypot"`
}

type EngineConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" toml:"max_concurrent"`
	DedupWindow    time.Duration `yaml:"dedup_window" toml:"dedup_window"`
	DedupSize      int           `yaml:"dedup_size" toml:"dedup_size"`
	DedupBackend   string        `yaml:"dedup_backend" toml:"dedup_backend"` // memory|redis
	ReopenCooldown time.Duration `yaml:"reopen_cooldown" toml:"reopen_cooldown"`
	CreatorWindow  time.Duration `yaml:"creator_window" toml:"creator_window"`
	EnrichTimeout  time.Duration `yaml:"enrich_timeout" toml:"enrich_timeout"`
}

type TradingConfig struct {
	Enabled                 bool              `yaml:"enabled" toml:"enabled"`
	Mode                    domain.Mode       `yaml:"mode" toml:"mode"`
	AmountSOL               float64           `yaml:"amount_sol" toml:"amount_sol"`
	MaxPositionSOL          float64           `yaml:"max_position_sol" toml:"max_position_sol"`
	MaxSlippageBps          int               `yaml:"max_slippage_bps" toml:"max_slippage_bps"`
	PartialFillTolerancePct float64           `yaml:"partial_fill_tolerance_pct" toml:"partial_fill_tolerance_pct"`
	ExecutionTimeout        time.Duration     `yaml:"execution_timeout" toml:"execution_timeout"`
	Exit                    domain.ExitConfig `yaml:"exit" toml:"exit"`
	SignerURL               string            `yaml:"signer_url" toml:"signer_url"`
	PriorityFeeLamports     uint64            `yaml:"priority_fee_lamports" toml:"priority_fee_lamports"`
	Retry                   retry.Policy      `yaml:"retry" toml:"retry"`
}

type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval" toml:"interval"`
	PriceTimeout  time.Duration `yaml:"price_timeout" toml:"price_timeout"`
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
}

type RiskConfig struct {
	MaxOpenPositions int     `yaml:"max_open_positions" toml:"max_open_positions"`
	MaxDailySpendSOL float64 `yaml:"max_daily_spend_sol" toml:"max_daily_spend_sol"`
	MaxDailyLossSOL  float64 `yaml:"max_daily_loss_sol" toml:"max_daily_loss_sol"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // memory|postgres|sqlite
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Brokers        []string `yaml:"brokers" toml:"brokers"`
	Topic          string   `yaml:"topic" toml:"topic"`
	BlacklistTopic string   `yaml:"blacklist_topic" toml:"blacklist_topic"` // consumed; empty disables
	GroupID        string   `yaml:"group_id" toml:"group_id"`
}

type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	DSN           string        `yaml:"dsn" toml:"dsn"`
	Database      string        `yaml:"database" toml:"database"`
	BatchSize     int           `yaml:"batch_size" toml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

type TelegramConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	Token            string        `yaml:"token" toml:"token"`
	ChatID           int64         `yaml:"chat_id" toml:"chat_id"`
	NotifyRejections bool          `yaml:"notify_rejections" toml:"notify_rejections"`
	SendTimeout      time.Duration `yaml:"send_timeout" toml:"send_timeout"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Load reads a YAML (or .toml) configuration file. A .env file next to it,
// if present, is loaded into the environment first so ${VAR} references
// resolve.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reads the file this snapshot came from and returns a new snapshot.
// The receiver is left untouched.
func (c *Config) Reload() (*Config, error) {
	if c.path == "" {
		return nil, errors.New("config: snapshot was not loaded from a file")
	}
	return Load(c.path)
}

// Path returns the file the snapshot was loaded from.
func (c *Config) Path() string { return c.path }

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case domain.ModePaper, domain.ModeLive:
	default:
		return fmt.Errorf("config: trading.mode %q must be PAPER or LIVE", c.Trading.Mode)
	}
	if c.Trading.AmountSOL <= 0 {
		return fmt.Errorf("config: trading.amount_sol must be positive")
	}
	if c.Trading.MaxPositionSOL < 0 {
		return fmt.Errorf("config: trading.max_position_sol must not be negative")
	}
	if c.Trading.MaxSlippageBps <= 0 || c.Trading.MaxSlippageBps > 10_000 {
		return fmt.Errorf("config: trading.max_slippage_bps %d out of range", c.Trading.MaxSlippageBps)
	}
	if c.Trading.Enabled && c.Trading.Mode == domain.ModeLive && c.Trading.SignerURL == "" {
		return fmt.Errorf("config: live trading requires trading.signer_url")
	}
	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("config: engine.max_concurrent must be positive")
	}
	switch c.Engine.DedupBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: redis dedup backend requires redis.addr")
		}
	default:
		return fmt.Errorf("config: unknown engine.dedup_backend %q", c.Engine.DedupBackend)
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.driver %s requires store.dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	enabled := 0
	for _, p := range c.Safety.Providers {
		if p.Weight < 0 {
			return fmt.Errorf("config: provider %s has negative weight", p.Name)
		}
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: at least one safety provider must be enabled")
	}
	if c.Filter.MaxTopHolderPct < 0 || c.Filter.MaxTopHolderPct > 100 {
		return fmt.Errorf("config: filter.max_top_holder_pct out of range")
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("config: telegram requires token and chat_id")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka requires brokers")
	}
	if c.Kafka.BlacklistTopic != "" && c.Kafka.BlacklistTopic == c.Kafka.Topic {
		return fmt.Errorf("config: kafka.blacklist_topic must differ from kafka.topic")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "launchguard-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Feed.Endpoint == "" {
		cfg.Feed.Endpoint = "wss://pumpportal.fun/api/data"
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Feed.ReadTimeout == 0 {
		cfg.Feed.ReadTimeout = 60 * time.Second
	}
	if cfg.Feed.BufferSize == 0 {
		cfg.Feed.BufferSize = 256
	}
	defaultPolicy(&cfg.Feed.Backoff, time.Second, 60*time.Second, 10)
	if cfg.Feed.RestartDelay == 0 {
		cfg.Feed.RestartDelay = 2 * time.Minute
	}

	if cfg.Solana.RPCEndpoint == "" {
		cfg.Solana.RPCEndpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Solana.RateLimitRPS == 0 {
		cfg.Solana.RateLimitRPS = 10
	}
	if cfg.Solana.Timeout == 0 {
		cfg.Solana.Timeout = 10 * time.Second
	}

	if len(cfg.Safety.Providers) == 0 {
		cfg.Safety.Providers = []ProviderConfig{
			{Name: "rugcheck", Enabled: true, Weight: 0.5},
			{Name: "goplus", Enabled: true, Weight: 0.3},
			{Name: "sellroute", Enabled: true, Weight: 0.2},
		}
	}
	for i := range cfg.Safety.Providers {
		if cfg.Safety.Providers[i].Timeout == 0 {
			cfg.Safety.Providers[i].Timeout = 5 * time.Second
		}
	}
	if cfg.Safety.VerdictTTL == 0 {
		cfg.Safety.VerdictTTL = 60 * time.Second
	}
	defaultPolicy(&cfg.Safety.Retry, 250*time.Millisecond, 2*time.Second, 3)

	if cfg.Filter.MinSafetyScore == 0 {
		cfg.Filter.MinSafetyScore = 60
	}
	if cfg.Filter.MinLiquiditySOL == 0 {
		cfg.Filter.MinLiquiditySOL = 5
	}
	if cfg.Filter.MinHolders == 0 {
		cfg.Filter.MinHolders = 10
	}
	if cfg.Filter.MaxTopHolderPct == 0 {
		cfg.Filter.MaxTopHolderPct = 30
	}
	if cfg.Filter.MaxCreatorTokens == 0 {
		cfg.Filter.MaxCreatorTokens = 3
	}
	if cfg.Filter.MaxBuyTaxPct == 0 {
		cfg.Filter.MaxBuyTaxPct = 5
	}
	if cfg.Filter.MaxSellTaxPct == 0 {
		cfg.Filter.MaxSellTaxPct = 5
	}

	if cfg.Engine.MaxConcurrent == 0 {
		cfg.Engine.MaxConcurrent = 8
	}
	if cfg.Engine.DedupWindow == 0 {
		cfg.Engine.DedupWindow = 10 * time.Minute
	}
	if cfg.Engine.DedupSize == 0 {
		cfg.Engine.DedupSize = 4096
	}
	if cfg.Engine.DedupBackend == "" {
		cfg.Engine.DedupBackend = "memory"
	}
	if cfg.Engine.ReopenCooldown == 0 {
		cfg.Engine.ReopenCooldown = 30 * time.Minute
	}
	if cfg.Engine.CreatorWindow == 0 {
		cfg.Engine.CreatorWindow = 24 * time.Hour
	}
	if cfg.Engine.EnrichTimeout == 0 {
		cfg.Engine.EnrichTimeout = 5 * time.Second
	}

	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = domain.ModePaper
	}
	if cfg.Trading.AmountSOL == 0 {
		cfg.Trading.AmountSOL = 0.1
	}
	if cfg.Trading.MaxPositionSOL == 0 {
		cfg.Trading.MaxPositionSOL = 0.5
	}
	if cfg.Trading.MaxSlippageBps == 0 {
		cfg.Trading.MaxSlippageBps = 300
	}
	if cfg.Trading.PartialFillTolerancePct == 0 {
		cfg.Trading.PartialFillTolerancePct = 1
	}
	if cfg.Trading.ExecutionTimeout == 0 {
		cfg.Trading.ExecutionTimeout = 30 * time.Second
	}
	if cfg.Trading.Exit == (domain.ExitConfig{}) {
		cfg.Trading.Exit = domain.ExitConfig{StopLossPct: 15, TakeProfitPct: 50, TrailingStopPct: 10}
	}
	if cfg.Trading.PriorityFeeLamports == 0 {
		cfg.Trading.PriorityFeeLamports = 100_000
	}
	defaultPolicy(&cfg.Trading.Retry, 500*time.Millisecond, 4*time.Second, 3)

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = 3 * time.Second
	}
	if cfg.Monitor.PriceTimeout == 0 {
		cfg.Monitor.PriceTimeout = 5 * time.Second
	}
	if cfg.Monitor.MaxConcurrent == 0 {
		cfg.Monitor.MaxConcurrent = 4
	}

	if cfg.Risk.MaxOpenPositions == 0 {
		cfg.Risk.MaxOpenPositions = 5
	}
	if cfg.Risk.MaxDailySpendSOL == 0 {
		cfg.Risk.MaxDailySpendSOL = 2
	}
	if cfg.Risk.MaxDailyLossSOL == 0 {
		cfg.Risk.MaxDailyLossSOL = 1
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "launchguard:dedup:"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "launchguard.events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.General.InstanceID
	}
	if cfg.Telegram.SendTimeout == 0 {
		cfg.Telegram.SendTimeout = 10 * time.Second
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "launchguard"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 5 * time.Second
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":9092"
	}
}

func defaultPolicy(p *retry.Policy, base, max time.Duration, attempts int) {
	if p.Base == 0 {
		p.Base = base
	}
	if p.Max == 0 {
		p.Max = max
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = attempts
	}
	if p.Factor == 0 {
		p.Factor = 2
	}
}
