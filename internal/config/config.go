package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Builder    BuilderConfig    `mapstructure:"builder"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	MintMaker  MintMakerConfig  `mapstructure:"mintmaker"`
	Exit       ExitConfig       `mapstructure:"exit"`
	Hub        HubConfig        `mapstructure:"hub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// Per admin key request rate on the HTTP API.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// Refuse mutations except disabling auto-trading.
	ReadOnly            bool `mapstructure:"read_only"`
	IdempotencyTTLHours int  `mapstructure:"idempotency_ttl_hours"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PeakKey  string `mapstructure:"peak_key"`
	IdemKey  string `mapstructure:"idempotency_prefix"`
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	CTFAddress        string `mapstructure:"ctf_address"`
	CollateralAddress string `mapstructure:"collateral_address"`
	GasLimit          uint64 `mapstructure:"gas_limit"`
	ReceiptTimeoutSec int    `mapstructure:"receipt_timeout_seconds"`
}

type PolymarketConfig struct {
	CLOBURL string `mapstructure:"clob_url"`
	WSURL   string `mapstructure:"ws_url"`
}

type BuilderConfig struct {
	ApiKey        string `mapstructure:"api_key"`
	ApiSecret     string `mapstructure:"api_secret"`
	ApiPassphrase string `mapstructure:"api_passphrase"`
}

// RateLimitConfig holds the bucket caps. Values already include the safety
// margin below the exchange's published limits.
type RateLimitConfig struct {
	WindowSeconds float64 `mapstructure:"window_seconds"`
	General       float64 `mapstructure:"general"`
	PlaceOrder    float64 `mapstructure:"place_order"`
	CancelOrder   float64 `mapstructure:"cancel_order"`
}

type RetryConfig struct {
	MaxRetries     int     `mapstructure:"max_retries"`
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
}

type MintMakerConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	ScanIntervalSec          int  `mapstructure:"scan_interval_seconds"`
	PartialFillTimeoutMinute int  `mapstructure:"partial_fill_timeout_minutes"`
}

type ExitConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	TakeProfitPercent  float64 `mapstructure:"take_profit_percent"`
	StopLossPercent    float64 `mapstructure:"stop_loss_percent"`
	TrailingDropPct    float64 `mapstructure:"trailing_drop_percent"`
	TrailingActivation float64 `mapstructure:"trailing_activation_percent"`
	MaxHoldHours       float64 `mapstructure:"max_hold_hours"`
	SweepIntervalSec   int     `mapstructure:"sweep_interval_seconds"`
}

type HubConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (c RetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c ServerConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c MintMakerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

func (c MintMakerConfig) PartialFillTimeout() time.Duration {
	return time.Duration(c.PartialFillTimeoutMinute) * time.Minute
}

func (c ExitConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c ChainConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSec) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.requests_per_second", 20)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.read_only", false)
	v.SetDefault("server.idempotency_ttl_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("builder.api_key", "")
	v.SetDefault("builder.api_secret", "")
	v.SetDefault("builder.api_passphrase", "")
	v.SetDefault("redis.peak_key", "polyexec:peaks")
	v.SetDefault("redis.idempotency_prefix", "polyexec:idem:")

	v.SetDefault("chain.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("chain.chain_id", 137)
	v.SetDefault("chain.ctf_address", "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045")
	v.SetDefault("chain.collateral_address", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	v.SetDefault("chain.gas_limit", 300000)
	v.SetDefault("chain.receipt_timeout_seconds", 120)

	v.SetDefault("polymarket.clob_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.ws_url", "wss://ws-subscriptions-clob.polymarket.com")

	// 80% of the published caps over 10s windows.
	v.SetDefault("ratelimit.window_seconds", 10)
	v.SetDefault("ratelimit.general", 7200)
	v.SetDefault("ratelimit.place_order", 2800)
	v.SetDefault("ratelimit.cancel_order", 2400)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 10000)
	v.SetDefault("retry.backoff_factor", 2.0)

	v.SetDefault("mintmaker.enabled", true)
	v.SetDefault("mintmaker.scan_interval_seconds", 30)
	v.SetDefault("mintmaker.partial_fill_timeout_minutes", 5)

	v.SetDefault("exit.enabled", true)
	v.SetDefault("exit.take_profit_percent", 20)
	v.SetDefault("exit.stop_loss_percent", -15)
	v.SetDefault("exit.trailing_drop_percent", 10)
	v.SetDefault("exit.trailing_activation_percent", 5)
	v.SetDefault("exit.max_hold_hours", 72)
	v.SetDefault("exit.sweep_interval_seconds", 15)

	v.SetDefault("hub.capacity", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. POLYEXEC_AUTH_ADMIN_KEY
	v.SetEnvPrefix("polyexec")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
