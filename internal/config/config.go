// Package config defines all configuration for the trading backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Research ResearchConfig `mapstructure:"research"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WebSocket control plane.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// AuthConfig holds JWT verification settings. Secret signs and verifies
// HS256 tokens; AdminUsers may open the admin WebSocket channel.
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	AdminUsers []string      `mapstructure:"admin_users"`
}

// ExchangeConfig holds spot exchange endpoints and HTTP behaviour.
// Paper switches every engine to the in-process simulated venue; no
// request leaves the host in that mode.
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TestnetBaseURL string        `mapstructure:"testnet_base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	TestnetWSURL   string        `mapstructure:"testnet_ws_url"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	Paper          bool          `mapstructure:"paper"`
}

// EngineConfig sets the defaults applied when a tenant has no saved
// HFT settings. Individual tenants override these via the config API.
//
//   - IntervalMs: tick cadence of the HFT cycle.
//   - MinAccuracy: research accuracy below which no quotes are placed.
//   - QuoteSize/MaxPos are in base asset units, AdversePct is a fraction.
//   - Strategy selects the variant new engines trade with.
type EngineConfig struct {
	IntervalMs      int64   `mapstructure:"interval_ms"`
	MinAccuracy     float64 `mapstructure:"min_accuracy"`
	QuoteSize       float64 `mapstructure:"quote_size"`
	AdversePct      float64 `mapstructure:"adverse_pct"`
	CancelMs        int64   `mapstructure:"cancel_ms"`
	MaxPos          float64 `mapstructure:"max_pos"`
	MinSpreadPct    float64 `mapstructure:"min_spread_pct"`
	MaxTradesPerDay int     `mapstructure:"max_trades_per_day"`
	Strategy        string  `mapstructure:"strategy"`
}

// ResearchConfig tunes the signal engine and its external feature providers.
type ResearchConfig struct {
	OrderbookDepth  int           `mapstructure:"orderbook_depth"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	SentimentURL    string        `mapstructure:"sentiment_url"`
	EthRPCURL       string        `mapstructure:"eth_rpc_url"`
}

// RiskConfig sets the per-tenant risk limits.
//
//   - StartingBalance seeds the balance tracker until fills update it.
//   - DailyLossCap is in quote currency; MaxDrawdown is a fraction of peak.
//   - ConsecutiveFailures trips a pause of PauseWindow.
type RiskConfig struct {
	StartingBalance     float64       `mapstructure:"starting_balance"`
	DailyLossCap        float64       `mapstructure:"daily_loss_cap"`
	MaxDrawdown         float64       `mapstructure:"max_drawdown"`
	ConsecutiveFailures int           `mapstructure:"consecutive_failures"`
	PauseWindow         time.Duration `mapstructure:"pause_window"`
}

// StoreConfig sets where journals and settings are persisted (SQLite).
type StoreConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// VaultConfig holds the master key for credential encryption, hex-encoded
// 32 bytes. Set via QD_VAULT_KEY in production.
type VaultConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QD_JWT_SECRET, QD_VAULT_KEY, QD_ETH_RPC_URL.
func Load(path string) (*Config, error) {
	// Pick up a .env file if one exists; real env vars win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if secret := os.Getenv("QD_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if key := os.Getenv("QD_VAULT_KEY"); key != "" {
		cfg.Vault.MasterKey = key
	}
	if rpc := os.Getenv("QD_ETH_RPC_URL"); rpc != "" {
		cfg.Research.EthRPCURL = rpc
	}
	if os.Getenv("QD_PAPER") == "true" || os.Getenv("QD_PAPER") == "1" {
		cfg.Exchange.Paper = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("exchange.http_timeout", 10*time.Second)
	v.SetDefault("engine.interval_ms", 100)
	v.SetDefault("engine.min_accuracy", 0.85)
	v.SetDefault("engine.quote_size", 0.001)
	v.SetDefault("engine.adverse_pct", 0.002)
	v.SetDefault("engine.cancel_ms", 5000)
	v.SetDefault("engine.max_pos", 0.01)
	v.SetDefault("engine.min_spread_pct", 0)
	v.SetDefault("engine.max_trades_per_day", 100)
	v.SetDefault("engine.strategy", "market-making-hft")
	v.SetDefault("research.orderbook_depth", 20)
	v.SetDefault("research.provider_timeout", 3*time.Second)
	v.SetDefault("research.cache_ttl", 30*time.Second)
	v.SetDefault("risk.starting_balance", 10000)
	v.SetDefault("risk.daily_loss_cap", 500)
	v.SetDefault("risk.max_drawdown", 0.20)
	v.SetDefault("risk.consecutive_failures", 3)
	v.SetDefault("risk.pause_window", 15*time.Minute)
	v.SetDefault("store.path", "data/quantdesk.db")
	v.SetDefault("store.retention_days", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set QD_JWT_SECRET)")
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("vault.master_key is required (set QD_VAULT_KEY)")
	}
	if !c.Exchange.Paper && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required unless exchange.paper is true")
	}
	if c.Engine.IntervalMs <= 0 {
		return fmt.Errorf("engine.interval_ms must be > 0")
	}
	if c.Engine.MinAccuracy <= 0 || c.Engine.MinAccuracy >= 1 {
		return fmt.Errorf("engine.min_accuracy must be in (0, 1)")
	}
	if c.Engine.QuoteSize <= 0 {
		return fmt.Errorf("engine.quote_size must be > 0")
	}
	if c.Engine.AdversePct <= 0 || c.Engine.AdversePct >= 1 {
		return fmt.Errorf("engine.adverse_pct must be in (0, 1)")
	}
	if c.Engine.CancelMs <= 0 {
		return fmt.Errorf("engine.cancel_ms must be > 0")
	}
	if c.Engine.MaxPos <= 0 {
		return fmt.Errorf("engine.max_pos must be > 0")
	}
	if c.Engine.MinSpreadPct < 0 {
		return fmt.Errorf("engine.min_spread_pct must be >= 0")
	}
	if c.Engine.MaxTradesPerDay < 1 {
		return fmt.Errorf("engine.max_trades_per_day must be >= 1")
	}
	if c.Risk.StartingBalance <= 0 {
		return fmt.Errorf("risk.starting_balance must be > 0")
	}
	if c.Risk.DailyLossCap <= 0 {
		return fmt.Errorf("risk.daily_loss_cap must be > 0")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1)")
	}
	if c.Risk.ConsecutiveFailures < 1 {
		return fmt.Errorf("risk.consecutive_failures must be >= 1")
	}
	if c.Risk.PauseWindow <= 0 {
		return fmt.Errorf("risk.pause_window must be > 0")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
