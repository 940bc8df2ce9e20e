// Package config defines all configuration for the arena service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARENA_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Compiler CompilerConfig `mapstructure:"compiler"`
	Match    MatchConfig    `mapstructure:"match"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Server   ServerConfig   `mapstructure:"server"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedConfig points at the upstream price feed and sets the global gates.
// The caps are buffered below the provider's real limits (500/min and
// 500k/month) so a burst never trips the hard limit upstream.
type FeedConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Network           string        `mapstructure:"network"` // upstream network path segment
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RateCapPerMin     int64         `mapstructure:"rate_cap_per_min"`
	CreditCapPerMonth int64         `mapstructure:"credit_cap_per_month"`
	QuoteUSD          float64       `mapstructure:"quote_usd"` // USD value pegged to 1 QUOTE
}

// CompilerConfig controls prompt compilation. When LLMAPIKey is set the
// compiler sends prompts to the completion endpoint instead of the pattern
// parser; LLM calls are locally rate limited.
type CompilerConfig struct {
	LLMBaseURL string        `mapstructure:"llm_base_url"`
	LLMModel   string        `mapstructure:"llm_model"`
	LLMAPIKey  string        `mapstructure:"llm_api_key"`
	LLMTimeout time.Duration `mapstructure:"llm_timeout"`
}

// MatchConfig tunes the coordinator's pacing. TickBase/TickJitter produce the
// 1–3 minute tick cadence; Duration is the match length (24h in production,
// shortened in tests and local runs).
type MatchConfig struct {
	Duration       time.Duration `mapstructure:"duration"`
	FirstTickDelay time.Duration `mapstructure:"first_tick_delay"`
	TickBase       time.Duration `mapstructure:"tick_base"`
	TickJitter     time.Duration `mapstructure:"tick_jitter"`
}

// StoreConfig selects the relational backend. A postgres:// DSN opens
// Postgres; anything else is treated as a sqlite file path.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BlobConfig selects the keyed blob store. With an empty Addr the service
// falls back to the in-process store (single-node and test runs).
type BlobConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AdminConfig holds the address allowlist for the admin surface. Bearer
// tokens must be EVM addresses present in this list.
type AdminConfig struct {
	Allowlist []string `mapstructure:"allowlist"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARENA_FEED_API_KEY, ARENA_LLM_API_KEY,
// ARENA_STORE_DSN, ARENA_BLOB_ADDR, ARENA_BLOB_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARENA")
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
	if key := os.Getenv("ARENA_FEED_API_KEY"); key != "" {
		cfg.Feed.APIKey = key
	}
	if key := os.Getenv("ARENA_LLM_API_KEY"); key != "" {
		cfg.Compiler.LLMAPIKey = key
	}
	if dsn := os.Getenv("ARENA_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if addr := os.Getenv("ARENA_BLOB_ADDR"); addr != "" {
		cfg.Blob.Addr = addr
	}
	if pass := os.Getenv("ARENA_BLOB_PASSWORD"); pass != "" {
		cfg.Blob.Password = pass
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.timeout", 15*time.Second)
	v.SetDefault("feed.cache_ttl", 90*time.Second)
	v.SetDefault("feed.rate_cap_per_min", 450)
	v.SetDefault("feed.credit_cap_per_month", 480_000)
	v.SetDefault("feed.quote_usd", 300.0)
	v.SetDefault("compiler.llm_timeout", 20*time.Second)
	v.SetDefault("match.duration", 24*time.Hour)
	v.SetDefault("match.first_tick_delay", 60*time.Second)
	v.SetDefault("match.tick_base", 60*time.Second)
	v.SetDefault("match.tick_jitter", 120*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if c.Feed.Network == "" {
		return fmt.Errorf("feed.network is required")
	}
	if c.Feed.RateCapPerMin <= 0 {
		return fmt.Errorf("feed.rate_cap_per_min must be > 0")
	}
	if c.Feed.CreditCapPerMonth <= 0 {
		return fmt.Errorf("feed.credit_cap_per_month must be > 0")
	}
	if c.Feed.QuoteUSD <= 0 {
		return fmt.Errorf("feed.quote_usd must be > 0")
	}
	if c.Match.Duration <= 0 {
		return fmt.Errorf("match.duration must be > 0")
	}
	if c.Match.TickBase <= 0 {
		return fmt.Errorf("match.tick_base must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	for _, addr := range c.Admin.Allowlist {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("admin.allowlist entry %q is not a valid address", addr)
		}
	}
	return nil
}

// IsAdmin reports whether token is an allowlisted admin address. Comparison
// is checksummed-address equality, so casing of either side is irrelevant.
func (c *Config) IsAdmin(token string) bool {
	if !common.IsHexAddress(token) {
		return false
	}
	addr := common.HexToAddress(token)
	for _, a := range c.Admin.Allowlist {
		if common.HexToAddress(a) == addr {
			return true
		}
	}
	return false
}
