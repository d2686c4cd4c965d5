// Package config loads the server configuration from YAML, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xtrntr/tradecore/internal/bot"
	"github.com/xtrntr/tradecore/internal/logger"
	"github.com/xtrntr/tradecore/internal/market"
	"github.com/xtrntr/tradecore/internal/models"
	"github.com/xtrntr/tradecore/internal/strategy"
	"github.com/xtrntr/tradecore/internal/sweeper"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Market   MarketConfig   `yaml:"market"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Bots     []BotConfig    `yaml:"bots"`
	Log      logger.Config  `yaml:"log"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres or memory
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Quote is a fixed bid/ask for the static provider
type Quote struct {
	Bid decimal.Decimal `yaml:"bid"`
	Ask decimal.Decimal `yaml:"ask"`
}

type MarketConfig struct {
	Provider   string        `yaml:"provider"` // http or static
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 disables
	Burst      int           `yaml:"burst"`
	RetryCount int           `yaml:"retry_count"`

	// quote TTLs by asset class; missing classes use DefaultTTL
	CacheSize  int                                 `yaml:"cache_size"`
	TTL        map[models.MarketType]time.Duration `yaml:"ttl"`
	DefaultTTL time.Duration                       `yaml:"default_ttl"`

	Static map[string]Quote `yaml:"static"`

	Timezone         string `yaml:"timezone"`
	EquitySession    string `yaml:"equity_session"`
	CommoditySession string `yaml:"commodity_session"`
}

type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

type BotConfig struct {
	ID              string          `yaml:"id"`
	UserID          int             `yaml:"user_id"`
	Strategy        string          `yaml:"strategy"`
	Params          strategy.Params `yaml:"params"`
	Pairs           []string        `yaml:"pairs"`
	Timeframe       string          `yaml:"timeframe"`
	Interval        time.Duration   `yaml:"interval"`
	MaxPositionSize decimal.Decimal `yaml:"max_position_size"`
	StopLossPercent decimal.Decimal `yaml:"stop_loss_percent"`
}

// Default returns a configuration that runs fully in memory
func Default() *Config {
	return &Config{
		HTTP:     HTTPConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		Database: DatabaseConfig{Driver: "memory", MaxConns: 10},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Market: MarketConfig{
			Provider:         "static",
			BaseURL:          "https://api.binance.com",
			Timeout:          5 * time.Second,
			RateLimit:        10,
			Burst:            5,
			RetryCount:       2,
			CacheSize:        1024,
			TTL:              map[models.MarketType]time.Duration{models.MarketCrypto: 5 * time.Second},
			DefaultTTL:       60 * time.Second,
			Timezone:         "UTC",
			EquitySession:    "09:30-16:00",
			CommoditySession: "09:00-17:59",
		},
		Sweep: SweepConfig{Interval: 5 * time.Second, Concurrency: 4},
		Log:   logger.Config{Level: "info", MaxSize: 100, MaxBackups: 5, MaxAge: 30},
	}
}

// Load reads path (optional), then .env, then TRADECORE_* variables, and
// validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// a missing .env is fine
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("TRADECORE_HTTP_ADDR", &c.HTTP.Addr)
	set("TRADECORE_DATABASE_URL", &c.Database.URL)
	set("TRADECORE_JWT_SECRET", &c.Auth.JWTSecret)
	set("TRADECORE_LOG_LEVEL", &c.Log.Level)
	set("TRADECORE_MARKET_BASE_URL", &c.Market.BaseURL)

	// a database URL implies postgres unless the driver was set explicitly
	if os.Getenv("TRADECORE_DATABASE_URL") != "" && c.Database.Driver == "memory" {
		c.Database.Driver = "postgres"
	}
}

// Validate returns the first problem found
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}

	switch c.Market.Provider {
	case "static":
	case "http":
		if c.Market.BaseURL == "" {
			return errors.New("market.base_url is required for the http provider")
		}
	default:
		return fmt.Errorf("unknown market provider %q", c.Market.Provider)
	}
	if c.Market.Timeout <= 0 {
		return errors.New("market.timeout must be positive")
	}
	for symbol, q := range c.Market.Static {
		if !q.Bid.IsPositive() || q.Ask.LessThan(q.Bid) {
			return fmt.Errorf("market.static %s: bid must be positive and not above ask", symbol)
		}
	}
	if _, err := c.Calendar(); err != nil {
		return err
	}

	if c.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive")
	}

	seen := make(map[string]bool)
	for _, b := range c.Bots {
		if b.ID == "" {
			return errors.New("bots: every bot needs an id")
		}
		if seen[b.ID] {
			return fmt.Errorf("bots: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
		if _, err := strategy.New(b.Strategy, b.Params); err != nil {
			return fmt.Errorf("bot %s: %w", b.ID, err)
		}
		if len(b.Pairs) == 0 {
			return fmt.Errorf("bot %s: no pairs configured", b.ID)
		}
	}
	return nil
}

// Calendar builds the market calendar from the configured sessions
func (c *Config) Calendar() (*market.Calendar, error) {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market.timezone: %w", err)
	}
	equity, err := market.ParseSession(c.Market.EquitySession)
	if err != nil {
		return nil, fmt.Errorf("market.equity_session: %w", err)
	}
	commodity, err := market.ParseSession(c.Market.CommoditySession)
	if err != nil {
		return nil, fmt.Errorf("market.commodity_session: %w", err)
	}
	return &market.Calendar{Location: loc, Equity: equity, Commodity: commodity}, nil
}

func (c *Config) HTTPProvider() market.HTTPConfig {
	return market.HTTPConfig{
		BaseURL:    c.Market.BaseURL,
		Timeout:    c.Market.Timeout,
		RateLimit:  c.Market.RateLimit,
		Burst:      c.Market.Burst,
		RetryCount: c.Market.RetryCount,
	}
}

func (c *Config) Cache() market.CacheConfig {
	return market.CacheConfig{Size: c.Market.CacheSize, TTL: c.Market.TTL, DefaultTTL: c.Market.DefaultTTL}
}

func (c *Config) Sweeper() sweeper.Config {
	return sweeper.Config{Interval: c.Sweep.Interval, Concurrency: c.Sweep.Concurrency}
}

// BotConfigs converts the bots section for the bot runner
func (c *Config) BotConfigs() []bot.Config {
	out := make([]bot.Config, 0, len(c.Bots))
	for _, b := range c.Bots {
		out = append(out, bot.Config{
			ID:              b.ID,
			UserID:          b.UserID,
			Strategy:        b.Strategy,
			Params:          b.Params,
			Pairs:           b.Pairs,
			Timeframe:       b.Timeframe,
			Interval:        b.Interval,
			MaxPositionSize: b.MaxPositionSize,
			StopLossPercent: b.StopLossPercent,
		})
	}
	return out
}
