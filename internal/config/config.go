// Package config defines the top-level configuration for the lending market
// simulator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LENDSIM_* environment variables.
type Config struct {
	Market     MarketConfig     `toml:"market"`
	Users      UsersConfig      `toml:"users"`
	Simulation SimulationConfig `toml:"simulation"`
	PriceFeed  PriceFeedConfig  `toml:"price_feed"`
	Sampler    SamplerConfig    `toml:"sampler"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// MarketConfig describes the single asset pair and its risk parameters.
// Prices are in USD.
type MarketConfig struct {
	SupplyToken          string  `toml:"supply_token"`
	DebtToken            string  `toml:"debt_token"`
	SupplyPrice          float64 `toml:"supply_price"`
	DebtPrice            float64 `toml:"debt_price"`
	LiquidationBonus     float64 `toml:"liquidation_bonus"`
	LiquidationThreshold float64 `toml:"liquidation_threshold"`
	ClosingFactor        float64 `toml:"closing_factor"`
	// BadDebtClearable lets a bad-debt account leave that state by repaying
	// its debt in full. Off means bad debt is terminal.
	BadDebtClearable bool `toml:"bad_debt_clearable"`
}

// UsersConfig describes the initial population.
type UsersConfig struct {
	Count              int     `toml:"count"`
	LTVMu              float64 `toml:"ltv_mu"`
	LTVSigma           float64 `toml:"ltv_sigma"`
	TotalCollateralUSD float64 `toml:"total_collateral_usd"`
	// InitialPolicy is "resample" or "clamp".
	InitialPolicy string  `toml:"initial_policy"`
	ClampMargin   float64 `toml:"clamp_margin"`
}

// SimulationConfig controls the stepping loop.
type SimulationConfig struct {
	Name                 string   `toml:"name"`
	MaxBlocks            uint64   `toml:"max_blocks"`
	ActivityRate         float64  `toml:"activity_rate"`
	Seed                 uint64   `toml:"seed"`
	Workers              int      `toml:"workers"`
	CheckInvariants      bool     `toml:"check_invariants"`
	MaxLiquidationRounds int      `toml:"max_liquidation_rounds"`
	LiquidatorID         string   `toml:"liquidator_id"`
	BlockInterval        duration `toml:"block_interval"`
	SnapshotBatchSize    int      `toml:"snapshot_batch_size"`
	HistoryLimit         int      `toml:"history_limit"`
	LockTTL              duration `toml:"lock_ttl"`
	ArchiveOnComplete    bool     `toml:"archive_on_complete"`
}

// PriceFeedConfig selects and parameterises the price source.
type PriceFeedConfig struct {
	// Kind is "random_walk" or "series".
	Kind          string    `toml:"kind"`
	SupplyStepPct float64   `toml:"supply_step_pct"`
	DebtStepPct   float64   `toml:"debt_step_pct"`
	SeriesSupply  []float64 `toml:"series_supply"`
	SeriesDebt    []float64 `toml:"series_debt"`
}

// SamplerConfig controls discretionary user activity.
type SamplerConfig struct {
	MaxFraction float64 `toml:"max_fraction"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	KeyPrefix    string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client; zero disables it.
	// Enforced through Redis, so it needs redis.enabled.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig controls log output. An empty File logs to stdout only.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			SupplyToken:          "WBTC",
			DebtToken:            "USDC",
			SupplyPrice:          100_000,
			DebtPrice:            1,
			LiquidationBonus:     0.045,
			LiquidationThreshold: 0.78,
			ClosingFactor:        0.5,
		},
		Users: UsersConfig{
			Count:              10_000,
			LTVMu:              0.15,
			LTVSigma:           0.8,
			TotalCollateralUSD: 1_000_000_000,
			InitialPolicy:      "resample",
			ClampMargin:        0.001,
		},
		Simulation: SimulationConfig{
			Name:                 "default",
			MaxBlocks:            1000,
			ActivityRate:         0.1,
			Seed:                 42,
			MaxLiquidationRounds: 32,
			LiquidatorID:         "liquidator-0",
			SnapshotBatchSize:    50,
			HistoryLimit:         5000,
			LockTTL:              duration{30 * time.Minute},
			ArchiveOnComplete:    true,
		},
		PriceFeed: PriceFeedConfig{
			Kind:          "random_walk",
			SupplyStepPct: 1,
			DebtStepPct:   0.01,
		},
		Sampler: SamplerConfig{
			MaxFraction: 0.5,
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "lendingsim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
			KeyPrefix:    "lendsim:",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "lendingsim-data",
			ForcePathStyle: true,
			Prefix:         "lendingsim/",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"bad_debt", "run_complete", "run_failed"},
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":   true,
	"serve": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"resample": true,
	"clamp":    true,
}

var validFeeds = map[string]bool{
	"random_walk": true,
	"series":      true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, serve)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if c.Market.SupplyToken == "" || c.Market.DebtToken == "" {
		errs = append(errs, "market: supply_token and debt_token must not be empty")
	}
	if c.Market.SupplyPrice <= 0 || c.Market.DebtPrice <= 0 {
		errs = append(errs, "market: supply_price and debt_price must be > 0")
	}
	if c.Market.LiquidationThreshold <= 0 || c.Market.LiquidationThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("market: liquidation_threshold must be in (0, 1), got %v", c.Market.LiquidationThreshold))
	}
	if c.Market.ClosingFactor <= 0 || c.Market.ClosingFactor > 1 {
		errs = append(errs, fmt.Sprintf("market: closing_factor must be in (0, 1], got %v", c.Market.ClosingFactor))
	}
	if c.Market.LiquidationBonus <= 0 || c.Market.LiquidationBonus > 1 {
		errs = append(errs, fmt.Sprintf("market: liquidation_bonus must be in (0, 1], got %v", c.Market.LiquidationBonus))
	}

	// Users
	if c.Users.Count < 0 {
		errs = append(errs, "users: count must be >= 0")
	}
	if c.Users.LTVMu <= 0 {
		errs = append(errs, "users: ltv_mu must be > 0")
	}
	if c.Users.LTVSigma < 0 {
		errs = append(errs, "users: ltv_sigma must be >= 0")
	}
	if c.Users.TotalCollateralUSD <= 0 {
		errs = append(errs, "users: total_collateral_usd must be > 0")
	}
	if !validPolicies[strings.ToLower(c.Users.InitialPolicy)] {
		errs = append(errs, fmt.Sprintf("users: unknown initial_policy %q (valid: resample, clamp)", c.Users.InitialPolicy))
	}
	if c.Users.ClampMargin < 0 || c.Users.ClampMargin >= 1 {
		errs = append(errs, "users: clamp_margin must be in [0, 1)")
	}

	// Simulation
	if c.Simulation.Name == "" {
		errs = append(errs, "simulation: name must not be empty")
	}
	if c.Simulation.ActivityRate < 0 || c.Simulation.ActivityRate > 1 {
		errs = append(errs, fmt.Sprintf("simulation: activity_rate must be in [0, 1], got %v", c.Simulation.ActivityRate))
	}
	if c.Simulation.Workers < 0 {
		errs = append(errs, "simulation: workers must be >= 0")
	}
	if c.Simulation.MaxLiquidationRounds < 1 {
		errs = append(errs, "simulation: max_liquidation_rounds must be >= 1")
	}
	if c.Simulation.SnapshotBatchSize < 1 {
		errs = append(errs, "simulation: snapshot_batch_size must be >= 1")
	}
	if c.Simulation.BlockInterval.Duration < 0 {
		errs = append(errs, "simulation: block_interval must not be negative")
	}
	if c.Simulation.MaxBlocks == 0 && strings.ToLower(c.Mode) == "run" {
		errs = append(errs, "simulation: max_blocks must be > 0 in run mode")
	}

	// PriceFeed
	switch {
	case !validFeeds[c.PriceFeed.Kind]:
		errs = append(errs, fmt.Sprintf("price_feed: unknown kind %q (valid: random_walk, series)", c.PriceFeed.Kind))
	case c.PriceFeed.Kind == "random_walk":
		if c.PriceFeed.SupplyStepPct < 0 || c.PriceFeed.SupplyStepPct >= 100 ||
			c.PriceFeed.DebtStepPct < 0 || c.PriceFeed.DebtStepPct >= 100 {
			errs = append(errs, "price_feed: step percentages must be in [0, 100)")
		}
	case c.PriceFeed.Kind == "series":
		if len(c.PriceFeed.SeriesSupply) == 0 || len(c.PriceFeed.SeriesSupply) != len(c.PriceFeed.SeriesDebt) {
			errs = append(errs, "price_feed: series_supply and series_debt must be non-empty and of equal length")
		}
		if c.Simulation.MaxBlocks > uint64(len(c.PriceFeed.SeriesSupply)) {
			errs = append(errs, fmt.Sprintf("price_feed: series has %d points but max_blocks is %d",
				len(c.PriceFeed.SeriesSupply), c.Simulation.MaxBlocks))
		}
	}

	// Sampler
	if c.Sampler.MaxFraction <= 0 || c.Sampler.MaxFraction > 1 {
		errs = append(errs, "sampler: max_fraction must be in (0, 1]")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Simulation.ArchiveOnComplete && !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving a run reads its history from postgres; enable postgres or set simulation.archive_on_complete = false")
		}
	}

	// Server
	if strings.ToLower(c.Mode) == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// BlockInterval returns the configured pause between blocks.
func (c *Config) BlockInterval() time.Duration { return c.Simulation.BlockInterval.Duration }

// LockTTL returns the run lock lifetime.
func (c *Config) LockTTL() time.Duration { return c.Simulation.LockTTL.Duration }

// RateWindow returns the API rate-limit window.
func (c *Config) RateWindow() time.Duration { return c.Server.RateWindow.Duration }
