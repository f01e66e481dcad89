package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LENDSIM_* environment variable overrides, and
// returns the final Config. An empty path skips the file and starts from the
// defaults. The returned Config has NOT been validated; the caller should
// invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LENDSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets and sweep parameters at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.SupplyToken, "LENDSIM_MARKET_SUPPLY_TOKEN")
	setStr(&cfg.Market.DebtToken, "LENDSIM_MARKET_DEBT_TOKEN")
	setFloat64(&cfg.Market.SupplyPrice, "LENDSIM_MARKET_SUPPLY_PRICE")
	setFloat64(&cfg.Market.DebtPrice, "LENDSIM_MARKET_DEBT_PRICE")
	setFloat64(&cfg.Market.LiquidationBonus, "LENDSIM_MARKET_LIQUIDATION_BONUS")
	setFloat64(&cfg.Market.LiquidationThreshold, "LENDSIM_MARKET_LIQUIDATION_THRESHOLD")
	setFloat64(&cfg.Market.ClosingFactor, "LENDSIM_MARKET_CLOSING_FACTOR")
	setBool(&cfg.Market.BadDebtClearable, "LENDSIM_MARKET_BAD_DEBT_CLEARABLE")

	// ── Users ──
	setInt(&cfg.Users.Count, "LENDSIM_USERS_COUNT")
	setFloat64(&cfg.Users.LTVMu, "LENDSIM_USERS_LTV_MU")
	setFloat64(&cfg.Users.LTVSigma, "LENDSIM_USERS_LTV_SIGMA")
	setFloat64(&cfg.Users.TotalCollateralUSD, "LENDSIM_USERS_TOTAL_COLLATERAL_USD")
	setStr(&cfg.Users.InitialPolicy, "LENDSIM_USERS_INITIAL_POLICY")
	setFloat64(&cfg.Users.ClampMargin, "LENDSIM_USERS_CLAMP_MARGIN")

	// ── Simulation ──
	setStr(&cfg.Simulation.Name, "LENDSIM_SIMULATION_NAME")
	setUint64(&cfg.Simulation.MaxBlocks, "LENDSIM_SIMULATION_MAX_BLOCKS")
	setFloat64(&cfg.Simulation.ActivityRate, "LENDSIM_SIMULATION_ACTIVITY_RATE")
	setUint64(&cfg.Simulation.Seed, "LENDSIM_SIMULATION_SEED")
	setInt(&cfg.Simulation.Workers, "LENDSIM_SIMULATION_WORKERS")
	setBool(&cfg.Simulation.CheckInvariants, "LENDSIM_SIMULATION_CHECK_INVARIANTS")
	setInt(&cfg.Simulation.MaxLiquidationRounds, "LENDSIM_SIMULATION_MAX_LIQUIDATION_ROUNDS")
	setStr(&cfg.Simulation.LiquidatorID, "LENDSIM_SIMULATION_LIQUIDATOR_ID")
	setDuration(&cfg.Simulation.BlockInterval, "LENDSIM_SIMULATION_BLOCK_INTERVAL")
	setInt(&cfg.Simulation.SnapshotBatchSize, "LENDSIM_SIMULATION_SNAPSHOT_BATCH_SIZE")
	setInt(&cfg.Simulation.HistoryLimit, "LENDSIM_SIMULATION_HISTORY_LIMIT")
	setDuration(&cfg.Simulation.LockTTL, "LENDSIM_SIMULATION_LOCK_TTL")
	setBool(&cfg.Simulation.ArchiveOnComplete, "LENDSIM_SIMULATION_ARCHIVE_ON_COMPLETE")

	// ── Price feed ──
	setStr(&cfg.PriceFeed.Kind, "LENDSIM_PRICE_FEED_KIND")
	setFloat64(&cfg.PriceFeed.SupplyStepPct, "LENDSIM_PRICE_FEED_SUPPLY_STEP_PCT")
	setFloat64(&cfg.PriceFeed.DebtStepPct, "LENDSIM_PRICE_FEED_DEBT_STEP_PCT")

	// ── Sampler ──
	setFloat64(&cfg.Sampler.MaxFraction, "LENDSIM_SAMPLER_MAX_FRACTION")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "LENDSIM_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "LENDSIM_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LENDSIM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LENDSIM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LENDSIM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LENDSIM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LENDSIM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LENDSIM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LENDSIM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LENDSIM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LENDSIM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "LENDSIM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "LENDSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDSIM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDSIM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LENDSIM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LENDSIM_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "LENDSIM_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.KeyPrefix, "LENDSIM_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LENDSIM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LENDSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LENDSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "LENDSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LENDSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LENDSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LENDSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LENDSIM_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "LENDSIM_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "LENDSIM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LENDSIM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LENDSIM_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "LENDSIM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "LENDSIM_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LENDSIM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LENDSIM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LENDSIM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LENDSIM_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.File, "LENDSIM_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "LENDSIM_LOG_MAX_SIZE_MB")

	// ── Top-level ──
	setStr(&cfg.Mode, "LENDSIM_MODE")
	setStr(&cfg.LogLevel, "LENDSIM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
