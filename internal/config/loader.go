package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PREDICTPOOL_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known PREDICTPOOL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.Driver, "PREDICTPOOL_DATABASE_DRIVER")
	setStr(&cfg.Database.DSN, "PREDICTPOOL_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "PREDICTPOOL_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PREDICTPOOL_DATABASE_PORT")
	setStr(&cfg.Database.Database, "PREDICTPOOL_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "PREDICTPOOL_DATABASE_USER")
	setStr(&cfg.Database.Password, "PREDICTPOOL_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PREDICTPOOL_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "PREDICTPOOL_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PREDICTPOOL_DATABASE_POOL_MIN_CONNS")
	setStr(&cfg.Database.SQLitePath, "PREDICTPOOL_DATABASE_SQLITE_PATH")
	setBool(&cfg.Database.RunMigrations, "PREDICTPOOL_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PREDICTPOOL_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PREDICTPOOL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTPOOL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTPOOL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICTPOOL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREDICTPOOL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREDICTPOOL_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICTPOOL_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PREDICTPOOL_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PREDICTPOOL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICTPOOL_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICTPOOL_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PREDICTPOOL_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PREDICTPOOL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICTPOOL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICTPOOL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICTPOOL_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICTPOOL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTPOOL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREDICTPOOL_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PREDICTPOOL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PREDICTPOOL_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREDICTPOOL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREDICTPOOL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramAPIBase, "PREDICTPOOL_NOTIFY_TELEGRAM_API_BASE")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREDICTPOOL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREDICTPOOL_NOTIFY_EVENTS")

	// ── Markets / betting ──
	setBool(&cfg.Markets.RequireQuestionMark, "PREDICTPOOL_MARKETS_REQUIRE_QUESTION_MARK")
	setDuration(&cfg.Markets.MinLead, "PREDICTPOOL_MARKETS_MIN_LEAD")
	setDecimal(&cfg.Betting.MinBet, "PREDICTPOOL_BETTING_MIN_BET")
	setDecimal(&cfg.Betting.MaxBet, "PREDICTPOOL_BETTING_MAX_BET")

	// ── Resolution / settlement ──
	setDuration(&cfg.Resolution.SweepInterval, "PREDICTPOOL_RESOLUTION_SWEEP_INTERVAL")
	setDuration(&cfg.Resolution.LockTTL, "PREDICTPOOL_RESOLUTION_LOCK_TTL")
	setDuration(&cfg.Resolution.LockWait, "PREDICTPOOL_RESOLUTION_LOCK_WAIT")
	setDuration(&cfg.Resolution.OracleTimeout, "PREDICTPOOL_RESOLUTION_ORACLE_TIMEOUT")
	setDuration(&cfg.Resolution.VoteWindow, "PREDICTPOOL_RESOLUTION_VOTE_WINDOW")
	setInt(&cfg.Settlement.Workers, "PREDICTPOOL_SETTLEMENT_WORKERS")
	setDuration(&cfg.Settlement.Retention, "PREDICTPOOL_SETTLEMENT_RETENTION")
	setStr(&cfg.Settlement.ArchiveCron, "PREDICTPOOL_SETTLEMENT_ARCHIVE_CRON")

	// ── Oracle ──
	setBool(&cfg.Oracle.HTTP.Enabled, "PREDICTPOOL_ORACLE_HTTP_ENABLED")
	setStr(&cfg.Oracle.HTTP.BaseURL, "PREDICTPOOL_ORACLE_HTTP_BASE_URL")
	setStr(&cfg.Oracle.HTTP.APIKey, "PREDICTPOOL_ORACLE_HTTP_API_KEY")
	setStr(&cfg.Oracle.HTTP.APISecret, "PREDICTPOOL_ORACLE_HTTP_API_SECRET")
	setFloat64(&cfg.Oracle.HTTP.RatePerSec, "PREDICTPOOL_ORACLE_HTTP_RATE_PER_SEC")
	setBool(&cfg.Oracle.Chainlink.Enabled, "PREDICTPOOL_ORACLE_CHAINLINK_ENABLED")
	setStr(&cfg.Oracle.Chainlink.RPCURL, "PREDICTPOOL_ORACLE_CHAINLINK_RPC_URL")

	// ── Payments ──
	setStr(&cfg.Payments.Verifier, "PREDICTPOOL_PAYMENTS_VERIFIER")
	setStr(&cfg.Payments.RPCURL, "PREDICTPOOL_PAYMENTS_RPC_URL")
	setUint64(&cfg.Payments.MinConfirmations, "PREDICTPOOL_PAYMENTS_MIN_CONFIRMATIONS")
	setDuration(&cfg.Payments.ConfirmTimeout, "PREDICTPOOL_PAYMENTS_CONFIRM_TIMEOUT")

	// ── Log ──
	setStr(&cfg.Log.Level, "PREDICTPOOL_LOG_LEVEL")
	setStr(&cfg.Log.Format, "PREDICTPOOL_LOG_FORMAT")
	setStr(&cfg.Log.File, "PREDICTPOOL_LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICTPOOL_MODE")
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
