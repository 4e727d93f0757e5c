// Package config defines the top-level configuration for the predictpool
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREDICTPOOL_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Markets    MarketsConfig    `toml:"markets"`
	Betting    BettingConfig    `toml:"betting"`
	Resolution ResolutionConfig `toml:"resolution"`
	Settlement SettlementConfig `toml:"settlement"`
	Oracle     OracleConfig     `toml:"oracle"`
	Payments   PaymentsConfig   `toml:"payments"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
}

// DatabaseConfig selects and configures the ledger store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver        string `toml:"driver"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	SQLitePath    string `toml:"sqlite_path"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When Enabled is false the
// in-process lock, cache, bus and rate limiter are used instead.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	StreamMaxLen int      `toml:"stream_max_len"`
	CacheTTL     duration `toml:"cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards mutating endpoints. Empty disables auth.
	APIKey string `toml:"api_key"`
	// RateLimit is the per-client request budget per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIBase   string   `toml:"telegram_api_base"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MarketsConfig holds market creation rules.
type MarketsConfig struct {
	MinQuestionLen      int      `toml:"min_question_len"`
	MaxQuestionLen      int      `toml:"max_question_len"`
	RequireQuestionMark bool     `toml:"require_question_mark"`
	MinLead             duration `toml:"min_lead"`
}

// BettingConfig holds stake limits.
type BettingConfig struct {
	MinBet decimal.Decimal `toml:"min_bet"`
	MaxBet decimal.Decimal `toml:"max_bet"`
}

// ResolutionConfig holds lifecycle sweep and locking parameters.
type ResolutionConfig struct {
	SweepInterval duration `toml:"sweep_interval"`
	SweepBatch    int      `toml:"sweep_batch"`
	LockTTL       duration `toml:"lock_ttl"`
	LockWait      duration `toml:"lock_wait"`
	OracleTimeout duration `toml:"oracle_timeout"`
	VoteWindow    duration `toml:"vote_window"`
}

// SettlementConfig holds payout and archive parameters.
type SettlementConfig struct {
	Workers     int      `toml:"workers"`
	SweepBatch  int      `toml:"sweep_batch"`
	Retention   duration `toml:"retention"`
	ArchiveCron string   `toml:"archive_cron"`
}

// OracleConfig configures the oracle sources available to markets.
type OracleConfig struct {
	HTTP      HTTPOracleConfig      `toml:"http"`
	Chainlink ChainlinkOracleConfig `toml:"chainlink"`
}

// HTTPOracleConfig configures the JSON feed oracle.
type HTTPOracleConfig struct {
	Enabled    bool     `toml:"enabled"`
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
	Timeout    duration `toml:"timeout"`
}

// ChainlinkOracleConfig configures the on-chain price aggregator oracle.
type ChainlinkOracleConfig struct {
	Enabled bool   `toml:"enabled"`
	RPCURL  string `toml:"rpc_url"`
}

// PaymentsConfig selects how bet payment references are confirmed.
type PaymentsConfig struct {
	// Verifier is "none" or "evm".
	Verifier         string   `toml:"verifier"`
	RPCURL           string   `toml:"rpc_url"`
	MinConfirmations uint64   `toml:"min_confirmations"`
	ConfirmTimeout   duration `toml:"confirm_timeout"`
}

// LogConfig holds logging parameters. File, when set, receives a rotated copy
// of every record.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
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

// Defaults returns a Config populated with sensible defaults for local
// development: an embedded SQLite ledger, in-process coordination and no
// external oracles or archive.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Host:          "localhost",
			Port:          5432,
			Database:      "predictpool",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			SQLitePath:    "predictpool.db",
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MaxRetries:   3,
			KeyPrefix:    "predictpool:",
			StreamMaxLen: 10000,
			CacheTTL:     duration{30 * time.Second},
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "predictpool",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_settled", "market_disputed", "invariant_violation"},
		},
		Markets: MarketsConfig{
			MinQuestionLen:      10,
			MaxQuestionLen:      200,
			RequireQuestionMark: true,
			MinLead:             duration{time.Hour},
		},
		Betting: BettingConfig{
			MinBet: decimal.RequireFromString("0.001"),
			MaxBet: decimal.NewFromInt(10),
		},
		Resolution: ResolutionConfig{
			SweepInterval: duration{time.Minute},
			SweepBatch:    100,
			LockTTL:       duration{30 * time.Second},
			LockWait:      duration{5 * time.Second},
			OracleTimeout: duration{10 * time.Second},
			VoteWindow:    duration{24 * time.Hour},
		},
		Settlement: SettlementConfig{
			Workers:     4,
			SweepBatch:  100,
			Retention:   duration{90 * 24 * time.Hour},
			ArchiveCron: "0 3 * * *",
		},
		Oracle: OracleConfig{
			HTTP: HTTPOracleConfig{
				RatePerSec: 5,
				Burst:      5,
				Timeout:    duration{10 * time.Second},
			},
		},
		Payments: PaymentsConfig{
			Verifier:         "none",
			MinConfirmations: 3,
			ConfirmTimeout:   duration{10 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Mode: "full",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sweeper": true,
	"full":    true,
	"report":  true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweeper, full, report)", c.Mode))
	}

	// Log
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: format must be json or text, got %q", c.Log.Format))
	}
	if c.Log.File != "" && c.Log.MaxSizeMB < 1 {
		errs = append(errs, "log: max_size_mb must be >= 1 when file is set")
	}

	// Database
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, "database: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("database: driver must be postgres or sqlite, got %q", c.Database.Driver))
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
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Mode == "server" || c.Mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Markets
	if c.Markets.MinQuestionLen < 1 {
		errs = append(errs, "markets: min_question_len must be >= 1")
	}
	if c.Markets.MaxQuestionLen < c.Markets.MinQuestionLen {
		errs = append(errs, "markets: max_question_len must not be below min_question_len")
	}
	if c.Markets.MinLead.Duration < 0 {
		errs = append(errs, "markets: min_lead must be >= 0")
	}

	// Betting
	if !c.Betting.MinBet.IsPositive() {
		errs = append(errs, "betting: min_bet must be > 0")
	}
	if c.Betting.MaxBet.LessThan(c.Betting.MinBet) {
		errs = append(errs, "betting: max_bet must not be below min_bet")
	}

	// Resolution
	if c.Resolution.SweepInterval.Duration <= 0 {
		errs = append(errs, "resolution: sweep_interval must be > 0")
	}
	if c.Resolution.SweepBatch < 1 {
		errs = append(errs, "resolution: sweep_batch must be >= 1")
	}
	if c.Resolution.LockTTL.Duration <= 0 {
		errs = append(errs, "resolution: lock_ttl must be > 0")
	}
	if c.Resolution.LockWait.Duration < 0 {
		errs = append(errs, "resolution: lock_wait must be >= 0")
	}
	if c.Resolution.OracleTimeout.Duration <= 0 {
		errs = append(errs, "resolution: oracle_timeout must be > 0")
	}
	if c.Resolution.VoteWindow.Duration < 0 {
		errs = append(errs, "resolution: vote_window must be >= 0")
	}

	// Settlement
	if c.Settlement.Workers < 1 {
		errs = append(errs, "settlement: workers must be >= 1")
	}
	if c.Settlement.SweepBatch < 1 {
		errs = append(errs, "settlement: sweep_batch must be >= 1")
	}
	if c.S3.Enabled {
		if c.Settlement.Retention.Duration <= 0 {
			errs = append(errs, "settlement: retention must be > 0 when s3 is enabled")
		}
		if _, err := pipeline.NextCronTime(c.Settlement.ArchiveCron, time.Now()); err != nil {
			errs = append(errs, fmt.Sprintf("settlement: archive_cron: %v", err))
		}
	}

	// Oracle
	if c.Oracle.HTTP.Enabled && c.Oracle.HTTP.BaseURL == "" {
		errs = append(errs, "oracle.http: base_url must not be empty when enabled")
	}
	if c.Oracle.Chainlink.Enabled && c.Oracle.Chainlink.RPCURL == "" {
		errs = append(errs, "oracle.chainlink: rpc_url must not be empty when enabled")
	}

	// Payments
	switch strings.ToLower(c.Payments.Verifier) {
	case "none":
	case "evm":
		if c.Payments.RPCURL == "" {
			errs = append(errs, "payments: rpc_url is required for the evm verifier")
		}
		if c.Payments.ConfirmTimeout.Duration <= 0 {
			errs = append(errs, "payments: confirm_timeout must be > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("payments: verifier must be none or evm, got %q", c.Payments.Verifier))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
