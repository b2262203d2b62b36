package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"btcwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Market     MarketConfig     `mapstructure:"market"`
	Position   PositionConfig   `mapstructure:"position"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	QuietHours QuietHoursConfig `mapstructure:"quiet_hours"`
	Digest     DigestConfig     `mapstructure:"digest"`
	History    HistoryConfig    `mapstructure:"history"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	FailureBackoff  time.Duration `mapstructure:"failure_backoff"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MarketConfig covers the public market data endpoints.
type MarketConfig struct {
	CoinGeckoBaseURL  string        `mapstructure:"coingecko_base_url"`
	CoinGeckoAPIKey   string        `mapstructure:"coingecko_api_key"`
	BinanceBaseURL    string        `mapstructure:"binance_base_url"`
	BinanceFuturesURL string        `mapstructure:"binance_futures_url"`
	FearGreedURL      string        `mapstructure:"fear_greed_url"`
	BCBRateURL        string        `mapstructure:"bcb_rate_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryMinWait      time.Duration `mapstructure:"retry_min_wait"`
	RetryMaxWait      time.Duration `mapstructure:"retry_max_wait"`
	FallbackUSDBRL    float64       `mapstructure:"fallback_usd_brl"`
	PriceCacheTTL     time.Duration `mapstructure:"price_cache_ttl"`
	FXCacheTTL        time.Duration `mapstructure:"fx_cache_ttl"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// PositionConfig describes the owner's BTC holding.
type PositionConfig struct {
	BTCAmount float64 `mapstructure:"btc_amount"`
	AvgPrice  float64 `mapstructure:"avg_price"`
}

// AlertingConfig defines retry policy and the fixed special conditions.
type AlertingConfig struct {
	MaxRetries          int               `mapstructure:"max_retries"`
	RetryLongInterval   time.Duration     `mapstructure:"retry_long_interval"`
	BreakevenThreshold  float64           `mapstructure:"breakeven_threshold"`
	BreakevenCooldown   time.Duration     `mapstructure:"breakeven_cooldown"`
	RSIOversold         float64           `mapstructure:"rsi_oversold"`
	RSIOverbought       float64           `mapstructure:"rsi_overbought"`
	RSICooldown         time.Duration     `mapstructure:"rsi_cooldown"`
	Liquidation         LiquidationConfig `mapstructure:"liquidation"`
	PriceUpdate         PriceUpdateConfig `mapstructure:"price_update"`
	SpecialConditionsOn bool              `mapstructure:"special_conditions"`
}

// LiquidationConfig toggles the estimated-liquidation alert.
type LiquidationConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold float64       `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// PriceUpdateConfig toggles the periodic price update message.
type PriceUpdateConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// QuietHoursConfig holds defaults for newly created owner records.
type QuietHoursConfig struct {
	Timezone             string `mapstructure:"timezone"`
	SilentStart          int    `mapstructure:"silent_start"`
	SilentEnd            int    `mapstructure:"silent_end"`
	Language             string `mapstructure:"language"`
	NotificationsEnabled bool   `mapstructure:"notifications_enabled"`
}

// DigestConfig schedules the daily summary messages.
type DigestConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Timezone string    `mapstructure:"timezone"`
	Morning  DigestJob `mapstructure:"morning"`
	Evening  DigestJob `mapstructure:"evening"`
	Close    DigestJob `mapstructure:"close"`
}

// DigestJob is one cron-driven digest.
type DigestJob struct {
	Enabled bool   `mapstructure:"enabled"`
	Spec    string `mapstructure:"spec"`
}

// HistoryConfig controls delivery history retention.
type HistoryConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	PruneSpec string        `mapstructure:"prune_spec"`
}

// CacheConfig selects the suppression marker backend.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisURL      string `mapstructure:"redis_url"`
	RedisPassword string `mapstructure:"redis_password"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// TelegramConfig 描述 Telegram 推送与命令参数。
type TelegramConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BotToken        string        `mapstructure:"bot_token"`
	ChatID          string        `mapstructure:"chat_id"`
	APIBase         string        `mapstructure:"api_base"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	CommandsEnabled bool          `mapstructure:"commands_enabled"`
	RestrictToOwner bool          `mapstructure:"restrict_to_owner"`
}

// HTTPConfig exposes health, metrics and read-only API endpoints.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys onto the variable names used by older deployments.
var legacyEnv = map[string][]string{
	"telegram.bot_token":       {"TELEGRAM_BOT_TOKEN"},
	"telegram.chat_id":         {"USER_CHAT_ID"},
	"position.btc_amount":      {"USER_BTC_POSITION"},
	"position.avg_price":       {"USER_AVG_PRICE"},
	"database.sqlite_path":     {"DATABASE_PATH"},
	"cache.redis_url":          {"REDIS_URL"},
	"market.coingecko_api_key": {"COINGECKO_API_KEY"},
	"quiet_hours.timezone":     {"TIMEZONE"},
	"logging.level":            {"LOG_LEVEL"},
	"logging.file.path":        {"LOG_FILE"},
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BTCWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

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
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, names := range legacyEnv {
		envKey := "BTCWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		input := append([]string{key, envKey}, names...)
		if err := v.BindEnv(input...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "btcwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 10)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "data/btcwatch.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.failure_backoff", "60s")
	v.SetDefault("scheduler.fetch_timeout", "10s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62746377))

	v.SetDefault("market.coingecko_base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.binance_base_url", "https://api.binance.com")
	v.SetDefault("market.binance_futures_url", "https://fapi.binance.com")
	v.SetDefault("market.fear_greed_url", "https://api.alternative.me/fng/")
	v.SetDefault("market.bcb_rate_url", "https://api.bcb.gov.br/dados/serie/bcdata.sgs.10813/dados/ultimos/1?formato=json")
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.retry_attempts", 3)
	v.SetDefault("market.retry_min_wait", "2s")
	v.SetDefault("market.retry_max_wait", "10s")
	v.SetDefault("market.fallback_usd_brl", 6.08)
	v.SetDefault("market.price_cache_ttl", "5m")
	v.SetDefault("market.fx_cache_ttl", "60m")
	v.SetDefault("market.user_agent", "btcwatch/1.0")

	v.SetDefault("position.btc_amount", 0.08282513)
	v.SetDefault("position.avg_price", 115318.90)

	v.SetDefault("alerting.max_retries", 3)
	v.SetDefault("alerting.retry_long_interval", "15m")
	v.SetDefault("alerting.special_conditions", true)
	v.SetDefault("alerting.breakeven_threshold", 0.02)
	v.SetDefault("alerting.breakeven_cooldown", "60m")
	v.SetDefault("alerting.rsi_oversold", 30.0)
	v.SetDefault("alerting.rsi_overbought", 70.0)
	v.SetDefault("alerting.rsi_cooldown", "60m")
	v.SetDefault("alerting.liquidation.enabled", false)
	v.SetDefault("alerting.liquidation.threshold", 10_000_000.0)
	v.SetDefault("alerting.liquidation.cooldown", "60m")
	v.SetDefault("alerting.price_update.enabled", false)
	v.SetDefault("alerting.price_update.interval", "30m")

	v.SetDefault("quiet_hours.timezone", "America/Sao_Paulo")
	v.SetDefault("quiet_hours.silent_start", 23)
	v.SetDefault("quiet_hours.silent_end", 7)
	v.SetDefault("quiet_hours.language", "pt-BR")
	v.SetDefault("quiet_hours.notifications_enabled", true)

	v.SetDefault("digest.enabled", true)
	v.SetDefault("digest.timezone", "America/Sao_Paulo")
	v.SetDefault("digest.morning.enabled", true)
	v.SetDefault("digest.morning.spec", "0 8 * * *")
	v.SetDefault("digest.evening.enabled", true)
	v.SetDefault("digest.evening.spec", "0 20 * * *")
	v.SetDefault("digest.close.enabled", true)
	v.SetDefault("digest.close.spec", "59 23 * * *")

	v.SetDefault("history.retention", "2160h")
	v.SetDefault("history.prune_spec", "0 4 * * *")

	v.SetDefault("cache.backend", "database")
	v.SetDefault("cache.key_prefix", "btcwatch:")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("telegram.commands_enabled", true)
	v.SetDefault("telegram.restrict_to_owner", true)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 100000)
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.FailureBackoff <= 0 {
		return fmt.Errorf("scheduler.failure_backoff must be greater than zero")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "none", "":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "database", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	if c.Alerting.MaxRetries < 0 {
		return fmt.Errorf("alerting.max_retries cannot be negative")
	}
	if c.Alerting.BreakevenThreshold < 0 {
		return fmt.Errorf("alerting.breakeven_threshold cannot be negative")
	}
	if c.Alerting.RSIOversold >= c.Alerting.RSIOverbought {
		return fmt.Errorf("alerting.rsi_oversold must be below alerting.rsi_overbought")
	}
	if !validHour(c.QuietHours.SilentStart) || !validHour(c.QuietHours.SilentEnd) {
		return fmt.Errorf("quiet_hours.silent_start/silent_end must be within 0-23")
	}
	if _, err := time.LoadLocation(c.QuietHours.Timezone); err != nil {
		return fmt.Errorf("quiet_hours.timezone: %w", err)
	}
	if _, err := time.LoadLocation(c.Digest.Timezone); err != nil {
		return fmt.Errorf("digest.timezone: %w", err)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
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

// DigestLocation resolves the digest timezone, falling back to UTC.
func (c *Config) DigestLocation() *time.Location {
	loc, err := time.LoadLocation(c.Digest.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
