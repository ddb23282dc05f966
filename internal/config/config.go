package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Binance   BinanceConfig   `yaml:"binance"`
	Stream    StreamConfig    `yaml:"stream"`
	Cache     CacheConfig     `yaml:"cache"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Universe  UniverseConfig  `yaml:"universe"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type BinanceConfig struct {
	SpotURL                string        `yaml:"spot_url"`
	FuturesURL             string        `yaml:"futures_url"`
	Timeout                time.Duration `yaml:"timeout"`
	UserAgent              string        `yaml:"user_agent"`
	SpotWeightPerMinute    int           `yaml:"spot_weight_per_minute"`
	FuturesWeightPerMinute int           `yaml:"futures_weight_per_minute"`
	MaxRetries             *int          `yaml:"max_retries"`
	BackoffInitial         time.Duration `yaml:"backoff_initial"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	MaxRetryWait           time.Duration `yaml:"max_retry_wait"`
	Breaker                BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Failures    uint32        `yaml:"failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type CacheConfig struct {
	Backend    string         `yaml:"backend"`
	MaxEntries int            `yaml:"max_entries"`
	MaxStale   time.Duration  `yaml:"max_stale"`
	TTL        CacheTTLConfig `yaml:"ttl"`
	SQLitePath string         `yaml:"sqlite_path"`
	Redis      RedisConfig    `yaml:"redis"`
}

type CacheTTLConfig struct {
	Tickers      time.Duration `yaml:"tickers"`
	PremiumIndex time.Duration `yaml:"premium_index"`
	BookTickers  time.Duration `yaml:"book_tickers"`
	ExchangeInfo time.Duration `yaml:"exchange_info"`
	OpenInterest time.Duration `yaml:"open_interest"`
	FundingRates time.Duration `yaml:"funding_rates"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ScannerConfig struct {
	Interval       time.Duration  `yaml:"interval"`
	QuoteAsset     string         `yaml:"quote_asset"`
	MinQuoteVolume float64        `yaml:"min_quote_volume"`
	HighVolume     float64        `yaml:"high_volume"`
	MaxSpreadBps   float64        `yaml:"max_spread_bps"`
	TopN           int            `yaml:"top_n"`
	StopLossPct    float64        `yaml:"stop_loss_pct"`
	TakeProfitPct  float64        `yaml:"take_profit_pct"`
	Weights        ScannerWeights `yaml:"weights"`
}

type ScannerWeights struct {
	Momentum float64 `yaml:"momentum"`
	Volume   float64 `yaml:"volume"`
	Funding  float64 `yaml:"funding"`
	Spread   float64 `yaml:"spread"`
}

type UniverseConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	Name    string   `yaml:"name"`
	Symbols []string `yaml:"symbols"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RetriesValue is max_retries with an unset value read as zero. An explicit
// 0 disables retries.
func (b BinanceConfig) RetriesValue() int {
	if b.MaxRetries == nil {
		return 0
	}
	return *b.MaxRetries
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Token    string        `yaml:"token"`
	ChatID   string        `yaml:"chat_id"`
	MinScore float64       `yaml:"min_score"`
	Cooldown time.Duration `yaml:"cooldown"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}

	b := &cfg.Binance
	if b.SpotURL == "" {
		b.SpotURL = "https://api.binance.com"
	}
	if b.FuturesURL == "" {
		b.FuturesURL = "https://fapi.binance.com"
	}
	b.SpotURL = strings.TrimRight(b.SpotURL, "/")
	b.FuturesURL = strings.TrimRight(b.FuturesURL, "/")
	if b.Timeout == 0 {
		b.Timeout = 15 * time.Second
	}
	if b.UserAgent == "" {
		b.UserAgent = "qbtc-market/1.0"
	}
	// Half of Binance's published per-minute weight, leaving room for other clients on the same IP.
	if b.SpotWeightPerMinute == 0 {
		b.SpotWeightPerMinute = 3000
	}
	if b.FuturesWeightPerMinute == 0 {
		b.FuturesWeightPerMinute = 1200
	}
	if b.MaxRetries == nil {
		retries := 4
		b.MaxRetries = &retries
	}
	if b.BackoffInitial == 0 {
		b.BackoffInitial = 500 * time.Millisecond
	}
	if b.BackoffMax == 0 {
		b.BackoffMax = 30 * time.Second
	}
	if b.MaxRetryWait == 0 {
		b.MaxRetryWait = 2 * time.Minute
	}
	if b.Breaker.Failures == 0 {
		b.Breaker.Failures = 3
	}
	if b.Breaker.OpenTimeout == 0 {
		b.Breaker.OpenTimeout = 2 * time.Minute
	}

	if cfg.Stream.URL == "" {
		cfg.Stream.URL = "wss://fstream.binance.com/ws"
	}
	if cfg.Stream.ReconnectDelay == 0 {
		cfg.Stream.ReconnectDelay = 5 * time.Second
	}
	if cfg.Stream.PingInterval == 0 {
		cfg.Stream.PingInterval = 30 * time.Second
	}

	c := &cfg.Cache
	if c.Backend == "" {
		c.Backend = "memory"
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.MaxEntries == 0 {
		c.MaxEntries = 1024
	}
	if c.MaxStale == 0 {
		c.MaxStale = 30 * time.Minute
	}
	if c.TTL.Tickers == 0 {
		c.TTL.Tickers = 30 * time.Second
	}
	if c.TTL.PremiumIndex == 0 {
		c.TTL.PremiumIndex = 30 * time.Second
	}
	if c.TTL.BookTickers == 0 {
		c.TTL.BookTickers = 15 * time.Second
	}
	if c.TTL.ExchangeInfo == 0 {
		c.TTL.ExchangeInfo = time.Hour
	}
	if c.TTL.OpenInterest == 0 {
		c.TTL.OpenInterest = time.Minute
	}
	if c.TTL.FundingRates == 0 {
		c.TTL.FundingRates = 10 * time.Minute
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/qbtc-cache.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "qbtc:"
	}

	s := &cfg.Scanner
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.QuoteAsset == "" {
		s.QuoteAsset = "USDT"
	}
	if s.MinQuoteVolume == 0 {
		s.MinQuoteVolume = 5_000_000
	}
	if s.HighVolume == 0 {
		s.HighVolume = 500_000_000
	}
	if s.MaxSpreadBps == 0 {
		s.MaxSpreadBps = 10
	}
	if s.TopN == 0 {
		s.TopN = 20
	}
	if s.StopLossPct == 0 {
		s.StopLossPct = 0.05
	}
	if s.TakeProfitPct == 0 {
		s.TakeProfitPct = 0.08
	}
	if s.Weights == (ScannerWeights{}) {
		s.Weights = ScannerWeights{Momentum: 0.4, Volume: 0.3, Funding: 0.2, Spread: 0.1}
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:4602"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}

	if cfg.Telegram.MinScore == 0 {
		cfg.Telegram.MinScore = 0.75
	}
	if cfg.Telegram.Cooldown == 0 {
		cfg.Telegram.Cooldown = time.Hour
	}
}

func validate(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory, sqlite or redis, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.MaxEntries < 0 {
		return errors.New("cache.max_entries must be >= 0")
	}
	if cfg.Binance.RetriesValue() < 0 {
		return errors.New("binance.max_retries must be >= 0")
	}
	if cfg.Binance.BackoffMax < cfg.Binance.BackoffInitial {
		return errors.New("binance.backoff_max must be >= binance.backoff_initial")
	}
	if cfg.Binance.SpotWeightPerMinute < 80 {
		return errors.New("binance.spot_weight_per_minute must allow a full ticker request (>= 80)")
	}
	if cfg.Binance.FuturesWeightPerMinute < 40 {
		return errors.New("binance.futures_weight_per_minute must allow a full ticker request (>= 40)")
	}
	w := cfg.Scanner.Weights
	if w.Momentum < 0 || w.Volume < 0 || w.Funding < 0 || w.Spread < 0 {
		return errors.New("scanner.weights must be >= 0")
	}
	if cfg.Scanner.StopLossPct <= 0 || cfg.Scanner.StopLossPct >= 1 {
		return errors.New("scanner.stop_loss_pct must be in (0, 1)")
	}
	if cfg.Scanner.TakeProfitPct <= 0 {
		return errors.New("scanner.take_profit_pct must be > 0")
	}
	for i, tier := range cfg.Universe.Tiers {
		if strings.TrimSpace(tier.Name) == "" {
			return fmt.Errorf("universe.tiers[%d].name is required", i)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}
