package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml scalars like "10s" or plain integers (seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	d.Duration = time.Duration(secs) * time.Second
	return nil
}

type Config struct {
	Tickflow   TickflowConfig             `yaml:"tickflow"`
	Logging    LoggingConfig              `yaml:"logging"`
	Store      StoreConfig                `yaml:"store"`
	Cache      CacheConfig                `yaml:"cache"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Retry      RetryConfig                `yaml:"retry"`
	Fetch      FetchConfig                `yaml:"fetch"`
	Source     SourceConfig               `yaml:"source"`
	Dashboard  DashboardConfig            `yaml:"dashboard"`
	Metrics    MetricsConfig              `yaml:"metrics"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

type StoreConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dial_timeout"`
	OpTimeout   Duration `yaml:"op_timeout"`
}

type CacheConfig struct {
	TickerTTL  Duration `yaml:"ticker_ttl"`
	SymbolsTTL Duration `yaml:"symbols_ttl"`
	HealthTTL  Duration `yaml:"health_ttl"`
}

type RateLimitConfig struct {
	MaxRequests int64    `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  int      `yaml:"multiplier"`
}

type FetchConfig struct {
	BatchConcurrency int      `yaml:"batch_concurrency"`
	HTTPTimeout      Duration `yaml:"http_timeout"`
	PaceRPS          float64  `yaml:"pace_rps"`
}

type SourceConfig struct {
	Binance ExchangeSourceConfig `yaml:"binance"`
	Bybit   ExchangeSourceConfig `yaml:"bybit"`
	Kucoin  ExchangeSourceConfig `yaml:"kucoin"`
}

type ExchangeSourceConfig struct {
	Enabled   bool     `yaml:"enabled"`
	RestURL   string   `yaml:"rest_url"`
	StreamURL string   `yaml:"stream_url"`
	Symbols   []string `yaml:"symbols"`
}

type DashboardConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	LogHistory  int    `yaml:"log_history"`
	PollSeconds int    `yaml:"poll_seconds"`
}

type MetricsConfig struct {
	PrometheusAddr string   `yaml:"prometheus_addr"`
	ReportInterval Duration `yaml:"report_interval"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Redis connection details may come from the environment in deployed
	// setups.
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Store.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Store.Redis.Password = strings.TrimSpace(v)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Redis.DialTimeout.Duration <= 0 {
		cfg.Store.Redis.DialTimeout.Duration = 5 * time.Second
	}
	if cfg.Store.Redis.OpTimeout.Duration <= 0 {
		cfg.Store.Redis.OpTimeout.Duration = 2 * time.Second
	}
	if cfg.Cache.TickerTTL.Duration <= 0 {
		cfg.Cache.TickerTTL.Duration = 10 * time.Second
	}
	if cfg.Cache.SymbolsTTL.Duration <= 0 {
		cfg.Cache.SymbolsTTL.Duration = 12 * time.Hour
	}
	if cfg.Cache.HealthTTL.Duration <= 0 {
		cfg.Cache.HealthTTL.Duration = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay.Duration <= 0 {
		cfg.Retry.BaseDelay.Duration = time.Second
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Fetch.BatchConcurrency <= 0 {
		cfg.Fetch.BatchConcurrency = 3
	}
	if cfg.Fetch.HTTPTimeout.Duration <= 0 {
		cfg.Fetch.HTTPTimeout.Duration = 10 * time.Second
	}
	if cfg.Dashboard.Addr == "" {
		cfg.Dashboard.Addr = ":8090"
	}
	if cfg.Dashboard.LogHistory <= 0 {
		cfg.Dashboard.LogHistory = 500
	}
	if cfg.Dashboard.PollSeconds <= 0 {
		cfg.Dashboard.PollSeconds = 10
	}
	if cfg.Metrics.ReportInterval.Duration <= 0 {
		cfg.Metrics.ReportInterval.Duration = time.Minute
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}
	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}
	for name, rl := range cfg.RateLimits {
		if rl.MaxRequests <= 0 {
			return fmt.Errorf("rate_limits.%s.max_requests must be greater than 0", name)
		}
		if rl.Window.Duration <= 0 {
			return fmt.Errorf("rate_limits.%s.window must be greater than 0", name)
		}
	}
	for name, src := range map[string]ExchangeSourceConfig{
		"binance": cfg.Source.Binance,
		"bybit":   cfg.Source.Bybit,
		"kucoin":  cfg.Source.Kucoin,
	} {
		if src.Enabled && len(src.Symbols) == 0 {
			return fmt.Errorf("source.%s.symbols is required when the exchange is enabled", name)
		}
	}
	return nil
}

// Enabled returns the source configs of the enabled exchanges keyed by name.
func (s SourceConfig) Enabled() map[string]ExchangeSourceConfig {
	out := make(map[string]ExchangeSourceConfig)
	if s.Binance.Enabled {
		out["binance"] = s.Binance
	}
	if s.Bybit.Enabled {
		out["bybit"] = s.Bybit
	}
	if s.Kucoin.Enabled {
		out["kucoin"] = s.Kucoin
	}
	return out
}
