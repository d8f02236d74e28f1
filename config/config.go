package config

import (
	"fmt"
	"strings"
	"time"

	goValidator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    Logger `mapstructure:"logger"`
	API    API    `mapstructure:"api"`
	Mexc   Mexc   `mapstructure:"mexc"`
	Poller Poller `mapstructure:"poller"`
	Cache  Cache  `mapstructure:"cache"`
}

type Logger struct {
	Level    string `mapstructure:"level" validate:"required"`
	Encoding string `mapstructure:"encoding" validate:"oneof=json console"`
}

type API struct {
	Enabled   bool    `mapstructure:"enabled"`
	Port      int     `mapstructure:"port" validate:"min=1,max=65535"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

type Mexc struct {
	BaseURL             string        `mapstructure:"base_url" validate:"required,url"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries          int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	MaxRequestPerMinute int           `mapstructure:"max_request_per_minute" validate:"gte=0"`
	WeightCapacity      int           `mapstructure:"weight_capacity" validate:"gt=0"`
	WeightThreshold     int           `mapstructure:"weight_threshold" validate:"gte=0"`
	WeightHeader        string        `mapstructure:"weight_header" validate:"required"`
	WeightWindow        time.Duration `mapstructure:"weight_window" validate:"gt=0"`
	UserAgent           string        `mapstructure:"user_agent"`
}

type Poller struct {
	Symbols            []string      `mapstructure:"symbols" validate:"min=1,dive,required"`
	Interval           string        `mapstructure:"interval" validate:"required,oneof=1m 5m 15m 30m 60m 4h 1d 1w 1M"`
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	KlineLimit         int           `mapstructure:"kline_limit" validate:"min=1,max=1000"`
	ImmediateFirstPoll bool          `mapstructure:"immediate_first_poll"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout" validate:"gt=0"`
}

type Cache struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.rate_limit", 10)
	v.SetDefault("api.rate_burst", 30)

	v.SetDefault("mexc.base_url", "https://api.mexc.com")
	v.SetDefault("mexc.timeout", "30s")
	v.SetDefault("mexc.max_retries", 3)
	v.SetDefault("mexc.retry_delay", "5s")
	v.SetDefault("mexc.max_request_per_minute", 0)
	v.SetDefault("mexc.weight_capacity", 1200)
	v.SetDefault("mexc.weight_threshold", 10)
	v.SetDefault("mexc.weight_header", "X-MBX-USED-WEIGHT-1M")
	v.SetDefault("mexc.weight_window", "1m")
	v.SetDefault("mexc.user_agent", "kline-feed/1.0")

	v.SetDefault("poller.symbols", []string{"BTCUSDT"})
	v.SetDefault("poller.interval", "60m")
	v.SetDefault("poller.poll_interval", "60s")
	v.SetDefault("poller.kline_limit", 100)
	v.SetDefault("poller.immediate_first_poll", false)
	v.SetDefault("poller.stop_timeout", "2m")

	v.SetDefault("cache.default_expiration", "24h")
	v.SetDefault("cache.cleanup_interval", "1h")
}

// Load reads .env (when present), config.yaml from the working directory and
// the environment, in increasing order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file loaded:", err)
	}
	return LoadWith(viper.New(), ".")
}

func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config file loaded:", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := goValidator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
