package coremain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/pmkol/secdata/mlog"
	"github.com/pmkol/secdata/pkg/edgar"
	"github.com/pmkol/secdata/pkg/industry"
	"github.com/pmkol/secdata/pkg/upstream"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	SEC      SECConfig      `yaml:"sec"`
	Cache    CacheConfig    `yaml:"cache"`
	TTL      edgar.TTLs     `yaml:"ttl"`
	Industry IndustryConfig `yaml:"industry"`
	API      APIConfig      `yaml:"api"`
}

type SECConfig struct {
	// UserAgent is required by commands that reach the provider.
	UserAgent  string `yaml:"user_agent"`
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	TickersURL string `yaml:"tickers_url" validate:"required,url"`

	// RateLimitDelay is the minimum interval between requests in seconds.
	// The provider allows 10 requests per second.
	RateLimitDelay float64 `yaml:"rate_limit_delay" validate:"gt=0"`
	Burst          int     `yaml:"burst" validate:"gte=0"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	MaxBodySize    int64         `yaml:"max_body_size" validate:"gte=0"`

	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
	// RetryDelay is the base backoff in seconds.
	RetryDelay    float64       `yaml:"retry_delay" validate:"gt=0"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" validate:"gte=0"`
	MaxRetryAfter time.Duration `yaml:"max_retry_after" validate:"gte=0"`
}

func (c *SECConfig) Rate() float64 {
	return 1 / c.RateLimitDelay
}

type CacheConfig struct {
	Backend string `yaml:"backend" validate:"oneof=disk redis postgres"`
	Dir     string `yaml:"dir" validate:"required_if=Backend disk"`
	Redis   string `yaml:"redis" validate:"required_if=Backend redis"`
	// Postgres is a lib/pq connection string.
	Postgres string `yaml:"postgres" validate:"required_if=Backend postgres"`

	// MemSize is the number of entries kept in memory in front of the
	// backend, MemMaxBytes the bytes they may hold. A zero MemSize
	// disables the memory tier.
	MemSize       int           `yaml:"mem_size" validate:"gte=0"`
	MemMaxBytes   int64         `yaml:"mem_max_bytes" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`

	// RequirePersist fails requests whose result cannot be cached.
	RequirePersist bool `yaml:"require_persist"`
}

type IndustryConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gte=0"`
	// Metrics are added to the built in ones.
	Metrics []industry.Metric `yaml:"metrics"`
}

type APIConfig struct {
	HTTP string `yaml:"http" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.production", false)

	v.SetDefault("sec.user_agent", "")
	v.SetDefault("sec.base_url", upstream.DefaultBaseURL)
	v.SetDefault("sec.tickers_url", edgar.TickersURL)
	v.SetDefault("sec.rate_limit_delay", 0.1)
	v.SetDefault("sec.burst", 0)
	v.SetDefault("sec.request_timeout", 30*time.Second)
	v.SetDefault("sec.max_body_size", 0)
	v.SetDefault("sec.max_retries", 3)
	v.SetDefault("sec.retry_delay", 1.0)
	v.SetDefault("sec.max_retry_delay", 30*time.Second)
	v.SetDefault("sec.max_retry_after", time.Minute)

	v.SetDefault("cache.backend", "disk")
	v.SetDefault("cache.dir", ".cache")
	v.SetDefault("cache.redis", "")
	v.SetDefault("cache.postgres", "")
	v.SetDefault("cache.mem_size", 1024)
	v.SetDefault("cache.mem_max_bytes", 256<<20)
	v.SetDefault("cache.sweep_interval", time.Hour)
	v.SetDefault("cache.require_persist", false)

	ttl := edgar.DefaultTTLs()
	v.SetDefault("ttl.tickers", ttl.Tickers)
	v.SetDefault("ttl.submissions", ttl.Submissions)
	v.SetDefault("ttl.facts", ttl.Facts)
	v.SetDefault("ttl.concept", ttl.Concept)
	v.SetDefault("ttl.frames", ttl.Frames)

	v.SetDefault("industry.concurrency", 4)
	v.SetDefault("api.http", "127.0.0.1:8080")
}

var validate = validator.New()

// loadConfig loads the config file at filePath. If filePath is empty, a file
// named "config" in the working directory is used if it exists. Environment
// variables override file values, e.g. SEC_USER_AGENT for sec.user_agent.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
		cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}
