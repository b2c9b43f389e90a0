// Package config loads the service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyvoyage/pagecache/pkg/invalidation"
	"github.com/skyvoyage/pagecache/pkg/logging"
	"github.com/skyvoyage/pagecache/pkg/normalize"
	"github.com/skyvoyage/pagecache/pkg/origin"
	"github.com/skyvoyage/pagecache/pkg/pagination"
	"github.com/skyvoyage/pagecache/pkg/rendercache"
	"github.com/skyvoyage/pagecache/pkg/timestamp"
)

// Environment overrides, applied after the file.
const (
	EnvRedisAddr      = "PAGECACHE_REDIS_ADDR"
	EnvPostgresDSN    = "PAGECACHE_POSTGRES_DSN"
	EnvCachingEnabled = "PAGECACHE_CACHING_ENABLED"
	EnvLogLevel       = "PAGECACHE_LOG_LEVEL"
	EnvOrigin         = "PAGECACHE_ORIGIN"
	EnvAddr           = "PAGECACHE_ADDR"
)

type Server struct {
	Address        string   `yaml:"address"`
	Origin         string   `yaml:"origin"`
	BypassPrefixes []string `yaml:"bypassPrefixes"`
	RedirectStatus int      `yaml:"redirectStatus"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Postgres struct {
	// DSN of the entity database. Empty disables the entity change scan.
	DSN string `yaml:"dsn"`
}

type Caching struct {
	Enabled         bool          `yaml:"enabled"`
	RenderKeyPrefix string        `yaml:"renderKeyPrefix"`
	RenderTTL       time.Duration `yaml:"renderTTL"`
}

type OGImage struct {
	// Dir of the LevelDB store. Empty disables the OG image cache.
	Dir       string `yaml:"dir"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type Retry struct {
	AttemptsCount int           `yaml:"attemptsCount"`
	Interval      time.Duration `yaml:"interval"`
}

type BatchSize struct {
	ModifiedEntities int `yaml:"modifiedEntities"`
	RelatedEntities  int `yaml:"relatedEntities"`
	TimestampUpdates int `yaml:"timestampUpdates"`
}

type Invalidation struct {
	Interval                time.Duration `yaml:"interval"`
	MaxChangedPagesForPurge int           `yaml:"maxChangedPagesForPurge"`
	Retry                   Retry         `yaml:"retry"`
	BatchSize               BatchSize     `yaml:"batchSize"`
	RelationConcurrency     int           `yaml:"relationConcurrency"`
	WatermarkKey            string        `yaml:"watermarkKey"`
	ClockSkew               time.Duration `yaml:"clockSkew"`
}

type Timestamps struct {
	KeyPrefix     string        `yaml:"keyPrefix"`
	ReadCacheSize int           `yaml:"readCacheSize"`
	ReadCacheTTL  time.Duration `yaml:"readCacheTTL"`
}

type Locales struct {
	Default   string   `yaml:"default"`
	Supported []string `yaml:"supported"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full service configuration.
type Config struct {
	Server       Server       `yaml:"server"`
	Redis        Redis        `yaml:"redis"`
	Postgres     Postgres     `yaml:"postgres"`
	Caching      Caching      `yaml:"caching"`
	OGImage      OGImage      `yaml:"ogImage"`
	Invalidation Invalidation `yaml:"invalidation"`
	Timestamps   Timestamps   `yaml:"timestamps"`
	Locales      Locales      `yaml:"locales"`
	Logging      Logging      `yaml:"logging"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	inv := invalidation.DefaultOptions()
	ts := timestamp.DefaultOptions()
	return Config{
		Server: Server{
			Address:        ":8080",
			Origin:         "http://localhost:3000",
			BypassPrefixes: append([]string(nil), normalize.DefaultBypassPrefixes...),
			RedirectStatus: 302,
		},
		Redis: Redis{Addr: "localhost:6379"},
		Caching: Caching{
			Enabled:         true,
			RenderKeyPrefix: rendercache.DefaultRenderPrefix,
			RenderTTL:       rendercache.DefaultTTL,
		},
		OGImage: OGImage{KeyPrefix: rendercache.DefaultOGPrefix},
		Invalidation: Invalidation{
			Interval:                inv.Interval,
			MaxChangedPagesForPurge: inv.MaxChangedPagesForPurge,
			Retry: Retry{
				AttemptsCount: inv.Retry.AttemptsCount,
				Interval:      inv.Retry.Interval,
			},
			BatchSize: BatchSize{
				ModifiedEntities: inv.BatchSize.ModifiedEntities,
				RelatedEntities:  inv.BatchSize.RelatedEntities,
				TimestampUpdates: inv.BatchSize.TimestampUpdates,
			},
			RelationConcurrency: inv.Relations.MaxConcurrency,
			WatermarkKey:        invalidation.DefaultWatermarkKey,
			ClockSkew:           inv.ClockSkew,
		},
		Timestamps: Timestamps{
			KeyPrefix:     ts.KeyPrefix,
			ReadCacheSize: ts.ReadCacheSize,
			ReadCacheTTL:  ts.ReadCacheTTL,
		},
		Locales: Locales{Default: "en", Supported: []string{"en"}},
		Logging: Logging{Level: string(logging.LevelInfo)},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Redis.Addr = getEnv(getenv, EnvRedisAddr, c.Redis.Addr)
	c.Postgres.DSN = getEnv(getenv, EnvPostgresDSN, c.Postgres.DSN)
	c.Logging.Level = getEnv(getenv, EnvLogLevel, c.Logging.Level)
	c.Server.Origin = getEnv(getenv, EnvOrigin, c.Server.Origin)
	c.Server.Address = getEnv(getenv, EnvAddr, c.Server.Address)

	if v := getenv(EnvCachingEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCachingEnabled, err)
		}
		c.Caching.Enabled = enabled
	}
	return nil
}

func getEnv(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.Origin == "" {
		errs = append(errs, errors.New("server.origin is required"))
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	switch c.Server.RedirectStatus {
	case 0, 301, 302, 303, 307, 308:
	default:
		errs = append(errs, fmt.Errorf("server.redirectStatus %d is not a redirect", c.Server.RedirectStatus))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Locales.Default == "" {
		errs = append(errs, errors.New("locales.default is required"))
	}

	inv := c.Invalidation
	if inv.Interval < 0 {
		errs = append(errs, errors.New("invalidation.interval must not be negative"))
	}
	if inv.ClockSkew < 0 {
		errs = append(errs, errors.New("invalidation.clockSkew must not be negative"))
	}
	if inv.MaxChangedPagesForPurge < 0 {
		errs = append(errs, errors.New("invalidation.maxChangedPagesForPurge must not be negative"))
	}
	if inv.Retry.AttemptsCount < 1 {
		errs = append(errs, errors.New("invalidation.retry.attemptsCount must be at least 1"))
	}
	if inv.Retry.Interval < 0 {
		errs = append(errs, errors.New("invalidation.retry.interval must not be negative"))
	}
	for name, n := range map[string]int{
		"modifiedEntities": inv.BatchSize.ModifiedEntities,
		"relatedEntities":  inv.BatchSize.RelatedEntities,
		"timestampUpdates": inv.BatchSize.TimestampUpdates,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("invalidation.batchSize.%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// NormalizeOptions builds the request normalizer options.
func (c Config) NormalizeOptions() normalize.Options {
	return normalize.Options{
		CachingEnabled: c.Caching.Enabled,
		BypassPrefixes: c.Server.BypassPrefixes,
		RedirectStatus: c.Server.RedirectStatus,
	}
}

// TimestampOptions builds the timestamp store options.
func (c Config) TimestampOptions() timestamp.Options {
	return timestamp.Options{
		KeyPrefix:     c.Timestamps.KeyPrefix,
		ReadCacheSize: c.Timestamps.ReadCacheSize,
		ReadCacheTTL:  c.Timestamps.ReadCacheTTL,
	}
}

// InvalidationOptions builds the invalidation engine options.
func (c Config) InvalidationOptions() invalidation.Options {
	relations := pagination.DefaultConfig()
	if c.Invalidation.RelationConcurrency > 0 {
		relations.MaxConcurrency = c.Invalidation.RelationConcurrency
	}
	return invalidation.Options{
		Interval:                c.Invalidation.Interval,
		MaxChangedPagesForPurge: c.Invalidation.MaxChangedPagesForPurge,
		Retry: invalidation.RetryConfig{
			AttemptsCount: c.Invalidation.Retry.AttemptsCount,
			Interval:      c.Invalidation.Retry.Interval,
		},
		BatchSize: invalidation.BatchSize{
			ModifiedEntities: c.Invalidation.BatchSize.ModifiedEntities,
			RelatedEntities:  c.Invalidation.BatchSize.RelatedEntities,
			TimestampUpdates: c.Invalidation.BatchSize.TimestampUpdates,
		},
		Relations: relations,
		ClockSkew: c.Invalidation.ClockSkew,
	}
}

// OriginConfig builds the origin client configuration.
func (c Config) OriginConfig() origin.Config {
	cfg := origin.DefaultConfig(c.Server.Origin)
	if c.Caching.RenderTTL > 0 {
		cfg.CacheTTL = c.Caching.RenderTTL
	}
	return cfg
}

// LoggingConfig builds the logger configuration.
func (c Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
