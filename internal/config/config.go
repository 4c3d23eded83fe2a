// Package config loads the idcache configuration from defaults, an optional
// YAML file and IDCACHE_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/izavyalov-dev/idcache/cis"
	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
	"github.com/izavyalov-dev/idcache/orchestrator"
)

const envPrefix = "IDCACHE_"

type CIS struct {
	URL           string          `yaml:"url"`
	Username      string          `yaml:"username"`
	Password      string          `yaml:"password"`
	SoftwareName  string          `yaml:"software_name"`
	SchemeName    string          `yaml:"scheme_name"`
	Timeout       time.Duration   `yaml:"timeout"`
	BackoffLevels []time.Duration `yaml:"backoff_levels"`
}

type Cache struct {
	Size             int           `yaml:"size"`
	RefillThreshold  float64       `yaml:"refill_threshold"`
	TopUpInterval    time.Duration `yaml:"topup_interval"`
	TopUpConcurrency int           `yaml:"topup_concurrency"`
	Precreate        []string      `yaml:"precreate"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is built once at startup and passed by value afterwards.
type Config struct {
	CIS         CIS    `yaml:"cis"`
	Cache       Cache  `yaml:"cache"`
	Log         Log    `yaml:"log"`
	DatabaseURL string `yaml:"database_url"`
	Listen      string `yaml:"listen"`
}

// Default returns the stock configuration with the remote allocator disabled.
func Default() Config {
	return Config{
		CIS: CIS{
			URL:           cis.DisabledSentinel,
			Timeout:       cis.DefaultTimeout,
			BackoffLevels: append([]time.Duration(nil), cis.DefaultBackoffLevels...),
		},
		Cache: Cache{
			Size:             orchestrator.DefaultCacheSize,
			RefillThreshold:  orchestrator.DefaultRefillThreshold,
			TopUpInterval:    orchestrator.DefaultTopUpInterval,
			TopUpConcurrency: orchestrator.DefaultTopUpConcurrency,
		},
		Log:    Log{Level: "info"},
		Listen: ":8080",
	}
}

// Load reads path (optional) and the process environment, then validates.
func Load(path string) (Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with an injectable environment.
func LoadWithLookup(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, target *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*target = strings.TrimSpace(v)
		}
	}
	str("CIS_URL", &c.CIS.URL)
	str("CIS_USERNAME", &c.CIS.Username)
	str("CIS_PASSWORD", &c.CIS.Password)
	str("CIS_SOFTWARE_NAME", &c.CIS.SoftwareName)
	str("CIS_SCHEME_NAME", &c.CIS.SchemeName)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LISTEN", &c.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)

	if v, ok := lookup(envPrefix + "CIS_TIMEOUT"); ok {
		d, err := parseDuration(v, time.Second)
		if err != nil {
			return envError("CIS_TIMEOUT", err)
		}
		c.CIS.Timeout = d
	}
	if v, ok := lookup(envPrefix + "BACKOFF_LEVELS"); ok {
		levels, err := parseDurations(v, time.Second)
		if err != nil {
			return envError("BACKOFF_LEVELS", err)
		}
		c.CIS.BackoffLevels = levels
	}
	if v, ok := lookup(envPrefix + "CACHE_SIZE"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return envError("CACHE_SIZE", err)
		}
		c.Cache.Size = n
	}
	if v, ok := lookup(envPrefix + "CACHE_REFILL_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return envError("CACHE_REFILL_THRESHOLD", err)
		}
		c.Cache.RefillThreshold = f
	}
	if v, ok := lookup(envPrefix + "CACHE_TOPUP_INTERVAL"); ok {
		d, err := parseDuration(v, time.Millisecond)
		if err != nil {
			return envError("CACHE_TOPUP_INTERVAL", err)
		}
		c.Cache.TopUpInterval = d
	}
	if v, ok := lookup(envPrefix + "CACHE_PRECREATE"); ok {
		c.Cache.Precreate = splitList(v)
	}
	return nil
}

// Validate rejects malformed stream keys and out-of-range values. CIS
// credentials are only checked when a CIS URL is configured.
func (c Config) Validate() error {
	if _, err := c.PrecreateKeys(); err != nil {
		return configError(err.Error())
	}
	switch {
	case c.Cache.Size < 0:
		return configError("cache.size must not be negative")
	case c.Cache.RefillThreshold < 0 || c.Cache.RefillThreshold > 1:
		return configError("cache.refill_threshold must be within [0, 1]")
	case c.Cache.TopUpInterval <= 0:
		return configError("cache.topup_interval must be positive")
	case c.Cache.TopUpConcurrency < 0:
		return configError("cache.topup_concurrency must not be negative")
	}
	if c.CIS.Timeout < cis.MinTimeout || c.CIS.Timeout > cis.MaxTimeout {
		return configError(fmt.Sprintf("cis.timeout must be between %s and %s", cis.MinTimeout, cis.MaxTimeout))
	}
	if c.CISConfig().Disabled() {
		return nil
	}
	return c.CISConfig().Validate()
}

// PrecreateKeys parses cache.precreate.
func (c Config) PrecreateKeys() ([]identifier.Key, error) {
	keys := make([]identifier.Key, 0, len(c.Cache.Precreate))
	for _, raw := range c.Cache.Precreate {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		key, err := identifier.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (c Config) CISConfig() cis.Config {
	return cis.Config{
		URL:           c.CIS.URL,
		Username:      c.CIS.Username,
		Password:      c.CIS.Password,
		SoftwareName:  c.CIS.SoftwareName,
		SchemeName:    c.CIS.SchemeName,
		Timeout:       c.CIS.Timeout,
		BackoffLevels: append([]time.Duration{}, c.CIS.BackoffLevels...),
	}
}

// OrchestratorConfig assumes Validate has passed.
func (c Config) OrchestratorConfig() orchestrator.Config {
	keys, _ := c.PrecreateKeys()
	return orchestrator.Config{
		CIS:              c.CISConfig(),
		CacheSize:        c.Cache.Size,
		RefillThreshold:  c.Cache.RefillThreshold,
		TopUpInterval:    c.Cache.TopUpInterval,
		TopUpConcurrency: c.Cache.TopUpConcurrency,
		Precreate:        keys,
	}
}

func (c Config) LogOptions() observability.LogOptions {
	return observability.LogOptions{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// parseDuration accepts a Go duration or a bare number in unit.
func parseDuration(raw string, unit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	return time.ParseDuration(raw)
}

func parseDurations(raw string, unit time.Duration) ([]time.Duration, error) {
	parts := splitList(raw)
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := parseDuration(part, unit)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envError(name string, err error) error {
	return configError(fmt.Sprintf("%s%s: %v", envPrefix, name, err))
}

func configError(detail string) error {
	return &identifier.Error{Kind: identifier.KindConfiguration, Op: "configure", Detail: detail}
}
