package extension

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the Almoner extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.almoner" or "almoner" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// MeterBatchSize is the number of usage events to buffer before flushing
	// to the store (default: 100).
	MeterBatchSize int `json:"meter_batch_size" mapstructure:"meter_batch_size" yaml:"meter_batch_size"`

	// MeterFlushInterval is how frequently the meter buffer is flushed
	// even if the batch size has not been reached (default: 5s).
	MeterFlushInterval time.Duration `json:"meter_flush_interval" mapstructure:"meter_flush_interval" yaml:"meter_flush_interval"`

	// DebitRetries is how many read-check-swap attempts a debit makes
	// before reporting contention (default: 5).
	DebitRetries int `json:"debit_retries" mapstructure:"debit_retries" yaml:"debit_retries"`

	// DispatchConcurrency bounds parallel deliveries per decision (default: 8).
	DispatchConcurrency int `json:"dispatch_concurrency" mapstructure:"dispatch_concurrency" yaml:"dispatch_concurrency"`

	// RedisURL, when set, keeps delivery claims in Redis so several
	// processes share one deliver-once record.
	RedisURL string `json:"redis_url" mapstructure:"redis_url" yaml:"redis_url"`

	// RedisKeyPrefix namespaces the Redis claim keys (default: "almoner").
	RedisKeyPrefix string `json:"redis_key_prefix" mapstructure:"redis_key_prefix" yaml:"redis_key_prefix"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MeterBatchSize:      100,
		MeterFlushInterval:  5 * time.Second,
		DebitRetries:        5,
		DispatchConcurrency: 8,
	}
}

// fileConfig accepts both a bare config document and one nested under
// the same keys the forge config manager looks at.
type fileConfig struct {
	Config     `yaml:",inline"`
	Almoner    *Config `yaml:"almoner"`
	Extensions struct {
		Almoner *Config `yaml:"almoner"`
	} `yaml:"extensions"`
}

// LoadConfigFile reads a Config from a standalone YAML file. Missing
// fields are filled with defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return Config{}, fmt.Errorf("almoner: read config %s: %w", path, err)
	}

	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("almoner: parse config %s: %w", path, err)
	}

	cfg := raw.Config
	switch {
	case raw.Extensions.Almoner != nil:
		cfg = *raw.Extensions.Almoner
	case raw.Almoner != nil:
		cfg = *raw.Almoner
	}
	return mergeWithDefaults(cfg), nil
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MeterBatchSize == 0 {
		cfg.MeterBatchSize = defaults.MeterBatchSize
	}
	if cfg.MeterFlushInterval == 0 {
		cfg.MeterFlushInterval = defaults.MeterFlushInterval
	}
	if cfg.DebitRetries == 0 {
		cfg.DebitRetries = defaults.DebitRetries
	}
	if cfg.DispatchConcurrency == 0 {
		cfg.DispatchConcurrency = defaults.DispatchConcurrency
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.RedisURL == "" {
		yamlConfig.RedisURL = programmaticConfig.RedisURL
	}
	if yamlConfig.RedisKeyPrefix == "" {
		yamlConfig.RedisKeyPrefix = programmaticConfig.RedisKeyPrefix
	}

	if yamlConfig.MeterBatchSize == 0 {
		yamlConfig.MeterBatchSize = programmaticConfig.MeterBatchSize
	}
	if yamlConfig.MeterFlushInterval == 0 {
		yamlConfig.MeterFlushInterval = programmaticConfig.MeterFlushInterval
	}
	if yamlConfig.DebitRetries == 0 {
		yamlConfig.DebitRetries = programmaticConfig.DebitRetries
	}
	if yamlConfig.DispatchConcurrency == 0 {
		yamlConfig.DispatchConcurrency = programmaticConfig.DispatchConcurrency
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
