// Package config loads the daemon configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath    = "ORIGINLOCK_CONFIG"
	EnvAddr          = "ORIGINLOCK_ADDR"
	EnvDB            = "ORIGINLOCK_DB"
	EnvSweepInterval = "ORIGINLOCK_SWEEP_INTERVAL"
	EnvMaxTTL        = "ORIGINLOCK_MAX_TTL"
	EnvMaxWait       = "ORIGINLOCK_MAX_WAIT"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	DBPath          string        `yaml:"db_path"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxTTL          time.Duration `yaml:"max_ttl"`
	MaxWait         time.Duration `yaml:"max_wait"`
	RetryAfter      time.Duration `yaml:"retry_after"`
	JournalBuffer   int           `yaml:"journal_buffer"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		DBPath:          "./originlock.db",
		SweepInterval:   500 * time.Millisecond,
		MaxTTL:          10 * time.Minute,
		MaxWait:         30 * time.Second,
		RetryAfter:      50 * time.Millisecond,
		JournalBuffer:   1024,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load reads the file named by ORIGINLOCK_CONFIG, if any, then applies the
// environment overrides.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(EnvConfigPath), os.Getenv)
}

// LoadFrom reads path (empty means defaults only) and applies overrides
// looked up through getenv.
func LoadFrom(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- config path is operator-provided.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg. Keys absent from data keep their value.
func Parse(data []byte, cfg *Config) error {
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := getenv(EnvDB); v != "" {
		c.DBPath = v
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvSweepInterval, &c.SweepInterval},
		{EnvMaxTTL, &c.MaxTTL},
		{EnvMaxWait, &c.MaxWait},
	}
	for _, d := range durations {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be > 0"))
	}
	if c.MaxTTL < 0 {
		errs = append(errs, errors.New("max_ttl must be >= 0"))
	}
	if c.MaxWait <= 0 {
		errs = append(errs, errors.New("max_wait must be > 0"))
	}
	if c.RetryAfter < 0 {
		errs = append(errs, errors.New("retry_after must be >= 0"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be > 0"))
	}
	if c.JournalBuffer < 0 {
		errs = append(errs, errors.New("journal_buffer must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
