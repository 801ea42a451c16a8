// Package config provides unified configuration loading for the
// conductor core: defaults, then a YAML file, then environment
// variable overrides, in that precedence order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("conductor.yaml").
//	    WithEnvPrefix("CONDUCTOR").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pavelpapin/conductor/breaker"
	"github.com/pavelpapin/conductor/ratelimit"
	"github.com/pavelpapin/conductor/scheduler"
	"github.com/pavelpapin/conductor/store"
	"github.com/pavelpapin/conductor/workflow"
)

// Config is the complete conductor configuration.
type Config struct {
	// Redis is the shared store connection configuration.
	Redis store.Config `yaml:"redis" env:"REDIS"`

	// Log configures logging output.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Client configures the workflow client.
	Client workflow.ClientConfig `yaml:"client" env:"CLIENT"`

	// Worker configures the worker pool.
	Worker workflow.WorkerConfig `yaml:"worker" env:"WORKER"`

	// Stream configures the output stream writer.
	Stream workflow.StreamConfig `yaml:"stream" env:"STREAM"`

	// Sweeper configures retention, trimming and stall detection.
	Sweeper workflow.SweeperConfig `yaml:"sweeper" env:"SWEEPER"`

	// Runner configures the external agent process.
	Runner workflow.ExecRunnerConfig `yaml:"runner" env:"RUNNER"`

	// Breaker configures the circuit breaker.
	Breaker breaker.Config `yaml:"breaker" env:"-"`

	// RateLimit configures the rate limiter.
	RateLimit ratelimit.Config `yaml:"rate_limit" env:"-"`

	// Scheduler configures the catch-up scheduler.
	Scheduler scheduler.Config `yaml:"scheduler" env:"SCHEDULER"`

	// Jobs are the recurring-job definitions the scheduler rebuilds on
	// every tick.
	Jobs []scheduler.Item `yaml:"jobs" env:"-"`

	// MetricsAddr is the Prometheus scrape endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Redis:     store.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "json"},
		Client:    workflow.DefaultClientConfig(),
		Worker:    workflow.DefaultWorkerConfig(),
		Stream:    workflow.DefaultStreamConfig(),
		Sweeper:   workflow.DefaultSweeperConfig(),
		Breaker:   breaker.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Loader loads configuration with defaults, file and env layers.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the CONDUCTOR env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "CONDUCTOR"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load builds the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if err := l.loadFromFile(cfg); err != nil {
		return nil, err
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	if l.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively applies PREFIX_FIELD environment
// variables to tagged struct fields.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			// Configs from other packages carry no env tags; derive the
			// key from the yaml tag instead.
			yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
			if yamlTag == "" || yamlTag == "-" {
				continue
			}
			envTag = strings.ToUpper(yamlTag)
		}
		if envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from a file path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Redis.Addr == "" {
		errs = append(errs, "redis addr must not be empty")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "invalid log level "+c.Log.Level)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for _, job := range c.Jobs {
		if job.ID == "" {
			errs = append(errs, "job with empty id")
			continue
		}
		if seen[job.ID] {
			errs = append(errs, "duplicate job id "+job.ID)
		}
		seen[job.ID] = true
		if job.After != "" && job.After == job.ID {
			errs = append(errs, "job "+job.ID+" depends on itself")
		}
	}
	for _, job := range c.Jobs {
		if job.After != "" && !seen[job.After] {
			errs = append(errs, "job "+job.ID+" depends on unknown job "+job.After)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
