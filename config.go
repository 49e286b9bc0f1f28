package stepflow

import (
	"errors"
	"fmt"
	"os"
	"time"

	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/formatter"
	"github.com/petrijr/stepflow/pkg/worker"
)

// Config holds the engine settings. Zero values are replaced by defaults,
// except MinWorkerCount and StopWhenNoWork whose zero values are
// meaningful; use DefaultConfig for the documented defaults.
type Config struct {
	MinWorkerCount int  `yaml:"min_worker_count"`
	MaxWorkerCount int  `yaml:"max_worker_count"`
	StopWhenNoWork bool `yaml:"stop_when_no_work"`

	IdleDelay           time.Duration `yaml:"idle_delay"`
	TransientErrorDelay time.Duration `yaml:"transient_error_delay"`
	MissingHandlerDelay time.Duration `yaml:"missing_handler_delay"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay"`

	// WorkerName prefixes worker names and is recorded in ExecutedBy.
	WorkerName string `yaml:"worker_name"`
	// StateFormat names the active formatter: json, yaml or gob.
	StateFormat string `yaml:"state_format"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Recurring []RecurringStep `yaml:"recurring"`
}

// DatabaseConfig selects the step store used by Open.
type DatabaseConfig struct {
	// Driver is sqlite, postgres or mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// TablePrefix defaults to "steps_".
	TablePrefix string `yaml:"table_prefix"`
}

// RedisConfig enables cross-process wakeups when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// RecurringStep adds a step named Name on every tick of Cron.
type RecurringStep struct {
	Name      string `yaml:"name"`
	Cron      string `yaml:"cron"`
	SearchKey string `yaml:"search_key"`
	State     any    `yaml:"state"`
}

const defaultTablePrefix = "steps_"

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	s := worker.DefaultSettings()
	return Config{
		MinWorkerCount:      1,
		MaxWorkerCount:      4,
		IdleDelay:           s.IdleDelay,
		TransientErrorDelay: s.TransientErrorDelay,
		MissingHandlerDelay: s.MissingHandlerDelay,
		MaxRetryDelay:       s.MaxRetryDelay,
		WorkerName:          defaultWorkerName(),
		StateFormat:         formatter.JSONName,
		Database:            DatabaseConfig{TablePrefix: defaultTablePrefix},
	}
}

func defaultWorkerName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "stepflow"
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxWorkerCount == 0 {
		c.MaxWorkerCount = max(d.MaxWorkerCount, c.MinWorkerCount)
	}
	if c.IdleDelay == 0 {
		c.IdleDelay = d.IdleDelay
	}
	if c.TransientErrorDelay == 0 {
		c.TransientErrorDelay = d.TransientErrorDelay
	}
	if c.MissingHandlerDelay == 0 {
		c.MissingHandlerDelay = d.MissingHandlerDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.WorkerName == "" {
		c.WorkerName = d.WorkerName
	}
	if c.StateFormat == "" {
		c.StateFormat = d.StateFormat
	}
	if c.Database.TablePrefix == "" {
		c.Database.TablePrefix = defaultTablePrefix
	}
	return c
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.MinWorkerCount < 0 {
		errs = append(errs, errors.New("min_worker_count must not be negative"))
	}
	if c.MaxWorkerCount < 1 {
		errs = append(errs, errors.New("max_worker_count must be at least 1"))
	}
	if c.MinWorkerCount > c.MaxWorkerCount {
		errs = append(errs, fmt.Errorf("min_worker_count %d exceeds max_worker_count %d", c.MinWorkerCount, c.MaxWorkerCount))
	}
	for name, d := range map[string]time.Duration{
		"idle_delay":            c.IdleDelay,
		"transient_error_delay": c.TransientErrorDelay,
		"missing_handler_delay": c.MissingHandlerDelay,
		"max_retry_delay":       c.MaxRetryDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.StateFormat != "" {
		if _, err := formatter.ByName(c.StateFormat); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Database.Driver != "" {
		if _, err := persistence.DialectByName(c.Database.Driver); err != nil {
			errs = append(errs, err)
		}
	}
	for i, r := range c.Recurring {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("recurring[%d]: name is required", i))
		}
		if _, err := rcron.ParseStandard(r.Cron); err != nil {
			errs = append(errs, fmt.Errorf("recurring[%d] %q: %w", i, r.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) settings() worker.Settings {
	return worker.Settings{
		IdleDelay:           c.IdleDelay,
		TransientErrorDelay: c.TransientErrorDelay,
		MissingHandlerDelay: c.MissingHandlerDelay,
		MaxRetryDelay:       c.MaxRetryDelay,
	}
}

func (c Config) pool() worker.PoolOptions {
	return worker.PoolOptions{
		MinWorkers:     c.MinWorkerCount,
		MaxWorkers:     c.MaxWorkerCount,
		StopWhenNoWork: c.StopWhenNoWork,
	}
}
