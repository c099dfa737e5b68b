// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package config implements configs for the llmquota server
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/square/llmquota"
	"github.com/square/llmquota/internal/sqlutil"
	"github.com/square/llmquota/ledger/dsledger"
	"github.com/square/llmquota/ledger/sqlledger"
)

// Store drivers
const (
	DriverMemory    = "memory"
	DriverMySQL     = sqlutil.MySQL
	DriverSQLite    = sqlutil.SQLite
	DriverDatastore = "datastore"

	MemoryURL = "memory://"
)

const (
	DefaultListen       = "localhost:8080"
	DefaultReapInterval = time.Minute
)

type ServiceConfig struct {
	Counters      CountersConfig      `yaml:"counters"`
	Plans         PlansConfig         `yaml:"plans"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Limiter       LimiterConfig       `yaml:"limiter"`
	Defaults      llmquota.RateLimits `yaml:"defaults"`
	FailurePolicy string              `yaml:"failure_policy"`
	HTTP          HTTPConfig          `yaml:"http"`
}

// CountersConfig points at the window counters: a redis:// or rediss:// URL, or memory://.
type CountersConfig struct {
	URL string `yaml:"url"`
	// ReapInterval is how often expired in-memory counters are swept.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type PlansConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// CacheURL is empty for no cache, memory:// or a redis URL.
	CacheURL string        `yaml:"cache_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Datastore only
	Project         string `yaml:"project"`
	CredentialsFile string `yaml:"credentials_file"`
	Namespace       string `yaml:"namespace"`
	Kind            string `yaml:"kind"`

	// SQL only
	PruneSchedule string `yaml:"prune_schedule"`

	Retention time.Duration `yaml:"retention"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LimiterConfig struct {
	Window                 time.Duration `yaml:"window"`
	Strategy               string        `yaml:"strategy"`
	DefaultMaxOutputTokens int64         `yaml:"default_max_output_tokens"`
	CounterTimeout         time.Duration `yaml:"counter_timeout"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// NewDefaultServiceConfig runs everything in process memory.
func NewDefaultServiceConfig() *ServiceConfig {
	cfg := &ServiceConfig{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in every field left unset.
func ApplyDefaults(c *ServiceConfig) {
	if c.Counters.URL == "" {
		c.Counters.URL = MemoryURL
	}
	if c.Counters.ReapInterval == 0 {
		c.Counters.ReapInterval = DefaultReapInterval
	}

	if c.Plans.Driver == "" {
		c.Plans.Driver = DriverMemory
	}
	if c.Plans.CacheTTL == 0 {
		c.Plans.CacheTTL = llmquota.DefaultPlanCacheTTL
	}
	if c.Plans.Timeout == 0 {
		c.Plans.Timeout = llmquota.DefaultPlanStoreTimeout
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = DriverMemory
	}
	if c.Ledger.Kind == "" {
		c.Ledger.Kind = dsledger.DefaultKind
	}
	if c.Ledger.PruneSchedule == "" {
		c.Ledger.PruneSchedule = sqlledger.DefaultPruneSchedule
	}
	if c.Ledger.Retention == 0 {
		c.Ledger.Retention = llmquota.LedgerRetention
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = llmquota.DefaultLedgerTimeout
	}

	if c.Limiter.Window == 0 {
		c.Limiter.Window = llmquota.DefaultWindow
	}
	if c.Limiter.Strategy == "" {
		c.Limiter.Strategy = llmquota.StrategySoft.String()
	}
	if c.Limiter.DefaultMaxOutputTokens == 0 {
		c.Limiter.DefaultMaxOutputTokens = llmquota.DefaultMaxOutputTokens
	}
	if c.Limiter.CounterTimeout == 0 {
		c.Limiter.CounterTimeout = llmquota.DefaultCounterTimeout
	}

	if c.Defaults == (llmquota.RateLimits{}) {
		c.Defaults = llmquota.DefaultRateLimits
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = llmquota.FailClosed.String()
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultListen
	}
}

// Validate reports every problem found, joined.
func Validate(c *ServiceConfig) error {
	var errs []error

	if !isRedisURL(c.Counters.URL) && c.Counters.URL != MemoryURL {
		errs = append(errs, fmt.Errorf("counters.url must be a redis URL or %v, was %q", MemoryURL, c.Counters.URL))
	}

	switch c.Plans.Driver {
	case DriverMemory:
	case DriverMySQL, DriverSQLite:
		if c.Plans.DSN == "" {
			errs = append(errs, fmt.Errorf("plans.dsn is required for driver %v", c.Plans.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown plans.driver %q", c.Plans.Driver))
	}
	if u := c.Plans.CacheURL; u != "" && u != MemoryURL && !isRedisURL(u) {
		errs = append(errs, fmt.Errorf("plans.cache_url must be empty, a redis URL or %v, was %q", MemoryURL, u))
	}
	if c.Plans.CacheTTL < 0 {
		errs = append(errs, errors.New("plans.cache_ttl cannot be negative"))
	}

	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverMySQL, DriverSQLite:
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required for driver %v", c.Ledger.Driver))
		}
		if _, err := cron.ParseStandard(c.Ledger.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid ledger.prune_schedule %q: %w", c.Ledger.PruneSchedule, err))
		}
	case DriverDatastore:
		if c.Ledger.Project == "" {
			errs = append(errs, errors.New("ledger.project is required for driver datastore"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger.driver %q", c.Ledger.Driver))
	}
	if c.Ledger.Retention < 0 {
		errs = append(errs, errors.New("ledger.retention cannot be negative"))
	}

	if c.Limiter.Window < time.Second {
		errs = append(errs, fmt.Errorf("limiter.window must be at least 1s, was %v", c.Limiter.Window))
	}
	if _, err := llmquota.ParseLimiterStrategy(c.Limiter.Strategy); err != nil {
		errs = append(errs, err)
	}
	if c.Limiter.DefaultMaxOutputTokens < 0 {
		errs = append(errs, errors.New("limiter.default_max_output_tokens cannot be negative"))
	}
	if _, err := llmquota.ParseFailurePolicy(c.FailurePolicy); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func isRedisURL(u string) bool {
	return strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://")
}

// EngineOptions translates the config into llmquota.Options. Clock, metrics and listeners are
// left for the caller.
func (c *ServiceConfig) EngineOptions() (llmquota.Options, error) {
	strategy, err := llmquota.ParseLimiterStrategy(c.Limiter.Strategy)
	if err != nil {
		return llmquota.Options{}, err
	}
	policy, err := llmquota.ParseFailurePolicy(c.FailurePolicy)
	if err != nil {
		return llmquota.Options{}, err
	}

	return llmquota.Options{
		Window:                 c.Limiter.Window,
		Strategy:               strategy,
		FailurePolicy:          policy,
		DefaultLimits:          c.Defaults,
		DefaultMaxOutputTokens: c.Limiter.DefaultMaxOutputTokens,
		PlanCacheTTL:           c.Plans.CacheTTL,
		LedgerRetention:        c.Ledger.Retention,
		CounterTimeout:         c.Limiter.CounterTimeout,
		PlanStoreTimeout:       c.Plans.Timeout,
		LedgerTimeout:          c.Ledger.Timeout}, nil
}

func ReadConfigFromFile(filename string) (*ServiceConfig, error) {
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to open file %v: %w", filename, err)
	}

	return readConfigFromBytes(bytes)
}

func ReadConfig(yamlStream io.Reader) (*ServiceConfig, error) {
	bytes, err := io.ReadAll(yamlStream)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}

	return readConfigFromBytes(bytes)
}

func readConfigFromBytes(bytes []byte) (*ServiceConfig, error) {
	cfg := &ServiceConfig{}
	if err := yaml.UnmarshalStrict(bytes, cfg); err != nil {
		return nil, fmt.Errorf("unable to read YAML: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders c as YAML.
func Marshal(c *ServiceConfig) ([]byte, error) {
	return yaml.Marshal(c)
}
