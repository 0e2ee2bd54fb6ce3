package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/modelgate/pkg/models"
)

// Config holds all modelgate configuration.
type Config struct {
	Listen    string                   `yaml:"listen"`
	DBPath    string                   `yaml:"db_path"`
	Log       LogConfig                `yaml:"log"`
	Models    []models.ModelDescriptor `yaml:"models"`
	Routing   RoutingConfig            `yaml:"routing"`
	Limits    LimitsConfig             `yaml:"limits"`
	Breaker   BreakerConfig            `yaml:"breaker"`
	Cache     CacheConfig              `yaml:"cache"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
}

// LogConfig controls the process logger.
// Format is "json" (default) or "console".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RoutingConfig controls request routing and the timeouts around it.
type RoutingConfig struct {
	DefaultModel string `yaml:"default_model"`
	// AllowAnyModel accepts model ids that are not configured and sends
	// them through the PassthroughVia model's backend.
	AllowAnyModel  bool          `yaml:"allow_any_model"`
	PassthroughVia string        `yaml:"passthrough_via"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// LimitsConfig bounds sampling parameters and payload sizes.
type LimitsConfig struct {
	DefaultTemperature float64 `yaml:"default_temperature"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`
	MaxTokens          int     `yaml:"max_tokens"`
	MaxMessageBytes    int     `yaml:"max_message_bytes"`
}

// BreakerConfig controls per-model circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryWindow    time.Duration `yaml:"recovery_window"`
	MaxRecoveryWindow time.Duration `yaml:"max_recovery_window"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// CacheConfig controls the response cache.
// Backend is "memory" (default), "sqlite" or "redis"; the latter two add a
// second tier behind the in-process LRU.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	TTL       time.Duration `yaml:"ttl"`
	Capacity  int           `yaml:"capacity"`
	Shards    int           `yaml:"shards"`
	Scope     string        `yaml:"scope"`
	Backend   string        `yaml:"backend"`
	L2Timeout time.Duration `yaml:"l2_timeout"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig identifies the shared cache instance.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TelemetryConfig controls outcome recording.
type TelemetryConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	StoreOutcomes bool          `yaml:"store_outcomes"`
	Retention     time.Duration `yaml:"retention"`
}

// Cache scopes.
const (
	ScopeShared = "shared"
	ScopeCaller = "caller"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "modelgate.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Routing: RoutingConfig{
			RequestTimeout: 90 * time.Second,
			CallTimeout:    30 * time.Second,
			MaxAttempts:    2,
		},
		Limits: LimitsConfig{
			DefaultTemperature: 0.7,
			DefaultMaxTokens:   1000,
			MaxTokens:          4000,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryWindow:    30 * time.Second,
			MaxRecoveryWindow: 5 * time.Minute,
			BackoffMultiplier: 2,
		},
		Cache: CacheConfig{
			Enabled:   true,
			TTL:       time.Hour,
			Capacity:  10000,
			Shards:    16,
			Scope:     ScopeShared,
			Backend:   "memory",
			L2Timeout: 250 * time.Millisecond,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "modelgate:cache:",
			},
		},
		Telemetry: TelemetryConfig{
			BufferSize:    1024,
			StoreOutcomes: true,
			Retention:     30 * 24 * time.Hour,
		},
	}
}

// LoadEnvFiles loads .env files into the process environment. Variables
// already set are not overwritten and missing files are ignored; a file that
// exists but does not parse is an error.
func LoadEnvFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Load reads a YAML config file and expands environment variables. A .env
// file next to the config, then one in the working directory, is loaded first.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills per-model settings from the routing defaults.
func (c *Config) applyDefaults() {
	for i := range c.Models {
		m := &c.Models[i]
		if m.Provider == "" {
			m.Provider = models.ProviderOpenAI
		}
		if m.Timeout <= 0 {
			m.Timeout = c.Routing.CallTimeout
		}
		if m.MaxAttempts <= 0 {
			m.MaxAttempts = c.Routing.MaxAttempts
		}
		if m.CostWeight == 0 {
			m.CostWeight = 1
		}
	}
	if c.Routing.DefaultModel == "" && len(c.Models) > 0 {
		c.Routing.DefaultModel = c.Models[0].ID
	}
	if c.Routing.PassthroughVia == "" && len(c.Models) > 0 {
		c.Routing.PassthroughVia = c.Models[0].ID
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("no models configured"))
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		switch {
		case m.ID == "":
			errs = append(errs, errors.New("model with empty id"))
		case seen[m.ID]:
			errs = append(errs, fmt.Errorf("model %q defined twice", m.ID))
		}
		seen[m.ID] = true
		if m.URL == "" {
			errs = append(errs, fmt.Errorf("model %q: url required", m.ID))
		}
		switch m.Provider {
		case models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderGemini, models.ProviderVertex:
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.ID, m.Provider))
		}
		if m.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("model %q: timeout must be positive", m.ID))
		}
	}
	for _, m := range c.Models {
		for _, fb := range m.Fallback {
			if !seen[fb] {
				errs = append(errs, fmt.Errorf("model %q: fallback %q is not configured", m.ID, fb))
			}
		}
	}

	if c.Routing.DefaultModel != "" && !seen[c.Routing.DefaultModel] {
		errs = append(errs, fmt.Errorf("default_model %q is not configured", c.Routing.DefaultModel))
	}
	if c.Routing.AllowAnyModel && !seen[c.Routing.PassthroughVia] {
		errs = append(errs, fmt.Errorf("passthrough_via %q is not configured", c.Routing.PassthroughVia))
	}
	if c.Routing.RequestTimeout <= 0 {
		errs = append(errs, errors.New("routing.request_timeout must be positive"))
	}
	if c.Routing.CallTimeout <= 0 {
		errs = append(errs, errors.New("routing.call_timeout must be positive"))
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be at least 1"))
	}
	if c.Breaker.RecoveryWindow <= 0 {
		errs = append(errs, errors.New("breaker.recovery_window must be positive"))
	}
	if c.Breaker.MaxRecoveryWindow < c.Breaker.RecoveryWindow {
		errs = append(errs, errors.New("breaker.max_recovery_window must not be below recovery_window"))
	}
	if c.Cache.Enabled && c.Cache.Capacity < 1 {
		errs = append(errs, errors.New("cache.capacity must be at least 1"))
	}
	switch c.Cache.Scope {
	case ScopeShared, ScopeCaller:
	default:
		errs = append(errs, fmt.Errorf("cache.scope %q: want shared or caller", c.Cache.Scope))
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q: want memory, sqlite or redis", c.Cache.Backend))
	}
	return errors.Join(errs...)
}

// Lookup returns the descriptor for a model id. When AllowAnyModel is set an
// unknown id resolves to a copy of the passthrough model's backend, sending
// the id upstream unchanged and carrying no fallback chain.
func (c *Config) Lookup(id string) (models.ModelDescriptor, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	if !c.Routing.AllowAnyModel {
		return models.ModelDescriptor{}, false
	}
	for _, m := range c.Models {
		if m.ID == c.Routing.PassthroughVia {
			m.ID = id
			m.UpstreamModel = id
			m.Fallback = nil
			return m, true
		}
	}
	return models.ModelDescriptor{}, false
}

// BreakerKey names the breaker guarding id. Passthrough ids share the
// breaker of the model whose backend serves them.
func (c *Config) BreakerKey(id string) string {
	if c.Known(id) || !c.Routing.AllowAnyModel {
		return id
	}
	return c.Routing.PassthroughVia
}

// Known reports whether id is a configured model.
func (c *Config) Known(id string) bool {
	for _, m := range c.Models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelIDs returns configured model ids in declaration order.
func (c *Config) ModelIDs() []string {
	ids := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		ids = append(ids, m.ID)
	}
	return ids
}
