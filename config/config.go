// Package config defines the router's configuration schema and a
// YAML-then-env-override loader.
//
// Grounded on the teacher's config.Loader: same Builder pattern
// (NewLoader().WithConfigPath(...).WithEnvPrefix(...).Load()), same
// default→file→env precedence, same reflection-driven env-tag walk, same
// gopkg.in/yaml.v3 dependency, same Config.Validate() shape.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one entry in providers[] (§6 config schema).
type ProviderConfig struct {
	Name         string        `yaml:"name" env:"NAME"`
	// Dialect selects which providers/<dialect> adapter speaks for this
	// entry (§4.1): "native", "openaicompat", or "mistralcompat". Empty
	// defaults to "openaicompat" for backward compatibility with configs
	// written before the dialect field existed.
	Dialect      string        `yaml:"dialect" env:"DIALECT"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelayMs int           `yaml:"retry_delay_ms" env:"RETRY_DELAY_MS"`
	Models       []string      `yaml:"models" env:"MODELS"`
	RateLimits   RateLimits    `yaml:"rate_limits" env:"RATE_LIMITS"`
	// SafePrompt is mistralcompat-specific (§4.1); ignored by other dialects.
	SafePrompt   bool          `yaml:"safe_prompt" env:"SAFE_PROMPT"`
}

// DialectNative, DialectOpenAICompat and DialectMistralCompat are the
// closed set of values ProviderConfig.Dialect accepts.
const (
	DialectNative        = "native"
	DialectOpenAICompat  = "openaicompat"
	DialectMistralCompat = "mistralcompat"
)

// RateLimits bounds request/token throughput per provider.
type RateLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	TokensPerMinute   int `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
	ConcurrentRequests int `yaml:"concurrent_requests" env:"CONCURRENT_REQUESTS"`
}

// PerTaskRouting overrides preferred/fallback models and ceilings for one
// task type.
type PerTaskRouting struct {
	Preferred []string `yaml:"preferred" env:"PREFERRED"`
	Fallback  []string `yaml:"fallback" env:"FALLBACK"`
	MaxCost   float64  `yaml:"max_cost" env:"MAX_COST"`
	MaxTimeMs int      `yaml:"max_time_ms" env:"MAX_TIME_MS"`
}

// PerAgentRouting overrides preferred models for one agent type.
type PerAgentRouting struct {
	Preferred []string `yaml:"preferred" env:"PREFERRED"`
}

// RoutingConfig is the routing{} section of §6. Strategy is stored as a
// tie-breaker annotation only (Open Question resolution) — it never
// participates in the deterministic rule selection.
type RoutingConfig struct {
	Strategy           string                     `yaml:"strategy" env:"STRATEGY"`
	ConfidenceThreshold float64                   `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	FallbackThreshold  float64                     `yaml:"fallback_threshold" env:"FALLBACK_THRESHOLD"`
	PerTask            map[string]PerTaskRouting  `yaml:"per_task" env:"-"`
	PerAgent           map[string]PerAgentRouting `yaml:"per_agent" env:"-"`
}

// CachingConfig tunes response caching (accepted, not exercised by the
// in-memory core — persistence is explicitly a Non-goal per §6).
type CachingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	TTLMs   int  `yaml:"ttl_ms" env:"TTL_MS"`
	MaxSize int  `yaml:"max_size" env:"MAX_SIZE"`
}

// StreamingConfig tunes chunked response delivery.
type StreamingConfig struct {
	Enabled   bool `yaml:"enabled" env:"ENABLED"`
	ChunkBytes int `yaml:"chunk_bytes" env:"CHUNK_BYTES"`
}

// MonitoringConfig tunes background timer cadences (§5).
type MonitoringConfig struct {
	MetricsIntervalMs     int `yaml:"metrics_interval_ms" env:"METRICS_INTERVAL_MS"`
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms" env:"HEALTH_CHECK_INTERVAL_MS"`
}

// PerformanceConfig is the performance{} section of §6.
type PerformanceConfig struct {
	Caching    CachingConfig    `yaml:"caching" env:"CACHING"`
	Streaming  StreamingConfig  `yaml:"streaming" env:"STREAMING"`
	Monitoring MonitoringConfig `yaml:"monitoring" env:"MONITORING"`
}

// BreakerConfig tunes the per-model circuit breaker.
type BreakerConfig struct {
	Enabled           bool `yaml:"enabled" env:"ENABLED"`
	FailureThreshold  int  `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeoutMs int  `yaml:"recovery_timeout_ms" env:"RECOVERY_TIMEOUT_MS"`
}

// FallbackConfig is the fallback{} section of §6.
type FallbackConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	MaxFallbacks    int           `yaml:"max_fallbacks" env:"MAX_FALLBACKS"`
	FallbackDelayMs int           `yaml:"fallback_delay_ms" env:"FALLBACK_DELAY_MS"`
	Breaker         BreakerConfig `yaml:"breaker" env:"BREAKER"`
}

// AlertThresholds is the alerts.thresholds section of §6.
type AlertThresholds struct {
	ErrorRate      float64 `yaml:"error_rate" env:"ERROR_RATE"`
	ResponseTimeMs int     `yaml:"response_time_ms" env:"RESPONSE_TIME_MS"`
	CostPerRequest float64 `yaml:"cost_per_request" env:"COST_PER_REQUEST"`
}

// AlertsConfig wraps the alert threshold section.
type AlertsConfig struct {
	Thresholds AlertThresholds `yaml:"thresholds" env:"THRESHOLDS"`
}

// LogConfig mirrors the teacher's logging config shape.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Config is the router's complete, immutable-once-loaded configuration
// (§6). Updates go through a configuration-manager side channel, never
// mid-request mutation (REDESIGN FLAGS: "mutable global config").
type Config struct {
	Providers   []ProviderConfig  `yaml:"providers" env:"-"`
	Routing     RoutingConfig     `yaml:"routing" env:"ROUTING"`
	Performance PerformanceConfig `yaml:"performance" env:"PERFORMANCE"`
	Fallback    FallbackConfig    `yaml:"fallback" env:"FALLBACK"`
	Alerts      AlertsConfig      `yaml:"alerts" env:"ALERTS"`
	Log         LogConfig         `yaml:"log" env:"LOG"`
}

// DefaultConfig returns the §6-documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Routing: RoutingConfig{
			Strategy:            "balanced",
			ConfidenceThreshold: 0.7,
			FallbackThreshold:   0.5,
		},
		Performance: PerformanceConfig{
			Monitoring: MonitoringConfig{
				MetricsIntervalMs:     60000,
				HealthCheckIntervalMs: 60000,
			},
		},
		Fallback: FallbackConfig{
			Enabled:         true,
			MaxFallbacks:    3,
			FallbackDelayMs: 1000,
			Breaker: BreakerConfig{
				Enabled:           true,
				FailureThreshold:  5,
				RecoveryTimeoutMs: 60000,
			},
		},
		Alerts: AlertsConfig{
			Thresholds: AlertThresholds{
				ErrorRate:      0.05,
				ResponseTimeMs: 10000,
				CostPerRequest: 0.5,
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Loader loads a Config from defaults, then a YAML file, then environment
// overrides (Builder pattern, same precedence as the teacher's loader).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader builds a Loader with the module's default env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "MODELROUTER", validators: []func(*Config) error{(*Config).Validate}}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an additional validation pass.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load runs default → file → env → validate.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
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

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
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

// Validate enforces §6's load-time checks: missing provider credential,
// any per-task routing with empty preferred/fallback lists, cache enabled
// with non-positive size, timeout under 10s.
func (c *Config) Validate() error {
	var errs []string

	for _, p := range c.Providers {
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("provider %q missing api key", p.Name))
		}
		if p.Timeout > 0 && p.Timeout < 10*time.Second {
			errs = append(errs, fmt.Sprintf("provider %q timeout below 10s", p.Name))
		}
	}

	for task, pt := range c.Routing.PerTask {
		if len(pt.Preferred) == 0 {
			errs = append(errs, fmt.Sprintf("task %q has empty preferred list", task))
		}
		if len(pt.Fallback) == 0 {
			errs = append(errs, fmt.Sprintf("task %q has empty fallback list", task))
		}
	}

	if c.Performance.Caching.Enabled && c.Performance.Caching.MaxSize <= 0 {
		errs = append(errs, "caching enabled with non-positive max_size")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MustLoad loads from path and panics on failure, for main()-time wiring.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
