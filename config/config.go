// Package config provides unified configuration loading for DreamForge.
// Sources are merged in priority order: defaults, then a YAML file, then
// environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("DREAMFORGE").
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
)

// Config is the complete DreamForge configuration.
type Config struct {
	// Server is the HTTP server configuration.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Store is the context store configuration.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Enhancer is the local language model configuration.
	Enhancer EnhancerConfig `yaml:"enhancer" env:"ENHANCER"`

	// TextToImage is the remote text-to-image service configuration.
	TextToImage ServiceConfig `yaml:"text_to_image" env:"TEXT_TO_IMAGE"`

	// ImageTo3D is the remote image-to-3D service configuration.
	ImageTo3D ServiceConfig `yaml:"image_to_3d" env:"IMAGE_TO_3D"`

	// Pipeline is the orchestrator configuration.
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Recall is the memory recall configuration.
	Recall RecallConfig `yaml:"recall" env:"RECALL"`

	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// HTTP port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Rate limit in requests per second (0 disables)
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// Rate limit burst size
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// StoreConfig holds context store settings.
type StoreConfig struct {
	// Driver type: memory, sqlite, postgres, redis
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the database file path (sqlite)
	Path string `yaml:"path" env:"PATH"`
	// Host (postgres/redis)
	Host string `yaml:"host" env:"HOST"`
	// Port (postgres/redis)
	Port int `yaml:"port" env:"PORT"`
	// User (postgres)
	User string `yaml:"user" env:"USER"`
	// Password (postgres/redis)
	Password string `yaml:"password" env:"PASSWORD"`
	// Database name (postgres) or number (redis, via DB)
	Name string `yaml:"name" env:"NAME"`
	// SSL mode (postgres)
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// Redis database number
	DB int `yaml:"db" env:"DB"`
	// Redis key prefix
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Max idle connections (SQL drivers)
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// Max open connections (SQL drivers)
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// Connection max lifetime (SQL drivers)
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns the database connection string for SQL drivers.
func (s *StoreConfig) DSN() string {
	switch s.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, s.User, s.Password, s.Name, s.SSLMode,
		)
	case "sqlite":
		return s.Path
	default:
		return ""
	}
}

// Addr returns the host:port address for network stores.
func (s *StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EnhancerConfig holds local language model settings.
type EnhancerConfig struct {
	// Base URL of the OpenAI-compatible local model server
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API key, optional for local servers
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Model name
	Model string `yaml:"model" env:"MODEL"`
	// Sampling temperature
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// Max tokens in the enhanced prompt
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// Request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ServiceConfig holds settings for one remote generation service.
type ServiceConfig struct {
	// Base URL of the service
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Overall stage timeout covering submit and all polls
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Initial poll backoff
	PollInitial time.Duration `yaml:"poll_initial" env:"POLL_INITIAL"`
	// Maximum poll backoff
	PollMax time.Duration `yaml:"poll_max" env:"POLL_MAX"`
	// Backoff multiplier
	PollMultiplier float64 `yaml:"poll_multiplier" env:"POLL_MULTIPLIER"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// Max concurrently executing runs; requests beyond the limit queue
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// Max attempts per generation stage (image, model)
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// Initial retry backoff
	RetryInitial time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	// Maximum retry backoff
	RetryMax time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
	// Backoff multiplier
	RetryMultiplier float64 `yaml:"retry_multiplier" env:"RETRY_MULTIPLIER"`
	// Overall wall-clock budget per run, all stages included
	RunBudget time.Duration `yaml:"run_budget" env:"RUN_BUDGET"`
	// How long terminal run handles stay in the registry
	HandleRetention time.Duration `yaml:"handle_retention" env:"HANDLE_RETENTION"`
	// Advisory completion estimate returned at intake, in seconds
	EstimatedSeconds int `yaml:"estimated_seconds" env:"ESTIMATED_SECONDS"`
	// Default 3D output format
	ModelFormat string `yaml:"model_format" env:"MODEL_FORMAT"`
	// Default negative prompt for the image stage
	NegativePrompt string `yaml:"negative_prompt" env:"NEGATIVE_PROMPT"`
	// Default diffusion steps for the image stage
	Steps int `yaml:"steps" env:"STEPS"`
}

// RecallConfig holds memory recall settings.
type RecallConfig struct {
	// Ranker strategy: recency or lexical
	Ranker string `yaml:"ranker" env:"RANKER"`
	// FetchLimit is how many completed generations to consider (N)
	FetchLimit int `yaml:"fetch_limit" env:"FETCH_LIMIT"`
	// BundleSize is the max pairs in the context bundle (K)
	BundleSize int `yaml:"bundle_size" env:"BUNDLE_SIZE"`
	// TokenBudget bounds the bundle's total token count
	TokenBudget int `yaml:"token_budget" env:"TOKEN_BUDGET"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// DefaultConfig returns the configuration defaults. The retry and
// concurrency parameters are placeholders to be tuned against the real
// services' documented limits.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            "./data/dreamforge.db",
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			KeyPrefix:       "dreamforge:",
			MaxIdleConns:    10,
			MaxOpenConns:    50,
			ConnMaxLifetime: time.Hour,
		},
		Enhancer: EnhancerConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "tinyllama",
			Temperature: 0.7,
			MaxTokens:   256,
			Timeout:     30 * time.Second,
		},
		TextToImage: ServiceConfig{
			Timeout:        3 * time.Minute,
			PollInitial:    time.Second,
			PollMax:        15 * time.Second,
			PollMultiplier: 2.0,
		},
		ImageTo3D: ServiceConfig{
			Timeout:        5 * time.Minute,
			PollInitial:    2 * time.Second,
			PollMax:        30 * time.Second,
			PollMultiplier: 2.0,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:    4,
			MaxAttempts:      3,
			RetryInitial:     time.Second,
			RetryMax:         30 * time.Second,
			RetryMultiplier:  2.0,
			RunBudget:        10 * time.Minute,
			HandleRetention:  time.Hour,
			EstimatedSeconds: 120,
			ModelFormat:      "glb",
			NegativePrompt:   "blurry, distorted, low quality",
			Steps:            25,
		},
		Recall: RecallConfig{
			Ranker:      "recency",
			FetchLimit:  20,
			BundleSize:  5,
			TokenBudget: 1024,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store driver: %s", c.Store.Driver))
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		errs = append(errs, "pipeline max_concurrent must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, "pipeline max_attempts must be positive")
	}
	if c.Pipeline.RunBudget <= 0 {
		errs = append(errs, "pipeline run_budget must be positive")
	}
	if c.Recall.BundleSize < 0 || c.Recall.FetchLimit < 0 {
		errs = append(errs, "recall limits must not be negative")
	}
	if c.Enhancer.Temperature < 0 || c.Enhancer.Temperature > 2 {
		errs = append(errs, "enhancer temperature must be between 0 and 2")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader loads configuration with a builder-style API.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DREAMFORGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load merges defaults, the YAML file, and environment overrides, then
// runs any registered validators.
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

// loadFromFile loads configuration from a YAML file. A missing file is
// not an error; defaults apply.
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

// loadFromEnv overrides configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from env vars keyed by
// the `env` struct tags joined with underscores.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
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
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
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

// setFieldValue parses an env string into a struct field.
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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

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
		// Comma-separated string slices only.
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

// MustLoad loads configuration or panics. Initialization use only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
