package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cartridge/policyrt/internal/backend"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/safety"
	"github.com/cartridge/policyrt/internal/service"
	"github.com/cartridge/policyrt/internal/storage"
)

// EnvPrefix namespaces the environment variables read by Load.
const EnvPrefix = "POLICYRT"

// Config holds all runtime configuration
type Config struct {
	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server  ServerConfig  `mapstructure:"server"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Health  HealthConfig  `mapstructure:"health"`
}

// ServerConfig holds HTTP and gRPC listener configuration
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// RuntimeConfig fixes how every environment is built.
type RuntimeConfig struct {
	Shape            policy.Shape `mapstructure:"shape"`
	Backend          string       `mapstructure:"backend"`
	Epsilon          float32      `mapstructure:"epsilon"`
	Seed             int64        `mapstructure:"seed"`
	HiddenLayers     []int        `mapstructure:"hidden_layers"`
	Activations      []string     `mapstructure:"activations"`
	EnforceInvariant bool         `mapstructure:"enforce_invariant"`
	ActionMin        float32      `mapstructure:"action_min"`
	ActionMax        float32      `mapstructure:"action_max"`
}

// StorageConfig selects the checkpoint store
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Retention caps checkpoints kept per environment by the memory driver.
	// Zero keeps everything.
	Retention int `mapstructure:"retention"`
}

// NATSConfig holds NATS configuration. An empty URL disables publishing.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// ReplayConfig bounds the transition log
type ReplayConfig struct {
	MaxSize uint64 `mapstructure:"max_size"`
}

// WatchConfig names a weight file that serve loads into a new environment at
// startup and hot-swaps whenever it changes.
type WatchConfig struct {
	File     string        `mapstructure:"file"`
	Label    string        `mapstructure:"label"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// HealthConfig holds health monitoring configuration
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       0, // unlimited
			RateBurst:       0,
		},
		Runtime: RuntimeConfig{
			Shape:            policy.DefaultShape,
			Backend:          "auto",
			Epsilon:          policy.DefaultEpsilon,
			EnforceInvariant: true,
			ActionMin:        safety.DefaultBounds.Min,
			ActionMax:        safety.DefaultBounds.Max,
		},
		Storage: StorageConfig{Driver: "memory", Retention: storage.DefaultMemoryRetention},
		NATS:    NATSConfig{Subject: "policyrt.env"},
		Replay:  ReplayConfig{MaxSize: 100000},
		Watch:   WatchConfig{Debounce: 100 * time.Millisecond},
		Health:  HealthConfig{CheckInterval: 15 * time.Second},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if err := c.Runtime.Shape.Validate(); err != nil {
		return fmt.Errorf("runtime.shape: %w", err)
	}
	if _, err := backend.ByName(c.Runtime.Backend); err != nil {
		return fmt.Errorf("runtime.backend: %w", err)
	}
	if c.Runtime.Epsilon < 0 || c.Runtime.Epsilon > 1 {
		return fmt.Errorf("runtime.epsilon must be in [0, 1], got %v", c.Runtime.Epsilon)
	}
	if !(c.Runtime.ActionMin <= c.Runtime.ActionMax) {
		return fmt.Errorf("runtime.action_min %v exceeds action_max %v", c.Runtime.ActionMin, c.Runtime.ActionMax)
	}
	if !c.Runtime.Bounds().Within() {
		return fmt.Errorf("runtime.action_min/action_max must lie within [%g, %g], got [%g, %g]",
			safety.DefaultBounds.Min, safety.DefaultBounds.Max, c.Runtime.ActionMin, c.Runtime.ActionMax)
	}
	if _, err := c.Runtime.Architecture(); err != nil {
		return fmt.Errorf("runtime.hidden_layers: %w", err)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory", "":
	case "sqlite", "postgres", "postgresql":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.Retention < 0 {
		return errors.New("storage.retention must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("nats.subject is required when nats.url is set")
	}
	if c.Watch.File != "" && c.Watch.Debounce < 0 {
		return errors.New("watch.debounce must not be negative")
	}
	return nil
}

// Bounds returns the configured action bounds.
func (r RuntimeConfig) Bounds() safety.Bounds {
	return safety.Bounds{Min: r.ActionMin, Max: r.ActionMax}
}

// Architecture returns the TinyNetwork layout, or nil to use the default.
func (r RuntimeConfig) Architecture() (*policy.Architecture, error) {
	if len(r.HiddenLayers) == 0 && len(r.Activations) == 0 {
		return nil, nil
	}
	arch, err := policy.ArchitectureFor(r.Shape, r.HiddenLayers, r.Activations)
	if err != nil {
		return nil, err
	}
	return &arch, nil
}

// ServiceConfig translates the runtime section for the service layer.
func (r RuntimeConfig) ServiceConfig() (service.Config, error) {
	b, err := backend.ByName(r.Backend)
	if err != nil {
		return service.Config{}, err
	}
	arch, err := r.Architecture()
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		Shape:            r.Shape,
		Bounds:           r.Bounds(),
		EnforceInvariant: r.EnforceInvariant,
		Backend:          b,
		Epsilon:          r.Epsilon,
		Seed:             r.Seed,
		Architecture:     arch,
	}, nil
}

// PolicyOptions returns the policy options matching the runtime section, for
// tools that decode weights outside the service.
func (r RuntimeConfig) PolicyOptions() ([]policy.Option, error) {
	sc, err := r.ServiceConfig()
	if err != nil {
		return nil, err
	}
	opts := []policy.Option{policy.WithBackend(sc.Backend), policy.WithEpsilon(sc.Epsilon)}
	if sc.Seed != 0 {
		opts = append(opts, policy.WithSeed(sc.Seed))
	}
	if sc.Architecture != nil {
		opts = append(opts, policy.WithArchitecture(*sc.Architecture))
	}
	return opts, nil
}

// Logger builds the process logger.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "policyrt").Logger()
}

// SetDefaults registers every key with v so that environment variables are
// picked up by Unmarshal even when no file or flag sets them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("runtime.shape.obs", d.Runtime.Shape.Obs)
	v.SetDefault("runtime.shape.action", d.Runtime.Shape.Action)
	v.SetDefault("runtime.backend", d.Runtime.Backend)
	v.SetDefault("runtime.epsilon", d.Runtime.Epsilon)
	v.SetDefault("runtime.seed", d.Runtime.Seed)
	v.SetDefault("runtime.hidden_layers", []int{})
	v.SetDefault("runtime.activations", []string{})
	v.SetDefault("runtime.enforce_invariant", d.Runtime.EnforceInvariant)
	v.SetDefault("runtime.action_min", d.Runtime.ActionMin)
	v.SetDefault("runtime.action_max", d.Runtime.ActionMax)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dsn", d.Storage.DSN)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)
	v.SetDefault("replay.max_size", d.Replay.MaxSize)
	v.SetDefault("watch.file", d.Watch.File)
	v.SetDefault("watch.label", d.Watch.Label)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("health.check_interval", d.Health.CheckInterval)
}

// Load reads configuration from v: an optional config file (set with
// v.SetConfigFile before calling), POLICYRT_* environment variables and any
// flags already bound to v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
