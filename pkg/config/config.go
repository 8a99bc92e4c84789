package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	envConfigPath = "SESSIONBUS_CONFIG"
	envPrefix     = "SESSIONBUS_"
)

// ErrNotFound is returned by LoadConfig when no config file exists in any
// of the searched locations.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json or
// config.yaml.
type Config struct {
	Bus       BusConfig       `json:"bus" yaml:"bus" envPrefix:"BUS_"`
	Store     StoreConfig     `json:"store" yaml:"store" envPrefix:"STORE_"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing" envPrefix:"TRACING_"`
	Server    ServerConfig    `json:"server" yaml:"server" envPrefix:"SERVER_"`
	EventsLog EventsLogConfig `json:"events_log" yaml:"events_log" envPrefix:"EVENTS_LOG_"`
}

// BusConfig tunes dispatch behaviour.
type BusConfig struct {
	// StrictHandlerErrors makes Publish return event handler failures
	// instead of reporting them as EventHandlerFailed events.
	StrictHandlerErrors   bool     `json:"strict_handler_errors" yaml:"strict_handler_errors" env:"STRICT_HANDLER_ERRORS"`
	PollInterval          Duration `json:"poll_interval" yaml:"poll_interval" env:"POLL_INTERVAL"`
	StopTimeout           Duration `json:"stop_timeout" yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	MaxConcurrentHandlers int      `json:"max_concurrent_handlers" yaml:"max_concurrent_handlers" env:"MAX_CONCURRENT_HANDLERS"`
}

// StoreConfig selects where pending scheduled events are kept across
// restarts.
type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver" env:"DRIVER"`
	Path   string      `json:"path,omitempty" yaml:"path,omitempty" env:"PATH"`
	Codec  string      `json:"codec,omitempty" yaml:"codec,omitempty" env:"CODEC"`
	Redis  RedisConfig `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig configures the redis store driver.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"ADDR"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	Key      string `json:"key" yaml:"key" env:"KEY"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// MetricsConfig toggles prometheus instrumentation of the bus.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// TracingConfig configures OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `json:"insecure" yaml:"insecure" env:"INSECURE"`
	ServiceName string  `json:"service_name" yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// ServerConfig configures the HTTP status server bind address.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"HOST"`
	Port int    `json:"port" yaml:"port" env:"PORT"`
}

// Addr joins host and port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EventsLogConfig enables the JSONL event log.
type EventsLogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Dir     string `json:"dir" yaml:"dir" env:"DIR"`
}

// Duration is a time.Duration that reads and writes as "1s", "250ms", ...
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}

	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Bus: BusConfig{
			PollInterval: Duration(time.Second),
			StopTimeout:  Duration(2 * time.Second),
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   filepath.Join("data", "scheduled_events.json"),
			Codec:  "json",
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "sessionbus:scheduled",
			},
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "sessionbus",
			SampleRatio: 1,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18790,
		},
		EventsLog: EventsLogConfig{
			Dir: "logs",
		},
	}
}

// LoadConfig resolves the config file, parses it over Default and applies
// environment overrides. ErrNotFound is returned when no file exists.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile parses one config file. .yaml/.yml files are read as YAML,
// anything else as JSON with comments allowed.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(content), &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FromEnv returns Default with environment overrides applied, for runs
// without a config file.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides injects SESSIONBUS_* settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}

	return nil
}

var (
	storeDrivers = []string{"memory", "file", "sqlite", "badger", "redis"}
	storeCodecs  = []string{"json", "cbor"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		return fmt.Errorf("store.driver %q is not one of %s", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	if c.Store.Codec != "" && !slices.Contains(storeCodecs, c.Store.Codec) {
		return fmt.Errorf("store.codec %q is not one of %s", c.Store.Codec, strings.Join(storeCodecs, ", "))
	}
	if c.Store.Driver == "file" || c.Store.Driver == "sqlite" {
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	}
	if c.Store.Driver == "redis" && strings.TrimSpace(c.Store.Redis.Addr) == "" {
		return errors.New("store.redis.addr is required for the redis driver")
	}
	if c.Bus.PollInterval < 0 || c.Bus.StopTimeout < 0 {
		return errors.New("bus durations must not be negative")
	}
	if c.Bus.MaxConcurrentHandlers < 0 {
		return errors.New("bus.max_concurrent_handlers must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio %v must be within [0, 1]", c.Tracing.SampleRatio)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is SESSIONBUS_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s)", ErrNotFound, strings.Join(candidates, ", "))
}
