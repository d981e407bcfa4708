// Package config loads agentloop settings from a TOML file, a .env file and
// AGENTLOOP_* environment variables, in that order of precedence (lowest
// first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/runloop"
)

// Duration is a time.Duration that decodes from strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all application configuration.
type Config struct {
	Provider  ProviderConfig  `toml:"provider"`
	Store     StoreConfig     `toml:"store"`
	Loop      LoopConfig      `toml:"loop"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	MCP       []MCPServer     `toml:"mcp"`
}

// ProviderConfig selects the model provider.
type ProviderConfig struct {
	Name        string  `toml:"name"` // "openai" or "anthropic"
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int64   `toml:"max_tokens"`
	APIKey      string  `toml:"api_key"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	Driver   string `toml:"driver"` // "memory", "sqlite" or "postgres"
	DSN      string `toml:"dsn"`    // file path for sqlite, connection URL for postgres
	PageSize int    `toml:"page_size"`
}

// LoopConfig mirrors runloop.Options.
type LoopConfig struct {
	Instructions     string   `toml:"instructions"`
	MaxIterations    int      `toml:"max_iterations"`
	MaxParallelTools int      `toml:"max_parallel_tools"`
	ConfirmationMode bool     `toml:"confirmation_mode"`
	StuckDetection   bool     `toml:"stuck_detection"`
	ProviderTimeout  Duration `toml:"provider_timeout"`
	ToolTimeout      Duration `toml:"tool_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
	Insecure    bool   `toml:"insecure"`
}

// MCPServer launches one MCP server over stdio.
type MCPServer struct {
	Name    string   `toml:"name"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Env     []string `toml:"env"`
	// Prefix namespaces the server's tools; defaults to Name.
	Prefix string `toml:"prefix"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Provider: ProviderConfig{Name: "openai", Temperature: 0.7, MaxTokens: 4096},
		Store:    StoreConfig{Driver: "memory"},
		Loop: LoopConfig{
			MaxIterations:    runloop.DefaultMaxIterations,
			MaxParallelTools: runloop.DefaultMaxParallelTools,
			StuckDetection:   true,
			ProviderTimeout:  Duration(2 * time.Minute),
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "agentloop"},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply. A .env file in the working directory is loaded
// first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envStr("AGENTLOOP_PROVIDER", &c.Provider.Name)
	envStr("AGENTLOOP_MODEL", &c.Provider.Model)
	envStr("AGENTLOOP_STORE_DRIVER", &c.Store.Driver)
	envStr("AGENTLOOP_STORE_DSN", &c.Store.DSN)
	envStr("AGENTLOOP_INSTRUCTIONS", &c.Loop.Instructions)
	envStr("AGENTLOOP_LOG_LEVEL", &c.Log.Level)
	envStr("AGENTLOOP_LOG_FORMAT", &c.Log.Format)
	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	return errors.Join(
		envInt("AGENTLOOP_MAX_ITERATIONS", &c.Loop.MaxIterations),
		envInt("AGENTLOOP_MAX_PARALLEL_TOOLS", &c.Loop.MaxParallelTools),
		envBool("AGENTLOOP_CONFIRMATION_MODE", &c.Loop.ConfirmationMode),
		envBool("AGENTLOOP_STUCK_DETECTION", &c.Loop.StuckDetection),
		envDuration("AGENTLOOP_PROVIDER_TIMEOUT", &c.Loop.ProviderTimeout),
		envDuration("AGENTLOOP_TOOL_TIMEOUT", &c.Loop.ToolTimeout),
	)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider.Name)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be positive")
	}
	if c.Loop.MaxParallelTools <= 0 {
		return fmt.Errorf("config: max_parallel_tools must be positive")
	}
	for i, s := range c.MCP {
		if s.Command == "" {
			return fmt.Errorf("config: mcp server %d has no command", i)
		}
	}
	return nil
}

// LoopOptions returns a runloop option function carrying the loop settings.
func (c Config) LoopOptions() func(o *runloop.Options) {
	return func(o *runloop.Options) {
		o.Instructions = c.Loop.Instructions
		o.MaxIterations = c.Loop.MaxIterations
		o.MaxParallelTools = c.Loop.MaxParallelTools
		o.ConfirmationMode = c.Loop.ConfirmationMode
		o.StuckDetection = c.Loop.StuckDetection
		o.ProviderTimeout = time.Duration(c.Loop.ProviderTimeout)
		o.ToolTimeout = time.Duration(c.Loop.ToolTimeout)
	}
}

// Logger builds the structured logger described by the log section.
func (c Config) Logger() *logging.StructuredLogger {
	return logging.NewSlogLogger(logging.ParseLevel(c.Log.Level), strings.ToLower(c.Log.Format), false)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a valid integer", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a valid boolean", key, v)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a valid duration", key, v)
	}
	*dst = Duration(d)
	return nil
}
