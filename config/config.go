// Package config loads MassGen configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (MASSGEN_ prefix, runtime override)
//  2. Config file (massgen.yaml in the working directory or ~/.massgen/)
//  3. Default values
//
// MCP servers are declared explicitly under the mcp.servers map; there is no
// auto-detection. Env values in a server block support the $VAR_NAME syntax
// for referencing process environment variables, so secrets stay out of the
// config file.
//
// Error Handling:
//   - Uses sentinel errors for errors.Is() checks
//   - Wraps with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deepmindru-afk/MassGen/mcptools"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidMaxRetries indicates the retry count is out of range.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidMaxFailures indicates the breaker threshold is out of range.
	ErrInvalidMaxFailures = errors.New("invalid max failures")

	// ErrInvalidCooldown indicates the breaker cooldown is out of range.
	ErrInvalidCooldown = errors.New("invalid cooldown")

	// ErrInvalidMaxHistory indicates the history bound is out of range.
	ErrInvalidMaxHistory = errors.New("invalid max history")

	// ErrInvalidServer indicates an MCP server entry is malformed.
	ErrInvalidServer = errors.New("invalid MCP server")
)

// MCPServer is a single server entry under mcp.servers.
type MCPServer struct {
	Transport string            `mapstructure:"transport" json:"transport"` // "stdio" (default with command) or "streamable_http"
	Command   string            `mapstructure:"command" json:"command"`
	Args      []string          `mapstructure:"args" json:"args"`
	Env       map[string]string `mapstructure:"env" json:"env"`
	URL       string            `mapstructure:"url" json:"url"`
	Headers   map[string]string `mapstructure:"headers" json:"headers"`
}

// MCPSettings groups the non-server MCP knobs.
type MCPSettings struct {
	// Allowed is a tool whitelist; empty means all tools.
	Allowed []string `mapstructure:"allowed" json:"allowed"`

	// Excluded is a tool blacklist; it takes precedence over Allowed.
	Excluded []string `mapstructure:"excluded" json:"excluded"`

	// ConnectTimeout bounds each server dial, in seconds.
	ConnectTimeout int `mapstructure:"connect_timeout" json:"connect_timeout"`

	// MaxRetries bounds tool-call attempts.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`

	// MaxFailures is the circuit-breaker threshold per server.
	MaxFailures int `mapstructure:"max_failures" json:"max_failures"`

	// CooldownSeconds is how long a blocked server stays out of rotation.
	CooldownSeconds int `mapstructure:"cooldown_seconds" json:"cooldown_seconds"`

	// MaxHistory bounds conversation history during tool loops.
	MaxHistory int `mapstructure:"max_history" json:"max_history"`
}

// Config stores application configuration.
type Config struct {
	MCP        MCPSettings          `mapstructure:"mcp" json:"mcp"`
	MCPServers map[string]MCPServer `mapstructure:"mcp_servers" json:"mcp_servers"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	v.SetConfigName("massgen")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(home, ".massgen"))

	setDefaults(v)

	v.SetEnvPrefix("MASSGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"config_name", "massgen.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mcp.connect_timeout", 30)
	v.SetDefault("mcp.max_retries", 3)
	v.SetDefault("mcp.max_failures", 3)
	v.SetDefault("mcp.cooldown_seconds", 30)
	v.SetDefault("mcp.max_history", mcptools.DefaultMaxHistory)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// Validate checks all values and fails fast with a sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.MCP.MaxRetries < 1 || c.MCP.MaxRetries > 100 {
		return fmt.Errorf("%w: %d (must be 1-100)", ErrInvalidMaxRetries, c.MCP.MaxRetries)
	}
	if c.MCP.MaxFailures < 1 || c.MCP.MaxFailures > 100 {
		return fmt.Errorf("%w: %d (must be 1-100)", ErrInvalidMaxFailures, c.MCP.MaxFailures)
	}
	if c.MCP.CooldownSeconds < 1 {
		return fmt.Errorf("%w: %d (must be positive)", ErrInvalidCooldown, c.MCP.CooldownSeconds)
	}
	if c.MCP.MaxHistory < 2 {
		return fmt.Errorf("%w: %d (must be at least 2)", ErrInvalidMaxHistory, c.MCP.MaxHistory)
	}
	for name, srv := range c.MCPServers {
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("%w: %q needs a command or url", ErrInvalidServer, name)
		}
	}
	return nil
}

// ServerConfigs converts the configured server map into descriptors for
// session setup, resolving $VAR_NAME env references against the process
// environment.
func (c *Config) ServerConfigs() []mcptools.ServerConfig {
	servers := make([]mcptools.ServerConfig, 0, len(c.MCPServers))
	for name, srv := range c.MCPServers {
		servers = append(servers, mcptools.ServerConfig{
			Name:      name,
			Transport: mcptools.Transport(srv.Transport),
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       resolveEnvVars(srv.Env),
			URL:       srv.URL,
			Headers:   srv.Headers,
		})
	}
	return servers
}

// BreakerConfig builds circuit-breaker settings from the loaded values.
func (c *Config) BreakerConfig() mcptools.BreakerConfig {
	return mcptools.BreakerConfig{
		MaxFailures: c.MCP.MaxFailures,
		Cooldown:    time.Duration(c.MCP.CooldownSeconds) * time.Second,
	}
}

// resolveEnvVars resolves environment variable references in $VAR_NAME form.
//
// Example:
//
//	Input:  {"API_KEY": "$GITHUB_TOKEN"}
//	Output: {"API_KEY": "actual_token_value"}
func resolveEnvVars(envMap map[string]string) map[string]string {
	if envMap == nil {
		return nil
	}
	resolved := make(map[string]string, len(envMap))
	for key, value := range envMap {
		if name, ok := strings.CutPrefix(value, "$"); ok {
			if actual, exists := os.LookupEnv(name); exists {
				resolved[key] = actual
				continue
			}
			slog.Warn("environment variable not set, keeping literal value",
				"variable", name, "key", key)
		}
		resolved[key] = value
	}
	return resolved
}
