// Package config provides configuration loading and validation for ember.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the ember configuration file.
type Config struct {
	Relay RelayConfig `toml:"relay"`
	API   APIConfig   `toml:"api"`
	Agent AgentConfig `toml:"agent"`
	Chat  ChatConfig  `toml:"chat"`
	Log   LogConfig   `toml:"log"`
}

// RelayConfig configures the delegation socket server.
type RelayConfig struct {
	// Bind is the TCP address agents connect to.
	Bind string `toml:"bind"`
	// StaleAfter is the silence window before a connection is evicted.
	StaleAfter string `toml:"stale-after"`
	// SweepInterval is how often stale connections are checked.
	SweepInterval string `toml:"sweep-interval"`
	// OperationTimeout bounds each delegated operation.
	OperationTimeout string `toml:"operation-timeout"`
	// PingInterval is how often the server pings each agent connection.
	PingInterval string `toml:"ping-interval"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Bind string `toml:"bind"`
}

// AgentConfig configures the file-operation agent.
type AgentConfig struct {
	// Server is the relay address the agent connects to.
	Server string `toml:"server"`
	// BaseDelay is the first reconnect delay.
	BaseDelay string `toml:"base-delay"`
	// MaxAttempts caps consecutive failed connection attempts.
	MaxAttempts int `toml:"max-attempts"`
	// HeartbeatInterval is how often the agent sends heartbeats.
	HeartbeatInterval string `toml:"heartbeat-interval"`
}

// ChatConfig configures the assistant collaborator command.
type ChatConfig struct {
	// Command is the assistant CLI invoked with the prompt on stdin.
	Command string `toml:"command"`
	// Args are extra arguments passed to the command.
	Args []string `toml:"args"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// Defaults.
const (
	DefaultRelayBind        = ":8315"
	DefaultAPIBind          = ":8316"
	DefaultServerAddr       = "127.0.0.1:8315"
	DefaultStaleAfter       = 5 * time.Minute
	DefaultSweepInterval    = 60 * time.Second
	DefaultOperationTimeout = 30 * time.Second
	DefaultBaseDelay        = 1 * time.Second
	DefaultMaxAttempts      = 5
	DefaultHeartbeat        = 30 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

// Path returns the path to the ember config file.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ember", "config.toml"), nil
}

// Load reads the config from the default path.
// Returns defaults if the file doesn't exist.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads the config from a specific path.
// Returns defaults if the file doesn't exist.
func LoadFromPath(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every duration field parses.
func (c *Config) Validate() error {
	fields := map[string]string{
		"relay.stale-after":        c.Relay.StaleAfter,
		"relay.sweep-interval":     c.Relay.SweepInterval,
		"relay.operation-timeout":  c.Relay.OperationTimeout,
		"relay.ping-interval":      c.Relay.PingInterval,
		"agent.base-delay":         c.Agent.BaseDelay,
		"agent.heartbeat-interval": c.Agent.HeartbeatInterval,
	}
	for key, val := range fields {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
	}
	if c.Agent.MaxAttempts < 0 {
		return fmt.Errorf("invalid agent.max-attempts %d: must not be negative", c.Agent.MaxAttempts)
	}
	return nil
}

// duration parses a validated duration string with a fallback.
func duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// RelayBind returns the configured relay bind address or the default.
func (c *Config) RelayBind() string {
	if c != nil && c.Relay.Bind != "" {
		return c.Relay.Bind
	}
	return DefaultRelayBind
}

// APIBind returns the configured API bind address or the default.
func (c *Config) APIBind() string {
	if c != nil && c.API.Bind != "" {
		return c.API.Bind
	}
	return DefaultAPIBind
}

// ServerAddr returns the relay address agents connect to.
func (c *Config) ServerAddr() string {
	if c != nil && c.Agent.Server != "" {
		return c.Agent.Server
	}
	return DefaultServerAddr
}

// StaleAfter returns the connection staleness window.
func (c *Config) StaleAfter() time.Duration {
	if c == nil {
		return DefaultStaleAfter
	}
	return duration(c.Relay.StaleAfter, DefaultStaleAfter)
}

// SweepInterval returns the registry sweep period.
func (c *Config) SweepInterval() time.Duration {
	if c == nil {
		return DefaultSweepInterval
	}
	return duration(c.Relay.SweepInterval, DefaultSweepInterval)
}

// OperationTimeout returns the delegation budget.
func (c *Config) OperationTimeout() time.Duration {
	if c == nil {
		return DefaultOperationTimeout
	}
	return duration(c.Relay.OperationTimeout, DefaultOperationTimeout)
}

// PingInterval returns the server's per-connection ping period.
func (c *Config) PingInterval() time.Duration {
	if c == nil {
		return DefaultPingInterval
	}
	return duration(c.Relay.PingInterval, DefaultPingInterval)
}

// BaseDelay returns the agent's first reconnect delay.
func (c *Config) BaseDelay() time.Duration {
	if c == nil {
		return DefaultBaseDelay
	}
	return duration(c.Agent.BaseDelay, DefaultBaseDelay)
}

// MaxAttempts returns the agent's reconnect attempt cap.
func (c *Config) MaxAttempts() int {
	if c != nil && c.Agent.MaxAttempts > 0 {
		return c.Agent.MaxAttempts
	}
	return DefaultMaxAttempts
}

// HeartbeatInterval returns the agent heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	if c == nil {
		return DefaultHeartbeat
	}
	return duration(c.Agent.HeartbeatInterval, DefaultHeartbeat)
}
