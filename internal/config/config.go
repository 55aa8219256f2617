// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML, TOML and JSON files with env var expansion, defaults and duration parsing

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server" json:"server"`
	Backend     BackendConfig     `yaml:"backend" toml:"backend" json:"backend"`
	Session     SessionConfig     `yaml:"session" toml:"session" json:"session"`
	Correlation CorrelationConfig `yaml:"correlation" toml:"correlation" json:"correlation"`
	MCP         MCPConfig         `yaml:"mcp" toml:"mcp" json:"mcp"`
	Database    DatabaseConfig    `yaml:"database" toml:"database" json:"database"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale" json:"tailscale"`
	Frontends   FrontendsConfig   `yaml:"frontends" toml:"frontends" json:"frontends"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging" json:"logging"`
}

// ServerConfig holds listener addresses and the HTTP route prefix
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" json:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" json:"grpc_addr"`
	// Endpoint is the path segment before /chat/completions, e.g. "v1"
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// BackendConfig selects and configures the upstream chat backend
type BackendConfig struct {
	Provider  string `yaml:"provider" toml:"provider" json:"provider"`
	Model     string `yaml:"model" toml:"model" json:"model"`
	APIURL    string `yaml:"api_url" toml:"api_url" json:"api_url"`
	APIKey    string `yaml:"api_key" toml:"api_key" json:"api_key"`
	AuthStyle string `yaml:"auth_style" toml:"auth_style" json:"auth_style"`
	Proxy     bool   `yaml:"proxy" toml:"proxy" json:"proxy"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	RawURL    bool   `yaml:"raw_url" toml:"raw_url" json:"raw_url"`
	// Peer is the peer id addressed by the graph provider
	Peer string `yaml:"peer" toml:"peer" json:"peer"`
	// Tools controls whether the tool catalogue is sent; unset means true
	Tools *bool `yaml:"tools" toml:"tools" json:"tools"`
}

// ToolsEnabled reports whether the tool catalogue should be sent upstream.
func (b BackendConfig) ToolsEnabled() bool {
	return b.Tools == nil || *b.Tools
}

// Session modes
const (
	SessionShared  = "shared"
	SessionPerUser = "per_user"
)

// Tool follow-up policies
const (
	FollowupNextTurn = "next_turn"
	FollowupReanswer = "reanswer"
)

// SessionConfig controls conversation sessions
type SessionConfig struct {
	Mode         string `yaml:"mode" toml:"mode" json:"mode"`
	ToolFollowup string `yaml:"tool_followup" toml:"tool_followup" json:"tool_followup"`
	MaxSessions  int    `yaml:"max_sessions" toml:"max_sessions" json:"max_sessions"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt" json:"system_prompt"`

	IdleTTL time.Duration `yaml:"-" toml:"-" json:"-"`

	// Raw string values for unmarshaling
	IdleTTLRaw string `yaml:"idle_ttl" toml:"idle_ttl" json:"idle_ttl"`
}

// CorrelationConfig holds pending-call timing
type CorrelationConfig struct {
	TTL          time.Duration `yaml:"-" toml:"-" json:"-"`
	ReapInterval time.Duration `yaml:"-" toml:"-" json:"-"`
	ToolTimeout  time.Duration `yaml:"-" toml:"-" json:"-"`

	// Raw string values for unmarshaling
	TTLRaw          string `yaml:"ttl" toml:"ttl" json:"ttl"`
	ReapIntervalRaw string `yaml:"reap_interval" toml:"reap_interval" json:"reap_interval"`
	ToolTimeoutRaw  string `yaml:"tool_timeout" toml:"tool_timeout" json:"tool_timeout"`
}

// MCPConfig holds the server identity reported by initialize and the
// external MCP servers whose tools are loaded at startup
type MCPConfig struct {
	Name    string            `yaml:"name" toml:"name" json:"name"`
	Version string            `yaml:"version" toml:"version" json:"version"`
	Servers []MCPServerConfig `yaml:"servers" toml:"servers" json:"servers"`

	ConnectTimeout    time.Duration `yaml:"-" toml:"-" json:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout" toml:"connect_timeout" json:"connect_timeout"`
}

// MCP server transports
const (
	MCPProtocolStreamable = "streamable"
	MCPProtocolSSE        = "sse"
	MCPProtocolStdio      = "stdio"
)

// MCPServerConfig describes one external MCP server. URL applies to the
// streamable and sse protocols; Command, Args and Env to stdio.
type MCPServerConfig struct {
	Name     string            `yaml:"name" toml:"name" json:"name"`
	Protocol string            `yaml:"protocol" toml:"protocol" json:"protocol"`
	URL      string            `yaml:"url" toml:"url" json:"url"`
	Command  string            `yaml:"command" toml:"command" json:"command"`
	Args     []string          `yaml:"args" toml:"args" json:"args"`
	Env      map[string]string `yaml:"env" toml:"env" json:"env"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" json:"path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname" json:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" json:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" json:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral" json:"ephemeral"`
}

// FrontendsConfig holds configuration for chat frontends
type FrontendsConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix" json:"matrix"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	Homeserver    string   `yaml:"homeserver" toml:"homeserver" json:"homeserver"`
	UserID        string   `yaml:"user_id" toml:"user_id" json:"user_id"`
	AccessToken   string   `yaml:"access_token" toml:"access_token" json:"access_token"`
	AllowedUsers  []string `yaml:"allowed_users" toml:"allowed_users" json:"allowed_users"`
	AllowedRooms  []string `yaml:"allowed_rooms" toml:"allowed_rooms" json:"allowed_rooms"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix" json:"command_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Default values applied by Load
const (
	DefaultHTTPAddr     = "0.0.0.0:8008"
	DefaultGRPCAddr     = "0.0.0.0:50051"
	DefaultEndpoint     = "v1"
	DefaultMaxSessions  = 1000
	DefaultIdleTTL      = 30 * time.Minute
	DefaultCallTTL      = 5 * time.Minute
	DefaultReapInterval = 10 * time.Second
	DefaultToolTimeout  = 60 * time.Second
	DefaultMCPName      = "relay-gateway"
	DefaultDatabasePath = "relay-gateway.db"

	DefaultMCPConnectTimeout = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// The format is chosen by extension: .yaml/.yml, .toml or .json.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content in the format named by ext.
func Parse(ext string, data []byte) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.GRPCAddr == "" && !c.Tailscale.Enabled {
		c.Server.GRPCAddr = DefaultGRPCAddr
	}
	c.Server.Endpoint = strings.Trim(c.Server.Endpoint, "/")
	if c.Server.Endpoint == "" {
		c.Server.Endpoint = DefaultEndpoint
	}

	c.Backend.Provider = strings.ToLower(c.Backend.Provider)

	if c.Session.Mode == "" {
		c.Session.Mode = SessionShared
	}
	if c.Session.ToolFollowup == "" {
		c.Session.ToolFollowup = FollowupNextTurn
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = DefaultMaxSessions
	}
	if c.Session.IdleTTLRaw == "" {
		c.Session.IdleTTL = DefaultIdleTTL
	}

	if c.Correlation.TTLRaw == "" {
		c.Correlation.TTL = DefaultCallTTL
	}
	if c.Correlation.ReapIntervalRaw == "" {
		c.Correlation.ReapInterval = DefaultReapInterval
	}
	if c.Correlation.ToolTimeoutRaw == "" {
		c.Correlation.ToolTimeout = DefaultToolTimeout
	}

	if c.MCP.Name == "" {
		c.MCP.Name = DefaultMCPName
	}
	if c.MCP.Version == "" {
		c.MCP.Version = "0.1.0"
	}
	if c.MCP.ConnectTimeoutRaw == "" {
		c.MCP.ConnectTimeout = DefaultMCPConnectTimeout
	}
	for i := range c.MCP.Servers {
		srv := &c.MCP.Servers[i]
		srv.Protocol = strings.ToLower(srv.Protocol)
		if srv.Protocol == "" {
			if srv.Command != "" {
				srv.Protocol = MCPProtocolStdio
			} else {
				srv.Protocol = MCPProtocolStreamable
			}
		}
	}

	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}

	if c.Frontends.Matrix.CommandPrefix == "" {
		c.Frontends.Matrix.CommandPrefix = "!relay"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Backend.Provider {
	case "":
		return fmt.Errorf("backend.provider is required")
	case "http", "gemini", "deepseek":
		if c.Backend.APIURL == "" {
			return fmt.Errorf("backend.api_url is required for provider %q", c.Backend.Provider)
		}
	case "graph":
		if c.Backend.Peer == "" {
			return fmt.Errorf("backend.peer is required for provider \"graph\"")
		}
	case "openai", "anthropic", "ollama":
	default:
		return fmt.Errorf("backend.provider %q is not supported", c.Backend.Provider)
	}
	if c.Backend.MaxTokens < 0 {
		return fmt.Errorf("backend.max_tokens must not be negative")
	}

	switch c.Session.Mode {
	case SessionShared, SessionPerUser:
	default:
		return fmt.Errorf("session.mode must be %q or %q, got %q", SessionShared, SessionPerUser, c.Session.Mode)
	}
	switch c.Session.ToolFollowup {
	case FollowupNextTurn, FollowupReanswer:
	default:
		return fmt.Errorf("session.tool_followup must be %q or %q, got %q", FollowupNextTurn, FollowupReanswer, c.Session.ToolFollowup)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}

	if c.MCP.ConnectTimeout <= 0 {
		return fmt.Errorf("mcp.connect_timeout must be positive")
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		if srv.Name == "" {
			return fmt.Errorf("mcp.servers[%d].name is required", i)
		}
		if seen[srv.Name] {
			return fmt.Errorf("mcp.servers: duplicate name %q", srv.Name)
		}
		seen[srv.Name] = true
		switch srv.Protocol {
		case MCPProtocolStreamable, MCPProtocolSSE:
			if srv.URL == "" {
				return fmt.Errorf("mcp server %q: url is required for protocol %q", srv.Name, srv.Protocol)
			}
		case MCPProtocolStdio:
			if srv.Command == "" {
				return fmt.Errorf("mcp server %q: command is required for protocol \"stdio\"", srv.Name)
			}
		default:
			return fmt.Errorf("mcp server %q: protocol must be streamable, sse or stdio, got %q", srv.Name, srv.Protocol)
		}
	}

	if c.Frontends.Matrix.Enabled {
		m := c.Frontends.Matrix
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("frontends.matrix requires homeserver, user_id and access_token")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session.idle_ttl", cfg.Session.IdleTTLRaw, &cfg.Session.IdleTTL},
		{"correlation.ttl", cfg.Correlation.TTLRaw, &cfg.Correlation.TTL},
		{"correlation.reap_interval", cfg.Correlation.ReapIntervalRaw, &cfg.Correlation.ReapInterval},
		{"correlation.tool_timeout", cfg.Correlation.ToolTimeoutRaw, &cfg.Correlation.ToolTimeout},
		{"mcp.connect_timeout", cfg.MCP.ConnectTimeoutRaw, &cfg.MCP.ConnectTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
