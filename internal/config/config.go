// Package config provides configuration parsing and validation for gatelink.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Gateway GatewayConfig `yaml:"gateway"`
	Invoke  InvokeConfig  `yaml:"invoke"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// AgentConfig contains agent identity settings.
type AgentConfig struct {
	DataDir    string `yaml:"data_dir"`    // Directory for persistent state (identity, pairing token)
	ClientName string `yaml:"client_name"` // Client name reported in the device assertion
	Role       string `yaml:"role"`        // Role reported in the device assertion
	LogLevel   string `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // text, json
}

// GatewayConfig defines the gateway connection.
type GatewayConfig struct {
	Endpoint string   `yaml:"endpoint"` // ws://, wss://, tcp:// or tls:// URL
	Encoding string   `yaml:"encoding"` // auto, ws, line
	Token    string   `yaml:"token"`    // Operator token; GATELINK_TOKEN overrides
	Scopes   []string `yaml:"scopes"`   // Scopes requested in the connect handshake

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PairingTimeout   time.Duration `yaml:"pairing_timeout"`

	TLS       TLSConfig       `yaml:"tls"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// TLSConfig defines TLS settings for the gateway connection.
type TLSConfig struct {
	CA                 string `yaml:"ca"`                   // CA certificate file path
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// InvokeConfig defines inbound invoke intake behavior.
type InvokeConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`     // Max pending invokes before eviction
	AutoApproveReads bool          `yaml:"auto_approve_reads"` // Execute read-kind invokes without approval
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`   // Auto-reject pending invokes after this
	RatePerMinute    int           `yaml:"rate_per_minute"`    // Inbound invoke rate limit (0 = unlimited)
}

// SandboxConfig defines the execution sandbox policy.
type SandboxConfig struct {
	// AllowedRoots are additional directories file operations may touch.
	// The agent data dir and its config dir are always allowed.
	AllowedRoots []string `yaml:"allowed_roots"`

	// AllowSystemConfig also permits reads under /etc/gatelink.
	AllowSystemConfig bool `yaml:"allow_system_config"`

	// CLIBin is the managed CLI binary invokable via run_command.
	CLIBin string `yaml:"cli_bin"`

	// ExtraCommands are additional allowlisted run_command prefixes.
	ExtraCommands []string `yaml:"extra_commands"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	OutputCap      string        `yaml:"output_cap"` // Per-stream capture cap, e.g. "256 KiB"
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`

	// PasswordHash is a bcrypt hash; when set, control requests must carry
	// the password in the Authorization header.
	PasswordHash string `yaml:"password_hash"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:    "./data",
			ClientName: "gatelink",
			Role:       "agent",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Gateway: GatewayConfig{
			Encoding:         "auto",
			Scopes:           []string{"diagnostics"},
			RequestTimeout:   120 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			PairingTimeout:   6 * time.Minute,
			Reconnect: ReconnectConfig{
				Enabled:      true,
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Invoke: InvokeConfig{
			QueueCapacity:    50,
			AutoApproveReads: false,
			ApprovalTimeout:  5 * time.Minute,
			RatePerMinute:    0,
		},
		Sandbox: SandboxConfig{
			CommandTimeout: 30 * time.Second,
			OutputCap:      "256 KiB",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Operator token may live in the environment rather than on disk.
	if token := os.Getenv("GATELINK_TOKEN"); token != "" {
		cfg.Gateway.Token = token
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Gateway.Endpoint == "" {
		errs = append(errs, "gateway.endpoint is required")
	} else if _, err := EncodingForEndpoint(c.Gateway.Endpoint, c.Gateway.Encoding); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.Gateway.Encoding {
	case "", "auto", "ws", "line":
	default:
		errs = append(errs, fmt.Sprintf("invalid gateway.encoding: %s (must be auto, ws, or line)", c.Gateway.Encoding))
	}
	if c.Gateway.RequestTimeout <= 0 {
		errs = append(errs, "gateway.request_timeout must be positive")
	}
	if c.Gateway.HandshakeTimeout <= 0 {
		errs = append(errs, "gateway.handshake_timeout must be positive")
	}

	if c.Invoke.QueueCapacity < 1 {
		errs = append(errs, "invoke.queue_capacity must be positive")
	}
	if c.Invoke.RatePerMinute < 0 {
		errs = append(errs, "invoke.rate_per_minute must not be negative")
	}

	if c.Sandbox.CommandTimeout <= 0 {
		errs = append(errs, "sandbox.command_timeout must be positive")
	}
	if _, err := c.Sandbox.OutputCapBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid sandbox.output_cap: %v", err))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// OutputCapBytes parses the sandbox output cap into a byte count.
func (s SandboxConfig) OutputCapBytes() (int64, error) {
	if s.OutputCap == "" {
		return 256 * 1024, nil
	}
	n, err := humanize.ParseBytes(s.OutputCap)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s.OutputCap, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("output cap must be positive")
	}
	return int64(n), nil
}

// EncodingForEndpoint resolves the wire encoding for an endpoint URL.
// With encoding "auto" (or empty) the URL scheme decides: ws/wss use the
// WebSocket encoding, tcp/tls use the line-delimited encoding.
func EncodingForEndpoint(endpoint, encoding string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid gateway.endpoint %q: %w", endpoint, err)
	}

	switch encoding {
	case "ws", "line":
		return encoding, nil
	case "", "auto":
	default:
		return "", fmt.Errorf("invalid encoding %q", encoding)
	}

	switch u.Scheme {
	case "ws", "wss":
		return "ws", nil
	case "tcp", "tls":
		return "line", nil
	default:
		return "", fmt.Errorf("unsupported gateway.endpoint scheme %q (want ws, wss, tcp, or tls)", u.Scheme)
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}
