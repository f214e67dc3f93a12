// Package config provides configuration parsing and validation for fleetlink.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/fleetlink/internal/crypto"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
)

// Config represents the complete node configuration. One file serves both
// roles; each role reads the sections it needs.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Keys       KeysConfig       `yaml:"keys"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Agent      AgentConfig      `yaml:"agent"`
	Controller ControllerConfig `yaml:"controller"`
	Guard      GuardConfig      `yaml:"guard"`
	Health     HealthConfig     `yaml:"health"`
}

// NodeConfig contains process level settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// KeysConfig locates the node identity and the optional pinned controller key.
type KeysConfig struct {
	// Dir holds identity.key and identity.pub. Defaults to node.data_dir.
	Dir string `yaml:"dir"`

	// PrivateKey is hex(seed || box key). When set it replaces the key file.
	PrivateKey string `yaml:"private_key"`

	// ControllerPublicKey pins the controller an agent accepts (hex).
	ControllerPublicKey string `yaml:"controller_public_key"`

	// ControllerPublicKeyFile pins the controller from an identity.pub file.
	ControllerPublicKeyFile string `yaml:"controller_public_key_file"`
}

// DiscoveryConfig defines the UDP announcement settings.
type DiscoveryConfig struct {
	UDPPort           int           `yaml:"udp_port"`
	BroadcastAddress  string        `yaml:"broadcast_address"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// AgentConfig defines the agent TCP acceptor.
type AgentConfig struct {
	TCPAddress  string        `yaml:"tcp_address"`
	TCPPort     int           `yaml:"tcp_port"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// ReportHostInfo sends hostname, OS, arch and CPU count to the controller.
	ReportHostInfo bool `yaml:"report_host_info"`
}

// ControllerConfig defines the controller side.
type ControllerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	AuthTimeout   time.Duration `yaml:"auth_timeout"`

	// Database is the SQLite host inventory. Defaults to
	// <data_dir>/hosts.db; "none" disables the inventory.
	Database string `yaml:"database"`
}

// GuardConfig defines failed handshake rate limiting.
type GuardConfig struct {
	Enabled           bool `yaml:"enabled"`
	FailuresPerMinute int  `yaml:"failures_per_minute"`
	Burst             int  `yaml:"burst"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Discovery: DiscoveryConfig{
			UDPPort:           53179,
			BroadcastAddress:  "255.255.255.255",
			BroadcastInterval: 5 * time.Second,
		},
		Agent: AgentConfig{
			TCPAddress:     "0.0.0.0",
			TCPPort:        52179,
			AuthTimeout:    5 * time.Second,
			ReportHostInfo: true,
		},
		Controller: ControllerConfig{
			ListenAddress: "0.0.0.0",
			DialTimeout:   5 * time.Second,
			AuthTimeout:   5 * time.Second,
		},
		Guard: GuardConfig{
			Enabled:           true,
			FailuresPerMinute: 6,
			Burst:             3,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unset variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !logging.ValidLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Keys.PrivateKey != "" {
		if _, err := identity.ParseSecret(c.Keys.PrivateKey); err != nil {
			errs = append(errs, fmt.Sprintf("keys.private_key: %v", err))
		}
	}
	if c.Keys.ControllerPublicKey != "" && c.Keys.ControllerPublicKeyFile != "" {
		errs = append(errs, "keys.controller_public_key and keys.controller_public_key_file are mutually exclusive")
	}
	if c.Keys.ControllerPublicKey != "" {
		if _, err := identity.ParsePublicKeyHex(c.Keys.ControllerPublicKey); err != nil {
			errs = append(errs, fmt.Sprintf("keys.controller_public_key: %v", err))
		}
	}

	if !isValidPort(c.Discovery.UDPPort) {
		errs = append(errs, fmt.Sprintf("discovery.udp_port must be between 1 and 65535, got %d", c.Discovery.UDPPort))
	}
	if ip := net.ParseIP(c.Discovery.BroadcastAddress); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Sprintf("discovery.broadcast_address must be an IPv4 address: %q", c.Discovery.BroadcastAddress))
	}
	if c.Discovery.BroadcastInterval <= 0 {
		errs = append(errs, "discovery.broadcast_interval must be positive")
	}

	if c.Agent.TCPPort < 0 || c.Agent.TCPPort > 65535 {
		errs = append(errs, fmt.Sprintf("agent.tcp_port must be between 0 and 65535, got %d", c.Agent.TCPPort))
	}
	if c.Agent.AuthTimeout <= 0 {
		errs = append(errs, "agent.auth_timeout must be positive")
	}

	if c.Controller.DialTimeout <= 0 {
		errs = append(errs, "controller.dial_timeout must be positive")
	}
	if c.Controller.AuthTimeout <= 0 {
		errs = append(errs, "controller.auth_timeout must be positive")
	}

	if c.Guard.Enabled {
		if c.Guard.FailuresPerMinute < 1 {
			errs = append(errs, "guard.failures_per_minute must be positive")
		}
		if c.Guard.Burst < 1 {
			errs = append(errs, "guard.burst must be positive")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// KeyDir returns the directory holding the node identity.
func (c *Config) KeyDir() string {
	if c.Keys.Dir != "" {
		return c.Keys.Dir
	}
	return c.Node.DataDir
}

// LoadKeypair returns the node identity. An inline private key takes
// precedence; otherwise the key file is loaded, or created when missing.
// The boolean reports whether a new keypair was written.
func (c *Config) LoadKeypair() (*identity.Keypair, bool, error) {
	if c.Keys.PrivateKey != "" {
		kp, err := identity.ParseSecret(c.Keys.PrivateKey)
		if err != nil {
			return nil, false, fmt.Errorf("keys.private_key: %w", err)
		}
		return kp, false, nil
	}
	return identity.LoadOrCreateKeypair(c.KeyDir(), crypto.Provider{}.GenerateKeypair)
}

// PinnedControllerKey returns the controller key the agent must see, or nil
// when none is configured (trust on first use).
func (c *Config) PinnedControllerKey() (*identity.PublicKey, error) {
	switch {
	case c.Keys.ControllerPublicKey != "":
		key, err := identity.ParsePublicKeyHex(c.Keys.ControllerPublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys.controller_public_key: %w", err)
		}
		return &key, nil
	case c.Keys.ControllerPublicKeyFile != "":
		key, err := identity.ReadPublicKeyFile(c.Keys.ControllerPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("keys.controller_public_key_file: %w", err)
		}
		return &key, nil
	default:
		return nil, nil
	}
}

// DatabasePath returns the host inventory path, or "" when disabled.
func (c *Config) DatabasePath() string {
	switch c.Controller.Database {
	case "none":
		return ""
	case "":
		return filepath.Join(c.Node.DataDir, "hosts.db")
	default:
		return c.Controller.Database
	}
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with private key material redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Keys.PrivateKey != "" {
		redacted.Keys.PrivateKey = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config embeds private key material.
func (c *Config) HasSensitiveData() bool {
	return c.Keys.PrivateKey != ""
}
