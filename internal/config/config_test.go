package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/fleetlink/internal/identity"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.Discovery.UDPPort != 53179 {
		t.Errorf("Discovery.UDPPort = %d, want 53179", cfg.Discovery.UDPPort)
	}
	if cfg.Discovery.BroadcastAddress != "255.255.255.255" {
		t.Errorf("Discovery.BroadcastAddress = %s", cfg.Discovery.BroadcastAddress)
	}
	if cfg.Discovery.BroadcastInterval != 5*time.Second {
		t.Errorf("Discovery.BroadcastInterval = %v, want 5s", cfg.Discovery.BroadcastInterval)
	}
	if cfg.Agent.TCPPort != 52179 {
		t.Errorf("Agent.TCPPort = %d, want 52179", cfg.Agent.TCPPort)
	}
	if cfg.Agent.AuthTimeout != 5*time.Second {
		t.Errorf("Agent.AuthTimeout = %v, want 5s", cfg.Agent.AuthTimeout)
	}
	if !cfg.Guard.Enabled || cfg.Guard.FailuresPerMinute != 6 || cfg.Guard.Burst != 3 {
		t.Errorf("Guard = %+v, want enabled 6/min burst 3", cfg.Guard)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
node:
  data_dir: "/var/lib/fleetlink"
  log_level: "debug"
  log_format: "json"

discovery:
  udp_port: 6000
  broadcast_address: "192.168.1.255"
  broadcast_interval: 2s

agent:
  tcp_address: "192.168.1.10"
  tcp_port: 6001
  auth_timeout: 3s

controller:
  dial_timeout: 1500ms
  database: "/tmp/hosts.db"

guard:
  enabled: false

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.LogFormat != "json" {
		t.Errorf("Node.LogFormat = %s, want json", cfg.Node.LogFormat)
	}
	if cfg.Discovery.UDPPort != 6000 || cfg.Discovery.BroadcastAddress != "192.168.1.255" {
		t.Errorf("Discovery = %+v", cfg.Discovery)
	}
	if cfg.Discovery.BroadcastInterval != 2*time.Second {
		t.Errorf("BroadcastInterval = %v, want 2s", cfg.Discovery.BroadcastInterval)
	}
	if cfg.Agent.TCPPort != 6001 || cfg.Agent.AuthTimeout != 3*time.Second {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Controller.DialTimeout != 1500*time.Millisecond {
		t.Errorf("Controller.DialTimeout = %v, want 1.5s", cfg.Controller.DialTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Controller.AuthTimeout != 5*time.Second {
		t.Errorf("Controller.AuthTimeout = %v, want default 5s", cfg.Controller.AuthTimeout)
	}
	if cfg.Guard.Enabled {
		t.Error("Guard.Enabled = true, want false")
	}
	if cfg.DatabasePath() != "/tmp/hosts.db" {
		t.Errorf("DatabasePath() = %s", cfg.DatabasePath())
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("node: [unclosed")); err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{"empty data dir", "node:\n  data_dir: \"\"\n", "node.data_dir is required"},
		{"invalid log level", "node:\n  log_level: loud\n", "invalid log_level"},
		{"invalid log format", "node:\n  log_format: xml\n", "invalid log_format"},
		{"udp port zero", "discovery:\n  udp_port: 0\n", "discovery.udp_port"},
		{"udp port too large", "discovery:\n  udp_port: 70000\n", "discovery.udp_port"},
		{"ipv6 broadcast", "discovery:\n  broadcast_address: \"ff02::1\"\n", "broadcast_address must be an IPv4"},
		{"zero interval", "discovery:\n  broadcast_interval: 0s\n", "broadcast_interval must be positive"},
		{"negative tcp port", "agent:\n  tcp_port: -1\n", "agent.tcp_port"},
		{"zero agent timeout", "agent:\n  auth_timeout: 0s\n", "agent.auth_timeout"},
		{"zero dial timeout", "controller:\n  dial_timeout: 0s\n", "controller.dial_timeout"},
		{"guard burst", "guard:\n  enabled: true\n  burst: 0\n", "guard.burst"},
		{"health no address", "health:\n  enabled: true\n  address: \"\"\n", "health.address is required"},
		{"bad pinned key", "keys:\n  controller_public_key: \"abcd\"\n", "keys.controller_public_key"},
		{"bad private key", "keys:\n  private_key: \"00\"\n", "keys.private_key"},
		{"both pinned forms", "keys:\n  controller_public_key: \"x\"\n  controller_public_key_file: \"y\"\n", "mutually exclusive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Node.LogLevel = "loud"
	cfg.Discovery.UDPPort = 0
	cfg.Agent.AuthTimeout = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"log_level", "udp_port", "auth_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error = %v, want to contain %q", err, want)
		}
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_DATA_DIR", "/custom/data")
	t.Setenv("TEST_UDP_PORT", "7000")

	cfg, err := Parse([]byte(`
node:
  data_dir: "${TEST_DATA_DIR}"
discovery:
  udp_port: $TEST_UDP_PORT
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "/custom/data" {
		t.Errorf("Node.DataDir = %s, want /custom/data", cfg.Node.DataDir)
	}
	if cfg.Discovery.UDPPort != 7000 {
		t.Errorf("Discovery.UDPPort = %d, want 7000", cfg.Discovery.UDPPort)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	os.Unsetenv("FLEETLINK_UNSET_VAR")

	cfg, err := Parse([]byte(`
node:
  data_dir: "${FLEETLINK_UNSET_VAR:-/default/path}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "/default/path" {
		t.Errorf("Node.DataDir = %s, want /default/path", cfg.Node.DataDir)
	}
}

func TestParse_EnvVarNotFound(t *testing.T) {
	os.Unsetenv("FLEETLINK_UNSET_VAR")

	cfg, err := Parse([]byte(`
node:
  data_dir: "${FLEETLINK_UNSET_VAR}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DataDir != "${FLEETLINK_UNSET_VAR}" {
		t.Errorf("Node.DataDir = %s, want the placeholder kept", cfg.Node.DataDir)
	}
}

func TestLoad(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() should fail for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  tcp_port: 9999\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.TCPPort != 9999 {
		t.Errorf("Agent.TCPPort = %d, want 9999", cfg.Agent.TCPPort)
	}
}

func TestPinnedControllerKey(t *testing.T) {
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	dir := t.TempDir()
	if err := kp.Store(dir); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	tests := []struct {
		name    string
		keys    KeysConfig
		want    *identity.PublicKey
		wantErr bool
	}{
		{"none", KeysConfig{}, nil, false},
		{"hex", KeysConfig{ControllerPublicKey: kp.PublicKey.String()}, &kp.PublicKey, false},
		{"file", KeysConfig{ControllerPublicKeyFile: filepath.Join(dir, "identity.pub")}, &kp.PublicKey, false},
		{"missing file", KeysConfig{ControllerPublicKeyFile: filepath.Join(dir, "nope.pub")}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Keys = tt.keys
			got, err := cfg.PinnedControllerKey()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("PinnedControllerKey() error = %v", err)
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("PinnedControllerKey() = %v, want %v", got, tt.want)
			}
			if got != nil && !got.Equal(*tt.want) {
				t.Errorf("PinnedControllerKey() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLoadKeypair(t *testing.T) {
	cfg := Default()
	cfg.Node.DataDir = t.TempDir()

	first, created, err := cfg.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair() error = %v", err)
	}
	if !created {
		t.Error("first LoadKeypair() should create a keypair")
	}

	again, created, err := cfg.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair() error = %v", err)
	}
	if created || !again.PublicKey.Equal(first.PublicKey) {
		t.Error("second LoadKeypair() should load the stored keypair")
	}

	inline := Default()
	inline.Node.DataDir = t.TempDir()
	inline.Keys.PrivateKey = first.Secret()
	kp, created, err := inline.LoadKeypair()
	if err != nil {
		t.Fatalf("inline LoadKeypair() error = %v", err)
	}
	if created || !kp.PublicKey.Equal(first.PublicKey) {
		t.Error("inline private key should produce the same identity")
	}
	if identity.KeypairExists(inline.Node.DataDir) {
		t.Error("inline private key should not write a key file")
	}
}

func TestKeyDirAndDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.Node.DataDir = "/data"

	if got := cfg.KeyDir(); got != "/data" {
		t.Errorf("KeyDir() = %s, want /data", got)
	}
	cfg.Keys.Dir = "/keys"
	if got := cfg.KeyDir(); got != "/keys" {
		t.Errorf("KeyDir() = %s, want /keys", got)
	}

	if got := cfg.DatabasePath(); got != filepath.Join("/data", "hosts.db") {
		t.Errorf("DatabasePath() = %s", got)
	}
	cfg.Controller.Database = "none"
	if got := cfg.DatabasePath(); got != "" {
		t.Errorf("DatabasePath() = %s, want disabled", got)
	}
}

func TestRedacted(t *testing.T) {
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	cfg := Default()
	cfg.Keys.PrivateKey = kp.Secret()

	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false with an inline key")
	}
	if strings.Contains(cfg.String(), kp.Secret()) {
		t.Error("String() leaked the private key")
	}
	if !strings.Contains(cfg.String(), redactedValue) {
		t.Error("String() missing redaction marker")
	}
	if !strings.Contains(cfg.StringUnsafe(), kp.Secret()) {
		t.Error("StringUnsafe() should include the private key")
	}
	if cfg.Keys.PrivateKey != kp.Secret() {
		t.Error("Redacted() modified the original config")
	}
	if Default().HasSensitiveData() {
		t.Error("default config reports sensitive data")
	}
}
