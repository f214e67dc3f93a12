package main

import (
	"testing"
)

func TestEchoReply(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ping", "pong"},
		{"hello", "hello"},
		{"", ""},
		{"PING", "PING"},
	}
	for _, tt := range tests {
		if got := string(echoReply([]byte(tt.in))); got != tt.want {
			t.Errorf("echoReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig_DefaultsWithoutPath(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Discovery.UDPPort != 53179 {
		t.Errorf("UDPPort = %d, want 53179", cfg.Discovery.UDPPort)
	}
	if _, err := loadConfig("/nonexistent/fleetlink.yaml"); err == nil {
		t.Error("loadConfig() should fail for a missing file")
	}
}

func TestNewGuard(t *testing.T) {
	cfg, _ := loadConfig("")
	if newGuard(cfg) == nil {
		t.Error("guard should be created when enabled")
	}
	cfg.Guard.Enabled = false
	if newGuard(cfg) != nil {
		t.Error("guard should be nil when disabled")
	}
}
