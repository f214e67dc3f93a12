package sysinfo

import (
	"errors"
	"runtime"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "dev" {
		t.Error("Version should not be plain 'dev'")
	}
	if !strings.HasPrefix(Version, "dev-") && !strings.HasPrefix(Version, "v") {
		t.Errorf("Version %q has unexpected format", Version)
	}
}

func TestEnhanceDevVersion(t *testing.T) {
	version := enhanceDevVersion()
	if !strings.HasPrefix(version, "dev-") || version == "dev-" {
		t.Errorf("enhanceDevVersion() = %q, want dev-<suffix>", version)
	}
}

func TestCollect(t *testing.T) {
	info := Collect()
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("Collect() = %s/%s, want %s/%s", info.OS, info.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if info.CPUCores < 1 {
		t.Errorf("CPUCores = %d", info.CPUCores)
	}
	if info.StartTime == 0 {
		t.Error("StartTime not set")
	}
	if runtime.GOOS == "linux" && info.Memory == 0 {
		t.Error("Memory should be reported on linux")
	}
	if len(info.IPAddresses) > 10 {
		t.Errorf("IPAddresses has %d entries, want at most 10", len(info.IPAddresses))
	}
}

func TestEncodeDecode(t *testing.T) {
	in := &Info{Hostname: "edge-1", OS: "linux", Arch: "amd64", CPUCores: 8, Memory: 16 << 30, Version: "v1.0.0"}
	payload, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	out, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Hostname != in.Hostname || out.CPUCores != in.CPUCores || out.Memory != in.Memory || out.Version != in.Version {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		notInfo bool
	}{
		{"ping", "ping", true},
		{"empty", "", true},
		{"bare json", `{"hostname":"x"}`, true},
		{"prefix with garbage", "fleetlink-hostinfo:{", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrNotHostInfo); got != tt.notInfo {
				t.Errorf("errors.Is(err, ErrNotHostInfo) = %v, want %v", got, tt.notInfo)
			}
		})
	}
}
