// Package sysinfo collects the system details an agent reports to its
// controller after the handshake.
package sysinfo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the fleetlink version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/fleetlink/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the process started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// enhanceDevVersion tags an unreleased build with its VCS revision, or with
// the start time when the binary carries no VCS information.
func enhanceDevVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		var rev string
		var dirty bool
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if rev != "" {
			if len(rev) > 7 {
				rev = rev[:7]
			}
			if dirty {
				rev += "-dirty"
			}
			return "dev-" + rev
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// messagePrefix marks a host info payload inside the encrypted session.
var messagePrefix = []byte("fleetlink-hostinfo:")

// ErrNotHostInfo is returned by Decode for ordinary application payloads.
var ErrNotHostInfo = errors.New("not a host info message")

// Info describes the host an agent runs on.
type Info struct {
	Hostname    string   `json:"hostname"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	CPUCores    int      `json:"cpu_cores"`
	Memory      uint64   `json:"memory"` // total bytes, 0 when unknown
	Version     string   `json:"version"`
	StartTime   int64    `json:"start_time"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() *Info {
	hostname, _ := os.Hostname()

	return &Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		Memory:      totalMemory(),
		Version:     Version,
		StartTime:   startTime.Unix(),
		IPAddresses: GetLocalIPs(),
	}
}

// Encode returns the session payload carrying info.
func (i *Info) Encode() ([]byte, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, messagePrefix...), data...), nil
}

// Decode parses a payload produced by Encode. Payloads without the host info
// prefix return ErrNotHostInfo.
func Decode(payload []byte) (*Info, error) {
	if !bytes.HasPrefix(payload, messagePrefix) {
		return nil, ErrNotHostInfo
	}
	var info Info
	if err := json.Unmarshal(payload[len(messagePrefix):], &info); err != nil {
		return nil, fmt.Errorf("decode host info: %w", err)
	}
	return &info, nil
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	// Limit to first 10 IPs to prevent payload bloat
	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
