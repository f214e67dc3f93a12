// Package store persists the controller's inventory of agents it has
// authenticated.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a host does not exist.
var ErrNotFound = errors.New("host not found")

// Store is the host inventory. Implementations must be safe for concurrent
// use.
type Store interface {
	// UpsertHost records an authenticated agent. A new fingerprint gets a
	// fresh ID and FirstSeen; a known one has its address, key and LastSeen
	// updated. The stored record is returned.
	UpsertHost(ctx context.Context, h *Host) (*Host, error)

	// TouchHost updates LastSeen for fingerprint.
	TouchHost(ctx context.Context, fingerprint string, t time.Time) error

	GetHost(ctx context.Context, fingerprint string) (*Host, error)
	ListHosts(ctx context.Context) ([]*Host, error)
	SetLabel(ctx context.Context, fingerprint, label string) error

	// SetAttributes stores the system details an agent reported.
	SetAttributes(ctx context.Context, fingerprint string, attrs Attributes) error
	DeleteHost(ctx context.Context, fingerprint string) error

	// Close releases database resources.
	Close() error
}

// Host is the persistent record of an agent.
type Host struct {
	ID               string    `json:"id"`
	Fingerprint      string    `json:"fingerprint"`
	PublicKey        string    `json:"public_key"`
	Label            string    `json:"label,omitempty"`
	LastKnownAddress string    `json:"last_known_address"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`

	Attributes
}

// Attributes are self-reported by the agent after authentication and are
// informational only.
type Attributes struct {
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
	CPUCores int    `json:"cpu_cores,omitempty"`
	Memory   int64  `json:"memory,omitempty"` // total bytes, 0 when unknown
	Version  string `json:"version,omitempty"`
}
