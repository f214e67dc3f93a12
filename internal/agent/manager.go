// Package agent implements the agent side connection manager. It runs the
// TCP acceptor and the UDP broadcaster together and advertises only while no
// controller is attached.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/fleetlink/internal/discovery"
	"github.com/postalsys/fleetlink/internal/guard"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/protocol"
	"github.com/postalsys/fleetlink/internal/sysinfo"
	"github.com/postalsys/fleetlink/internal/transport"
)

// Config configures an agent Manager.
type Config struct {
	Keypair   *identity.Keypair
	PinnedKey *identity.PublicKey

	// TCP side
	TCPAddress  string
	TCPPort     int
	AuthTimeout time.Duration

	// Discovery side
	UDPPort           int
	BroadcastAddress  string
	BroadcastInterval time.Duration

	// ReportHostInfo sends sysinfo.Collect() to each controller right after
	// it authenticates.
	ReportHostInfo bool

	// Sink receives connection events after the manager has reacted to them.
	Sink transport.EventSink

	Guard   *guard.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager couples the acceptor and the broadcaster.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	acceptor    *transport.Acceptor
	broadcaster *discovery.Broadcaster

	// mu serializes broadcaster toggling against Start and Stop.
	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Manager. Nothing is bound until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("agent keypair is required")
	}

	m := &Manager{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "agent"),
	}

	acceptor, err := transport.NewAcceptor(transport.AcceptorConfig{
		Address:     cfg.TCPAddress,
		Port:        cfg.TCPPort,
		Keypair:     cfg.Keypair,
		PinnedKey:   cfg.PinnedKey,
		AuthTimeout: cfg.AuthTimeout,
		Sink:        transport.EventFunc(m.handleEvent),
		Guard:       cfg.Guard,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.acceptor = acceptor
	return m, nil
}

// Start binds the TCP port and begins broadcasting its number.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return transport.ErrClosed
	}
	if m.started {
		return nil
	}

	if err := m.acceptor.Start(); err != nil {
		return err
	}

	// Announce the bound port so an ephemeral TCP port still works.
	payload, err := protocol.Announcement{Port: uint16(m.acceptor.Port())}.Encode()
	if err != nil {
		m.acceptor.Close()
		return err
	}

	m.broadcaster, err = discovery.NewBroadcaster(discovery.BroadcasterConfig{
		Port:     m.cfg.UDPPort,
		Address:  m.cfg.BroadcastAddress,
		Interval: m.cfg.BroadcastInterval,
		Payload:  payload,
		Logger:   m.cfg.Logger,
		Metrics:  m.cfg.Metrics,
	})
	if err != nil {
		m.acceptor.Close()
		return fmt.Errorf("create broadcaster: %w", err)
	}
	if err := m.broadcaster.Start(); err != nil {
		m.acceptor.Close()
		return err
	}

	m.started = true
	m.logger.Info("agent started",
		logging.KeyPort, m.acceptor.Port(),
		logging.KeyAddress, m.broadcaster.Destination().String(),
		logging.KeyFingerprint, m.cfg.Keypair.PublicKey.Fingerprint())
	return nil
}

// Stop halts broadcasting and closes the acceptor and any held connection.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	if m.broadcaster != nil {
		m.broadcaster.Stop()
	}
	m.mu.Unlock()

	// Close outside mu: it waits for the connection goroutine, whose
	// Disconnected handler takes mu.
	err := m.acceptor.Close()
	m.logger.Info("agent stopped")
	return err
}

// Send seals plaintext to the attached controller.
func (m *Manager) Send(plaintext []byte) error {
	return m.acceptor.Write(plaintext)
}

// Disconnect drops the attached controller. Broadcasting resumes.
func (m *Manager) Disconnect() error {
	return m.acceptor.Disconnect()
}

// Connected reports whether a controller is attached.
func (m *Manager) Connected() bool {
	return m.acceptor.Connected()
}

// Peer returns the attached controller.
func (m *Manager) Peer() (transport.Peer, bool) {
	return m.acceptor.Peer()
}

// Broadcasting reports whether announcements are being sent.
func (m *Manager) Broadcasting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcaster != nil && m.broadcaster.Running()
}

// Addr returns the TCP listening address.
func (m *Manager) Addr() net.Addr {
	return m.acceptor.Addr()
}

func (m *Manager) handleEvent(e transport.Event) {
	switch e.(type) {
	case transport.Connected:
		m.mu.Lock()
		if m.broadcaster != nil {
			m.broadcaster.Stop()
		}
		m.mu.Unlock()
		if m.cfg.ReportHostInfo {
			m.reportHostInfo()
		}

	case transport.Disconnected:
		m.mu.Lock()
		if !m.stopped && m.broadcaster != nil && !m.acceptor.Connected() {
			if err := m.broadcaster.Start(); err != nil {
				m.logger.Warn("failed to resume broadcasting", logging.KeyError, err)
			}
		}
		m.mu.Unlock()
	}

	if m.cfg.Sink != nil {
		m.cfg.Sink.HandleEvent(e)
	}
}

func (m *Manager) reportHostInfo() {
	payload, err := sysinfo.Collect().Encode()
	if err == nil {
		err = m.acceptor.Write(payload)
	}
	if err != nil {
		m.logger.Warn("failed to report host info", logging.KeyError, err)
	}
}
