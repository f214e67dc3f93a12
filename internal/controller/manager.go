// Package controller implements the controller side connection manager. It
// listens for agent announcements and keeps one outbound connection per
// announcing address.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/fleetlink/internal/discovery"
	"github.com/postalsys/fleetlink/internal/guard"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/protocol"
	"github.com/postalsys/fleetlink/internal/store"
	"github.com/postalsys/fleetlink/internal/sysinfo"
	"github.com/postalsys/fleetlink/internal/transport"
)

// storeTimeout bounds each inventory write made from a connection goroutine.
const storeTimeout = 5 * time.Second

// Config configures a controller Manager.
type Config struct {
	Keypair *identity.Keypair

	// Discovery side
	ListenAddress string
	UDPPort       int

	// TCP side
	DialTimeout time.Duration
	AuthTimeout time.Duration

	// Store records authenticated agents. Optional.
	Store store.Store

	// Sink receives connection events after the inventory is updated.
	Sink transport.EventSink

	Guard   *guard.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the connection registry. Registry keys are the UDP source
// address (ip:port) of the announcement that created the entry.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	listener *discovery.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	registry map[string]*transport.Connector
	stopped  bool
}

// New creates a Manager. Nothing is bound until Start.
func New(cfg Config) (*Manager, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("controller keypair is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		logger:   logging.Component(cfg.Logger, "controller"),
		ctx:      ctx,
		cancel:   cancel,
		registry: make(map[string]*transport.Connector),
	}

	listener, err := discovery.NewListener(discovery.ListenerConfig{
		Address: cfg.ListenAddress,
		Port:    cfg.UDPPort,
		Handler: m.handleAnnouncement,
		Logger:  cfg.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.listener = listener
	return m, nil
}

// Start begins listening for announcements.
func (m *Manager) Start() error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return transport.ErrClosed
	}

	if err := m.listener.Start(); err != nil {
		return err
	}
	m.logger.Info("controller started",
		logging.KeyLocalAddr, m.listener.Addr().String(),
		logging.KeyFingerprint, m.cfg.Keypair.PublicKey.Fingerprint())
	return nil
}

// Stop closes the listener and every connection and waits for them to
// finish. A stopped Manager cannot be restarted.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	conns := make([]*transport.Connector, 0, len(m.registry))
	for _, c := range m.registry {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	err := m.listener.Stop()
	m.cancel()
	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		<-c.Done()
	}

	m.logger.Info("controller stopped")
	return err
}

// Addr returns the bound discovery address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	return m.listener.Addr()
}

// Send seals plaintext to the agent registered under id.
func (m *Manager) Send(id string, plaintext []byte) error {
	c := m.lookup(id)
	if c == nil {
		return transport.ErrNoPeerConnected
	}
	return c.Write(plaintext)
}

// Broadcast sends plaintext to every authenticated agent and returns how
// many writes succeeded. Failures are joined into the returned error.
func (m *Manager) Broadcast(plaintext []byte) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, c := range m.connectors() {
		if !c.Connected() {
			continue
		}
		if err := c.Write(plaintext); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Disconnect closes the connection registered under id. The registry entry
// is removed once the connection finishes.
func (m *Manager) Disconnect(id string) error {
	c := m.lookup(id)
	if c == nil {
		return transport.ErrNoPeerConnected
	}
	return c.Disconnect()
}

// Peers returns the authenticated agents ordered by ID.
func (m *Manager) Peers() []transport.Peer {
	var peers []transport.Peer
	for _, c := range m.connectors() {
		if p, ok := c.Peer(); ok {
			peers = append(peers, p)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Len returns the number of registry entries, including connections still
// handshaking.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

func (m *Manager) lookup(id string) *transport.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry[id]
}

func (m *Manager) connectors() []*transport.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*transport.Connector, 0, len(m.registry))
	for _, c := range m.registry {
		out = append(out, c)
	}
	return out
}

// handleAnnouncement runs on the listener goroutine for every datagram.
func (m *Manager) handleAnnouncement(payload []byte, src *net.UDPAddr) {
	id := src.String()
	host := src.IP.String()
	logger := m.logger.With(logging.KeyRemoteAddr, id)

	if m.cfg.Guard.Blocked(host) {
		m.cfg.Metrics.RecordAnnouncementReceived(metrics.AnnouncementBlocked)
		logger.Debug("ignoring announcement from blocked host")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if _, ok := m.registry[id]; ok {
		m.cfg.Metrics.RecordAnnouncementReceived(metrics.AnnouncementDuplicate)
		return
	}

	ann, err := protocol.DecodeAnnouncement(payload)
	if err != nil {
		m.cfg.Metrics.RecordAnnouncementReceived(metrics.AnnouncementInvalid)
		logger.Debug("dropping malformed announcement", logging.KeyError, err)
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(ann.Port)))
	c, err := transport.NewConnector(transport.ConnectorConfig{
		ID:          id,
		Target:      target,
		Keypair:     m.cfg.Keypair,
		DialTimeout: m.cfg.DialTimeout,
		AuthTimeout: m.cfg.AuthTimeout,
		Sink:        transport.EventFunc(m.handleEvent),
		OnClose:     m.release,
		Logger:      m.cfg.Logger,
		Metrics:     m.cfg.Metrics,
	})
	if err != nil {
		logger.Warn("failed to create connector", logging.KeyError, err)
		return
	}

	m.registry[id] = c
	m.cfg.Metrics.RecordAnnouncementReceived(metrics.AnnouncementAccepted)
	m.cfg.Metrics.SetRegistryEntries(len(m.registry))
	logger.Debug("connecting to announced agent", logging.KeyAddress, target)

	c.Start(m.ctx)
}

// release removes a finished connection. A connection that never
// authenticated counts as a failure against the announcing host.
func (m *Manager) release(id string, authenticated bool) {
	m.mu.Lock()
	delete(m.registry, id)
	m.cfg.Metrics.SetRegistryEntries(len(m.registry))
	stopped := m.stopped
	m.mu.Unlock()

	if authenticated || stopped {
		return
	}
	host := guardHost(id)
	if m.cfg.Guard.RecordFailure(host) {
		m.logger.Info("blocking announcements after repeated failures", logging.KeyRemoteAddr, host)
	}
}

func (m *Manager) handleEvent(e transport.Event) {
	switch ev := e.(type) {
	case transport.Connected:
		m.cfg.Guard.Reset(guardHost(ev.Peer.ID))
		m.recordHost(ev.Peer)
	case transport.Disconnected:
		m.touchHost(ev.Peer)
	case transport.MessageReceived:
		// Host info reports are consumed here, never forwarded.
		info, err := sysinfo.Decode(ev.Payload)
		switch {
		case err == nil:
			m.recordAttributes(ev.Peer, info)
			return
		case !errors.Is(err, sysinfo.ErrNotHostInfo):
			m.logger.Debug("dropping malformed host info", logging.KeyError, err)
			return
		}
	}

	if m.cfg.Sink != nil {
		m.cfg.Sink.HandleEvent(e)
	}
}

func (m *Manager) recordHost(p transport.Peer) {
	if m.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	_, err := m.cfg.Store.UpsertHost(ctx, &store.Host{
		Fingerprint:      p.PublicKey.Fingerprint(),
		PublicKey:        p.PublicKey.String(),
		LastKnownAddress: p.Addr,
		LastSeen:         p.ConnectedAt,
	})
	if err != nil {
		m.logger.Warn("failed to record host",
			logging.KeyFingerprint, p.PublicKey.Fingerprint(),
			logging.KeyError, err)
	}
}

func (m *Manager) recordAttributes(p transport.Peer, info *sysinfo.Info) {
	m.logger.Debug("agent reported host info",
		logging.KeyFingerprint, p.PublicKey.Fingerprint(),
		"hostname", info.Hostname,
		"os", info.OS)
	if m.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := m.cfg.Store.SetAttributes(ctx, p.PublicKey.Fingerprint(), store.Attributes{
		Hostname: info.Hostname,
		OS:       info.OS,
		Arch:     info.Arch,
		CPUCores: info.CPUCores,
		Memory:   int64(info.Memory),
		Version:  info.Version,
	})
	if err != nil {
		m.logger.Warn("failed to record host info",
			logging.KeyFingerprint, p.PublicKey.Fingerprint(),
			logging.KeyError, err)
	}
}

func (m *Manager) touchHost(p transport.Peer) {
	if m.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.cfg.Store.TouchHost(ctx, p.PublicKey.Fingerprint(), time.Now()); err != nil {
		m.logger.Warn("failed to update host",
			logging.KeyFingerprint, p.PublicKey.Fingerprint(),
			logging.KeyError, err)
	}
}

func guardHost(id string) string {
	host, _, err := net.SplitHostPort(id)
	if err != nil {
		return id
	}
	return host
}
