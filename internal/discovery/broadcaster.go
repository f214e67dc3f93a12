// Package discovery implements LAN rendezvous over UDP broadcast. The agent
// runs a Broadcaster announcing its TCP port; the controller runs a Listener
// that hands every datagram to a handler.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/recovery"
)

// Defaults
const (
	DefaultPort              = 53179
	DefaultBroadcastAddress  = "255.255.255.255"
	DefaultBroadcastInterval = 5 * time.Second
)

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Port is the destination UDP port.
	Port int

	// Address is the destination broadcast address.
	Address string

	// Interval between announcements.
	Interval time.Duration

	// Payload is sent unchanged on every tick.
	Payload []byte

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Broadcaster periodically sends a fixed payload to the broadcast address.
// Start and Stop are idempotent and a stopped Broadcaster can be restarted.
type Broadcaster struct {
	cfg    BroadcasterConfig
	dest   *net.UDPAddr
	logger *slog.Logger

	mu   sync.Mutex
	conn net.PacketConn
	stop chan struct{}
	done chan struct{}
}

// NewBroadcaster validates cfg and creates a stopped Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Address == "" {
		cfg.Address = DefaultBroadcastAddress
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBroadcastInterval
	}
	if len(cfg.Payload) == 0 {
		return nil, errors.New("broadcast payload is empty")
	}

	dest, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	payload := make([]byte, len(cfg.Payload))
	copy(payload, cfg.Payload)
	cfg.Payload = payload

	return &Broadcaster{
		cfg:    cfg,
		dest:   dest,
		logger: logging.Component(cfg.Logger, "broadcaster"),
	}, nil
}

// Start opens the socket and begins announcing. The first announcement is
// sent immediately. Calling Start on a running Broadcaster does nothing.
func (b *Broadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		return nil
	}

	// An ephemeral source port keeps unicast replies to the discovery port
	// from being load-balanced onto this socket.
	lc := net.ListenConfig{Control: broadcastControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}

	b.conn = conn
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	b.logger.Debug("broadcasting started",
		logging.KeyAddress, b.dest.String(),
		"interval", b.cfg.Interval)

	stop, done := b.stop, b.done
	recovery.Go(b.logger, "broadcaster", func() {
		b.run(conn, stop, done)
	})
	return nil
}

// Stop cancels the periodic send and releases the socket. It waits for the
// send loop to exit.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return
	}
	close(b.stop)
	b.conn.Close()
	done := b.done
	b.conn, b.stop, b.done = nil, nil, nil
	b.mu.Unlock()

	<-done
	b.logger.Debug("broadcasting stopped")
}

// Running reports whether the Broadcaster is announcing.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Destination returns the address announcements are sent to.
func (b *Broadcaster) Destination() *net.UDPAddr {
	return b.dest
}

func (b *Broadcaster) run(conn net.PacketConn, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		b.send(conn)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// send is best effort; failures are logged and dropped.
func (b *Broadcaster) send(conn net.PacketConn) {
	if _, err := conn.WriteTo(b.cfg.Payload, b.dest); err != nil {
		b.logger.Debug("announcement send failed", logging.KeyError, err)
		return
	}
	b.cfg.Metrics.RecordAnnouncementSent()
}
