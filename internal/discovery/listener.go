package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/recovery"
)

// maxDatagramSize is the largest UDP payload read from the socket.
const maxDatagramSize = 65535

// Handler receives each datagram. payload is owned by the handler.
type Handler func(payload []byte, src *net.UDPAddr)

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address is the local bind address. Empty binds all interfaces.
	Address string

	// Port is the UDP discovery port.
	Port int

	Handler Handler
	Logger  *slog.Logger
}

// Listener receives discovery datagrams on a shared UDP port.
type Listener struct {
	cfg    ListenerConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}
}

// NewListener creates a stopped Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Handler == nil {
		return nil, errors.New("listener handler is nil")
	}
	return &Listener{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "discovery-listener"),
	}, nil
}

// Start binds the discovery port with address reuse and begins reading.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(l.cfg.Address, strconv.Itoa(l.cfg.Port))
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	conn := pc.(*net.UDPConn)
	l.conn = conn
	l.done = make(chan struct{})

	l.logger.Info("discovery listener started", logging.KeyLocalAddr, conn.LocalAddr().String())

	done := l.done
	recovery.Go(l.logger, "discovery-listener", func() {
		l.readLoop(conn, done)
	})
	return nil
}

// Addr returns the bound address, or nil if stopped.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the read loop to exit.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.conn == nil {
		l.mu.Unlock()
		return nil
	}
	err := l.conn.Close()
	done := l.done
	l.conn, l.done = nil, nil
	l.mu.Unlock()

	<-done
	return err
}

func (l *Listener) readLoop(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug("discovery read error", logging.KeyError, err)
			continue
		}
		if n == 0 {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.dispatch(payload, src)
	}
}

// dispatch isolates the read loop from a panicking handler.
func (l *Listener) dispatch(payload []byte, src *net.UDPAddr) {
	defer recovery.RecoverWithLog(l.logger, "discovery-handler")
	l.cfg.Handler(payload, src)
}
