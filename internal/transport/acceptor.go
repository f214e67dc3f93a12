package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/postalsys/fleetlink/internal/auth"
	"github.com/postalsys/fleetlink/internal/guard"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/protocol"
	"github.com/postalsys/fleetlink/internal/recovery"
)

// AcceptorConfig configures the agent side TCP acceptor.
type AcceptorConfig struct {
	// Address is the local bind address. Empty binds all interfaces.
	Address string

	// Port is the TCP listening port. Zero picks an ephemeral port.
	Port int

	// Keypair is the agent's identity. Required.
	Keypair *identity.Keypair

	// PinnedKey, if set, is the only controller key accepted.
	PinnedKey *identity.PublicKey

	// AuthTimeout bounds the time from accept to authentication.
	AuthTimeout time.Duration

	Sink    EventSink
	Guard   *guard.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Acceptor accepts controller connections and holds at most one at a time.
type Acceptor struct {
	cfg    AcceptorConfig
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	active   *agentConn
	closed   bool

	wg sync.WaitGroup
}

// NewAcceptor creates an Acceptor. Call Start to begin listening.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("acceptor keypair is required")
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &Acceptor{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "acceptor"),
	}, nil
}

// Start binds the TCP port and begins accepting.
func (a *Acceptor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(a.cfg.Address, strconv.Itoa(a.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.listener = ln

	a.logger.Info("acceptor listening", logging.KeyLocalAddr, ln.Addr().String())

	a.wg.Add(1)
	recovery.Go(a.logger, "acceptor", func() {
		defer a.wg.Done()
		a.acceptLoop(ln)
	})
	return nil
}

// Addr returns the listening address, or nil before Start.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Start.
func (a *Acceptor) Port() int {
	if tcp, ok := a.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Connected reports whether an authenticated controller is attached.
func (a *Acceptor) Connected() bool {
	_, ok := a.Peer()
	return ok
}

// Peer returns the authenticated controller, if any.
func (a *Acceptor) Peer() (Peer, bool) {
	c := a.current()
	if c == nil {
		return Peer{}, false
	}
	return c.state.get()
}

// Write seals plaintext to the controller and sends it.
func (a *Acceptor) Write(plaintext []byte) error {
	c := a.current()
	if c == nil {
		return ErrNoPeerConnected
	}
	return c.send(plaintext)
}

// Disconnect closes the authenticated connection. The Disconnected event is
// delivered from the connection goroutine.
func (a *Acceptor) Disconnect() error {
	c := a.current()
	if c == nil {
		return ErrNoPeerConnected
	}
	if _, ok := c.state.get(); !ok {
		return ErrNoPeerConnected
	}
	c.fc.close()
	return nil
}

// Close stops accepting, closes any held connection and waits for all
// goroutines to finish.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ln := a.listener
	active := a.active
	a.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if active != nil {
		active.fc.close()
	}
	a.wg.Wait()
	return err
}

func (a *Acceptor) current() *agentConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Acceptor) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedErr(err) {
				return
			}
			a.logger.Debug("accept error", logging.KeyError, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		a.admit(conn)
	}
}

// admit places conn in the slot or closes it immediately.
func (a *Acceptor) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host := guard.HostOf(conn.RemoteAddr())

	if a.cfg.Guard.Blocked(host) {
		a.logger.Info("closing connection from blocked host", logging.KeyRemoteAddr, remote)
		a.cfg.Metrics.RecordRejectedConnection(metrics.RejectBlocked)
		conn.Close()
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.cfg.Metrics.RecordRejectedConnection(metrics.RejectShutdown)
		conn.Close()
		return
	}
	if a.active != nil {
		a.mu.Unlock()
		a.logger.Info("closing extra inbound connection",
			logging.KeyRemoteAddr, remote,
			logging.KeyReason, ErrSlotOccupied.Error())
		a.cfg.Metrics.RecordRejectedConnection(metrics.RejectSlotOccupied)
		conn.Close()
		return
	}

	c := newAgentConn(a, conn)
	a.active = c
	a.wg.Add(1)
	a.mu.Unlock()

	a.logger.Debug("accepted connection", logging.KeyRemoteAddr, remote)

	recovery.Go(a.logger, "agent-conn", func() {
		defer a.wg.Done()
		c.serve()
	})
}

// release frees the slot if c still holds it.
func (a *Acceptor) release(c *agentConn) {
	a.mu.Lock()
	if a.active == c {
		a.active = nil
	}
	a.mu.Unlock()
}

// agentConn is one accepted socket together with its own handshake state.
type agentConn struct {
	acceptor *Acceptor
	fc       *framedConn
	machine  *auth.AgentMachine
	state    sessionState
	logger   *slog.Logger

	started  time.Time
	timer    *time.Timer
	timedOut chan struct{}
	once     sync.Once
}

func newAgentConn(a *Acceptor, conn net.Conn) *agentConn {
	c := &agentConn{
		acceptor: a,
		fc:       newFramedConn(conn),
		machine:  auth.NewAgentMachine(auth.NewAgentContext(a.cfg.Keypair, a.cfg.PinnedKey)),
		logger:   a.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		started:  time.Now(),
		timedOut: make(chan struct{}),
	}
	c.timer = time.AfterFunc(a.cfg.AuthTimeout, c.onAuthTimeout)
	return c
}

// onAuthTimeout closes a socket that has not authenticated in time.
func (c *agentConn) onAuthTimeout() {
	if _, ok := c.state.get(); ok {
		return
	}
	close(c.timedOut)
	c.logger.Info("authentication timed out", logging.KeyDuration, c.acceptor.cfg.AuthTimeout)
	c.fc.close()
}

func (c *agentConn) didTimeOut() bool {
	select {
	case <-c.timedOut:
		return true
	default:
		return false
	}
}

func (c *agentConn) serve() {
	result := metrics.ResultError
	defer func() { c.finish(result) }()

	for {
		frame, err := c.fc.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				c.logger.Debug("read failed", logging.KeyError, err)
			}
			return
		}

		switch cmd := c.machine.Handle(frame.Payload).(type) {
		case auth.Reject:
			c.logger.Info("handshake rejected",
				logging.KeyState, c.machine.State().String(),
				logging.KeyReason, cmd.Reason)
			result = metrics.ResultRejected
			return

		case auth.IssueChallenge:
			if err := c.fc.writeFrame(protocol.FrameChallenge, cmd.Challenge); err != nil {
				c.logger.Debug("challenge write failed", logging.KeyError, err)
				return
			}

		case auth.AcceptChallenge:
			if !c.timer.Stop() {
				// The timeout fired while the last message was in flight.
				result = metrics.ResultTimeout
				return
			}
			// The key goes out before Connected so a Send from the event
			// sink can never overtake it.
			if err := c.fc.writeFrame(protocol.FramePublicKey, cmd.PublicKey); err != nil {
				c.logger.Debug("public key write failed", logging.KeyError, err)
				return
			}
			c.authenticated()

		case auth.AcceptMessage:
			c.deliver(cmd.Payload)

		default:
			c.logger.Warn("unhandled command", "command", fmt.Sprintf("%T", cmd))
			return
		}
	}
}

func (c *agentConn) authenticated() {
	key, _ := c.machine.Context().PeerKey()
	peer := Peer{
		ID:          c.fc.remoteAddr(),
		Addr:        c.fc.remoteAddr(),
		PublicKey:   key,
		ConnectedAt: time.Now(),
	}
	c.state.markAuthenticated(peer)

	a := c.acceptor
	a.cfg.Guard.Reset(guard.HostOf(c.fc.conn.RemoteAddr()))
	a.cfg.Metrics.RecordHandshake(metrics.RoleAgent, time.Since(c.started).Seconds())
	a.cfg.Metrics.RecordConnect(metrics.RoleAgent)

	c.logger.Info("controller authenticated", logging.KeyFingerprint, key.Fingerprint())
	emit(a.cfg.Sink, Connected{Peer: peer})
}

func (c *agentConn) deliver(sealed []byte) {
	plaintext, err := c.machine.Context().DecryptFromPeer(sealed)
	if err != nil {
		c.logger.Warn("dropping undecryptable message", logging.KeyError, err)
		return
	}
	peer, _ := c.state.get()
	c.acceptor.cfg.Metrics.RecordMessage(metrics.DirectionReceived)
	emit(c.acceptor.cfg.Sink, MessageReceived{Peer: peer, Payload: plaintext})
}

func (c *agentConn) send(plaintext []byte) error {
	if _, ok := c.state.get(); !ok {
		return ErrNoPeerConnected
	}
	sealed, err := c.machine.Context().EncryptForPeer(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := c.fc.writeFrame(protocol.FrameSealedMessage, sealed); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.acceptor.cfg.Metrics.RecordMessage(metrics.DirectionSent)
	return nil
}

// finish runs exactly once when serve returns.
func (c *agentConn) finish(result string) {
	c.once.Do(func() {
		c.timer.Stop()
		c.fc.close()

		// The slot is freed only after Disconnected so a new connection's
		// events never precede it.
		a := c.acceptor
		defer a.release(c)

		peer, wasAuthenticated := c.state.clear()
		if wasAuthenticated {
			a.cfg.Metrics.RecordDisconnect(metrics.RoleAgent)
			c.logger.Info("controller disconnected", logging.KeyFingerprint, peer.PublicKey.Fingerprint())
			emit(a.cfg.Sink, Disconnected{Peer: peer})
			return
		}

		if c.didTimeOut() {
			result = metrics.ResultTimeout
		}
		a.cfg.Metrics.RecordHandshakeFailure(metrics.RoleAgent, result)
		if result == metrics.ResultRejected || result == metrics.ResultTimeout {
			a.cfg.Guard.RecordFailure(guard.HostOf(c.fc.conn.RemoteAddr()))
		}
	})
}
