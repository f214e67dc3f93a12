package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/fleetlink/internal/auth"
	"github.com/postalsys/fleetlink/internal/identity"
	"github.com/postalsys/fleetlink/internal/logging"
	"github.com/postalsys/fleetlink/internal/metrics"
	"github.com/postalsys/fleetlink/internal/protocol"
	"github.com/postalsys/fleetlink/internal/recovery"
)

// ConnectorConfig configures one controller side outbound connection.
type ConnectorConfig struct {
	// ID is reported as Peer.ID and passed to OnClose.
	ID string

	// Target is the agent's TCP address (host:port).
	Target string

	// Keypair is the controller's identity. Required.
	Keypair *identity.Keypair

	DialTimeout time.Duration
	AuthTimeout time.Duration

	Sink EventSink

	// OnClose is called exactly once when the connection is finished, after
	// any Disconnected event, including when the dial fails.
	OnClose func(id string, authenticated bool)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Connector dials one agent, runs the controller side of the handshake and
// then carries the encrypted session. A Connector is single use.
type Connector struct {
	cfg    ConnectorConfig
	logger *slog.Logger

	mu      sync.Mutex
	fc      *framedConn
	machine *auth.ControllerMachine
	closing bool
	started bool

	state sessionState
	done  chan struct{}
}

// NewConnector creates a Connector. Call Start to dial.
func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("connector keypair is required")
	}
	if cfg.Target == "" {
		return nil, errors.New("connector target is required")
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Target
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &Connector{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "connector").With(logging.KeyRemoteAddr, cfg.Target),
		machine: auth.NewControllerMachine(auth.NewControllerContext(cfg.Keypair)),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the connector's ID.
func (c *Connector) ID() string {
	return c.cfg.ID
}

// Target returns the dial address.
func (c *Connector) Target() string {
	return c.cfg.Target
}

// Start dials in a new goroutine. Cancelling ctx aborts the dial.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	recovery.Go(c.logger, "connector", func() {
		c.run(ctx)
	})
}

// Done is closed once the connection is finished and OnClose has run.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the handshake has completed.
func (c *Connector) Connected() bool {
	_, ok := c.state.get()
	return ok
}

// Peer returns the authenticated agent, if any.
func (c *Connector) Peer() (Peer, bool) {
	return c.state.get()
}

// Write seals plaintext to the agent and sends it.
func (c *Connector) Write(plaintext []byte) error {
	if _, ok := c.state.get(); !ok {
		return ErrNoPeerConnected
	}
	sealed, err := c.machine.Context().EncryptForPeer(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	c.mu.Lock()
	fc := c.fc
	c.mu.Unlock()
	if fc == nil {
		return ErrNoPeerConnected
	}

	if err := fc.writeFrame(protocol.FrameSealedMessage, sealed); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.cfg.Metrics.RecordMessage(metrics.DirectionSent)
	return nil
}

// Disconnect closes an authenticated connection.
func (c *Connector) Disconnect() error {
	if _, ok := c.state.get(); !ok {
		return ErrNoPeerConnected
	}
	c.Close()
	return nil
}

// Close aborts the connection in any state. It does not wait; use Done.
func (c *Connector) Close() {
	c.mu.Lock()
	c.closing = true
	fc := c.fc
	c.mu.Unlock()
	if fc != nil {
		fc.close()
	}
}

func (c *Connector) run(ctx context.Context) {
	result := metrics.ResultError
	var fc *framedConn
	defer func() { c.finish(fc, result) }()

	started := time.Now()
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Target)
	if err != nil {
		c.logger.Debug("dial failed", logging.KeyError, err)
		return
	}
	fc = newFramedConn(conn)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.fc = fc
	c.mu.Unlock()

	// Cancelling ctx tears the connection down in any state.
	stop := context.AfterFunc(ctx, func() { fc.close() })
	defer stop()

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.AuthTimeout, func() {
		timedOut.Store(true)
		c.logger.Info("authentication timed out", logging.KeyDuration, c.cfg.AuthTimeout)
		fc.close()
	})
	defer timer.Stop()
	defer func() {
		if timedOut.Load() && !c.Connected() {
			result = metrics.ResultTimeout
		}
	}()

	if err := fc.writeFrame(protocol.FramePublicKey, c.machine.Context().PublicKeyBytes()); err != nil {
		c.logger.Debug("public key write failed", logging.KeyError, err)
		return
	}
	if err := c.machine.MarkPublicKeyShared(); err != nil {
		return
	}

	for {
		frame, err := fc.readFrame()
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

		case auth.RespondToChallenge:
			if err := fc.writeFrame(protocol.FrameChallengeResponse, cmd.Signature); err != nil {
				c.logger.Debug("challenge response write failed", logging.KeyError, err)
				return
			}

		case auth.MarkAuthenticated:
			if !timer.Stop() {
				return
			}
			c.authenticated(fc, started)

		case auth.AcceptMessage:
			c.deliver(cmd.Payload)

		default:
			c.logger.Warn("unhandled command", "command", fmt.Sprintf("%T", cmd))
			return
		}
	}
}

func (c *Connector) authenticated(fc *framedConn, started time.Time) {
	key, _ := c.machine.Context().PeerKey()
	peer := Peer{
		ID:          c.cfg.ID,
		Addr:        fc.remoteAddr(),
		PublicKey:   key,
		ConnectedAt: time.Now(),
	}
	c.state.markAuthenticated(peer)

	c.cfg.Metrics.RecordHandshake(metrics.RoleController, time.Since(started).Seconds())
	c.cfg.Metrics.RecordConnect(metrics.RoleController)

	c.logger.Info("agent authenticated", logging.KeyFingerprint, key.Fingerprint())
	emit(c.cfg.Sink, Connected{Peer: peer})
}

func (c *Connector) deliver(sealed []byte) {
	plaintext, err := c.machine.Context().DecryptFromPeer(sealed)
	if err != nil {
		c.logger.Warn("dropping undecryptable message", logging.KeyError, err)
		return
	}
	peer, _ := c.state.get()
	c.cfg.Metrics.RecordMessage(metrics.DirectionReceived)
	emit(c.cfg.Sink, MessageReceived{Peer: peer, Payload: plaintext})
}

func (c *Connector) finish(fc *framedConn, result string) {
	if fc != nil {
		fc.close()
	}

	peer, wasAuthenticated := c.state.clear()
	if wasAuthenticated {
		c.cfg.Metrics.RecordDisconnect(metrics.RoleController)
		c.logger.Info("agent disconnected", logging.KeyFingerprint, peer.PublicKey.Fingerprint())
		emit(c.cfg.Sink, Disconnected{Peer: peer})
	} else {
		c.cfg.Metrics.RecordHandshakeFailure(metrics.RoleController, result)
	}

	if c.cfg.OnClose != nil {
		c.cfg.OnClose(c.cfg.ID, wasAuthenticated)
	}
	close(c.done)
}
