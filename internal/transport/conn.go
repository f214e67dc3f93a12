// Package transport carries the handshake and the encrypted session over
// TCP. The agent side is an Acceptor holding at most one connection; the
// controller side is one Connector per discovered agent.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/postalsys/fleetlink/internal/protocol"
)

// Defaults
const (
	DefaultPort        = 52179
	DefaultAuthTimeout = 5 * time.Second
	DefaultDialTimeout = 5 * time.Second

	writeTimeout = 10 * time.Second
)

var (
	// ErrNoPeerConnected is returned by Write and Disconnect when no
	// authenticated peer is attached.
	ErrNoPeerConnected = errors.New("no peer connected")

	// ErrSlotOccupied is logged when a second inbound connection arrives
	// while one is held.
	ErrSlotOccupied = errors.New("connection slot occupied")

	// ErrClosed is returned when operating on a closed Acceptor or Connector.
	ErrClosed = errors.New("transport closed")
)

// framedConn wraps a TCP connection with frame codecs. Reads happen on one
// goroutine; writes are serialized by writeMu.
type framedConn struct {
	conn   net.Conn
	reader *protocol.FrameReader

	writeMu sync.Mutex
	writer  *protocol.FrameWriter
}

func newFramedConn(conn net.Conn) *framedConn {
	return &framedConn{
		conn:   conn,
		reader: protocol.NewFrameReader(conn),
		writer: protocol.NewFrameWriter(conn),
	}
}

func (f *framedConn) readFrame() (*protocol.Frame, error) {
	return f.reader.Read()
}

func (f *framedConn) writeFrame(frameType uint8, payload []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer f.conn.SetWriteDeadline(time.Time{})

	return f.writer.WriteFrame(frameType, payload)
}

func (f *framedConn) close() error {
	return f.conn.Close()
}

func (f *framedConn) remoteAddr() string {
	return f.conn.RemoteAddr().String()
}

// sessionState is the part of a connection read by other goroutines.
type sessionState struct {
	mu            sync.Mutex
	authenticated bool
	peer          Peer
}

func (s *sessionState) markAuthenticated(p Peer) {
	s.mu.Lock()
	s.authenticated = true
	s.peer = p
	s.mu.Unlock()
}

// clear resets the state and reports whether it was authenticated.
func (s *sessionState) clear() (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, was := s.peer, s.authenticated
	s.authenticated = false
	s.peer = Peer{}
	return p, was
}

func (s *sessionState) get() (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.authenticated
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
