package transport

import (
	"time"

	"github.com/postalsys/fleetlink/internal/identity"
)

// Peer describes the remote end of an authenticated connection.
type Peer struct {
	// ID identifies the connection to its owner. The agent uses the remote
	// address; the controller uses the registry key.
	ID string

	// Addr is the remote TCP address.
	Addr string

	// PublicKey is the verified peer key.
	PublicKey identity.PublicKey

	ConnectedAt time.Time
}

// Event is delivered to an EventSink. The set of implementations is closed:
// Connected, Disconnected and MessageReceived.
//
// For a single connection events arrive in order from one goroutine:
// Connected first, then any number of MessageReceived, then exactly one
// Disconnected. No event is delivered for a connection that never
// authenticated.
type Event interface {
	event()
}

// Connected is delivered once the handshake completes.
type Connected struct {
	Peer Peer
}

// Disconnected is delivered when an authenticated connection closes.
type Disconnected struct {
	Peer Peer
}

// MessageReceived carries a decrypted application payload.
type MessageReceived struct {
	Peer    Peer
	Payload []byte
}

func (Connected) event()       {}
func (Disconnected) event()    {}
func (MessageReceived) event() {}

// EventSink receives connection events. HandleEvent runs on the connection's
// read goroutine and must not block for long.
type EventSink interface {
	HandleEvent(Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(Event)

// HandleEvent calls f(e).
func (f EventFunc) HandleEvent(e Event) {
	f(e)
}

// emit delivers e to sink, tolerating a nil sink.
func emit(sink EventSink, e Event) {
	if sink != nil {
		sink.HandleEvent(e)
	}
}
