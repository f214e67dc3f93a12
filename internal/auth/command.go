// Package auth implements the per-connection challenge-response handshake.
//
// Each side owns a context (its keypair plus the session for one socket) and
// a state machine that turns inbound handshake bytes into exactly one Command.
// The transport layer executes the command; the machines never touch sockets.
package auth

// Command is the result of feeding one inbound message to a state machine.
// The set of implementations is closed: Reject, IssueChallenge,
// AcceptChallenge, RespondToChallenge, MarkAuthenticated and AcceptMessage.
type Command interface {
	command()
}

// Reject ends the session. The transport closes the socket.
type Reject struct {
	Reason string
}

// IssueChallenge tells the agent transport to send a fresh challenge.
type IssueChallenge struct {
	Challenge []byte
}

// AcceptChallenge reports that the controller proved its identity. The agent
// transport sends PublicKey and reports the peer as connected.
type AcceptChallenge struct {
	PublicKey []byte
}

// RespondToChallenge carries the controller's signature over the challenge.
type RespondToChallenge struct {
	Signature []byte
}

// MarkAuthenticated reports that the controller has received the agent key.
type MarkAuthenticated struct{}

// AcceptMessage carries an application payload received after
// authentication. Payload is still sealed; the transport decrypts it with the
// session context.
type AcceptMessage struct {
	Payload []byte
}

func (Reject) command()             {}
func (IssueChallenge) command()     {}
func (AcceptChallenge) command()    {}
func (RespondToChallenge) command() {}
func (MarkAuthenticated) command()  {}
func (AcceptMessage) command()      {}

func reject(reason string) Reject {
	return Reject{Reason: reason}
}
