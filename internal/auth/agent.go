package auth

import (
	"fmt"

	"github.com/postalsys/fleetlink/internal/crypto"
	"github.com/postalsys/fleetlink/internal/identity"
)

// AgentContext holds the agent's keypair, the optional pinned controller key
// and the session of a single accepted socket.
type AgentContext struct {
	keypair  *identity.Keypair
	expected *identity.PublicKey
	provider crypto.Provider
	session  Session
}

// NewAgentContext creates a context for one connection. expected may be nil,
// in which case the first claimed key is trusted for this session.
func NewAgentContext(keypair *identity.Keypair, expected *identity.PublicKey) *AgentContext {
	return &AgentContext{keypair: keypair, expected: expected}
}

// ClaimPeerKey decodes the controller's claimed key and checks it against
// the pinned key.
func (c *AgentContext) ClaimPeerKey(raw []byte) error {
	key, err := identity.ParsePublicKey(raw)
	if err != nil {
		return err
	}
	if c.expected != nil && !c.expected.Equal(key) {
		return fmt.Errorf("%w: got %s", ErrUnexpectedPeerKey, key.Fingerprint())
	}
	c.session.claim(key)
	return nil
}

// NewChallenge generates and stores the challenge for this session.
func (c *AgentContext) NewChallenge() ([]byte, error) {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return nil, err
	}
	c.session.challenge = challenge
	return append([]byte(nil), challenge...), nil
}

// VerifyPeerChallenge checks the controller's signature over the stored
// challenge. The challenge is consumed whatever the outcome.
func (c *AgentContext) VerifyPeerChallenge(signature []byte) bool {
	challenge := c.session.takeChallenge()
	if challenge == nil || !c.session.hasClaim {
		return false
	}
	if !c.provider.Verify(challenge, signature, c.session.claimed) {
		return false
	}
	c.session.verified = true
	return true
}

// PublicKeyBytes returns the agent's own encoded public key.
func (c *AgentContext) PublicKeyBytes() []byte {
	return c.keypair.PublicKey.Bytes()
}

// ProveIdentity signs a challenge with the agent's key.
func (c *AgentContext) ProveIdentity(challenge []byte) ([]byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, ErrInvalidChallenge
	}
	return c.provider.Sign(challenge, c.keypair), nil
}

// EncryptForPeer seals plaintext to the verified controller key.
func (c *AgentContext) EncryptForPeer(plaintext []byte) ([]byte, error) {
	if !c.session.verified {
		return nil, ErrPeerNotVerified
	}
	return c.provider.Encrypt(plaintext, c.session.claimed)
}

// DecryptFromPeer opens a payload sealed to the agent's key.
func (c *AgentContext) DecryptFromPeer(ciphertext []byte) ([]byte, error) {
	if !c.session.verified {
		return nil, ErrPeerNotVerified
	}
	return c.provider.Decrypt(ciphertext, c.keypair)
}

// PeerKey returns the controller key claimed on this session.
func (c *AgentContext) PeerKey() (identity.PublicKey, bool) {
	return c.session.PeerKey()
}

// AgentState is the agent side handshake state.
type AgentState int

const (
	AgentUnconnected AgentState = iota
	AgentChallengeIssued
	AgentAuthenticated
)

func (s AgentState) String() string {
	switch s {
	case AgentUnconnected:
		return "UNCONNECTED"
	case AgentChallengeIssued:
		return "CHALLENGE_ISSUED"
	case AgentAuthenticated:
		return "AUTHENTICATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// AgentMachine drives the agent side of the handshake:
//
//	Unconnected     + controller key -> ChallengeIssued  (IssueChallenge)
//	ChallengeIssued + signature      -> Authenticated    (AcceptChallenge)
//	Authenticated   + anything       -> Authenticated    (AcceptMessage)
//
// Any failure leaves the state unchanged and yields Reject. An AgentMachine
// serves one connection and is not safe for concurrent use.
type AgentMachine struct {
	ctx   *AgentContext
	state AgentState
}

// NewAgentMachine creates a machine bound to ctx.
func NewAgentMachine(ctx *AgentContext) *AgentMachine {
	return &AgentMachine{ctx: ctx}
}

// State returns the current state.
func (m *AgentMachine) State() AgentState {
	return m.state
}

// Authenticated reports whether the handshake has completed.
func (m *AgentMachine) Authenticated() bool {
	return m.state == AgentAuthenticated
}

// Context returns the machine's encryption context.
func (m *AgentMachine) Context() *AgentContext {
	return m.ctx
}

// Handle consumes one inbound message.
func (m *AgentMachine) Handle(data []byte) Command {
	switch m.state {
	case AgentUnconnected:
		if err := m.ctx.ClaimPeerKey(data); err != nil {
			return reject("invalid controller key: " + err.Error())
		}
		challenge, err := m.ctx.NewChallenge()
		if err != nil {
			return reject(err.Error())
		}
		m.state = AgentChallengeIssued
		return IssueChallenge{Challenge: challenge}

	case AgentChallengeIssued:
		if !m.ctx.VerifyPeerChallenge(data) {
			return reject("challenge signature verification failed")
		}
		m.state = AgentAuthenticated
		return AcceptChallenge{PublicKey: m.ctx.PublicKeyBytes()}

	case AgentAuthenticated:
		return AcceptMessage{Payload: data}

	default:
		return reject("unknown state " + m.state.String())
	}
}
