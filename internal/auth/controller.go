package auth

import (
	"fmt"

	"github.com/postalsys/fleetlink/internal/crypto"
	"github.com/postalsys/fleetlink/internal/identity"
)

// ControllerContext holds the controller's keypair and the session of one
// outbound connection.
type ControllerContext struct {
	keypair  *identity.Keypair
	provider crypto.Provider
	session  Session
}

// NewControllerContext creates a context for one connection.
func NewControllerContext(keypair *identity.Keypair) *ControllerContext {
	return &ControllerContext{keypair: keypair}
}

// PublicKeyBytes returns the controller's own encoded public key.
func (c *ControllerContext) PublicKeyBytes() []byte {
	return c.keypair.PublicKey.Bytes()
}

// ProveIdentity signs the agent's challenge.
func (c *ControllerContext) ProveIdentity(challenge []byte) ([]byte, error) {
	if len(challenge) != ChallengeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidChallenge, len(challenge))
	}
	return c.provider.Sign(challenge, c.keypair), nil
}

// SetPeerKey stores the agent key received at the end of the handshake.
// The key is trusted as sent.
func (c *ControllerContext) SetPeerKey(raw []byte) error {
	key, err := identity.ParsePublicKey(raw)
	if err != nil {
		return err
	}
	c.session.claim(key)
	c.session.verified = true
	return nil
}

// VerifyPeerChallenge checks an agent signature over challenge.
func (c *ControllerContext) VerifyPeerChallenge(challenge, signature []byte) bool {
	if !c.session.hasClaim {
		return false
	}
	return c.provider.Verify(challenge, signature, c.session.claimed)
}

// EncryptForPeer seals plaintext to the agent key.
func (c *ControllerContext) EncryptForPeer(plaintext []byte) ([]byte, error) {
	if !c.session.verified {
		return nil, ErrPeerNotVerified
	}
	return c.provider.Encrypt(plaintext, c.session.claimed)
}

// DecryptFromPeer opens a payload sealed to the controller key.
func (c *ControllerContext) DecryptFromPeer(ciphertext []byte) ([]byte, error) {
	if !c.session.verified {
		return nil, ErrPeerNotVerified
	}
	return c.provider.Decrypt(ciphertext, c.keypair)
}

// PeerKey returns the agent key, once received.
func (c *ControllerContext) PeerKey() (identity.PublicKey, bool) {
	return c.session.PeerKey()
}

// ControllerState is the controller side handshake state.
type ControllerState int

const (
	ControllerInitial ControllerState = iota
	ControllerPublicKeyShared
	ControllerChallengeAnswered
	ControllerAuthenticated
)

func (s ControllerState) String() string {
	switch s {
	case ControllerInitial:
		return "INITIAL"
	case ControllerPublicKeyShared:
		return "PUBLIC_KEY_SHARED"
	case ControllerChallengeAnswered:
		return "CHALLENGE_ANSWERED"
	case ControllerAuthenticated:
		return "AUTHENTICATED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ControllerMachine drives the controller side of the handshake:
//
//	Initial           --MarkPublicKeyShared--> PublicKeyShared
//	PublicKeyShared   + challenge  -> ChallengeAnswered (RespondToChallenge)
//	ChallengeAnswered + agent key  -> Authenticated     (MarkAuthenticated)
//	Authenticated     + anything   -> Authenticated     (AcceptMessage)
//
// Data received in Initial is a protocol violation. A ControllerMachine
// serves one connection and is not safe for concurrent use.
type ControllerMachine struct {
	ctx   *ControllerContext
	state ControllerState
}

// NewControllerMachine creates a machine bound to ctx.
func NewControllerMachine(ctx *ControllerContext) *ControllerMachine {
	return &ControllerMachine{ctx: ctx}
}

// State returns the current state.
func (m *ControllerMachine) State() ControllerState {
	return m.state
}

// Authenticated reports whether the handshake has completed.
func (m *ControllerMachine) Authenticated() bool {
	return m.state == ControllerAuthenticated
}

// Context returns the machine's encryption context.
func (m *ControllerMachine) Context() *ControllerContext {
	return m.ctx
}

// MarkPublicKeyShared records that the transport has written the
// controller key. It must be called exactly once, before Handle.
func (m *ControllerMachine) MarkPublicKeyShared() error {
	if m.state != ControllerInitial {
		return ErrPublicKeyAlreadyShared
	}
	m.state = ControllerPublicKeyShared
	return nil
}

// Handle consumes one inbound message.
func (m *ControllerMachine) Handle(data []byte) Command {
	switch m.state {
	case ControllerInitial:
		return reject("protocol violation: data before public key was shared")

	case ControllerPublicKeyShared:
		sig, err := m.ctx.ProveIdentity(data)
		if err != nil {
			return reject(err.Error())
		}
		m.state = ControllerChallengeAnswered
		return RespondToChallenge{Signature: sig}

	case ControllerChallengeAnswered:
		if err := m.ctx.SetPeerKey(data); err != nil {
			return reject("invalid agent key: " + err.Error())
		}
		m.state = ControllerAuthenticated
		return MarkAuthenticated{}

	case ControllerAuthenticated:
		return AcceptMessage{Payload: data}

	default:
		return reject("unknown state " + m.state.String())
	}
}
