package auth

import (
	"errors"

	"github.com/postalsys/fleetlink/internal/crypto"
	"github.com/postalsys/fleetlink/internal/identity"
)

// ChallengeSize is the length of the random challenge issued by the agent.
const ChallengeSize = crypto.ChallengeSize

var (
	// ErrPeerNotVerified is returned when a payload operation runs before the
	// peer key has been verified.
	ErrPeerNotVerified = errors.New("peer not verified")

	// ErrPublicKeyAlreadyShared is returned when the controller tries to share
	// its key twice on one connection.
	ErrPublicKeyAlreadyShared = errors.New("public key already shared")

	// ErrUnexpectedPeerKey is returned when a claimed key differs from the
	// pinned one.
	ErrUnexpectedPeerKey = errors.New("peer key does not match pinned key")

	// ErrInvalidChallenge is returned for challenges of the wrong length.
	ErrInvalidChallenge = errors.New("invalid challenge")
)

// Session is the mutable authentication state of one connection. A new
// Session is created for every socket and is never reused.
type Session struct {
	claimed   identity.PublicKey
	hasClaim  bool
	challenge []byte
	verified  bool
}

func (s *Session) claim(key identity.PublicKey) {
	s.claimed = key
	s.hasClaim = true
}

// takeChallenge returns the stored challenge and forgets it.
func (s *Session) takeChallenge() []byte {
	c := s.challenge
	s.challenge = nil
	return c
}

// Verified reports whether the peer key has been proven.
func (s *Session) Verified() bool {
	return s.verified
}

// PeerKey returns the claimed peer key, if any.
func (s *Session) PeerKey() (identity.PublicKey, bool) {
	return s.claimed, s.hasClaim
}
