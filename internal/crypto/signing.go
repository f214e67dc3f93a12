package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// SignatureSize is the size of Ed25519 signatures in bytes.
	SignatureSize = ed25519.SignatureSize

	// ChallengeSize is the length of a handshake challenge.
	ChallengeSize = 500

	// challengeContext prefixes every signed challenge so a challenge
	// signature can never be mistaken for a signature over other data.
	challengeContext = "fleetlink-challenge-v1\x00"
)

// Sign creates an Ed25519 signature of message.
func Sign(privateKey [ed25519.PrivateKeySize]byte, message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privateKey[:]), message)
}

// Verify checks an Ed25519 signature. Malformed signatures return false.
func Verify(publicKey [KeySize]byte, message, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey[:]), message, signature)
}

// NewChallenge returns ChallengeSize bytes from crypto/rand.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return challenge, nil
}

// SignChallenge signs a handshake challenge under the challenge context.
func SignChallenge(privateKey [ed25519.PrivateKeySize]byte, challenge []byte) []byte {
	return Sign(privateKey, challengeMessage(challenge))
}

// VerifyChallenge checks a signature produced by SignChallenge.
func VerifyChallenge(publicKey [KeySize]byte, challenge, signature []byte) bool {
	if len(challenge) == 0 {
		return false
	}
	return Verify(publicKey, challengeMessage(challenge), signature)
}

func challengeMessage(challenge []byte) []byte {
	msg := make([]byte, 0, len(challengeContext)+len(challenge))
	msg = append(msg, challengeContext...)
	return append(msg, challenge...)
}
