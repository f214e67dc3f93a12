package crypto

import (
	"github.com/postalsys/fleetlink/internal/identity"
)

// Provider is the stateless encryption provider used by the session
// contexts. The zero value is ready to use.
type Provider struct{}

// GenerateKeypair creates a new node keypair.
func (Provider) GenerateKeypair() (*identity.Keypair, error) {
	return identity.NewKeypair()
}

// Encrypt seals plaintext to the recipient's box key.
func (Provider) Encrypt(plaintext []byte, recipient identity.PublicKey) ([]byte, error) {
	return Seal(recipient.Box, plaintext)
}

// Decrypt opens a sealed message with the owner's keypair.
func (Provider) Decrypt(ciphertext []byte, owner *identity.Keypair) ([]byte, error) {
	return Open(owner.PublicKey.Box, owner.BoxKey, ciphertext)
}

// Sign answers a challenge with the owner's signing key.
func (Provider) Sign(challenge []byte, owner *identity.Keypair) []byte {
	return SignChallenge(owner.SigningKey, challenge)
}

// Verify checks a challenge answer against a claimed public key.
func (Provider) Verify(challenge, signature []byte, signer identity.PublicKey) bool {
	return VerifyChallenge(signer.Signing, challenge, signature)
}
