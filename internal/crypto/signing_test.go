package crypto

import (
	"bytes"
	"testing"

	"github.com/postalsys/fleetlink/internal/identity"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}

	msg := []byte("message to sign")
	sig := Sign(kp.SigningKey, msg)
	if len(sig) != SignatureSize {
		t.Fatalf("signature length = %d, want %d", len(sig), SignatureSize)
	}

	if !Verify(kp.PublicKey.Signing, msg, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if Verify(kp.PublicKey.Signing, []byte("other message"), sig) {
		t.Error("Verify() = true for the wrong message")
	}
	if Verify(kp.PublicKey.Signing, msg, sig[:SignatureSize-1]) {
		t.Error("Verify() = true for a truncated signature")
	}
}

func TestNewChallenge(t *testing.T) {
	a, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge failed: %v", err)
	}
	b, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge failed: %v", err)
	}

	if len(a) != ChallengeSize {
		t.Errorf("challenge length = %d, want %d", len(a), ChallengeSize)
	}
	if bytes.Equal(a, b) {
		t.Error("two challenges are identical")
	}
}

func TestVerifyChallenge(t *testing.T) {
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	other, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	challenge, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge failed: %v", err)
	}
	sig := SignChallenge(kp.SigningKey, challenge)

	tests := []struct {
		name      string
		key       [KeySize]byte
		challenge []byte
		sig       []byte
		want      bool
	}{
		{"valid", kp.PublicKey.Signing, challenge, sig, true},
		{"wrong key", other.PublicKey.Signing, challenge, sig, false},
		{"different challenge", kp.PublicKey.Signing, challenge[1:], sig, false},
		{"empty challenge", kp.PublicKey.Signing, nil, sig, false},
		{"raw signature", kp.PublicKey.Signing, challenge, Sign(kp.SigningKey, challenge), false},
		{"empty signature", kp.PublicKey.Signing, challenge, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyChallenge(tt.key, tt.challenge, tt.sig); got != tt.want {
				t.Errorf("VerifyChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProvider(t *testing.T) {
	var p Provider

	kp, err := p.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	ciphertext, err := p.Encrypt([]byte("ping"), kp.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := p.Decrypt(ciphertext, kp)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "ping" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "ping")
	}

	challenge, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge failed: %v", err)
	}
	if !p.Verify(challenge, p.Sign(challenge, kp), kp.PublicKey) {
		t.Error("Verify() = false for own signature")
	}
}
