package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// SealedOverhead is the size added to every sealed message:
	// ephemeral public key (32) + nonce (12) + auth tag (16) = 60 bytes.
	SealedOverhead = KeySize + NonceSize + TagSize

	// MaxPlaintextSize bounds a single sealed payload.
	MaxPlaintextSize = 1<<20 - SealedOverhead

	sealedInfo = "fleetlink-sealed-v1"
)

var (
	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid sealed ciphertext")

	// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
	ErrDecryptionFailed = errors.New("sealed message decryption failed")

	// ErrPlaintextTooLarge is returned when a payload exceeds MaxPlaintextSize.
	ErrPlaintextTooLarge = errors.New("plaintext exceeds maximum size")
)

// Seal encrypts plaintext so that only the holder of the private key matching
// recipient can open it. Output format:
//
//	ephemeral_public_key (32) || nonce (12) || ciphertext || tag (16)
//
// A fresh ephemeral key is generated for every call.
func Seal(recipient [KeySize]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}

	ephemeralPrivate, ephemeralPublic, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer ZeroKey(&ephemeralPrivate)

	sharedSecret, err := ComputeECDH(ephemeralPrivate, recipient)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH: %w", err)
	}
	defer ZeroKey(&sharedSecret)

	aead, err := sealingCipher(sharedSecret, ephemeralPublic, recipient)
	if err != nil {
		return nil, err
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	output := make([]byte, KeySize+NonceSize, KeySize+NonceSize+len(plaintext)+TagSize)
	copy(output[0:KeySize], ephemeralPublic[:])
	copy(output[KeySize:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, nil), nil
}

// Open decrypts a message produced by Seal for the given recipient keypair.
func Open(publicKey, privateKey [KeySize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < SealedOverhead {
		return nil, ErrInvalidCiphertext
	}

	var ephemeralPublic [KeySize]byte
	copy(ephemeralPublic[:], ciphertext[0:KeySize])

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[KeySize:KeySize+NonceSize])

	sharedSecret, err := ComputeECDH(privateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	defer ZeroKey(&sharedSecret)

	aead, err := sealingCipher(sharedSecret, ephemeralPublic, publicKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce[:], ciphertext[KeySize+NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// sealingCipher derives the per-message AEAD. The salt binds both public keys
// to the exchange.
func sealingCipher(sharedSecret, ephemeralPublic, recipient [KeySize]byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPublic[:]...)
	salt = append(salt, recipient[:]...)

	key := make([]byte, KeySize)
	defer ZeroBytes(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret[:], salt, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}
