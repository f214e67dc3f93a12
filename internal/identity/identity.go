// Package identity provides the static keypair that authenticates a fleetlink node.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the size of each Ed25519 public key, X25519 key and seed in bytes.
	KeySize = 32

	// PublicKeyVersion is the leading byte of the serialized public key.
	PublicKeyVersion = 0x01

	// PublicKeySize is the size of a serialized PublicKey:
	// version (1) || Ed25519 public (32) || X25519 public (32).
	PublicKeySize = 1 + KeySize + KeySize

	// FingerprintSize is the number of SHA-256 bytes kept in a fingerprint.
	FingerprintSize = 8
)

var (
	// ErrInvalidPublicKey is returned when public key material cannot be decoded.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidHexString is returned when a hex encoded key is malformed.
	ErrInvalidHexString = errors.New("invalid hex string for key")
)

// PublicKey is the public half of a node keypair. Signing verifies challenge
// responses, Box is the recipient key for sealed messages.
type PublicKey struct {
	Signing [KeySize]byte
	Box     [KeySize]byte
}

// ParsePublicKey decodes the stable wire encoding produced by Bytes.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidPublicKey, len(b), PublicKeySize)
	}
	if b[0] != PublicKeyVersion {
		return pk, fmt.Errorf("%w: unsupported version 0x%02x", ErrInvalidPublicKey, b[0])
	}
	copy(pk.Signing[:], b[1:1+KeySize])
	copy(pk.Box[:], b[1+KeySize:])
	if IsZeroKey(pk.Signing) || IsZeroKey(pk.Box) {
		return PublicKey{}, fmt.Errorf("%w: zero key", ErrInvalidPublicKey)
	}
	return pk, nil
}

// ParsePublicKeyHex decodes a hex encoded public key. Whitespace and a 0x
// prefix are ignored.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	raw, err := decodeHex(s, PublicKeySize)
	if err != nil {
		return PublicKey{}, err
	}
	return ParsePublicKey(raw)
}

// Bytes returns the serialized form sent on the wire.
func (p PublicKey) Bytes() []byte {
	buf := make([]byte, PublicKeySize)
	buf[0] = PublicKeyVersion
	copy(buf[1:1+KeySize], p.Signing[:])
	copy(buf[1+KeySize:], p.Box[:])
	return buf
}

// String returns the lowercase hex form of Bytes.
func (p PublicKey) String() string {
	return hex.EncodeToString(p.Bytes())
}

// Fingerprint returns a short stable identifier for logs and inventory.
func (p PublicKey) Fingerprint() string {
	sum := sha256.Sum256(p.Bytes())
	return hex.EncodeToString(sum[:FingerprintSize])
}

// Equal reports whether both halves of the keys match.
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p.Signing[:], other.Signing[:]) && bytes.Equal(p.Box[:], other.Box[:])
}

// IsZero returns true for an unset key.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// MarshalText implements encoding.TextMarshaler.
func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKeyHex(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseKey parses a single 32-byte key from a hex string.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := decodeHex(s, KeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// KeyToString returns the hex representation of a 32-byte key.
func KeyToString(key [KeySize]byte) string {
	return hex.EncodeToString(key[:])
}

// IsZeroKey returns true if every byte of the key is zero.
func IsZeroKey(key [KeySize]byte) bool {
	return key == [KeySize]byte{}
}

func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != size*2 {
		return nil, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidHexString, len(s), size*2)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}
	return raw, nil
}
