package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
)

const (
	// keyFileName holds hex(Ed25519 seed || X25519 private key).
	keyFileName = "identity.key"

	// pubKeyFileName holds hex(PublicKey.Bytes()) for operators to copy.
	pubKeyFileName = "identity.pub"
)

// ErrKeypairNotFound is returned by LoadKeypair when no key file exists.
var ErrKeypairNotFound = errors.New("keypair not found")

// Keypair is the static identity of a node. The private halves never leave
// the process that owns them.
type Keypair struct {
	PublicKey  PublicKey
	SigningKey [ed25519.PrivateKeySize]byte
	BoxKey     [KeySize]byte
}

// NewKeypair generates a fresh signing and box keypair using crypto/rand.
func NewKeypair() (*Keypair, error) {
	var seed, box [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, box[:]); err != nil {
		return nil, fmt.Errorf("generate box key: %w", err)
	}
	return KeypairFromSecrets(seed, box)
}

// KeypairFromSecrets derives the full keypair from an Ed25519 seed and an
// X25519 private key.
func KeypairFromSecrets(seed, box [KeySize]byte) (*Keypair, error) {
	if IsZeroKey(seed) || IsZeroKey(box) {
		return nil, errors.New("cannot derive keypair from zero secrets")
	}

	// Clamp per X25519
	box[0] &= 248
	box[31] &= 127
	box[31] |= 64

	boxPub, err := curve25519.X25519(box[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive box public key: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed[:])

	kp := &Keypair{BoxKey: box}
	copy(kp.SigningKey[:], priv)
	copy(kp.PublicKey.Signing[:], priv.Public().(ed25519.PublicKey))
	copy(kp.PublicKey.Box[:], boxPub)
	return kp, nil
}

// Secret returns the hex form of the private halves, as stored in the key
// file and accepted by ParseSecret.
func (k *Keypair) Secret() string {
	return hex.EncodeToString(k.SigningKey[:KeySize]) + hex.EncodeToString(k.BoxKey[:])
}

// ParseSecret derives a keypair from hex(Ed25519 seed || X25519 private key).
func ParseSecret(s string) (*Keypair, error) {
	raw, err := decodeHex(s, 2*KeySize)
	if err != nil {
		return nil, err
	}
	var seed, box [KeySize]byte
	copy(seed[:], raw[:KeySize])
	copy(box[:], raw[KeySize:])
	return KeypairFromSecrets(seed, box)
}

// Zero clears the private key material.
func (k *Keypair) Zero() {
	for i := range k.SigningKey {
		k.SigningKey[i] = 0
	}
	for i := range k.BoxKey {
		k.BoxKey[i] = 0
	}
}

// Store writes the keypair to dataDir. The private file is 0600 and the
// public file is 0644; both are written atomically.
func (k *Keypair) Store(dataDir string) error {
	var seed [KeySize]byte
	copy(seed[:], k.SigningKey[:KeySize])
	if IsZeroKey(seed) || IsZeroKey(k.BoxKey) {
		return errors.New("cannot store zero keypair")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := writeAtomic(filepath.Join(dataDir, keyFileName), []byte(k.Secret()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to persist private key: %w", err)
	}
	if err := writeAtomic(filepath.Join(dataDir, pubKeyFileName), []byte(k.PublicKey.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to persist public key: %w", err)
	}
	return nil
}

// LoadKeypair reads the keypair stored in dataDir. If a public key file is
// present it must match the key derived from the private file.
func LoadKeypair(dataDir string) (*Keypair, error) {
	keyPath := filepath.Join(dataDir, keyFileName)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrKeypairNotFound, keyPath)
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	kp, err := ParseSecret(string(data))
	if err != nil {
		return nil, fmt.Errorf("corrupted private key file: %w", err)
	}

	pubData, err := os.ReadFile(filepath.Join(dataDir, pubKeyFileName))
	switch {
	case err == nil:
		stored, perr := ParsePublicKeyHex(string(pubData))
		if perr != nil {
			return nil, fmt.Errorf("corrupted public key file: %w", perr)
		}
		if !stored.Equal(kp.PublicKey) {
			return nil, errors.New("public key file does not match private key")
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	return kp, nil
}

// Generator creates a fresh keypair.
type Generator func() (*Keypair, error)

// LoadOrCreateKeypair loads the keypair from dataDir, generating one with
// generate and persisting it when none exists. A nil generate uses
// NewKeypair. The boolean reports creation.
func LoadOrCreateKeypair(dataDir string, generate Generator) (*Keypair, bool, error) {
	kp, err := LoadKeypair(dataDir)
	if err == nil {
		return kp, false, nil
	}
	if !errors.Is(err, ErrKeypairNotFound) {
		return nil, false, err
	}

	if generate == nil {
		generate = NewKeypair
	}
	kp, err = generate()
	if err != nil {
		return nil, false, fmt.Errorf("generate keypair: %w", err)
	}
	if err := kp.Store(dataDir); err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// KeypairExists checks if a private key file exists in dataDir.
func KeypairExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, keyFileName))
	return err == nil
}

// ReadPublicKeyFile parses a file holding a hex public key, as written by Store.
func ReadPublicKeyFile(path string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKeyHex(strings.TrimSpace(string(data)))
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return err
	}
	// WriteFile honours umask; force the requested mode.
	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
