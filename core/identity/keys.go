// Package identity implements the node's cryptographic identity: an Ed25519
// key pair whose public key doubles as the peer ID, signatures over wire
// envelopes, and X25519 ECDH with sealed payloads for confidential traffic.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/rookery-im/rookery-go/core"
)

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")
	ErrInvalidSeedSize    = errors.New("invalid seed size: expected 32 bytes")
)

// KeyPair holds the Ed25519 key pair identifying this node. The public key
// is the node's peer ID on the wire.
type KeyPair struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// FromSeed rebuilds a key pair from a 32-byte seed, the form persisted on
// disk.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// FromPrivateKey reconstructs a KeyPair from a 64-byte Ed25519 private key.
// The public key is extracted from the last 32 bytes (standard Go format).
func FromPrivateKey(privKey []byte) (*KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, privKey)
	return &KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// PeerID returns the peer ID derived from the public key.
func (kp *KeyPair) PeerID() core.PeerID {
	id, _ := core.PeerIDFromBytes(kp.PublicKey)
	return id
}

// Seed returns the 32-byte private seed for persistence.
func (kp *KeyPair) Seed() []byte {
	return kp.PrivateKey.Seed()
}

// PublicKeyToX25519 converts an Ed25519 public key to its X25519 (Curve25519)
// equivalent for ECDH key exchange.
func PublicKeyToX25519(edPubKey []byte) ([]byte, error) {
	if len(edPubKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}
	point, err := new(edwards25519.Point).SetBytes(edPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// PrivateKeyToX25519 converts an Ed25519 private key to its X25519 equivalent.
// This follows RFC 8032: SHA-512 the seed, then clamp the first 32 bytes.
func PrivateKeyToX25519(edPrivKey ed25519.PrivateKey) ([]byte, error) {
	if len(edPrivKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}

	h := sha512.Sum512(edPrivKey.Seed())

	// Clamp: clear lowest 3 bits, clear bit 255, set bit 254
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	return h[:32], nil
}

// SharedSecret derives a 32-byte ECDH secret between this node's private key
// and a remote Ed25519 public key. Both sides derive the same value.
func (kp *KeyPair) SharedSecret(remotePubKey []byte) ([]byte, error) {
	x25519Priv, err := PrivateKeyToX25519(kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}

	x25519Pub, err := PublicKeyToX25519(remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("convert public key: %w", err)
	}

	secret, err := curve25519.X25519(x25519Priv, x25519Pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}
	return secret, nil
}
