// Package core holds the identity types shared by every Rookery component:
// peer identifiers, capability names, and content channel names.
package core

import (
	"encoding/hex"
	"fmt"
)

// PeerID represents a Rookery peer's 32-byte Ed25519 public key.
type PeerID [32]byte

// String returns the hex-encoded representation of the peer ID.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns the first 8 hex characters of the peer ID, for log output.
func (p PeerID) Short() string {
	return hex.EncodeToString(p[:4])
}

// Bytes returns the underlying byte slice.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// IsZero returns true if the ID is all zeros (uninitialized).
func (p PeerID) IsZero() bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// MarshalText encodes the ID as lowercase hex. Peer IDs travel as hex
// strings in JSON, including as map keys.
func (p PeerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a hex-encoded peer ID.
func (p *PeerID) UnmarshalText(text []byte) error {
	id, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// ParsePeerID parses a hex-encoded string into a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid length: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PeerIDFromBytes copies a 32-byte public key into a PeerID.
func PeerIDFromBytes(raw []byte) (PeerID, error) {
	var id PeerID
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid length: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
