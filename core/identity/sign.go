package identity

import "crypto/ed25519"

// Sign returns an Ed25519 signature over data.
func (kp *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, data)
}

// Verify reports whether sig is a valid signature over data by the holder of
// pub. Malformed keys or signatures verify as false rather than erroring.
func Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
