package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestGenerate(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if len(kp.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("PublicKey length = %d, want %d", len(kp.PublicKey), ed25519.PublicKeySize)
	}
	if len(kp.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("PrivateKey length = %d, want %d", len(kp.PrivateKey), ed25519.PrivateKeySize)
	}

	// Two generated keys should differ
	kp2, err := Generate()
	if err != nil {
		t.Fatalf("Generate() second call error = %v", err)
	}
	if kp.PublicKey.Equal(kp2.PublicKey) {
		t.Error("two generated keys should not be equal")
	}
}

func TestFromSeed_RoundTrip(t *testing.T) {
	kp, _ := Generate()

	restored, err := FromSeed(kp.Seed())
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	if !restored.PublicKey.Equal(kp.PublicKey) {
		t.Error("restored public key does not match original")
	}
	if restored.PeerID() != kp.PeerID() {
		t.Error("restored peer ID does not match original")
	}
}

func TestFromSeed_InvalidLength(t *testing.T) {
	if _, err := FromSeed(make([]byte, 16)); err != ErrInvalidSeedSize {
		t.Errorf("error = %v, want %v", err, ErrInvalidSeedSize)
	}
}

func TestFromPrivateKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	kp, err := FromPrivateKey(priv)
	if err != nil {
		t.Fatalf("FromPrivateKey() error = %v", err)
	}
	if !kp.PublicKey.Equal(pub) {
		t.Error("reconstructed public key does not match original")
	}
}

func TestFromPrivateKey_InvalidLength(t *testing.T) {
	if _, err := FromPrivateKey(make([]byte, 32)); err != ErrInvalidPrivKeySize {
		t.Errorf("error = %v, want %v", err, ErrInvalidPrivKeySize)
	}
}

func TestPeerID_MatchesPublicKey(t *testing.T) {
	kp, _ := Generate()
	id := kp.PeerID()
	if !bytes.Equal(id.Bytes(), kp.PublicKey) {
		t.Error("PeerID() bytes should equal the public key")
	}
}

func TestPublicKeyToX25519(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	result, err := PublicKeyToX25519([]byte(pub))
	if err != nil {
		t.Fatalf("PublicKeyToX25519() error = %v", err)
	}
	if len(result) != 32 {
		t.Errorf("result length = %d, want 32", len(result))
	}

	// Deterministic
	result2, _ := PublicKeyToX25519([]byte(pub))
	if !bytes.Equal(result, result2) {
		t.Error("conversion not deterministic")
	}
}

func TestPublicKeyToX25519_WrongLength(t *testing.T) {
	if _, err := PublicKeyToX25519(make([]byte, 16)); err == nil {
		t.Error("should error on wrong length key")
	}
}

func TestPrivateKeyToX25519_Clamped(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)

	x25519Key, err := PrivateKeyToX25519(priv)
	if err != nil {
		t.Fatalf("PrivateKeyToX25519() error = %v", err)
	}
	if len(x25519Key) != 32 {
		t.Errorf("length = %d, want 32", len(x25519Key))
	}

	// Verify clamping: lowest 3 bits of first byte should be clear
	if x25519Key[0]&0x07 != 0 {
		t.Errorf("lowest 3 bits not cleared: %02x", x25519Key[0])
	}
	// Bit 255 (highest bit of byte 31) should be clear
	if x25519Key[31]&0x80 != 0 {
		t.Errorf("bit 255 not cleared: %02x", x25519Key[31])
	}
	// Bit 254 should be set
	if x25519Key[31]&0x40 == 0 {
		t.Errorf("bit 254 not set: %02x", x25519Key[31])
	}
}

func TestSharedSecret_Symmetric(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()

	secretAB, err := kpA.SharedSecret(kpB.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret(A→B) error = %v", err)
	}
	secretBA, err := kpB.SharedSecret(kpA.PublicKey)
	if err != nil {
		t.Fatalf("SharedSecret(B→A) error = %v", err)
	}

	if len(secretAB) != 32 {
		t.Errorf("secret length = %d, want 32", len(secretAB))
	}
	if !bytes.Equal(secretAB, secretBA) {
		t.Error("shared secrets differ between the two sides")
	}
}

func TestSharedSecret_InvalidPubKey(t *testing.T) {
	kp, _ := Generate()
	if _, err := kp.SharedSecret(make([]byte, 16)); err == nil {
		t.Error("should error on wrong length public key")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := Generate()
	msg := []byte("announce payload")

	sig := kp.Sign(msg)
	if !Verify(kp.PublicKey, msg, sig) {
		t.Error("valid signature did not verify")
	}
	if Verify(kp.PublicKey, []byte("tampered"), sig) {
		t.Error("signature over different data should not verify")
	}

	other, _ := Generate()
	if Verify(other.PublicKey, msg, sig) {
		t.Error("signature should not verify under another key")
	}
}

func TestVerify_MalformedInputs(t *testing.T) {
	kp, _ := Generate()
	sig := kp.Sign([]byte("x"))

	if Verify(make([]byte, 5), []byte("x"), sig) {
		t.Error("short public key should not verify")
	}
	if Verify(kp.PublicKey, []byte("x"), make([]byte, 5)) {
		t.Error("short signature should not verify")
	}
}
