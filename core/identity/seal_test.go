package identity

import (
	"bytes"
	"testing"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()
	plaintext := []byte("hello from A")

	sealed, err := kpA.Seal(kpB.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed payload leaks plaintext")
	}

	opened, err := kpB.Open(kpA.PublicKey, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

func TestSeal_NoncesDiffer(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()

	s1, _ := kpA.Seal(kpB.PublicKey, []byte("same"))
	s2, _ := kpA.Seal(kpB.PublicKey, []byte("same"))
	if bytes.Equal(s1, s2) {
		t.Error("sealing the same plaintext twice should differ")
	}
}

func TestOpen_WrongRecipient(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()
	kpC, _ := Generate()

	sealed, _ := kpA.Seal(kpB.PublicKey, []byte("for B only"))
	if _, err := kpC.Open(kpA.PublicKey, sealed); err == nil {
		t.Error("third party should not open a sealed payload")
	}
}

func TestOpen_Tampered(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()

	sealed, _ := kpA.Seal(kpB.PublicKey, []byte("payload"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := kpB.Open(kpA.PublicKey, sealed); err == nil {
		t.Error("tampered payload should not open")
	}
}

func TestOpen_TooShort(t *testing.T) {
	kpA, _ := Generate()
	kpB, _ := Generate()

	if _, err := kpB.Open(kpA.PublicKey, []byte{1, 2, 3}); err != ErrSealedTooShort {
		t.Errorf("error = %v, want %v", err, ErrSealedTooShort)
	}
}
