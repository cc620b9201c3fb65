package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var ErrSealedTooShort = errors.New("sealed payload too short")

// sealInfo binds derived keys to their purpose so a key derived for payload
// sealing cannot be reused in another context.
const sealInfo = "rookery/v1/seal"

// deriveSealKey expands a raw ECDH secret into a ChaCha20-Poly1305 key with
// HKDF-SHA256.
func deriveSealKey(secret []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sealInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for the holder of remotePubKey. Output layout is
// [nonce || ciphertext+tag].
func (kp *KeyPair) Seal(remotePubKey, plaintext []byte) ([]byte, error) {
	secret, err := kp.SharedSecret(remotePubKey)
	if err != nil {
		return nil, err
	}
	key, err := deriveSealKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload sealed for this node by the holder of remotePubKey.
func (kp *KeyPair) Open(remotePubKey, sealed []byte) ([]byte, error) {
	secret, err := kp.SharedSecret(remotePubKey)
	if err != nil {
		return nil, err
	}
	key, err := deriveSealKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", err)
	}
	return plaintext, nil
}
