// Package cryptutil encrypts the upstream cookie blob at rest.
//
// The AEAD itself is AES-256-GCM from the standard library; no third-party
// AEAD cipher is available anywhere in the reference corpus, so that part
// stays stdlib. Key derivation is not: the 256-bit key is derived from the
// configured secret with HKDF-SHA256 (golang.org/x/crypto/hkdf) rather than
// used directly, so a short or reused operator secret never becomes the raw
// AES key.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var errCiphertextTooShort = errors.New("cryptutil: ciphertext shorter than nonce size")

// Sealer encrypts and decrypts the auth cookie blob with a key derived
// once from a configured secret.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives a 256-bit AES key from secret via HKDF-SHA256 and
// returns a Sealer ready for use. salt and info pin the derivation to this
// use case so the same secret can't be replayed against another purpose.
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("cryptutil: empty secret")
	}
	kdf := hkdf.New(sha256.New, secret, []byte("auctiontracker-cookie-salt"), []byte("auth-cookie-blob"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// Encrypt returns nonce||ciphertext||tag, safe to persist as an opaque blob.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Callers in this repo treat any error here as
// "no cookies" rather than propagating a hard failure (§4.1, §4.9).
func (s *Sealer) Decrypt(blob []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	return s.gcm.Open(nil, nonce, ciphertext, nil)
}
