package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrSealedTooShort is returned when a sealed blob is too short to
// contain even a nonce.
var ErrSealedTooShort = errors.New("security: sealed data shorter than nonce size")

const fileKeySize = 32 // AES-256

// DeriveFileKey derives a per-file AES-256 key from masterKey via HKDF,
// using fileID as the HKDF info parameter so distinct files never share
// a key even under the same master key.
func DeriveFileKey(masterKey, fileID []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, nil, fileID)
	key := make([]byte, fileKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("security: derive file key: %w", err)
	}
	return key, nil
}

// EncryptAtRest seals plaintext under a key derived from masterKey and
// fileID, with aad (the canonical encoding of a file-metadata mapping,
// per spec) bound as additional authenticated data. Output layout is
// nonce ∥ ciphertext ∥ tag, a 96-bit random nonce and a 128-bit tag.
func EncryptAtRest(masterKey, fileID, plaintext, aad []byte) ([]byte, error) {
	fileKey, err := DeriveFileKey(masterKey, fileID)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(fileKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, aad)
	return sealed, nil
}

// DecryptAtRest reverses EncryptAtRest, verifying aad and the tag.
func DecryptAtRest(masterKey, fileID, sealed, aad []byte) ([]byte, error) {
	fileKey, err := DeriveFileKey(masterKey, fileID)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(fileKey)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, ErrSealedTooShort
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("security: open sealed data: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new GCM: %w", err)
	}
	return gcm, nil
}
