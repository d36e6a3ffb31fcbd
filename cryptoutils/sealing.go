package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SealingKeySize is the AES-256 key length produced by DeriveSealingKey.
const SealingKeySize = 32

// DeriveSealingKey derives the at-rest encryption key for stored credentials
// from a device secret with Argon2id.
func DeriveSealingKey(secret []byte, salt string) []byte {
	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(secret, append([]byte("DEVICE-SEALING-KEY-"), salt...), 1, 64*1024, 4, SealingKeySize)
}

// Seal encrypts plaintext with AES-GCM. The output is [nonce (12 bytes)][ciphertext].
// additionalData binds the ciphertext to its storage location.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Unseal reverses Seal.
func Unseal(key, sealed, additionalData []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aesGCM.NonceSize() {
		return nil, errors.New("sealed data too short")
	}

	nonce, ciphertext := sealed[:aesGCM.NonceSize()], sealed[aesGCM.NonceSize():]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
