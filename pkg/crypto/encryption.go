// Package crypto seals provider credentials stored in the providers file.
// Values look like ENC[v1]:base64(nonce|ciphertext|tag), AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	prefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals and opens values under one key version.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor. Key must be 32 bytes.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if version <= 0 {
		return nil, fmt.Errorf("key version must be positive, got %d", version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

// Encrypt returns ENC[vN]:base64(nonce+ciphertext). Every call uses a fresh nonce.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + strconv.Itoa(e.version) + "]:" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with the same key.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	version, data, err := split(ciphertext)
	if err != nil {
		return "", err
	}
	if version != e.version {
		return "", fmt.Errorf("%w: sealed with v%d, key is v%d", ErrDecryptionFailed, version, e.version)
	}
	if len(data) < NonceSize+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plain, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Version returns the key version used by this encryptor.
func (e *Encryptor) Version() int { return e.version }

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	v, _, err := split(ciphertext)
	if err != nil {
		return 0
	}
	return v
}

func split(ciphertext string) (int, []byte, error) {
	rest, ok := strings.CutPrefix(ciphertext, prefix)
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	num, body, ok := strings.Cut(rest, "]:")
	if !ok {
		return 0, nil, ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return version, data, nil
}
