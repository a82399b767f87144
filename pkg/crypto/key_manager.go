package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrKeyNotFound = errors.New("encryption key not found")
	ErrNoKeys      = errors.New("no encryption keys loaded")
)

// EnvKey is the variable holding key version 1; later versions use
// EnvKey_V2 .. EnvKey_V10.
const EnvKey = "MASTER_ENCRYPTION_KEY"

const maxVersions = 10

// KeyManager holds every loaded key version. New values are sealed with the
// highest version; old values open with whichever version sealed them.
// It is immutable after construction.
type KeyManager struct {
	current    int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the process environment.
func NewKeyManager() (*KeyManager, error) {
	return LoadKeys(os.LookupEnv)
}

// LoadKeys loads keys through lookup. Version 1 is required.
func LoadKeys(lookup func(string) (string, bool)) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}
	for v := 1; v <= maxVersions; v++ {
		name := EnvKey
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKey, v)
		}
		raw, ok := lookup(name)
		if !ok || raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key: %w", ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		enc, err := NewEncryptor(key, v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", name, err)
		}
		km.encryptors[v] = enc
		km.current = v
	}
	return km, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	enc, ok := km.encryptors[km.current]
	if !ok {
		return "", ErrNoKeys
	}
	return enc.Encrypt(plaintext)
}

// Decrypt opens ciphertext with the version named in its prefix.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt moves a value onto the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

func (km *KeyManager) CurrentVersion() int { return km.current }

func (km *KeyManager) HasVersion(version int) bool {
	_, ok := km.encryptors[version]
	return ok
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	return generateKey(rand.Reader)
}

func generateKey(r io.Reader) (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
