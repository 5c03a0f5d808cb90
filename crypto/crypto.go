// Package crypto encrypts OAuth tokens at rest with AES-256-GCM. Keys live in a Keyring so a
// new primary key can be rolled out while rows sealed with older keys stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownKey is returned when a ciphertext names a key the Keyring does not hold.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// AEAD seals and opens byte slices. additional is authenticated but not encrypted.
type AEAD interface {
	Seal(plaintext, additional []byte) ([]byte, error)
	Open(ciphertext, additional []byte) ([]byte, error)
}

// AESKey is a single AES-256-GCM key.
type AESKey struct {
	gcm cipher.AEAD
}

// NewAESKey decodes a base64 32-byte key (openssl rand -base64 32).
func NewAESKey(base64Key string) (*AESKey, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESKey{gcm: gcm}, nil
}

// Seal returns nonce || ciphertext || tag.
func (k *AESKey) Seal(plaintext, additional []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, k.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return k.gcm.Seal(nonce, nonce, plaintext, additional), nil
}

// Open verifies and decrypts the output of Seal.
func (k *AESKey) Open(ciphertext, additional []byte) ([]byte, error) {
	n := k.gcm.NonceSize()
	if len(ciphertext) < n+k.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	plaintext, err := k.gcm.Open(nil, ciphertext[:n], ciphertext[n:], additional)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Keyring holds one primary key used for sealing plus any number of retired keys that can
// still open old ciphertexts.
type Keyring struct {
	primary string
	keys    map[string]AEAD
}

// NewKeyring returns a Keyring whose primary key is id.
func NewKeyring(id string, primary AEAD) *Keyring {
	return &Keyring{primary: id, keys: map[string]AEAD{id: primary}}
}

// Add registers a retired key under id.
func (k *Keyring) Add(id string, key AEAD) { k.keys[id] = key }

// PrimaryID is the id stored alongside new ciphertexts.
func (k *Keyring) PrimaryID() string { return k.primary }

// SealString encrypts s with the primary key and returns it base64 encoded with the key id.
// An empty s stays empty.
func (k *Keyring) SealString(s, additional string) (ciphertext, keyID string, err error) {
	if s == "" {
		return "", k.primary, nil
	}
	out, err := k.keys[k.primary].Seal([]byte(s), []byte(additional))
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(out), k.primary, nil
}

// OpenString reverses SealString using the key named keyID.
func (k *Keyring) OpenString(ciphertext, keyID, additional string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	out, err := key.Open(raw, []byte(additional))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// KeyringFromEnv builds a Keyring from ENCRYPTION_KEY (with optional ENCRYPTION_KEY_ID,
// default "default") and ENCRYPTION_RETIRED_KEYS, a comma separated list of id:base64key.
// It returns nil, nil when no primary key is configured.
func KeyringFromEnv(getenv func(string) string) (*Keyring, error) {
	primary := getenv("ENCRYPTION_KEY")
	if primary == "" {
		return nil, nil
	}
	id := getenv("ENCRYPTION_KEY_ID")
	if id == "" {
		id = "default"
	}
	key, err := NewAESKey(primary)
	if err != nil {
		return nil, err
	}
	ring := NewKeyring(id, key)
	for _, entry := range strings.Split(getenv("ENCRYPTION_RETIRED_KEYS"), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		rid, b64, ok := strings.Cut(entry, ":")
		if !ok || rid == "" {
			return nil, fmt.Errorf("ENCRYPTION_RETIRED_KEYS entry %q: want id:key", entry)
		}
		old, err := NewAESKey(b64)
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", rid, err)
		}
		ring.Add(rid, old)
	}
	return ring, nil
}
