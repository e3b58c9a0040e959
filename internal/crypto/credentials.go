// Package crypto seals the cloud API key so it can sit in a config file on
// the terminal. Sealed values are bound to the machine they were created on.
// Uses AES-256-GCM with an HKDF-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks a config value produced by Seal.
const SealedPrefix = "enc:"

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrEmptySecret is returned when there is nothing to seal.
	ErrEmptySecret = errors.New("secret is empty")
)

// machineIDFiles are checked in order; the first readable one wins.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns a stable identifier for this host, falling back to the
// hostname when no machine-id file exists.
func MachineID() string {
	for _, path := range machineIDFiles {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return "machine:" + id
			}
		}
	}
	hostname, _ := os.Hostname()
	return "host:" + hostname
}

// deriveKey stretches machineID into a 32-byte AES key.
func deriveKey(machineID string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(machineID), []byte("lotterydesk-sync"), []byte("cloud api key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(machineID string) (cipher.AEAD, error) {
	key, err := deriveKey(machineID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts secret for machineID and returns "enc:" + base64.
func Seal(secret, machineID string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	gcm, err := newGCM(machineID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(secret), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Open decrypts a value produced by Seal on the same machine.
func Open(sealed, machineID string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	gcm, err := newGCM(machineID)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}

// Reveal returns value unchanged unless it is sealed, in which case it is
// opened with machineID.
func Reveal(value, machineID string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return Open(value, machineID)
}
