// Package vault encrypts exchange credentials at rest.
//
// Ciphertexts are self-describing: a "v1:" version prefix followed by
// base64(nonce || AES-256-GCM sealed payload). Decrypt never panics on
// malformed input; it logs a warning and returns the empty string so a
// corrupted document can never take the process down.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const versionPrefix = "v1:"

// Vault seals and opens credential strings with a process-wide master key.
// Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
	log  *slog.Logger
}

// New builds a Vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string, logger *slog.Logger) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{
		aead: aead,
		log:  logger.With("component", "vault"),
	}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Malformed or tampered
// input yields the empty string and a single warning.
func (v *Vault) Decrypt(ciphertext string) string {
	raw, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		v.log.Warn("ciphertext missing version prefix")
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		v.log.Warn("ciphertext is not valid base64", "err", err)
		return ""
	}
	if len(data) < v.aead.NonceSize() {
		v.log.Warn("ciphertext shorter than nonce")
		return ""
	}
	nonce, sealed := data[:v.aead.NonceSize()], data[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		v.log.Warn("ciphertext failed authentication", "err", err)
		return ""
	}
	return string(plaintext)
}

// IsCiphertext reports whether s carries the vault version prefix.
// Used to decide whether stored credentials still need decryption.
func IsCiphertext(s string) bool {
	return strings.HasPrefix(s, versionPrefix)
}

// Mask renders a credential for display: first and last four characters
// around a fixed-width filler, so the full length is not leaked either.
func Mask(s string) string {
	if len(s) < 8 {
		return "********"
	}
	return s[:4] + "********" + s[len(s)-4:]
}
