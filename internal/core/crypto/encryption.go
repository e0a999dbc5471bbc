// Package crypto seals deploy keys at rest and parses SSH key material.
// This is part of the Functional Core - no I/O besides the random source.
//
// Sealed keys use AES-256-GCM. The sealing key is 32 raw bytes, supplied
// hex or base64 encoded, or derived from a passphrase.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the sealing key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrInvalidCiphertext is returned when the sealed blob is truncated or not an envelope.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned on a wrong key or corrupted data.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")

	// ErrInvalidSSHKey is returned when the SSH key cannot be parsed.
	ErrInvalidSSHKey = errors.New("invalid SSH private key format")

	// ErrPassphraseRequired is returned for an encrypted key with no passphrase.
	ErrPassphraseRequired = errors.New("SSH private key is passphrase protected")
)

// SealedPrefix marks a base64 sealed key envelope.
const SealedPrefix = "dockship-sealed:v1:"

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a 32-byte AES-256 key from a passphrase using SHA-256.
// Deterministic: same input always produces the same key.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

// ParseKey accepts a 64 character hex string or base64 of 32 bytes.
// Anything else is treated as a passphrase and run through DeriveKey.
func ParseKey(s string) []byte {
	s = strings.TrimSpace(s)
	if len(s) == 64 {
		if b, err := hex.DecodeString(s); err == nil {
			return b
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b
	}
	return DeriveKey(s)
}

// =============================================================================
// AES-256-GCM Encryption
// =============================================================================

// Encrypt encrypts plaintext using AES-256-GCM.
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < 32 {
		return nil, ErrKeyTooShort
	}
	// Use exactly 32 bytes for AES-256
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// Sealed Key Envelope
// =============================================================================

// Seal encrypts a private key into a single-line text envelope suitable for
// a CI secret or config value.
func Seal(privateKey, key []byte) (string, error) {
	ciphertext, err := Encrypt(privateKey, key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. The prefix is optional so bare base64 also works.
func Open(envelope string, key []byte) ([]byte, error) {
	encoded := strings.TrimPrefix(strings.TrimSpace(envelope), SealedPrefix)
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	return Decrypt(ciphertext, key)
}

// IsSealed reports whether s carries the sealed envelope prefix.
func IsSealed(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), SealedPrefix)
}

// =============================================================================
// SSH Key Utilities
// =============================================================================

// DecodeKeyMaterial accepts PEM text as is, or base64 encoded PEM as CI
// systems often store multi-line secrets.
func DecodeKeyMaterial(s string) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		return []byte(trimmed + "\n"), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, ErrInvalidSSHKey
	}
	if !bytes.HasPrefix(bytes.TrimSpace(decoded), []byte("-----BEGIN")) {
		return nil, ErrInvalidSSHKey
	}
	return decoded, nil
}

// ParseSigner parses a private key, decrypting it with passphrase when the
// key is protected.
func ParseSigner(privateKey, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(privateKey, passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSSHKey, err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, ErrInvalidSSHKey
	}
	return signer, nil
}

// ValidateSSHPrivateKey validates that the given bytes are a usable SSH private key.
func ValidateSSHPrivateKey(privateKey, passphrase []byte) error {
	_, err := ParseSigner(privateKey, passphrase)
	return err
}

// Fingerprint returns the SHA256 fingerprint of a public key in the
// "SHA256:base64" form ssh-keygen prints.
func Fingerprint(pub ssh.PublicKey) string {
	return ssh.FingerprintSHA256(pub)
}

// PublicKeyFingerprint returns the fingerprint of the public half of privateKey.
func PublicKeyFingerprint(privateKey, passphrase []byte) (string, error) {
	signer, err := ParseSigner(privateKey, passphrase)
	if err != nil {
		return "", err
	}
	return Fingerprint(signer.PublicKey()), nil
}

// AuthorizedKey returns the authorized_keys line for privateKey.
func AuthorizedKey(privateKey, passphrase []byte) (string, error) {
	signer, err := ParseSigner(privateKey, passphrase)
	if err != nil {
		return "", err
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// GenerateKeyPair generates a new Ed25519 deploy key.
// Returns the private key in OpenSSH PEM format and the public key as an
// authorized_keys line ending in comment.
func GenerateKeyPair(comment string) (privateKeyPEM []byte, authorizedKey string, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, "", fmt.Errorf("marshal private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, "", fmt.Errorf("create public key: %w", err)
	}

	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPubKey)), "\n")
	if comment != "" {
		line += " " + comment
	}
	return pem.EncodeToMemory(block), line + "\n", nil
}
