// Package credential loads the SSH deploy key from the configured source:
// a file, an environment variable, a sealed envelope or the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/dockship/internal/core/crypto"
	"github.com/artpar/dockship/internal/core/domain"
	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name keys are stored under.
const DefaultKeyringService = "dockship"

var (
	ErrNoSource      = errors.New("no credential source configured")
	ErrSource        = errors.New("credential source unreadable")
	ErrEncryptionKey = errors.New("sealed key needs an encryption key")
)

// Source names where the deploy key comes from. The first configured
// field wins, in declaration order.
type Source struct {
	// KeyEncrypted is a sealed envelope (see crypto.Seal), or a path to a
	// file holding one. Needs EncryptionKey.
	KeyEncrypted  string
	EncryptionKey string

	// KeyEnv names an environment variable holding PEM or base64 PEM.
	KeyEnv string

	// KeyFile is a path to a PEM private key.
	KeyFile string

	// KeyringUser selects an entry in the OS keyring under KeyringService.
	KeyringService string
	KeyringUser    string

	// Passphrase decrypts an encrypted PEM.
	Passphrase string

	// Getenv reads the process environment. Default: os.Getenv.
	Getenv func(string) string
}

// Load reads, decodes and validates the key.
func (s Source) Load() (domain.Credential, error) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var pem []byte
	var err error
	switch {
	case s.KeyEncrypted != "":
		pem, err = s.loadSealed(s.KeyEncrypted)
	case s.KeyEnv != "":
		value := getenv(s.KeyEnv)
		if value == "" {
			return domain.Credential{}, fmt.Errorf("%w: environment variable %s is empty", ErrSource, s.KeyEnv)
		}
		pem, err = s.decode(value)
	case s.KeyFile != "":
		var data []byte
		data, err = os.ReadFile(expandHome(s.KeyFile))
		if err != nil {
			return domain.Credential{}, fmt.Errorf("%w: %w", ErrSource, err)
		}
		pem, err = s.decode(string(data))
	case s.KeyringUser != "":
		var value string
		value, err = keyring.Get(s.service(), s.KeyringUser)
		if err != nil {
			return domain.Credential{}, fmt.Errorf("%w: keyring %s/%s: %w", ErrSource, s.service(), s.KeyringUser, err)
		}
		pem, err = s.decode(value)
	default:
		return domain.Credential{}, ErrNoSource
	}
	if err != nil {
		return domain.Credential{}, err
	}

	var passphrase []byte
	if s.Passphrase != "" {
		passphrase = []byte(s.Passphrase)
	}
	if err := crypto.ValidateSSHPrivateKey(pem, passphrase); err != nil {
		return domain.Credential{}, err
	}
	return domain.NewCredential(pem, passphrase), nil
}

// decode accepts PEM, base64 PEM or a sealed envelope.
func (s Source) decode(value string) ([]byte, error) {
	if crypto.IsSealed(value) {
		return s.open(value)
	}
	return crypto.DecodeKeyMaterial(value)
}

func (s Source) loadSealed(value string) ([]byte, error) {
	if !crypto.IsSealed(value) {
		data, err := os.ReadFile(expandHome(value))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSource, err)
		}
		value = string(data)
	}
	return s.open(value)
}

func (s Source) open(envelope string) ([]byte, error) {
	if s.EncryptionKey == "" {
		return nil, ErrEncryptionKey
	}
	pem, err := crypto.Open(envelope, crypto.ParseKey(s.EncryptionKey))
	if err != nil {
		return nil, err
	}
	return pem, nil
}

func (s Source) service() string {
	if s.KeyringService == "" {
		return DefaultKeyringService
	}
	return s.KeyringService
}

// Store saves a private key, or a sealed envelope of it, in the OS keyring.
func Store(service, user string, value []byte) error {
	if service == "" {
		service = DefaultKeyringService
	}
	if err := keyring.Set(service, user, string(value)); err != nil {
		return fmt.Errorf("store key in keyring %s/%s: %w", service, user, err)
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}
