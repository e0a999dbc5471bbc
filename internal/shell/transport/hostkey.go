package transport

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// =============================================================================
// Host Key Verification
// =============================================================================

// HostKeyMode selects how the remote host key is verified.
type HostKeyMode string

const (
	// HostKeyPinned accepts only the configured fingerprints or keys.
	HostKeyPinned HostKeyMode = "pinned"
	// HostKeyKnownHosts checks an OpenSSH known_hosts file.
	HostKeyKnownHosts HostKeyMode = "known_hosts"
	// HostKeyTOFU records unknown hosts in the known_hosts file on first
	// use. A changed key is still rejected.
	HostKeyTOFU HostKeyMode = "tofu"
)

var (
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrHostKeyUnknown  = errors.New("host key unknown")
	ErrHostKeyConfig   = errors.New("invalid host key configuration")
)

// HostKeyConfig configures host key verification.
type HostKeyConfig struct {
	Mode HostKeyMode
	// Pinned holds "SHA256:..." fingerprints or authorized_keys style lines.
	Pinned []string
	// KnownHostsFile is read in known_hosts mode and appended to in tofu mode.
	KnownHostsFile string
}

// HostKeyError reports a rejected host key.
type HostKeyError struct {
	Host        string
	Fingerprint string
	Err         error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("%s: %v (presented %s)", e.Host, e.Err, e.Fingerprint)
}

func (e *HostKeyError) Unwrap() error {
	return e.Err
}

// DefaultKnownHostsFile returns ~/.ssh/known_hosts.
func DefaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "known_hosts")
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// NewHostKeyCallback builds the ssh.HostKeyCallback for cfg.
func NewHostKeyCallback(cfg HostKeyConfig) (ssh.HostKeyCallback, error) {
	switch cfg.Mode {
	case HostKeyPinned:
		return pinnedCallback(cfg.Pinned)
	case HostKeyKnownHosts, "":
		file := cfg.KnownHostsFile
		if file == "" {
			file = DefaultKnownHostsFile()
		}
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("%w: read known_hosts %s: %w", ErrHostKeyConfig, file, err)
		}
		return wrapKnownHosts(cb), nil
	case HostKeyTOFU:
		file := cfg.KnownHostsFile
		if file == "" {
			file = DefaultKnownHostsFile()
		}
		return tofuCallback(file)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrHostKeyConfig, cfg.Mode)
	}
}

func pinnedCallback(pins []string) (ssh.HostKeyCallback, error) {
	var fingerprints []string
	var keys [][]byte
	for _, pin := range pins {
		pin = strings.TrimSpace(pin)
		switch {
		case pin == "":
			continue
		case strings.HasPrefix(pin, "SHA256:"):
			fingerprints = append(fingerprints, pin)
		default:
			pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pin))
			if err != nil {
				return nil, fmt.Errorf("%w: pinned key %q: %w", ErrHostKeyConfig, pin, err)
			}
			keys = append(keys, pub.Marshal())
		}
	}
	if len(fingerprints) == 0 && len(keys) == 0 {
		return nil, fmt.Errorf("%w: pinned mode needs at least one fingerprint", ErrHostKeyConfig)
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		for _, want := range fingerprints {
			if want == fp {
				return nil
			}
		}
		raw := key.Marshal()
		for _, want := range keys {
			if bytes.Equal(want, raw) {
				return nil
			}
		}
		return &HostKeyError{Host: hostname, Fingerprint: fp, Err: ErrHostKeyMismatch}
	}, nil
}

// wrapKnownHosts maps knownhosts errors onto HostKeyError.
func wrapKnownHosts(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		return hostKeyError(hostname, key, err)
	}
}

func hostKeyError(hostname string, key ssh.PublicKey, err error) error {
	fp := ssh.FingerprintSHA256(key)
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return &HostKeyError{Host: hostname, Fingerprint: fp, Err: ErrHostKeyUnknown}
		}
		return &HostKeyError{Host: hostname, Fingerprint: fp, Err: ErrHostKeyMismatch}
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return &HostKeyError{Host: hostname, Fingerprint: fp, Err: fmt.Errorf("%w: key is revoked", ErrHostKeyMismatch)}
	}
	return &HostKeyError{Host: hostname, Fingerprint: fp, Err: err}
}

// tofuMu serializes known_hosts appends within the process.
var tofuMu sync.Mutex

func tofuCallback(file string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHostKeyConfig, err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHostKeyConfig, err)
	}
	f.Close()

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		tofuMu.Lock()
		defer tofuMu.Unlock()

		// Reload so keys recorded by an earlier run in this process count.
		cb, err := knownhosts.New(file)
		if err != nil {
			return &HostKeyError{Host: hostname, Fingerprint: ssh.FingerprintSHA256(key), Err: err}
		}
		err = cb(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return hostKeyError(hostname, key, err)
		}

		out, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return &HostKeyError{Host: hostname, Fingerprint: ssh.FingerprintSHA256(key), Err: err}
		}
		defer out.Close()
		if _, err := fmt.Fprintln(out, knownhosts.Line([]string{hostname}, key)); err != nil {
			return &HostKeyError{Host: hostname, Fingerprint: ssh.FingerprintSHA256(key), Err: err}
		}
		return nil
	}, nil
}
