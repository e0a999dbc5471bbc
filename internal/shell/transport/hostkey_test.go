package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

var testRemote = &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 22}

const testHostname = "10.0.0.5:22"

// =============================================================================
// Pinned Tests
// =============================================================================

func TestPinned_Fingerprint(t *testing.T) {
	key := newHostKey(t)
	cb, err := NewHostKeyCallback(HostKeyConfig{
		Mode:   HostKeyPinned,
		Pinned: []string{ssh.FingerprintSHA256(key)},
	})
	require.NoError(t, err)

	assert.NoError(t, cb(testHostname, testRemote, key))
	assert.ErrorIs(t, cb(testHostname, testRemote, newHostKey(t)), ErrHostKeyMismatch)
}

func TestPinned_AuthorizedKeyLine(t *testing.T) {
	key := newHostKey(t)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyPinned, Pinned: []string{"", line}})
	require.NoError(t, err)

	assert.NoError(t, cb(testHostname, testRemote, key))
}

func TestPinned_MismatchReportsFingerprint(t *testing.T) {
	cb, err := NewHostKeyCallback(HostKeyConfig{
		Mode:   HostKeyPinned,
		Pinned: []string{ssh.FingerprintSHA256(newHostKey(t))},
	})
	require.NoError(t, err)

	other := newHostKey(t)
	err = cb(testHostname, testRemote, other)

	var hkErr *HostKeyError
	require.ErrorAs(t, err, &hkErr)
	assert.Equal(t, testHostname, hkErr.Host)
	assert.Equal(t, ssh.FingerprintSHA256(other), hkErr.Fingerprint)
}

func TestPinned_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		pinned []string
	}{
		{"empty", nil},
		{"blank only", []string{" "}},
		{"garbage key", []string{"ssh-ed25519 not-base64!"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyPinned, Pinned: tt.pinned})
			assert.ErrorIs(t, err, ErrHostKeyConfig)
		})
	}
}

func TestNewHostKeyCallback_UnknownMode(t *testing.T) {
	_, err := NewHostKeyCallback(HostKeyConfig{Mode: "yolo"})
	assert.ErrorIs(t, err, ErrHostKeyConfig)
}

// =============================================================================
// known_hosts Tests
// =============================================================================

func writeKnownHosts(t *testing.T, lines ...string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return file
}

func TestKnownHosts_Match(t *testing.T) {
	key := newHostKey(t)
	file := writeKnownHosts(t, knownhosts.Line([]string{"10.0.0.5"}, key))

	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyKnownHosts, KnownHostsFile: file})
	require.NoError(t, err)

	assert.NoError(t, cb(testHostname, testRemote, key))
}

func TestKnownHosts_Mismatch(t *testing.T) {
	file := writeKnownHosts(t, knownhosts.Line([]string{"10.0.0.5"}, newHostKey(t)))

	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyKnownHosts, KnownHostsFile: file})
	require.NoError(t, err)

	err = cb(testHostname, testRemote, newHostKey(t))
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
}

func TestKnownHosts_Unknown(t *testing.T) {
	file := writeKnownHosts(t, knownhosts.Line([]string{"10.9.9.9"}, newHostKey(t)))

	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyKnownHosts, KnownHostsFile: file})
	require.NoError(t, err)

	err = cb(testHostname, testRemote, newHostKey(t))
	assert.ErrorIs(t, err, ErrHostKeyUnknown)
}

func TestKnownHosts_MissingFile(t *testing.T) {
	_, err := NewHostKeyCallback(HostKeyConfig{
		Mode:           HostKeyKnownHosts,
		KnownHostsFile: filepath.Join(t.TempDir(), "absent"),
	})
	assert.ErrorIs(t, err, ErrHostKeyConfig)
}

// =============================================================================
// Trust-on-first-use Tests
// =============================================================================

func TestTOFU_RecordsThenEnforces(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyTOFU, KnownHostsFile: file})
	require.NoError(t, err)

	key := newHostKey(t)

	// First contact records the key.
	require.NoError(t, cb(testHostname, testRemote, key))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.5")

	// Same key again is accepted without another line.
	require.NoError(t, cb(testHostname, testRemote, key))
	again, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	// A changed key is rejected.
	err = cb(testHostname, testRemote, newHostKey(t))
	assert.ErrorIs(t, err, ErrHostKeyMismatch)

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTOFU_OverSSH(t *testing.T) {
	srv := newTestServer(t)
	file := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyTOFU, KnownHostsFile: file})
	require.NoError(t, err)

	session, err := Connect(t.Context(), srv.host, "deploy", srv.credential(), Options{Port: srv.port, HostKey: cb})
	require.NoError(t, err)
	session.Close()

	known, err := NewHostKeyCallback(HostKeyConfig{Mode: HostKeyKnownHosts, KnownHostsFile: file})
	require.NoError(t, err)
	session, err = Connect(t.Context(), srv.host, "deploy", srv.credential(), Options{Port: srv.port, HostKey: known})
	require.NoError(t, err)
	session.Close()
}
