package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/artpar/dockship/internal/core/crypto"
	"github.com/artpar/dockship/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Connect Tests
// =============================================================================

func TestConnect_Success(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	assert.Equal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port)), session.Addr())
}

func TestConnect_WrongKeyIsAuthError(t *testing.T) {
	srv := newTestServer(t)
	otherKey, _, err := crypto.GenerateKeyPair("")
	require.NoError(t, err)

	_, err = Connect(context.Background(), srv.host, "deploy", domain.NewCredential(otherKey, nil), Options{
		Port:    srv.port,
		HostKey: srv.pinned(),
	})
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestConnect_GarbageKeyIsAuthError(t *testing.T) {
	srv := newTestServer(t)
	_, err := Connect(context.Background(), srv.host, "deploy", domain.NewCredential([]byte("garbage"), nil), Options{
		Port:    srv.port,
		HostKey: srv.pinned(),
	})
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestConnect_HostKeyMismatchIsAuthError(t *testing.T) {
	srv := newTestServer(t)
	cb, err := NewHostKeyCallback(HostKeyConfig{
		Mode:   HostKeyPinned,
		Pinned: []string{"SHA256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
	})
	require.NoError(t, err)

	_, err = Connect(context.Background(), srv.host, "deploy", srv.credential(), Options{
		Port:    srv.port,
		HostKey: cb,
	})
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
}

func TestConnect_RefusedIsUnreachable(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	srv := newTestServer(t)
	_, err = Connect(context.Background(), "127.0.0.1", "deploy", srv.credential(), Options{
		Port:           port,
		ConnectTimeout: 2 * time.Second,
		HostKey:        srv.pinned(),
	})
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestConnect_SilentServerTimesOutAsUnreachable(t *testing.T) {
	// Accepts TCP but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	srv := newTestServer(t)
	start := time.Now()
	_, err = Connect(context.Background(), "127.0.0.1", "deploy", srv.credential(), Options{
		Port:           l.Addr().(*net.TCPAddr).Port,
		ConnectTimeout: 300 * time.Millisecond,
		HostKey:        srv.pinned(),
	})
	assert.ErrorIs(t, err, domain.ErrUnreachable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnect_NoHostKeyCallback(t *testing.T) {
	srv := newTestServer(t)
	_, err := Connect(context.Background(), srv.host, "deploy", srv.credential(), Options{Port: srv.port})
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	assert.NoError(t, session.Close())
	assert.NotPanics(t, func() { _ = session.Close() })
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_CapturesOutputAndExitCode(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	result, err := session.Execute(context.Background(), "echo hello; echo oops >&2; exit 3")
	require.NoError(t, err)

	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.OK())
}

func TestExecute_TimeoutFailsWithinBound(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	start := time.Now()
	_, err := session.ExecuteWithTimeout(context.Background(), "sleep 10", 200*time.Millisecond)

	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecute_ContextDeadlineIsTimeout(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := session.Execute(ctx, "sleep 10")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestExecute_CancelledIsExecutionError(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := session.Execute(ctx, "sleep 10")
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_AfterCloseIsExecutionError(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)
	require.NoError(t, session.Close())

	_, err := session.Execute(context.Background(), "true")
	assert.ErrorIs(t, err, domain.ErrExecution)
}

// =============================================================================
// Atomic Write Tests (over SSH)
// =============================================================================

func TestWriteFileAtomic_OverSSH(t *testing.T) {
	srv := newTestServer(t)
	session := srv.connect(t)

	dir := t.TempDir()
	target := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(target, []byte("OLD=1\n"), 0o644))

	err := session.WriteFileAtomic(context.Background(), filepath.ToSlash(target), []byte("TOKEN=abc\n"), 0o600, "run1")
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "TOKEN=abc\n", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(TempName(target, "run1"))
	assert.True(t, os.IsNotExist(err))
}
