// Package transport owns the authenticated SSH session to the deploy host:
// remote command execution, mirror sync and atomic file writes over SFTP,
// and tunnelled connections to remote sockets.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/dockship/internal/core/crypto"
	"github.com/artpar/dockship/internal/core/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Options configures a Session.
type Options struct {
	Port           int           // Default: 22
	ConnectTimeout time.Duration // Default: domain.DefaultConnectTimeout
	CommandTimeout time.Duration // Default: domain.DefaultCommandTimeout
	HostKey        ssh.HostKeyCallback
	Logger         *slog.Logger
}

// Session is an authenticated SSH connection to one host.
// Commands may run concurrently; Close is idempotent.
type Session struct {
	client  *ssh.Client
	addr    string
	user    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex // Protects sftp
	sftp *sftp.Client

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect dials host and authenticates with credential. The host key is
// verified during the handshake, before anything else is sent.
// Fails with domain.ErrAuth or domain.ErrUnreachable.
func Connect(ctx context.Context, host, user string, credential domain.Credential, opts Options) (*Session, error) {
	if opts.Port == 0 {
		opts.Port = domain.DefaultSSHPort
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = domain.DefaultConnectTimeout
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = domain.DefaultCommandTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(opts.Port))

	if opts.HostKey == nil {
		return nil, domain.NewDeployError("Connect", "no host key verification configured", domain.ErrAuth)
	}

	signer, err := crypto.ParseSigner(credential.PrivateKey(), credential.Passphrase())
	if err != nil {
		return nil, &domain.DeployError{Op: "Connect", Message: "load private key: " + err.Error(), Err: domain.ErrAuth}
	}

	// Remember the host key verdict; the handshake error may not wrap it.
	var hostKeyErr error
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			hostKeyErr = opts.HostKey(hostname, remote, key)
			return hostKeyErr
		},
		Timeout: opts.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, domain.NewDeployError("Connect", fmt.Sprintf("dial %s: %v", addr, err), domain.ErrUnreachable)
	}

	// Bound the handshake by the same deadline; ssh.NewClientConn has no context.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	if err != nil {
		conn.Close()
		if hostKeyErr != nil {
			return nil, &domain.DeployError{
				Op:      "Connect",
				Message: "host key verification failed: " + hostKeyErr.Error(),
				Err:     errors.Join(domain.ErrAuth, hostKeyErr),
			}
		}
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("ssh session established", "host", addr, "user", user)

	return &Session{
		client:  ssh.NewClient(sshConn, chans, reqs),
		addr:    addr,
		user:    user,
		timeout: opts.CommandTimeout,
		logger:  logger,
	}, nil
}

func classifyHandshakeError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return domain.NewDeployError("Connect", fmt.Sprintf("authentication to %s rejected: %v", addr, err), domain.ErrAuth)
	}
	return domain.NewDeployError("Connect", fmt.Sprintf("handshake with %s: %v", addr, err), domain.ErrUnreachable)
}

// Addr returns host:port.
func (s *Session) Addr() string { return s.addr }

// Close closes the SFTP subsystem and the SSH connection. Safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.sftp != nil {
			s.sftp.Close()
			s.sftp = nil
		}
		s.mu.Unlock()
		s.closeErr = s.client.Close()
		s.logger.Debug("ssh session closed", "host", s.addr)
	})
	return s.closeErr
}

// sftpClient opens the SFTP subsystem on first use.
func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client, sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, err
	}
	s.sftp = c
	return c, nil
}

// =============================================================================
// Remote Execution
// =============================================================================

// Execute runs script in a remote shell bounded by the session command
// timeout. A non-zero exit status is returned in the result, not as an
// error. Fails with domain.ErrExecution or domain.ErrTimeout.
func (s *Session) Execute(ctx context.Context, script string) (domain.ExecResult, error) {
	return s.ExecuteWithTimeout(ctx, script, s.timeout)
}

// ExecuteWithTimeout is Execute with an explicit bound.
func (s *Session) ExecuteWithTimeout(ctx context.Context, script string, timeout time.Duration) (domain.ExecResult, error) {
	return runSession(ctx, s.client, script, timeout, s.logger)
}

// sessionOpener is the part of *ssh.Client runSession needs.
type sessionOpener interface {
	NewSession() (*ssh.Session, error)
}

func runSession(ctx context.Context, client sessionOpener, script string, timeout time.Duration, logger *slog.Logger) (domain.ExecResult, error) {
	session, err := client.NewSession()
	if err != nil {
		return domain.ExecResult{}, domain.NewDeployError("Execute", "create SSH session: "+err.Error(), domain.ErrExecution)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(script)
	}()

	abort := func() {
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
	}

	select {
	case <-ctx.Done():
		abort()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ExecResult{}, domain.NewDeployError("Execute", "deadline exceeded", domain.ErrTimeout)
		}
		return domain.ExecResult{}, &domain.DeployError{Op: "Execute", Message: "cancelled", Err: errors.Join(domain.ErrExecution, ctx.Err())}
	case <-time.After(timeout):
		abort()
		return domain.ExecResult{}, domain.NewDeployError("Execute", fmt.Sprintf("command timeout after %v", timeout), domain.ErrTimeout)
	case err := <-done:
		result := domain.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		logger.Debug("remote command finished", "duration", time.Since(start), "bytes_out", stdout.Len())
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, domain.NewDeployError("Execute", "run remote command: "+err.Error(), domain.ErrExecution)
	}
}

// =============================================================================
// Tunnels
// =============================================================================

// DialRemote opens a connection from the remote host, e.g. to
// ("unix", "/var/run/docker.sock").
func (s *Session) DialRemote(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := s.client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, domain.NewDeployError("DialRemote", fmt.Sprintf("%s %s: %v", network, addr, err), domain.ErrExecution)
	}
	return conn, nil
}

// copyCounter counts bytes written through it.
type copyCounter struct {
	w io.Writer
	n int64
}

func (c *copyCounter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
