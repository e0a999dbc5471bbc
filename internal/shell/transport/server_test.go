package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/artpar/dockship/internal/core/crypto"
	"github.com/artpar/dockship/internal/core/domain"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// =============================================================================
// In-process SSH server
// =============================================================================

// testServer accepts one client key, runs "exec" requests with sh -c and
// serves the "sftp" subsystem from the local filesystem.
type testServer struct {
	listener net.Listener
	hostKey  ssh.Signer
	host     string
	port     int

	clientKeyPEM []byte
	wg           sync.WaitGroup
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPEM, _, err := crypto.GenerateKeyPair("test")
	require.NoError(t, err)
	clientSigner, err := crypto.ParseSigner(clientPEM, nil)
	require.NoError(t, err)
	authorized := clientSigner.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized) {
				return nil, nil
			}
			return nil, errUnauthorized
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().(*net.TCPAddr)
	srv := &testServer{
		listener:     listener,
		hostKey:      hostSigner,
		host:         "127.0.0.1",
		port:         addr.Port,
		clientKeyPEM: clientPEM,
	}

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go func() {
				defer srv.wg.Done()
				srv.serveConn(conn, config)
			}()
		}
	}()

	t.Cleanup(func() {
		listener.Close()
	})
	return srv
}

var errUnauthorized = errors.New("unauthorized")

func (s *testServer) credential() domain.Credential {
	return domain.NewCredential(s.clientKeyPEM, nil)
}

func (s *testServer) pinned() ssh.HostKeyCallback {
	cb, err := NewHostKeyCallback(HostKeyConfig{
		Mode:   HostKeyPinned,
		Pinned: []string{ssh.FingerprintSHA256(s.hostKey.PublicKey())},
	})
	if err != nil {
		panic(err)
	}
	return cb
}

func (s *testServer) connect(t *testing.T) *Session {
	t.Helper()
	session, err := Connect(context.Background(), s.host, "deploy", s.credential(), Options{
		Port:    s.port,
		HostKey: s.pinned(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func (s *testServer) serveConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(channel, requests)
	}
}

func (s *testServer) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	var cmd *exec.Cmd
	var mu sync.Mutex

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			req.Reply(true, nil)

			mu.Lock()
			cmd = exec.Command("sh", "-c", command)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			err := cmd.Start()
			mu.Unlock()

			go func() {
				status := 127
				if err == nil {
					status = 0
					if werr := cmd.Wait(); werr != nil {
						status = 1
						if exitErr, ok := werr.(*exec.ExitError); ok && exitErr.ExitCode() >= 0 {
							status = exitErr.ExitCode()
						}
					}
				}
				payload := make([]byte, 4)
				binary.BigEndian.PutUint32(payload, uint32(status))
				channel.SendRequest("exit-status", false, payload)
				channel.Close()
			}()
		case "signal":
			mu.Lock()
			if cmd != nil && cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			mu.Unlock()
		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			go func() {
				_ = server.Serve()
				server.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// =============================================================================
// SFTP pipe for sync tests
// =============================================================================

// newSFTPPipe connects an sftp client to an in-memory sftp server backed by
// the local filesystem.
func newSFTPPipe(t *testing.T) *sftp.Client {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite})
	require.NoError(t, err)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	require.NoError(t, err)

	// The server closes first so the client's reader sees EOF.
	t.Cleanup(func() {
		server.Close()
		client.Close()
		clientRead.Close()
		serverRead.Close()
	})
	return client
}
