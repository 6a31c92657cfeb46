package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleet-plex/internal/model"
)

// testServer is a minimal in-process SSH server that understands a few
// canned commands.
type testServer struct {
	listener net.Listener
	hostKey  ssh.Signer
	wg       sync.WaitGroup
}

func newTestServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, assert.AnError
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: listener, hostKey: hostKey}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(nc, config)
			}()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
	})
	return s
}

func (s *testServer) handle(nc net.Conn, config *ssh.ServerConfig) {
	defer nc.Close()
	sc, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				status := uint32(0)
				switch payload.Command {
				case "echo hello":
					_, _ = channel.Write([]byte("  hello\n"))
				case "fail":
					_, _ = channel.Write([]byte("partial\n"))
					_, _ = channel.Stderr().Write([]byte("boom\n"))
					status = 3
				case "hang":
					time.Sleep(2 * time.Second)
				default:
					_, _ = channel.Stderr().Write([]byte("command not found\n"))
					status = 127
				}
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func (s *testServer) conn() model.ServerConnection {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return model.ServerConnection{ID: "c1", Name: "local", Hostname: host, Port: port, Username: "deploy", OSType: model.OSLinux}
}

func passwordCred() *model.Credential {
	return &model.Credential{ID: "pw", Type: model.CredPassword, Username: "deploy", Password: "secret"}
}

func insecure() *Transport {
	return NewTransport(Config{InsecureIgnoreHostKey: true, ConnectTimeout: 5 * time.Second}, nil)
}

func TestRunSuccess(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	res := insecure().Run(context.Background(), srv.conn(), passwordCred(), "echo hello", time.Minute)

	assert.Equal(t, model.ResultSuccess, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hello", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.StartedAt)
	require.NotNil(t, res.CompletedAt)
	assert.False(t, res.CompletedAt.Before(*res.StartedAt))
	assert.Equal(t, "c1", res.ConnectionID)
}

func TestRunNonZeroExit(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	res := insecure().Run(context.Background(), srv.conn(), passwordCred(), "fail", time.Minute)

	assert.Equal(t, model.ResultError, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, "partial", res.Stdout)
	assert.Equal(t, "boom", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	res := insecure().Run(context.Background(), srv.conn(), passwordCred(), "hang", 100*time.Millisecond)

	assert.Equal(t, model.ResultError, res.Status)
	assert.Nil(t, res.ExitCode)
	assert.Contains(t, res.Error, "timed out")
	assert.NotNil(t, res.CompletedAt)
}

func TestRunConnectFailure(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	conn := model.ServerConnection{ID: "c", Hostname: "127.0.0.1", Port: addr.Port}
	res := insecure().Run(context.Background(), conn, passwordCred(), "echo hello", time.Minute)

	assert.Equal(t, model.ResultError, res.Status)
	assert.Nil(t, res.ExitCode)
	assert.Contains(t, res.Error, "failed to connect")
	assert.NotNil(t, res.StartedAt)
	assert.NotNil(t, res.CompletedAt)
}

func TestRunWrongPassword(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	cred := passwordCred()
	cred.Password = "nope"
	res := insecure().Run(context.Background(), srv.conn(), cred, "echo hello", time.Minute)

	assert.Equal(t, model.ResultError, res.Status)
	assert.Nil(t, res.ExitCode)
	assert.Contains(t, res.Error, "unable to authenticate")
}

func TestRunNoCredentialNoAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	res := insecure().Run(context.Background(), srv.conn(), nil, "echo hello", time.Minute)
	assert.Equal(t, model.ResultError, res.Status)
	assert.Contains(t, res.Error, "no authentication methods available")
}

func TestRunPrivateKeyWithPassphraseAndKnownHosts(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("hunter2"))
	require.NoError(t, err)

	srv := newTestServer(t, sshPub)
	conn := srv.conn()

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{srv.listener.Addr().String()}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	tr := NewTransport(Config{KnownHostsFile: knownHosts, ConnectTimeout: 5 * time.Second}, nil)
	cred := &model.Credential{
		Type:       model.CredKey,
		Username:   "deploy",
		PrivateKey: string(pem.EncodeToMemory(block)),
		Passphrase: "hunter2",
	}
	res := tr.Run(context.Background(), conn, cred, "echo hello", time.Minute)
	assert.Equal(t, model.ResultSuccess, res.Status, res.Error)
	assert.Equal(t, "hello", res.Stdout)
}

func TestRunRejectsUnknownHostKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	srv := newTestServer(t, nil)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	other, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{srv.listener.Addr().String()}, other.PublicKey())
	require.NoError(t, os.WriteFile(knownHosts, []byte(line+"\n"), 0o600))

	tr := NewTransport(Config{KnownHostsFile: knownHosts, ConnectTimeout: 5 * time.Second}, nil)
	res := tr.Run(context.Background(), srv.conn(), passwordCred(), "echo hello", time.Minute)
	assert.Equal(t, model.ResultError, res.Status)
	assert.Contains(t, res.Error, "handshake failed")
}
