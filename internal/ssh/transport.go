// Package ssh runs commands on Unix-like hosts over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleet-plex/internal/logging"
	"fleet-plex/internal/model"
)

const (
	// DefaultPort is used when a connection has no port set
	DefaultPort = 22

	// DefaultConnectTimeout bounds dial plus handshake
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCommandTimeout bounds a single command from issuance
	DefaultCommandTimeout = 5 * time.Minute

	// TimeoutMessage is the error recorded when a command exceeds its timeout
	TimeoutMessage = "Command timed out"
)

// Config holds transport settings
type Config struct {
	ConnectTimeout        time.Duration
	KnownHostsFile        string // Extra known_hosts file checked before the user and system ones
	InsecureIgnoreHostKey bool   // Skip host key verification entirely
	StrictHostKeyChecking bool   // Fail instead of falling back when no known_hosts file exists
}

// Transport executes commands over SSH. It holds no per-host state and is
// safe for concurrent use.
type Transport struct {
	config Config
	logger *logging.Logger
}

// NewTransport creates a new SSH transport
func NewTransport(config Config, logger *logging.Logger) *Transport {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transport{config: config, logger: logger}
}

// Run connects to conn, runs command and always returns a terminal result.
// A non-positive timeout uses DefaultCommandTimeout.
func (t *Transport) Run(ctx context.Context, conn model.ServerConnection, cred *model.Credential, command string, timeout time.Duration) (result model.CommandResult) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	started := time.Now()
	result = model.CommandResult{
		ConnectionID:   conn.ID,
		ConnectionName: conn.Name,
		Hostname:       conn.Hostname,
		StartedAt:      &started,
	}
	defer func() {
		// Add panic recovery to prevent crashes
		if r := recover(); r != nil {
			result.Status = model.ResultError
			result.ExitCode = nil
			result.Error = fmt.Sprintf("SSH execution panic: %v", r)
		}
		completed := time.Now()
		result.CompletedAt = &completed
	}()

	client, cleanup, err := t.connect(ctx, conn, cred)
	if err != nil {
		t.logger.LogConnectionError(conn, "ssh", err)
		result.Status = model.ResultError
		result.Error = err.Error()
		return result
	}
	defer cleanup()
	t.logger.LogConnection(conn, "ssh", time.Since(started))

	session, err := client.NewSession()
	if err != nil {
		result.Status = model.ResultError
		result.Error = fmt.Sprintf("failed to create session: %v", err)
		return result
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		result.Stdout = strings.TrimSpace(stdout.String())
		result.Stderr = strings.TrimSpace(stderr.String())
		applyExit(&result, err)
		return result

	case <-timer.C:
		// Closing the connection unblocks session.Run; its late result is dropped.
		_ = client.Close()
		result.Status = model.ResultError
		result.Error = TimeoutMessage
		return result

	case <-ctx.Done():
		_ = client.Close()
		result.Status = model.ResultError
		result.Error = fmt.Sprintf("command aborted: %v", ctx.Err())
		return result
	}
}

func applyExit(result *model.CommandResult, err error) {
	if err == nil {
		code := 0
		result.ExitCode = &code
		result.Status = model.ResultSuccess
		return
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitStatus()
		result.ExitCode = &code
		if code == 0 {
			result.Status = model.ResultSuccess
		} else {
			result.Status = model.ResultError
		}
		return
	}

	result.Status = model.ResultError
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		result.Error = "remote command exited without exit status"
		return
	}
	result.Error = fmt.Sprintf("SSH execution error: %v", err)
}

func (t *Transport) connect(ctx context.Context, conn model.ServerConnection, cred *model.Credential) (*ssh.Client, func(), error) {
	auth, closeAuth, err := authMethods(cred)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up authentication: %w", err)
	}

	hostKeyCallback, err := t.hostKeyCallback()
	if err != nil {
		closeAuth()
		return nil, nil, err
	}

	config := &ssh.ClientConfig{
		User:            username(conn, cred),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.config.ConnectTimeout,
	}

	port := conn.Port
	if port == 0 {
		port = DefaultPort
	}
	address := net.JoinHostPort(conn.Hostname, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: t.config.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		closeAuth()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	// The handshake has no timeout of its own when not using ssh.Dial.
	_ = netConn.SetDeadline(time.Now().Add(t.config.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		closeAuth()
		return nil, nil, fmt.Errorf("SSH handshake failed for %s: %w", address, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	return client, func() {
		_ = client.Close()
		closeAuth()
	}, nil
}

func username(conn model.ServerConnection, cred *model.Credential) string {
	if cred != nil && cred.Username != "" {
		return cred.Username
	}
	return conn.Username
}

// authMethods returns the methods in priority order: password, key, agent.
// With no credential the agent from SSH_AUTH_SOCK is the only option.
func authMethods(cred *model.Credential) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if cred != nil && cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if cred != nil && cred.PrivateKey != "" {
		signer, err := parseKey(cred.PrivateKey, cred.Passphrase)
		if err != nil {
			return nil, closer, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	socket := os.Getenv("SSH_AUTH_SOCK")
	if cred != nil && cred.AgentSocket != "" {
		socket = cred.AgentSocket
	}
	if socket != "" && (cred == nil || cred.Type == model.CredAgent || len(methods) == 0) {
		if agentConn, err := net.Dial("unix", socket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
			closer = func() { agentConn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, closer, fmt.Errorf("no authentication methods available")
	}
	return methods, closer, nil
}

// parseKey accepts PEM key material, or a path to a key file.
func parseKey(material, passphrase string) (ssh.Signer, error) {
	keyBytes := []byte(material)
	if !strings.Contains(material, "PRIVATE KEY") {
		b, err := os.ReadFile(material)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
		keyBytes = b
	}

	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// hostKeyCallback tries known_hosts files in order, then falls back to a
// warning-based insecure callback unless strict checking is on.
func (t *Transport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.config.InsecureIgnoreHostKey {
		return t.insecureCallback(), nil
	}

	var files []string
	if t.config.KnownHostsFile != "" {
		files = append(files, t.config.KnownHostsFile)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(homeDir, ".ssh", "known_hosts"))
	}
	files = append(files, "/etc/ssh/ssh_known_hosts")

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if cb, err := knownhosts.New(f); err == nil {
			return cb, nil
		}
	}

	if t.config.StrictHostKeyChecking {
		return nil, fmt.Errorf("host key verification failed: no known_hosts file available")
	}
	return t.insecureCallback(), nil
}

func (t *Transport) insecureCallback() ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
		t.logger.LogConnectionWarning(hostname, "Host key verification disabled - not recommended for production")
		return nil
	}
}
