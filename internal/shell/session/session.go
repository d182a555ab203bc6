// Package session owns the one authenticated connection a deployment run
// holds to its remote host. Commands and file transfers all reuse the same
// multiplexed transport instead of re-authenticating per call.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/stevedore/stevedore/internal/core/domain"
	"github.com/stevedore/stevedore/internal/core/protocol"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultConnectTimeout is the SSH dial/handshake timeout.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCommandTimeout bounds a single remote command.
	DefaultCommandTimeout = 60 * time.Second

	// tokenLength is the channel token size. Tokens back local artifacts
	// whose names must fit platform path-length limits, so they are
	// capped at 8 characters.
	tokenLength = 8
)

// Config configures a session manager.
type Config struct {
	Target         domain.Target
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

func (c *Config) defaults() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// =============================================================================
// Manager
// =============================================================================

// Manager is one logical connection to one remote host. It is owned
// exclusively by a single deployment run and torn down exactly once at run
// end. The shared channel is a serially-reused resource: concurrent steps
// issue separate command invocations and the manager serializes them.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	markers protocol.Markers
	token   string

	mu        sync.Mutex
	client    *ssh.Client
	connected bool
}

// NewManager creates a session manager for the target. The connection is
// not opened until Establish.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "session", "host", cfg.Target.DisplayHost()),
	}, nil
}

// Token returns the short channel token identifying this session's shared
// channel, empty before Establish.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Connected reports whether the session is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// newChannelToken generates a short collision-resistant token.
func newChannelToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

// =============================================================================
// Lifecycle
// =============================================================================

// Establish authenticates once and keeps the connection alive for the
// remainder of the run. Failure leaves the session not connected and wraps
// ErrConnectFailed.
func (m *Manager) Establish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	auth, err := m.authMethods()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectFailed, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            m.cfg.Target.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := m.cfg.Target.Addr()
	d := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrConnectFailed, m.cfg.Target.DisplayHost(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("%w: handshake with %s: %v", domain.ErrConnectFailed, m.cfg.Target.DisplayHost(), err)
	}

	m.client = ssh.NewClient(sshConn, chans, reqs)
	m.token = newChannelToken()
	m.markers = protocol.NewMarkers(m.token)
	m.connected = true
	m.logger.Debug("session established", "token", m.token)
	return nil
}

// authMethods builds the SSH auth chain from the target's credential
// material: private key (with optional passphrase) and/or password.
func (m *Manager) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	t := m.cfg.Target

	if t.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		var signer ssh.Signer
		if t.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(t.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	if len(methods) == 0 {
		return nil, domain.ErrAuthRequired
	}
	return methods, nil
}

// Disconnect tears the session down. It is idempotent: safe to call many
// times or never, guarded by the live flag.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	m.connected = false
	m.token = ""
	err := m.client.Close()
	m.client = nil
	m.logger.Debug("session closed")
	if err != nil && err != io.EOF {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// =============================================================================
// Command Execution
// =============================================================================

// ExecuteCommandWithOutput runs one command wrapped in the output protocol
// and returns its result. Non-zero exit codes are data, not errors; the
// error return reports transport problems only.
func (m *Manager) ExecuteCommandWithOutput(ctx context.Context, command string) (domain.CommandResult, error) {
	return m.run(ctx, command, nil)
}

// ExecuteCommandWithInput is ExecuteCommandWithOutput with the given
// reader attached to the remote command's stdin. Used for primitives that
// must receive credentials without echoing them into process listings.
func (m *Manager) ExecuteCommandWithInput(ctx context.Context, command string, stdin io.Reader) (domain.CommandResult, error) {
	return m.run(ctx, command, stdin)
}

// ExecuteCommand runs a command and fails with a RemoteCommandError when
// it exits non-zero.
func (m *Manager) ExecuteCommand(ctx context.Context, command string) error {
	result, err := m.run(ctx, command, nil)
	if err != nil {
		return err
	}
	if !result.OK() {
		return domain.NewRemoteCommandError(command, result)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, command string, stdin io.Reader) (domain.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return domain.CommandResult{ExitCode: domain.ExitCouldNotExecute}, domain.ErrNotConnected
	}

	sess, err := m.client.NewSession()
	if err != nil {
		return domain.CommandResult{ExitCode: domain.ExitCouldNotExecute},
			fmt.Errorf("open command channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	wrapped := protocol.Wrap(command, m.markers)

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(wrapped)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return domain.CommandResult{ExitCode: domain.ExitCouldNotExecute}, ctx.Err()
	case <-time.After(m.cfg.CommandTimeout):
		_ = sess.Signal(ssh.SIGKILL)
		return domain.CommandResult{ExitCode: domain.ExitCouldNotExecute},
			fmt.Errorf("command timed out after %v", m.cfg.CommandTimeout)
	case err = <-done:
	}

	exitCode, output := protocol.Parse(stdout.String(), m.markers)
	result := domain.CommandResult{
		ExitCode: exitCode,
		Stdout:   output,
		Stderr:   stderr.String(),
	}

	if err != nil {
		// An ExitError means the wrapped shell itself exited non-zero;
		// the protocol markers are still the authoritative exit code.
		if _, ok := err.(*ssh.ExitError); !ok {
			result.ExitCode = domain.ExitCouldNotExecute
			return result, fmt.Errorf("run remote command: %w", err)
		}
	}
	return result, nil
}

// =============================================================================
// Path Expansion and Stat
// =============================================================================

// ExpandRemotePath resolves home-directory shorthand in a remote path by
// letting the remote shell echo the expression. Paths without a leading
// tilde are returned unchanged without a round trip.
func (m *Manager) ExpandRemotePath(ctx context.Context, remotePath string) (string, error) {
	if !strings.HasPrefix(remotePath, "~") {
		return remotePath, nil
	}
	result, err := m.ExecuteCommandWithOutput(ctx, "echo "+remotePath)
	if err != nil {
		return "", err
	}
	expanded := strings.TrimSpace(firstLine(result.Stdout))
	if !result.OK() || expanded == "" {
		return "", fmt.Errorf("expand remote path %q: %s", remotePath, result.Stdout)
	}
	return expanded, nil
}

// StatRemote re-derives a remote file's existence and size. A missing file
// is not an error: it reports Exists=false.
func (m *Manager) StatRemote(ctx context.Context, remotePath string) (domain.RemoteFileInfo, error) {
	expanded, err := m.ExpandRemotePath(ctx, remotePath)
	if err != nil {
		return domain.RemoteFileInfo{Path: remotePath}, err
	}

	info := domain.RemoteFileInfo{Path: expanded}
	result, err := m.ExecuteCommandWithOutput(ctx, "stat -c %s -- "+shellQuote(expanded))
	if err != nil {
		return info, err
	}
	if !result.OK() {
		return info, nil
	}

	size, err := strconv.ParseInt(strings.TrimSpace(firstLine(result.Stdout)), 10, 64)
	if err != nil {
		return info, fmt.Errorf("parse remote size of %s: %w", expanded, err)
	}
	info.Exists = true
	info.SizeBytes = size
	return info, nil
}

// =============================================================================
// File Transfer
// =============================================================================

// TransferFile copies a local file to the remote destination over the
// shared connection via SFTP, creating parent directories as needed. It
// returns the bytes written and the resolved destination path. Callers
// wanting proof the file arrived intact should verify through the
// transfer service rather than trusting this count.
func (m *Manager) TransferFile(ctx context.Context, localPath, remotePath string) (int64, string, error) {
	expanded, err := m.ExpandRemotePath(ctx, remotePath)
	if err != nil {
		return 0, "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, expanded, domain.ErrNotConnected
	}

	src, err := os.Open(localPath)
	if err != nil {
		return 0, expanded, fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer src.Close()

	sftpClient, err := sftp.NewClient(m.client)
	if err != nil {
		return 0, expanded, fmt.Errorf("open sftp channel: %w", err)
	}
	defer sftpClient.Close()

	if dir := path.Dir(expanded); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return 0, expanded, fmt.Errorf("create remote directory %s: %w", dir, err)
		}
	}

	dst, err := sftpClient.Create(expanded)
	if err != nil {
		return 0, expanded, fmt.Errorf("create remote file %s: %w", expanded, err)
	}
	defer dst.Close()

	written, err := io.Copy(dst, src)
	if err != nil {
		return written, expanded, fmt.Errorf("copy to %s: %w", expanded, err)
	}
	m.logger.Debug("file transferred", "local", localPath, "remote", expanded, "bytes", written)
	return written, expanded, nil
}

// =============================================================================
// Helpers
// =============================================================================

// shellQuote single-quotes a string for safe interpolation into a POSIX
// shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
