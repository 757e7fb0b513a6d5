package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"boxforge/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	defaultPort           = 22
	defaultWaitTimeout    = 5 * time.Minute
	defaultDialTimeout    = 30 * time.Second
	defaultCommandTimeout = 30 * time.Minute
	portPollInterval      = 5 * time.Second
)

// ErrCommandTimeout is returned when a command outlives the command timeout.
var ErrCommandTimeout = errors.New("command timed out")

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Result Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", logging.TruncateN(e.Result.Command, 200), e.Result.ExitCode)
}

// SSH represents an SSH connection and provides methods for remote operations
type SSH struct {
	client         *ssh.Client
	sftpClient     *sftp.Client
	host           string
	user           string
	name           string
	commandTimeout time.Duration
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, io.EOF) {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

func (c Config) withDefaults() (Config, error) {
	if c.Host == "" {
		return c, fmt.Errorf("host is required")
	}
	if c.Credential.User == "" {
		return c, fmt.Errorf("user is required")
	}
	if c.Credential.Password == "" && c.Credential.PrivateKey == "" {
		return c, fmt.Errorf("either a password or a private key must be provided")
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.Name == "" {
		c.Name = c.Host
	}
	return c, nil
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		password := cred.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	return methods, nil
}

// NewSSH waits for the host's SSH port and opens a session with the
// configured credential.
func NewSSH(ctx context.Context, config Config) (*SSH, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid SSH config: %w", err)
	}

	auth, err := authMethods(config.Credential)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	if err := waitForSSH(ctx, addr, config.WaitTimeout); err != nil {
		return nil, fmt.Errorf("SSH not available: %w", err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.Credential.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // throwaway build VMs
		Timeout:         config.DialTimeout,
	}

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	logging.Logger().Info("SSH connection established",
		zap.String("user", config.Credential.User),
		zap.String("host", config.Host),
		zap.String("name", config.Name))

	return &SSH{
		client:         client,
		host:           config.Host,
		user:           config.Credential.User,
		name:           config.Name,
		commandTimeout: config.CommandTimeout,
	}, nil
}

// Close closes the SFTP and SSH connections
func (s *SSH) Close() error {
	if s.sftpClient != nil {
		safeClose("SFTP client", s.sftpClient.Close)
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Host returns the remote address
func (s *SSH) Host() string {
	return s.host
}

// Run executes a command on the remote host
func (s *SSH) Run(ctx context.Context, command string) (Result, error) {
	result := Result{Command: command, ExitCode: -1}

	session, err := s.client.NewSession()
	if err != nil {
		return result, fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("name", s.name))

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	finished := true
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		safeClose("SSH session", session.Close)
		// The buffers are only safe to read once session.Run has returned.
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			finished = false
		}
		err = fmt.Errorf("%w after %v: %w", ErrCommandTimeout, s.commandTimeout, ctx.Err())
	}

	if finished {
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
	}
	result.ExitCode = exitCode(err)

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("name", s.name),
		zap.Int("exit_code", result.ExitCode),
		zap.String("stdout", escapeNewlines(logging.Truncate(result.Stdout))),
		zap.String("stderr", escapeNewlines(logging.Truncate(result.Stderr))),
		zap.Bool("success", err == nil))

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return result, &CommandError{Result: result}
		}
		return result, fmt.Errorf("command %q failed: %w", logging.TruncateN(command, 200), err)
	}
	return result, nil
}

// RunBestEffort executes a command and only warns when it fails
func (s *SSH) RunBestEffort(ctx context.Context, command string) Result {
	result, err := s.Run(ctx, command)
	if err != nil {
		logging.Logger().Warn("best-effort command failed, continuing",
			zap.String("command", logging.Truncate(command)),
			zap.String("host", s.host),
			zap.Int("exit_code", result.ExitCode),
			zap.Error(err))
	}
	return result
}

// exitCode maps a session error to an exit status; -1 means the command
// never reported one.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Upload copies a local file to remotePath over SFTP, keeping its mode.
func (s *SSH) Upload(localPath, remotePath string) error {
	if s.sftpClient == nil {
		client, err := sftp.NewClient(s.client)
		if err != nil {
			return fmt.Errorf("failed to create SFTP client: %w", err)
		}
		s.sftpClient = client
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer safeClose("local file", localFile.Close)

	info, err := localFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	remoteFile, err := s.sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", remoteFile.Close)

	written, err := remoteFile.ReadFrom(localFile)
	if err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}

	if err := s.sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		logging.Logger().Warn("failed to set remote file permissions",
			zap.String("path", remotePath),
			zap.Error(err))
	}

	logging.Logger().Info("File uploaded using SFTP",
		zap.String("local_path", localPath),
		zap.String("remote_path", remotePath),
		zap.String("host", s.host),
		zap.Int64("size_bytes", written))
	return nil
}

// waitForSSH waits for the SSH port to accept connections
func waitForSSH(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: 5 * time.Second}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if closeErr := conn.Close(); closeErr != nil {
				logging.Logger().Debug("failed to close connection test",
					zap.String("addr", addr),
					zap.Error(closeErr))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("SSH port %s not available after %v: %w", addr, timeout, err)
		case <-time.After(portPollInterval):
		}
	}
}
