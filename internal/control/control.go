package control

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Controller defines the interface for remote system control
type Controller interface {
	// Close closes the connection
	Close() error

	// Run executes a command on the remote host. A non-zero exit status,
	// a transport error or an expired command timeout is returned as an error
	// together with whatever output was captured.
	Run(ctx context.Context, command string) (Result, error)

	// RunBestEffort executes a command whose failure is logged and ignored.
	RunBestEffort(ctx context.Context, command string) Result

	// Upload copies a local file to the remote host.
	Upload(localPath, remotePath string) error

	// Host returns the address the controller is connected to
	Host() string
}

// Result is the outcome of one remote command.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout followed by stderr.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Credential is the login used for one session.
type Credential struct {
	User       string
	Password   string
	PrivateKey string // PEM-encoded private key content
}

// Config defines configuration for creating controllers
type Config struct {
	Host       string
	Port       int
	Credential Credential
	// WaitTimeout bounds how long to wait for the SSH port to open.
	WaitTimeout time.Duration
	// DialTimeout bounds the SSH handshake.
	DialTimeout time.Duration
	// CommandTimeout bounds every command run through the controller.
	CommandTimeout time.Duration
	Name           string
}

// Factory opens a controller session.
type Factory func(ctx context.Context, config Config) (Controller, error)

// NewController creates a new controller based on the config
func NewController(ctx context.Context, config Config) (Controller, error) {
	return NewSSH(ctx, config)
}

// InDir prefixes command with a change into dir.
func InDir(dir, command string) string {
	if dir == "" {
		return command
	}
	return fmt.Sprintf("cd %s && %s", shellQuote(dir), command)
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
