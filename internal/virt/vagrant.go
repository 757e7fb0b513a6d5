package virt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"boxforge/internal/logging"

	"go.uber.org/zap"
)

const (
	// DefinitionFile is the file name Vagrant reads the guest definition from.
	DefinitionFile = "Vagrantfile"

	defaultBinary   = "vagrant"
	defaultProvider = "libvirt"
	defaultImageDir = "/var/lib/libvirt/images"
)

// Runner executes a host command in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args and captures its output.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	// #nosec G204 -- binary and arguments come from configuration and derived names
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// VagrantConfig configures the Vagrant provider.
type VagrantConfig struct {
	Binary string
	// ProviderName is the Vagrant provider plugin, libvirt by default.
	ProviderName string
	// ImageDir is the libvirt storage pool directory holding guest disks.
	ImageDir string
}

// Vagrant implements Provider with the vagrant CLI and its libvirt plugin.
type Vagrant struct {
	binary   string
	provider string
	imageDir string
	runner   Runner
}

// NewVagrant returns a Vagrant provider. A nil runner means os/exec.
func NewVagrant(cfg VagrantConfig, runner Runner) *Vagrant {
	v := &Vagrant{
		binary:   cfg.Binary,
		provider: cfg.ProviderName,
		imageDir: cfg.ImageDir,
		runner:   runner,
	}
	if v.binary == "" {
		v.binary = defaultBinary
	}
	if v.provider == "" {
		v.provider = defaultProvider
	}
	if v.imageDir == "" {
		v.imageDir = defaultImageDir
	}
	if v.runner == nil {
		v.runner = ExecRunner{}
	}
	return v
}

func (v *Vagrant) run(ctx context.Context, dir string, args ...string) (string, error) {
	logging.Logger().Debug("Running vagrant",
		zap.String("dir", dir),
		zap.Strings("args", args))

	stdout, stderr, err := v.runner.Run(ctx, dir, v.binary, args...)

	logging.Logger().Info("Vagrant command executed",
		zap.String("dir", dir),
		zap.String("command", strings.Join(args, " ")),
		zap.String("stdout", logging.Truncate(stdout)),
		zap.String("stderr", logging.Truncate(stderr)),
		zap.Bool("success", err == nil))

	if err != nil {
		return stdout, fmt.Errorf("vagrant %s: %w: %s", strings.Join(args, " "), err, logging.TruncateN(strings.TrimSpace(stderr), 500))
	}
	return stdout, nil
}

// Define writes definition as the Vagrantfile of m, creating the directory.
func (v *Vagrant) Define(_ context.Context, m Machine, definition string) error {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create machine directory: %w", err)
	}
	path := filepath.Join(m.Dir, DefinitionFile)
	if err := os.WriteFile(path, []byte(definition), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	logging.Logger().Info("Machine defined",
		zap.String("name", m.Name),
		zap.String("definition", path))
	return nil
}

// Start brings the guest up with the configured provider.
func (v *Vagrant) Start(ctx context.Context, m Machine) error {
	_, err := v.run(ctx, m.Dir, "up", m.Name, "--provider="+v.provider)
	return err
}

// Stop halts the guest.
func (v *Vagrant) Stop(ctx context.Context, m Machine) error {
	_, err := v.run(ctx, m.Dir, "halt", m.Name)
	return err
}

// GuestExec runs command through `vagrant ssh`.
func (v *Vagrant) GuestExec(ctx context.Context, m Machine, command string) (string, error) {
	return v.run(ctx, m.Dir, "ssh", m.Name, "-c", command)
}

// DiskPath returns where libvirt keeps the disk of m. The plugin names the
// domain after the machine directory and the machine name.
func (v *Vagrant) DiskPath(m Machine) string {
	return filepath.Join(v.imageDir, fmt.Sprintf("%s_%s.img", filepath.Base(m.Dir), m.Name))
}

// ExportDisk copies the disk of the stopped guest to dest.
func (v *Vagrant) ExportDisk(_ context.Context, m Machine, dest string) error {
	src := v.DiskPath(m)

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open guest disk: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	written, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to copy guest disk: %w", err)
	}

	logging.Logger().Info("Guest disk exported",
		zap.String("src", src),
		zap.String("dest", dest),
		zap.Int64("size_bytes", written))
	return nil
}

// RegisterImage runs `vagrant box add`.
func (v *Vagrant) RegisterImage(ctx context.Context, name, bundlePath string) error {
	_, err := v.run(ctx, filepath.Dir(bundlePath), "box", "add", name, bundlePath, "--provider", v.provider)
	return err
}

// HasImage looks name up in `vagrant box list`.
func (v *Vagrant) HasImage(ctx context.Context, name string) (bool, error) {
	out, err := v.run(ctx, "", "box", "list")
	if err != nil {
		return false, err
	}
	return boxListed(out, name, v.provider), nil
}

// boxListed parses lines of the form `name (provider, version)`.
func boxListed(list, name, provider string) bool {
	scanner := bufio.NewScanner(strings.NewReader(list))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != name {
			continue
		}
		if strings.HasPrefix(fields[1], "("+provider) {
			return true
		}
	}
	return false
}
