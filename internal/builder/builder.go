// Package builder turns a base image into a registered role image: boot a
// guest from the base, provision it over SSH, freeze its disk into a bundle
// and add the bundle to the provider's catalog.
package builder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"boxforge/internal/bundle"
	"boxforge/internal/checkpoint"
	"boxforge/internal/control"
	"boxforge/internal/failure"
	"boxforge/internal/ledger"
	"boxforge/internal/logging"
	"boxforge/internal/metrics"
	"boxforge/internal/mirror"
	"boxforge/internal/naming"
	"boxforge/internal/packages"
	"boxforge/internal/pipeline"
	"boxforge/internal/render"
	"boxforge/internal/virt"

	"go.uber.org/zap"
)

// Artifact file names inside a build directory.
const (
	DiskFile        = "box.img"
	PostInstallFile = "Vagrantfile.installed"
	MetadataFile    = "metadata.json"
)

const metricsOp = "build"

// Request asks for one role image.
type Request struct {
	Distribution string
	Build        string
	Role         string
	// Address is the private network address the build guest is given.
	Address string
}

// RoleImage is a built and registered image.
type RoleImage struct {
	Identity   naming.Identity
	BaseImage  naming.Identity
	Metadata   string
	DiskPath   string
	BundlePath string
	Dir        string
	MirrorURL  string
	BuiltAt    time.Time
	// Warnings lists best-effort steps that failed.
	Warnings []pipeline.Warning
}

// Preflight checks that a build's packages bundle can be downloaded.
type Preflight interface {
	Check(ctx context.Context, url string) error
}

// Options wires a Builder to its collaborators. Provider and Dial are
// required; everything else has a default or is optional.
type Options struct {
	Provider virt.Provider
	Dial     control.Factory
	Resolver *naming.Resolver
	Recipes  pipeline.Recipes
	Packages packages.Source
	// Preflight is skipped when nil.
	Preflight  Preflight
	Ledger     ledger.Ledger
	Mirror     mirror.Publisher
	Checkpoint checkpoint.Hook
	Metrics    *metrics.Recorder
	WorkDir    string
	// Credential is the bootstrap login of the stock image.
	Credential     control.Credential
	SSHWaitTimeout time.Duration
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// LedgerTimeout bounds the ledger write at the end of a build.
	LedgerTimeout  time.Duration
}

// Builder builds role images one at a time.
type Builder struct {
	opts Options
}

// New validates opts and returns a Builder.
func New(opts Options) (*Builder, error) {
	if opts.Provider == nil {
		return nil, errors.New("builder needs a virtualization provider")
	}
	if opts.Dial == nil {
		return nil, errors.New("builder needs a remote session factory")
	}
	if opts.Resolver == nil {
		opts.Resolver = naming.NewResolver(nil)
	}
	if opts.Recipes == nil {
		opts.Recipes = pipeline.DefaultRecipes()
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = checkpoint.Logging{}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "."
	}
	if opts.LedgerTimeout == 0 {
		opts.LedgerTimeout = ledger.WriteTimeout
	}
	return &Builder{opts: opts}, nil
}

// BuildRole resolves the base image of req.Role and builds it. A role other
// than pkgs needs the same build's pkgs image in the catalog already.
func (b *Builder) BuildRole(ctx context.Context, req Request) (img *RoleImage, err error) {
	defer func() { b.opts.Metrics.Done(metricsOp, err) }()

	if err := b.validate(req); err != nil {
		return nil, err
	}

	base, err := b.opts.Resolver.BaseImage(req.Role, req.Distribution, req.Build)
	if err != nil {
		return nil, annotate(err, req)
	}

	if req.Role != naming.RolePkgs {
		present, err := b.opts.Provider.HasImage(ctx, base.String())
		if err != nil {
			return nil, b.fail(failure.ProvisioningFailure, "query image catalog", req, err)
		}
		if !present {
			return nil, b.fail(failure.InvalidInput, "check base image", req,
				fmt.Errorf("base image %s is not registered; build the %s image of build %s first",
					base, naming.RolePkgs, req.Build))
		}
	}

	return b.build(ctx, req, base)
}

// Build builds req from an explicit base image.
func (b *Builder) Build(ctx context.Context, req Request, base naming.Identity) (img *RoleImage, err error) {
	defer func() { b.opts.Metrics.Done(metricsOp, err) }()

	if err := b.validate(req); err != nil {
		return nil, err
	}
	if base == "" {
		return nil, b.fail(failure.InvalidInput, "validate request", req, errors.New("base image is empty"))
	}
	return b.build(ctx, req, base)
}

// validate rejects a request before anything touches the provider.
func (b *Builder) validate(req Request) error {
	if strings.TrimSpace(req.Build) == "" {
		return b.fail(failure.InvalidInput, "validate request", req, errors.New("build number is required"))
	}
	if req.Role == "" {
		return b.fail(failure.InvalidInput, "validate request", req, errors.New("role is required"))
	}
	if net.ParseIP(req.Address) == nil {
		return b.fail(failure.InvalidInput, "validate request", req,
			fmt.Errorf("network address %q is not an IP address", req.Address))
	}
	if !b.opts.Resolver.Supported(req.Distribution) {
		return b.fail(failure.UnsupportedDistribution, "validate request", req,
			fmt.Errorf("%q (supported: %s)", req.Distribution, strings.Join(b.opts.Resolver.Distributions(), ", ")))
	}
	return nil
}

func (b *Builder) build(ctx context.Context, req Request, base naming.Identity) (*RoleImage, error) {
	identity, err := naming.Derive(req.Distribution, req.Build, req.Role)
	if err != nil {
		return nil, annotate(err, req)
	}

	recipe, err := b.opts.Recipes.For(req.Role)
	if err != nil {
		return nil, annotate(err, req)
	}

	vars := pipeline.Vars{
		Distribution: req.Distribution,
		Build:        req.Build,
		Role:         req.Role,
		Address:      req.Address,
		Password:     b.opts.Credential.Password,
	}
	if req.Role == naming.RolePkgs {
		pkgs, err := b.opts.Packages.Resolve(req.Distribution, req.Build)
		if err != nil {
			return nil, b.fail(failure.InvalidInput, "resolve packages bundle", req, err)
		}
		if b.opts.Preflight != nil {
			if err := b.opts.Preflight.Check(ctx, pkgs.URL); err != nil {
				return nil, b.fail(failure.InvalidInput, "check packages bundle", req, err)
			}
		}
		vars.PackagesURL = pkgs.URL
		vars.PackagesFile = pkgs.File
	}

	dir, err := filepath.Abs(filepath.Join(b.opts.WorkDir, identity.BoxDir()))
	if err != nil {
		return nil, b.fail(failure.InvalidInput, "resolve working directory", req, err)
	}
	machine := virt.Machine{Name: identity.VMName(), Dir: dir}

	logger := logging.Logger().With(
		zap.String("identity", identity.String()),
		zap.String("base_image", base.String()),
		zap.String("address", req.Address))
	logger.Info("Starting role image build")

	// 1. Render the guest definition into the build directory
	bindings := map[string]string{
		render.KeyVMName:    machine.Name,
		render.KeyIPAddress: req.Address,
		render.KeyBaseImage: base.String(),
	}
	if req.Role != naming.RolePkgs {
		bindings[render.KeyHostname] = req.Role
	}
	definition, err := render.Render(render.VMDefinition, bindings)
	if err != nil {
		return nil, annotate(err, req)
	}

	stop := b.opts.Metrics.Time(metricsOp, "define")
	err = b.opts.Provider.Define(ctx, machine, definition)
	stop()
	if err != nil {
		return nil, b.fail(failure.ProvisioningFailure, "define guest", req, err)
	}

	// 2. Boot it
	stop = b.opts.Metrics.Time(metricsOp, "start")
	err = b.opts.Provider.Start(ctx, machine)
	stop()
	if err != nil {
		return nil, b.fail(failure.ProvisioningFailure, "start guest", req, err)
	}

	// 3-4. Provision over SSH with the bootstrap credential
	warnings, err := b.provision(ctx, req, machine, recipe, vars)
	if err != nil {
		return nil, err
	}

	// 5. Power off
	stop = b.opts.Metrics.Time(metricsOp, "stop")
	err = b.opts.Provider.Stop(ctx, machine)
	stop()
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "stop guest", req, err)
	}

	// 6. Freeze the disk into a bundle
	img, err := b.freeze(ctx, req, identity, base, machine)
	if err != nil {
		return nil, err
	}
	img.Warnings = warnings

	// 7. Register the bundle under the derived identity
	stop = b.opts.Metrics.Time(metricsOp, "register")
	err = b.opts.Provider.RegisterImage(ctx, identity.String(), img.BundlePath)
	stop()
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "register image", req, err)
	}

	if b.opts.Mirror != nil {
		stop = b.opts.Metrics.Time(metricsOp, "mirror")
		img.MirrorURL, err = b.opts.Mirror.Publish(ctx, img.BundlePath, identity.BundleFile())
		stop()
		if err != nil {
			return nil, b.fail(failure.FreezeFailure, "mirror bundle", req, err)
		}
	}

	b.record(ctx, req, img)

	logger.Info("Role image built",
		zap.String("bundle", img.BundlePath),
		zap.Int("warnings", len(warnings)))
	return img, nil
}

func (b *Builder) provision(ctx context.Context, req Request, machine virt.Machine, recipe pipeline.Recipe, vars pipeline.Vars) ([]pipeline.Warning, error) {
	stop := b.opts.Metrics.Time(metricsOp, "connect")
	session, err := b.opts.Dial(ctx, control.Config{
		Host:           req.Address,
		Credential:     b.opts.Credential,
		WaitTimeout:    b.opts.SSHWaitTimeout,
		DialTimeout:    b.opts.DialTimeout,
		CommandTimeout: b.opts.CommandTimeout,
		Name:           machine.Name,
	})
	stop()
	if err != nil {
		return nil, b.fail(failure.ProvisioningFailure, "open remote session", req, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logging.Logger().Warn("failed to close remote session", zap.Error(err))
		}
	}()

	stop = b.opts.Metrics.Time(metricsOp, "provision")
	report, err := pipeline.Execute(ctx, session, recipe, vars, b.opts.Checkpoint)
	stop()
	if err != nil {
		return nil, b.fail(failure.ProvisioningFailure, "provision "+req.Role, req, err)
	}
	return report.Warnings, nil
}

func (b *Builder) freeze(ctx context.Context, req Request, identity, base naming.Identity, machine virt.Machine) (*RoleImage, error) {
	stop := b.opts.Metrics.Time(metricsOp, "export")
	diskPath := filepath.Join(machine.Dir, DiskFile)
	err := b.opts.Provider.ExportDisk(ctx, machine, diskPath)
	stop()
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "export disk", req, err)
	}

	postInstall, err := render.Render(render.PostInstallDefinition, nil)
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "render post-install definition", req, err)
	}
	metadata, err := render.Render(render.ImageMetadata, nil)
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "render metadata", req, err)
	}

	postInstallPath := filepath.Join(machine.Dir, PostInstallFile)
	metadataPath := filepath.Join(machine.Dir, MetadataFile)
	if err := os.WriteFile(postInstallPath, []byte(postInstall), 0o644); err != nil {
		return nil, b.fail(failure.FreezeFailure, "write post-install definition", req, err)
	}
	if err := os.WriteFile(metadataPath, []byte(metadata), 0o644); err != nil {
		return nil, b.fail(failure.FreezeFailure, "write metadata", req, err)
	}

	stop = b.opts.Metrics.Time(metricsOp, "bundle")
	bundlePath := filepath.Join(machine.Dir, identity.BundleFile())
	err = bundle.Write(bundlePath, []bundle.Entry{
		{Name: bundle.MetadataEntry, Path: metadataPath},
		{Name: bundle.DefinitionEntry, Path: postInstallPath},
		{Name: bundle.DiskEntry, Path: diskPath},
	})
	stop()
	if err != nil {
		return nil, b.fail(failure.FreezeFailure, "package bundle", req, err)
	}

	return &RoleImage{
		Identity:   identity,
		BaseImage:  base,
		Metadata:   metadata,
		DiskPath:   diskPath,
		BundlePath: bundlePath,
		Dir:        machine.Dir,
		BuiltAt:    time.Now().UTC(),
	}, nil
}

// record stores the image in the ledger; a ledger failure never fails a build.
func (b *Builder) record(ctx context.Context, req Request, img *RoleImage) {
	if b.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.LedgerTimeout)
	defer cancel()
	err := b.opts.Ledger.RecordImage(ctx, ledger.ImageRecord{
		Identity:     img.Identity.String(),
		Distribution: req.Distribution,
		Build:        req.Build,
		Role:         req.Role,
		BaseImage:    img.BaseImage.String(),
		BundlePath:   img.BundlePath,
		DiskPath:     img.DiskPath,
		MirrorURL:    img.MirrorURL,
		BuiltAt:      img.BuiltAt,
	})
	if err != nil {
		logging.Logger().Warn("failed to record image in ledger",
			zap.String("identity", img.Identity.String()),
			zap.Error(err))
	}
}

func (b *Builder) fail(kind failure.Kind, op string, req Request, err error) error {
	fe := &failure.Error{Kind: kind, Op: op, Role: req.Role, Build: req.Build, Err: err}
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		fe.Output = stepErr.Output()
	}
	logging.Logger().Error("role image build failed",
		zap.String("kind", string(kind)),
		zap.String("op", op),
		zap.String("role", req.Role),
		zap.String("build", req.Build),
		zap.String("output", logging.Truncate(fe.Output)),
		zap.Error(err))
	return fe
}

// annotate adds request context to an error that is already classified.
func annotate(err error, req Request) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		if fe.Role == "" {
			fe.Role = req.Role
		}
		if fe.Build == "" {
			fe.Build = req.Build
		}
	}
	return err
}
