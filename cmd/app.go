package cmd

import (
	"context"
	"fmt"

	"boxforge/internal/builder"
	"boxforge/internal/checkpoint"
	"boxforge/internal/cluster"
	"boxforge/internal/config"
	"boxforge/internal/control"
	"boxforge/internal/ledger"
	"boxforge/internal/logging"
	"boxforge/internal/metrics"
	"boxforge/internal/mirror"
	"boxforge/internal/packages"
	"boxforge/internal/virt"

	"go.uber.org/zap"
)

// app holds what every command shares: configuration, ledger, metrics and
// the provider.
type app struct {
	cfg        *config.Config
	ledger     ledger.Ledger
	metrics    *metrics.Recorder
	provider   virt.Provider
	credential control.Credential
	checkpoint checkpoint.Hook
}

// newApp loads the configuration, applies the persistent flags and opens the
// ledger.
func newApp() (*app, error) {
	logging.Logger().Info("Loading configuration")
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if flagDistro != "" {
		cfg.Build.Distribution = flagDistro
	}
	if flagBuild != "" {
		cfg.Build.Number = flagBuild
	}
	if flagIP != "" {
		cfg.Build.DefaultIP = flagIP
	}

	credential := control.Credential{
		User:     cfg.Bootstrap.User,
		Password: cfg.Bootstrap.Password,
	}
	if cfg.Bootstrap.PrivateKeyPath != "" {
		kp, err := control.LoadKeyPair(cfg.Bootstrap.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load bootstrap key: %w", err)
		}
		credential.PrivateKey = kp.PrivateKey
		logging.Logger().Info("Bootstrap key loaded", zap.String("public_key", logging.TruncateN(kp.PublicKey, 64)))
	}

	var hook checkpoint.Hook = checkpoint.Logging{}
	if flagStep {
		hook = checkpoint.NewInteractive(flagAccessible)
	}

	return &app{
		cfg:     cfg,
		ledger:  ledger.New(cfg.Ledger.EtcdEndpoints, cfg.Ledger.Path),
		metrics: metrics.NewRecorder(cfg.Metrics.Textfile),
		provider: virt.NewVagrant(virt.VagrantConfig{
			Binary:       cfg.Build.VagrantBinary,
			ProviderName: cfg.Build.Provider,
			ImageDir:     cfg.Build.ImageDir,
		}, nil),
		credential: credential,
		checkpoint: hook,
	}, nil
}

// Close flushes metrics and closes the ledger.
func (a *app) Close() {
	if err := a.metrics.Flush(); err != nil {
		logging.Logger().Warn("failed to write metrics textfile", zap.Error(err))
	}
	if err := a.ledger.Close(); err != nil {
		logging.Logger().Warn("failed to close ledger", zap.Error(err))
	}
}

// fatal releases the app and exits.
func (a *app) fatal(msg string, err error) {
	a.Close()
	logging.Logger().Fatal(msg, zap.Error(err))
}

func (a *app) builder(ctx context.Context) (*builder.Builder, error) {
	recipes, err := a.cfg.Recipes()
	if err != nil {
		return nil, err
	}

	opts := builder.Options{
		Provider:       a.provider,
		Dial:           control.NewController,
		Resolver:       a.cfg.Resolver(),
		Recipes:        recipes,
		Packages:       a.cfg.PackagesSource(),
		Ledger:         a.ledger,
		Checkpoint:     a.checkpoint,
		Metrics:        a.metrics,
		WorkDir:        a.cfg.Build.WorkDir,
		Credential:     a.credential,
		SSHWaitTimeout: a.cfg.Timeouts.SSHWait,
		DialTimeout:    a.cfg.Timeouts.Dial,
		CommandTimeout: a.cfg.Timeouts.Command,
	}
	if !a.cfg.Build.SkipPreflight {
		opts.Preflight = packages.NewChecker(a.cfg.Build.PreflightRetries, a.cfg.Timeouts.Preflight)
	}
	if a.cfg.Mirror.Bucket != "" {
		m, err := mirror.NewS3Mirror(ctx, mirror.Config{
			Endpoint:  a.cfg.Mirror.Endpoint,
			Region:    a.cfg.Mirror.Region,
			Bucket:    a.cfg.Mirror.Bucket,
			Prefix:    a.cfg.Mirror.Prefix,
			AccessKey: a.cfg.Mirror.AccessKey,
			SecretKey: a.cfg.Mirror.SecretKey,
			PathStyle: a.cfg.Mirror.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bundle mirror: %w", err)
		}
		opts.Mirror = m
	}
	return builder.New(opts)
}

func (a *app) orchestrator() (*cluster.Orchestrator, error) {
	return cluster.New(cluster.Config{
		Provider:       a.provider,
		Dial:           control.NewController,
		Resolver:       a.cfg.Resolver(),
		Setup:          a.cfg.Setup(),
		NetworkRestart: a.cfg.Cluster.NetworkRestart,
		Checkpoint:     a.checkpoint,
		Ledger:         a.ledger,
		Metrics:        a.metrics,
		WorkDir:        a.cfg.Build.WorkDir,
		Credential:     a.credential,
		SSHWaitTimeout: a.cfg.Timeouts.SSHWait,
		DialTimeout:    a.cfg.Timeouts.Dial,
		CommandTimeout: a.cfg.Timeouts.Command,
	})
}

// request builds a role image request from the configuration and flags.
func (a *app) request(role string) builder.Request {
	return builder.Request{
		Distribution: a.cfg.Build.Distribution,
		Build:        a.cfg.Build.Number,
		Role:         role,
		Address:      a.cfg.Build.DefaultIP,
	}
}
