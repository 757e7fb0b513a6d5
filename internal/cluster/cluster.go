// Package cluster brings up a cluster from role images: one guest per
// topology member, controllers first, then a single setup pass run from the
// first controller.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"boxforge/internal/checkpoint"
	"boxforge/internal/control"
	"boxforge/internal/failure"
	"boxforge/internal/ledger"
	"boxforge/internal/logging"
	"boxforge/internal/metrics"
	"boxforge/internal/naming"
	"boxforge/internal/pipeline"
	"boxforge/internal/render"
	"boxforge/internal/topology"
	"boxforge/internal/virt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TopologyFile is the copy of the testbed kept in the cluster directory.
const TopologyFile = "testbed.py"

// DefaultNetworkRestart restarts the guest network stack after boot.
const DefaultNetworkRestart = "service network restart"

const metricsOp = "cluster"

// Options selects what a run provisions.
type Options struct {
	Name         string
	Distribution string
	Build        string
}

// Member is one running guest of a cluster.
type Member struct {
	// Name is role plus ordinal, e.g. compute1. It is also the hostname.
	Name    string
	Role    string
	Address string
	Image   naming.Identity
	Machine virt.Machine
}

// Instance is the live result of one run. The guests stay up until an
// operator tears them down.
type Instance struct {
	ID           string
	Name         string
	Distribution string
	Build        string
	Dir          string
	Members      []Member
	Coordinator  Member
	// Warnings lists best-effort setup steps that failed.
	Warnings []pipeline.Warning
}

// Config wires an Orchestrator. Provider and Dial are required.
type Config struct {
	Provider virt.Provider
	Dial     control.Factory
	Resolver *naming.Resolver
	Setup    pipeline.Setup
	// NetworkRestart runs in every guest right after boot.
	NetworkRestart string
	Checkpoint     checkpoint.Hook
	Ledger         ledger.Ledger
	Metrics        *metrics.Recorder
	WorkDir        string
	// Credential is the provisioning login baked into the role images. It
	// replaces topology passwords that are left as the setup placeholder.
	Credential     control.Credential
	SSHWaitTimeout time.Duration
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// LedgerTimeout bounds each run record write.
	LedgerTimeout  time.Duration
}

// Orchestrator provisions clusters one at a time.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("orchestrator needs a virtualization provider")
	}
	if cfg.Dial == nil {
		return nil, errors.New("orchestrator needs a remote session factory")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = naming.NewResolver(nil)
	}
	if cfg.Setup.Command == "" {
		cfg.Setup = pipeline.DefaultSetup()
	}
	if cfg.NetworkRestart == "" {
		cfg.NetworkRestart = DefaultNetworkRestart
	}
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = checkpoint.Logging{}
	}
	if cfg.LedgerTimeout == 0 {
		cfg.LedgerTimeout = ledger.WriteTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	return &Orchestrator{cfg: cfg}, nil
}

// run carries the state of one Provision call.
type run struct {
	opts    Options
	topo    *topology.Topology
	record  ledger.RunRecord
	images  map[string]naming.Identity
	payload string
	logger  *zap.Logger
}

// Provision brings up every member of topo in order and runs the setup pass on
// the coordinator. A member failure stops the run before any later member; a
// setup failure leaves every guest running.
func (o *Orchestrator) Provision(ctx context.Context, topo *topology.Topology, opts Options) (inst *Instance, err error) {
	defer func() { o.cfg.Metrics.Done(metricsOp, err) }()

	if err := o.validate(topo, opts); err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(filepath.Join(o.cfg.WorkDir, naming.ClusterDir(opts.Name, opts.Distribution, opts.Build)))
	if err != nil {
		return nil, failure.New(failure.InvalidInput, "resolve cluster directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.New(failure.InvalidInput, "create cluster directory", err)
	}

	r := &run{
		opts:   opts,
		topo:   topo,
		images: make(map[string]naming.Identity),
	}
	r.payload, err = o.stageTopology(topo, dir)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r.record = ledger.RunRecord{
		ID:           uuid.NewString(),
		Name:         opts.Name,
		Distribution: opts.Distribution,
		Build:        opts.Build,
		Dir:          dir,
		Status:       ledger.RunProvisioning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.logger = logging.Logger().With(
		zap.String("run_id", r.record.ID),
		zap.String("cluster", opts.Name),
		zap.String("build", opts.Build))

	planned := append(topo.Controllers(), topo.Computes()...)
	for i, m := range planned {
		r.record.Members = append(r.record.Members, ledger.MemberRecord{
			Name:    naming.Member(m.Role, ordinal(planned[:i], m.Role)),
			Role:    m.Role,
			Address: m.Address,
			Status:  ledger.MemberPending,
		})
	}
	o.save(ctx, r)

	r.logger.Info("Starting cluster provisioning",
		zap.Int("controllers", len(topo.Controllers())),
		zap.Int("computes", len(topo.Computes())),
		zap.String("dir", dir))

	inst = &Instance{
		ID:           r.record.ID,
		Name:         opts.Name,
		Distribution: opts.Distribution,
		Build:        opts.Build,
		Dir:          dir,
	}

	// 1. Controllers then computes, each in testbed order
	for i, m := range planned {
		member, err := o.bringUp(ctx, r, dir, r.record.Members[i].Name, m)
		if err != nil {
			r.record.Members[i].Status = ledger.MemberFailed
			r.record.Members[i].Error = err.Error()
			o.finish(ctx, r, err)
			return nil, err
		}
		r.record.Members[i].Status = ledger.MemberRunning
		o.save(ctx, r)
		inst.Members = append(inst.Members, member)
	}

	// 2. The first controller coordinates
	inst.Coordinator = inst.Members[0]
	coordinator := topo.Controllers()[0]
	r.record.Coordinator = inst.Coordinator.Name
	r.record.Status = ledger.RunSetup
	o.save(ctx, r)

	// 3. One setup pass, pushed from the coordinator
	inst.Warnings, err = o.setup(ctx, r, inst.Coordinator, coordinator)
	if err != nil {
		o.finish(ctx, r, err)
		return nil, err
	}

	o.finish(ctx, r, nil)
	r.logger.Info("Cluster provisioned",
		zap.String("coordinator", inst.Coordinator.Name),
		zap.Int("members", len(inst.Members)),
		zap.Int("warnings", len(inst.Warnings)))
	return inst, nil
}

func (o *Orchestrator) validate(topo *topology.Topology, opts Options) error {
	if strings.TrimSpace(opts.Build) == "" {
		return failure.New(failure.InvalidInput, "validate cluster request", errors.New("build number is required"))
	}
	if opts.Name == "" || strings.ContainsAny(opts.Name, "_/ \t\n") {
		return failure.New(failure.InvalidInput, "validate cluster request",
			fmt.Errorf("cluster name %q is empty or contains a reserved character", opts.Name))
	}
	if !o.cfg.Resolver.Supported(opts.Distribution) {
		return failure.New(failure.UnsupportedDistribution, "validate cluster request",
			fmt.Errorf("%q (supported: %s)", opts.Distribution, strings.Join(o.cfg.Resolver.Distributions(), ", ")))
	}
	if topo == nil || len(topo.Controllers()) == 0 {
		return failure.New(failure.InvalidInput, "validate cluster request", errors.New("topology has no controller"))
	}
	return nil
}

// stageTopology keeps a copy of the testbed with the run. The copy is what
// gets pushed to the coordinator, byte for byte.
func (o *Orchestrator) stageTopology(topo *topology.Topology, dir string) (string, error) {
	copyPath := filepath.Join(dir, TopologyFile)
	if err := os.WriteFile(copyPath, topo.Source, 0o600); err != nil {
		return "", failure.New(failure.InvalidInput, "copy topology", err)
	}
	return copyPath, nil
}

// ordinal counts the members of role that come before this one.
func ordinal(before []topology.Member, role string) int {
	n := 0
	for _, m := range before {
		if m.Role == role {
			n++
		}
	}
	return n
}

// image returns the role image for role, checking the catalog the first time
// the role is used.
func (o *Orchestrator) image(ctx context.Context, r *run, role string) (naming.Identity, error) {
	if img, ok := r.images[role]; ok {
		return img, nil
	}

	img, err := naming.Derive(r.opts.Distribution, r.opts.Build, role)
	if err != nil {
		return "", err
	}
	present, err := o.cfg.Provider.HasImage(ctx, img.String())
	if err != nil {
		return "", fmt.Errorf("failed to query image catalog: %w", err)
	}
	if !present {
		return "", failure.New(failure.InvalidInput, "check role image",
			fmt.Errorf("role image %s is not registered; build the %s image of build %s first", img, role, r.opts.Build))
	}

	r.images[role] = img
	return img, nil
}

func (o *Orchestrator) bringUp(ctx context.Context, r *run, dir, name string, m topology.Member) (Member, error) {
	defer o.cfg.Metrics.Time(metricsOp, "bring-up-"+name)()

	logger := r.logger.With(zap.String("member", name), zap.String("address", m.Address))
	logger.Info("Bringing up cluster member")

	img, err := o.image(ctx, r, m.Role)
	if err != nil {
		return Member{}, o.memberFailure(r, name, m, "check role image", err)
	}

	machine := virt.Machine{Name: name, Dir: filepath.Join(dir, name)}
	definition, err := render.Render(render.VMDefinition, map[string]string{
		render.KeyVMName:    name,
		render.KeyIPAddress: m.Address,
		render.KeyBaseImage: img.String(),
		render.KeyHostname:  name,
	})
	if err != nil {
		return Member{}, o.memberFailure(r, name, m, "render definition", err)
	}

	if err := o.cfg.Provider.Define(ctx, machine, definition); err != nil {
		return Member{}, o.memberFailure(r, name, m, "define guest", err)
	}
	if err := o.cfg.Provider.Start(ctx, machine); err != nil {
		return Member{}, o.memberFailure(r, name, m, "start guest", err)
	}
	out, err := o.cfg.Provider.GuestExec(ctx, machine, o.cfg.NetworkRestart)
	if err != nil {
		fe := o.memberFailure(r, name, m, "restart guest network", err)
		fe.Output = out
		return Member{}, fe
	}

	logger.Info("Cluster member is up", zap.String("image", img.String()))
	return Member{Name: name, Role: m.Role, Address: m.Address, Image: img, Machine: machine}, nil
}

func (o *Orchestrator) memberFailure(r *run, name string, m topology.Member, op string, err error) *failure.Error {
	fe := &failure.Error{
		Kind:   failure.MemberProvisioningFailure,
		Op:     op,
		Role:   m.Role,
		Build:  r.opts.Build,
		Member: name,
		Err:    err,
	}
	r.logger.Error("cluster member bring-up failed",
		zap.String("member", name),
		zap.String("address", m.Address),
		zap.String("op", op),
		zap.Error(err))
	return fe
}

func (o *Orchestrator) setup(ctx context.Context, r *run, coordinator Member, host topology.Member) ([]pipeline.Warning, error) {
	defer o.cfg.Metrics.Time(metricsOp, "setup")()

	r.logger.Info("Running cluster setup",
		zap.String("coordinator", coordinator.Name),
		zap.String("topology", r.payload))

	session, err := o.cfg.Dial(ctx, control.Config{
		Host:           host.Address,
		Credential:     o.credentialFor(host),
		WaitTimeout:    o.cfg.SSHWaitTimeout,
		DialTimeout:    o.cfg.DialTimeout,
		CommandTimeout: o.cfg.CommandTimeout,
		Name:           coordinator.Name,
	})
	if err != nil {
		return nil, o.setupFailure(r, coordinator, "open coordinator session", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn("failed to close coordinator session", zap.Error(err))
		}
	}()

	vars := pipeline.Vars{
		Distribution: r.opts.Distribution,
		Build:        r.opts.Build,
		Role:         coordinator.Role,
		Address:      coordinator.Address,
		Hostname:     coordinator.Name,
		Password:     o.cfg.Credential.Password,
		Topology:     r.payload,
	}
	report, err := pipeline.Execute(ctx, session, o.cfg.Setup.Recipe(), vars, o.cfg.Checkpoint)
	if err != nil {
		return nil, o.setupFailure(r, coordinator, "run cluster setup", err)
	}
	return report.Warnings, nil
}

func (o *Orchestrator) setupFailure(r *run, coordinator Member, op string, err error) error {
	fe := &failure.Error{
		Kind:   failure.ClusterSetupFailure,
		Op:     op,
		Role:   coordinator.Role,
		Build:  r.opts.Build,
		Member: coordinator.Name,
		Err:    err,
	}
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		fe.Output = stepErr.Output()
	}
	r.logger.Error("cluster setup failed, guests are left running",
		zap.String("coordinator", coordinator.Name),
		zap.String("op", op),
		zap.String("output", logging.Truncate(fe.Output)),
		zap.Error(err))
	return fe
}

// credentialFor logs in as the testbed user. A password still set to the
// setup placeholder is replaced by the provisioning password.
func (o *Orchestrator) credentialFor(m topology.Member) control.Credential {
	cred := control.Credential{
		User:       m.User,
		Password:   m.Password,
		PrivateKey: o.cfg.Credential.PrivateKey,
	}
	if cred.Password == "" || cred.Password == o.cfg.Setup.Placeholder {
		cred.Password = o.cfg.Credential.Password
	}
	return cred
}

func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	if err != nil {
		r.record.Status = ledger.RunFailed
		r.record.Error = err.Error()
	} else {
		r.record.Status = ledger.RunCompleted
	}
	o.save(ctx, r)
}

// save writes the run record; the ledger never stops a run.
func (o *Orchestrator) save(ctx context.Context, r *run) {
	if o.cfg.Ledger == nil {
		return
	}
	r.record.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LedgerTimeout)
	defer cancel()
	if err := o.cfg.Ledger.RecordRun(ctx, r.record); err != nil {
		r.logger.Warn("failed to record cluster run in ledger", zap.Error(err))
	}
}
