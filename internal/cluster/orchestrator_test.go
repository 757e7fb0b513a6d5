package cluster_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"boxforge/internal/checkpoint"
	"boxforge/internal/cluster"
	"boxforge/internal/control"
	"boxforge/internal/failure"
	"boxforge/internal/ledger"
	"boxforge/internal/topology"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cluster Orchestrator", func() {
	var (
		ctx          context.Context
		provider     *MockProvider
		dialer       *MockDialer
		runs         *ledger.FileLedger
		workDir      string
		orchestrator *cluster.Orchestrator
		opts         cluster.Options
	)

	newOrchestrator := func(mutate ...func(*cluster.Config)) *cluster.Orchestrator {
		cfg := cluster.Config{
			Provider:   provider,
			Dial:       dialer.Dial,
			Ledger:     runs,
			WorkDir:    workDir,
			Credential: control.Credential{User: "root", Password: "vagrant"},
		}
		for _, m := range mutate {
			m(&cfg)
		}
		o, err := cluster.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	loadTestbed := func(controllers, computes int) *topology.Topology {
		path := filepath.Join(workDir, "testbed.py")
		Expect(os.WriteFile(path, []byte(testbed(controllers, computes)), 0o600)).To(Succeed())
		topo, err := topology.Load(path)
		Expect(err).NotTo(HaveOccurred())
		return topo
	}

	BeforeEach(func() {
		ctx = context.Background()
		provider = NewMockProvider("centos_12_controller", "centos_12_compute")
		dialer = &MockDialer{}
		runs = ledger.NewFileLedger("")
		workDir = GinkgoT().TempDir()
		orchestrator = newOrchestrator()
		opts = cluster.Options{Name: "cluster", Distribution: "centos", Build: "12"}
	})

	Context("with 2 controllers and 3 computes", func() {
		It("should bring up every member in order and set up once on controller0", func() {
			topo := loadTestbed(2, 3)

			inst, err := orchestrator.Provision(ctx, topo, opts)
			Expect(err).NotTo(HaveOccurred())

			Expect(provider.Lifecycle()).To(Equal([]string{
				"define controller0", "start controller0", "exec controller0",
				"define controller1", "start controller1", "exec controller1",
				"define compute0", "start compute0", "exec compute0",
				"define compute1", "start compute1", "exec compute1",
				"define compute2", "start compute2", "exec compute2",
			}))

			Expect(dialer.Dials).To(HaveLen(1))
			Expect(dialer.Dials[0].Host).To(Equal("192.168.50.10"))
			Expect(dialer.Controllers[0].Closed).To(BeTrue())

			setupRuns := 0
			for _, c := range dialer.Controllers[0].Commands {
				if c == "cd /opt/contrail/utils && fab setup_all" {
					setupRuns++
				}
			}
			Expect(setupRuns).To(Equal(1))

			Expect(inst.Coordinator.Name).To(Equal("controller0"))
			Expect(inst.Members).To(HaveLen(5))
			Expect(inst.Dir).To(Equal(filepath.Join(workDir, "cluster_centos_12")))
			Expect(inst.Members[3].Machine.Dir).To(Equal(filepath.Join(inst.Dir, "compute1")))
		})

		It("should check each role image once, when the role is first used", func() {
			_, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(err).NotTo(HaveOccurred())

			var queries []string
			for _, c := range provider.Calls {
				if len(c) > 4 && c[:4] == "has " {
					queries = append(queries, c)
				}
			}
			Expect(queries).To(Equal([]string{"has centos_12_controller", "has centos_12_compute"}))
			Expect(provider.Calls[0]).To(Equal("has centos_12_controller"))
			Expect(provider.Calls).To(ContainElement("has centos_12_compute"))
		})

		It("should render each member from its role image with the member name as hostname", func() {
			_, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(err).NotTo(HaveOccurred())

			Expect(provider.Definitions["controller1"]).To(ContainSubstring(`controller1.vm.box = "centos_12_controller"`))
			Expect(provider.Definitions["controller1"]).To(ContainSubstring(`controller1.vm.hostname = "controller1"`))
			Expect(provider.Definitions["compute2"]).To(ContainSubstring(`compute2.vm.box = "centos_12_compute"`))
			Expect(provider.Definitions["compute2"]).To(ContainSubstring("192.168.50.22"))
		})

		It("should push the testbed and patch the credential placeholder", func() {
			topo := loadTestbed(2, 3)
			_, err := orchestrator.Provision(ctx, topo, opts)
			Expect(err).NotTo(HaveOccurred())

			staged := filepath.Join(workDir, "cluster_centos_12", cluster.TopologyFile)
			coordinator := dialer.Controllers[0]
			Expect(coordinator.Uploads).To(Equal([]UploadCall{
				{LocalPath: staged, RemotePath: "/opt/contrail/utils/fabfile/testbeds/testbed.py"},
			}))
			Expect(coordinator.Commands).To(Equal([]string{
				"cd /opt/contrail/utils/fabfile/testbeds && sed -i -e 's/secret/vagrant/' testbed.py",
				"cd /opt/contrail/utils/fabfile/testbeds && echo 'env.interface_rename = False' >> testbed.py",
				"cd /opt/contrail/utils && fab setup_all",
			}))

			pushed, err := os.ReadFile(staged)
			Expect(err).NotTo(HaveOccurred())
			original, err := os.ReadFile(topo.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(pushed).To(Equal(original))
		})

		It("should log in as the testbed user with the provisioning password", func() {
			_, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(err).NotTo(HaveOccurred())

			Expect(dialer.Dials[0].Credential.User).To(Equal("root"))
			Expect(dialer.Dials[0].Credential.Password).To(Equal("vagrant"))
			Expect(dialer.Dials[0].Name).To(Equal("controller0"))
		})

		It("should record a completed run in the ledger", func() {
			inst, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(err).NotTo(HaveOccurred())

			records, err := runs.Runs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal(inst.ID))
			Expect(records[0].Status).To(Equal(ledger.RunCompleted))
			Expect(records[0].Coordinator).To(Equal("controller0"))
			Expect(records[0].Members).To(HaveLen(5))
			for _, m := range records[0].Members {
				Expect(m.Status).To(Equal(ledger.MemberRunning))
			}
		})
	})

	Context("when the ledger stalls", func() {
		It("should finish the run once each write times out", func() {
			stalled := &StalledLedger{FileLedger: runs}
			orchestrator = newOrchestrator(func(cfg *cluster.Config) {
				cfg.Ledger = stalled
				cfg.LedgerTimeout = 20 * time.Millisecond
			})

			start := time.Now()
			_, err := orchestrator.Provision(ctx, loadTestbed(1, 1), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(stalled.Writes).To(BeNumerically(">", 0))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})
	})

	Context("when a member fails to come up", func() {
		It("should stop at compute1 without bringing up compute2 or running setup", func() {
			provider.FailOn["start compute1"] = errors.New("Call to virDomainCreateWithFlags failed")

			inst, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(err).To(HaveOccurred())
			Expect(inst).To(BeNil())
			Expect(errors.Is(err, failure.MemberProvisioningFailure)).To(BeTrue())

			member, ok := failure.MemberOf(err)
			Expect(ok).To(BeTrue())
			Expect(member).To(Equal("compute1"))

			Expect(provider.Lifecycle()).NotTo(ContainElement("define compute2"))
			Expect(provider.Lifecycle()).NotTo(ContainElement("exec compute1"))
			Expect(dialer.Dials).To(BeEmpty())

			records, err := runs.Runs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].Status).To(Equal(ledger.RunFailed))
			Expect(records[0].Members[3].Status).To(Equal(ledger.MemberFailed))
			Expect(records[0].Members[4].Status).To(Equal(ledger.MemberPending))
		})

		It("should keep the guest output of a failed network restart", func() {
			provider.FailOn["exec controller0"] = errors.New("exit status 1")

			_, err := orchestrator.Provision(ctx, loadTestbed(1, 1), opts)
			Expect(errors.Is(err, failure.MemberProvisioningFailure)).To(BeTrue())
			Expect(failure.OutputOf(err)).To(ContainSubstring("RTNETLINK"))
			Expect(provider.Lifecycle()).NotTo(ContainElement("define compute0"))
		})

		It("should name the first member of a role whose image is missing", func() {
			delete(provider.Images, "centos_12_compute")

			_, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			member, ok := failure.MemberOf(err)
			Expect(ok).To(BeTrue())
			Expect(member).To(Equal("compute0"))
			Expect(errors.Is(err, failure.InvalidInput)).To(BeTrue())
			Expect(provider.Lifecycle()).To(ContainElement("exec controller1"))
			Expect(provider.Lifecycle()).NotTo(ContainElement("define compute0"))
		})
	})

	Context("when the cluster-wide setup fails", func() {
		It("should report the coordinator output and leave the guests running", func() {
			dialer.FailOn = "fab setup_all"

			_, err := orchestrator.Provision(ctx, loadTestbed(2, 3), opts)
			Expect(errors.Is(err, failure.ClusterSetupFailure)).To(BeTrue())
			Expect(failure.OutputOf(err)).To(ContainSubstring("nonzero return code"))

			for _, call := range provider.Calls {
				Expect(call).NotTo(HavePrefix("stop "))
			}

			records, err := runs.Runs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].Status).To(Equal(ledger.RunFailed))
			Expect(records[0].Members[4].Status).To(Equal(ledger.MemberRunning))
		})

		It("should fail when the coordinator cannot be reached", func() {
			dialer.Err = errors.New("SSH not available after 5m0s")

			_, err := orchestrator.Provision(ctx, loadTestbed(1, 0), opts)
			Expect(errors.Is(err, failure.ClusterSetupFailure)).To(BeTrue())
		})

		It("should stop at the checkpoint when the operator aborts", func() {
			orchestrator = newOrchestrator(func(cfg *cluster.Config) {
				cfg.Checkpoint = checkpoint.NewInteractiveWith(func(context.Context, string) (bool, error) {
					return false, nil
				})
			})

			_, err := orchestrator.Provision(ctx, loadTestbed(1, 1), opts)
			Expect(errors.Is(err, checkpoint.ErrAborted)).To(BeTrue())
			Expect(errors.Is(err, failure.ClusterSetupFailure)).To(BeTrue())
			Expect(dialer.Controllers[0].Commands).NotTo(ContainElement(ContainSubstring("fab setup_all")))
		})
	})

	Context("with an invalid request", func() {
		DescribeTable("should fail before touching the provider",
			func(o cluster.Options, kind failure.Kind) {
				_, err := orchestrator.Provision(ctx, loadTestbed(1, 1), o)
				Expect(errors.Is(err, kind)).To(BeTrue())
				Expect(provider.Calls).To(BeEmpty())
			},
			Entry("empty build", cluster.Options{Name: "cluster", Distribution: "centos"}, failure.InvalidInput),
			Entry("unsupported distribution", cluster.Options{Name: "cluster", Distribution: "ubuntu", Build: "12"}, failure.UnsupportedDistribution),
			Entry("reserved character in name", cluster.Options{Name: "my_cluster", Distribution: "centos", Build: "12"}, failure.InvalidInput),
		)

		It("should reject a missing topology", func() {
			_, err := orchestrator.Provision(ctx, nil, opts)
			Expect(errors.Is(err, failure.InvalidInput)).To(BeTrue())
		})
	})
})
