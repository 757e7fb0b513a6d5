package pipeline

import (
	"fmt"
	"sort"

	"boxforge/internal/checkpoint"
	"boxforge/internal/failure"
	"boxforge/internal/naming"
)

// Guest paths laid down by the packages bundle.
const (
	PackagesDir   = "/opt/contrail/contrail_packages"
	SetupUtilsDir = "/opt/contrail/contrail_installer/contrail_setup_utils"
	UtilsDir      = "/opt/contrail/utils"
	TestbedDir    = "/opt/contrail/utils/fabfile/testbeds"
)

var pythonTooling = []string{
	"pip-python install --upgrade " + SetupUtilsDir + "/pycrypto-2.6.tar.gz",
	"pip-python install --upgrade " + SetupUtilsDir + "/paramiko-1.11.0.tar.gz",
	"pip-python install --upgrade --no-deps " + SetupUtilsDir + "/Fabric-1.7.0.tar.gz",
}

// Recipes maps a role to its provisioning recipe.
type Recipes map[string]Recipe

// DefaultRecipes returns the built-in recipes for pkgs, controller and compute.
func DefaultRecipes() Recipes {
	return Recipes{
		naming.RolePkgs: {
			Role: naming.RolePkgs,
			Stages: []Stage{
				&ExecStage{
					Name: "fetch-packages",
					Steps: []string{
						"wget -q {{.PackagesURL}}",
						"yum --disablerepo=* -y localinstall {{.PackagesFile}}",
					},
				},
				&ExecStage{
					Name:  "setup-packages",
					Dir:   PackagesDir,
					Steps: []string{"./setup.sh"},
				},
				&ExecStage{
					Name:       "python-tooling",
					Dir:        PackagesDir,
					Checkpoint: checkpoint.PkgsSetup,
					Steps:      pythonTooling,
				},
				udevCleanup(),
			},
		},
		naming.RoleController: roleRecipe(naming.RoleController,
			"fab install_database",
			"fab install_cfgm",
			"fab install_collector",
			"fab install_control",
			"fab install_webui",
			"fab install_openstack",
		),
		naming.RoleCompute: roleRecipe(naming.RoleCompute,
			"fab install_vrouter",
		),
	}
}

// roleRecipe points a single-node topology at the guest, installs the role's
// subset and refreshes the python tooling the installer depends on.
func roleRecipe(role string, installSteps ...string) Recipe {
	install := append([]string{pythonTooling[0]}, installSteps...)
	return Recipe{
		Role: role,
		Stages: []Stage{
			&ExecStage{
				Name: "single-node-topology",
				Dir:  TestbedDir,
				Steps: []string{
					"cp testbed_singlebox_example.py testbed.py",
					"sed -i -e 's/1.1.1.1/{{.Address}}/' -e 's/secret/{{sedReplacement .Password}}/' testbed.py",
					"echo 'env.interface_rename = False' >> testbed.py",
				},
			},
			&ExecStage{
				Name:       "install-" + role,
				Dir:        UtilsDir,
				Checkpoint: checkpoint.RoleInstall,
				Steps:      install,
			},
			&ExecStage{
				Name:  "python-tooling",
				Dir:   UtilsDir,
				Steps: pythonTooling,
			},
		},
	}
}

func udevCleanup() *ExecStage {
	return &ExecStage{
		Name:       "udev-cleanup",
		BestEffort: true,
		Steps: []string{
			"mv /lib/udev/write_net_rules /tmp",
			"rm /etc/udev/rules.d/70-persistent-net.rules",
		},
	}
}

// Merge returns a copy of r where every role in overrides is replaced by the
// configured recipe.
func (r Recipes) Merge(overrides map[string]RecipeRaw) (Recipes, error) {
	merged := make(Recipes, len(r)+len(overrides))
	for role, recipe := range r {
		merged[role] = recipe
	}

	roles := make([]string, 0, len(overrides))
	for role := range overrides {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		raw := overrides[role]
		recipe, err := raw.ToRecipe(role)
		if err != nil {
			return nil, err
		}
		merged[role] = recipe
	}
	return merged, nil
}

// For returns the recipe for role.
func (r Recipes) For(role string) (Recipe, error) {
	recipe, ok := r[role]
	if !ok {
		return Recipe{}, failure.New(failure.InvalidInput, "select recipe",
			fmt.Errorf("no provisioning recipe for role %q", role))
	}
	return recipe, nil
}

// Roles returns the roles that have a recipe, sorted.
func (r Recipes) Roles() []string {
	roles := make([]string, 0, len(r))
	for role := range r {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Setup describes the cluster-wide setup pass run on a coordinator.
type Setup struct {
	TestbedDir string
	UtilsDir   string
	// Placeholder is the credential string the topology carries in place of
	// the real provisioning password.
	Placeholder string
	Command     string
}

// DefaultSetup returns the setup pass used when the configuration is silent.
func DefaultSetup() Setup {
	return Setup{
		TestbedDir:  TestbedDir,
		UtilsDir:    UtilsDir,
		Placeholder: "secret",
		Command:     "fab setup_all",
	}
}

// Recipe turns the setup pass into a recipe: push the topology, patch it,
// then run the single setup command.
func (s Setup) Recipe() Recipe {
	return Recipe{
		Role: "coordinator",
		Stages: []Stage{
			&UploadStage{
				Name: "push-topology",
				Src:  "{{.Topology}}",
				Dest: s.TestbedDir + "/testbed.py",
			},
			&ExecStage{
				Name: "patch-topology",
				Dir:  s.TestbedDir,
				Steps: []string{
					fmt.Sprintf("sed -i -e 's/%s/{{sedReplacement .Password}}/' testbed.py", SedPattern(s.Placeholder)),
					"echo 'env.interface_rename = False' >> testbed.py",
				},
			},
			&ExecStage{
				Name:       "setup-all",
				Dir:        s.UtilsDir,
				Checkpoint: checkpoint.ClusterSetup,
				Steps:      []string{s.Command},
			},
		},
	}
}
