// Package naming derives the names of build artifacts and virtual machines.
//
// The build dependency graph lives entirely in these names: a role image is
// identified by <distribution>_<build>_<role>, the pkgs image of a build is
// built from the distribution's stock box, and every other role image of the
// same build is built from that pkgs image.
package naming

import (
	"fmt"
	"strings"

	"boxforge/internal/failure"
)

// Well-known roles.
const (
	RolePkgs       = "pkgs"
	RoleController = "controller"
	RoleCompute    = "compute"
)

// DistroCentOS is the only supported distribution.
const DistroCentOS = "centos"

const separator = "_"

// Identity names one role image. It doubles as the catalog box name and the
// stem of every file the build produces.
type Identity string

func (i Identity) String() string {
	return string(i)
}

// VMName is the name of the VM a build of this identity runs in.
func (i Identity) VMName() string {
	return string(i) + "_vm"
}

// BoxDir is the per-build working directory name.
func (i Identity) BoxDir() string {
	return string(i) + "_box"
}

// BundleFile is the file name of the packaged artifact.
func (i Identity) BundleFile() string {
	return string(i) + ".box"
}

// Derive computes the identity of (distribution, build, role).
// Components may not contain the separator, which keeps the mapping injective.
func Derive(distribution, build, role string) (Identity, error) {
	if err := checkComponent("build number", build); err != nil {
		return "", err
	}
	if err := checkComponent("distribution", distribution); err != nil {
		return "", err
	}
	if err := checkComponent("role", role); err != nil {
		return "", err
	}
	return Identity(distribution + separator + build + separator + role), nil
}

func checkComponent(name, value string) error {
	if value == "" {
		return failure.New(failure.InvalidInput, "derive identity", fmt.Errorf("%s is empty", name))
	}
	if strings.ContainsAny(value, separator+"/ \t\n") {
		return failure.New(failure.InvalidInput, "derive identity",
			fmt.Errorf("%s %q contains a reserved character", name, value))
	}
	return nil
}

// Member is the VM name of the ordinal-th cluster member of role, e.g. compute1.
func Member(role string, ordinal int) string {
	return fmt.Sprintf("%s%d", role, ordinal)
}

// ClusterDir is the working directory of one cluster run.
func ClusterDir(name, distribution, build string) string {
	return name + separator + distribution + separator + build
}
