package naming

import (
	"errors"
	"testing"

	"boxforge/internal/failure"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		distribution, build, role string
		want                      Identity
	}{
		{"centos", "1234", "pkgs", "centos_1234_pkgs"},
		{"centos", "1234", "controller", "centos_1234_controller"},
		{"centos", "77", "compute", "centos_77_compute"},
	}

	for _, tt := range tests {
		got, err := Derive(tt.distribution, tt.build, tt.role)
		if err != nil {
			t.Fatalf("Derive(%q, %q, %q) unexpected error: %v", tt.distribution, tt.build, tt.role, err)
		}
		if got != tt.want {
			t.Errorf("Derive(%q, %q, %q) = %q, want %q", tt.distribution, tt.build, tt.role, got, tt.want)
		}
	}
}

func TestDeriveIsDeterministicAndInjective(t *testing.T) {
	builds := []string{"1", "12", "123", "1234"}
	roles := []string{"pkgs", "controller", "compute", "compute2"}

	seen := make(map[Identity][2]string)
	for _, b := range builds {
		for _, r := range roles {
			first, err := Derive(DistroCentOS, b, r)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			second, _ := Derive(DistroCentOS, b, r)
			if first != second {
				t.Errorf("Derive not deterministic: %q vs %q", first, second)
			}
			if prev, dup := seen[first]; dup {
				t.Errorf("collision: %v and %v both map to %q", prev, [2]string{b, r}, first)
			}
			seen[first] = [2]string{b, r}
		}
	}
}

func TestDeriveRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name                      string
		distribution, build, role string
	}{
		{"empty build", "centos", "", "pkgs"},
		{"empty role", "centos", "12", ""},
		{"empty distribution", "", "12", "pkgs"},
		{"separator in build", "centos", "1_2", "pkgs"},
		{"separator in role", "centos", "1", "2_pkgs"},
		{"path in build", "centos", "../12", "pkgs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.distribution, tt.build, tt.role)
			if !errors.Is(err, failure.InvalidInput) {
				t.Errorf("expected InvalidInput, got %v", err)
			}
		})
	}
}

func TestIdentityNames(t *testing.T) {
	id := Identity("centos_12_pkgs")
	if id.VMName() != "centos_12_pkgs_vm" {
		t.Errorf("VMName() = %q", id.VMName())
	}
	if id.BoxDir() != "centos_12_pkgs_box" {
		t.Errorf("BoxDir() = %q", id.BoxDir())
	}
	if id.BundleFile() != "centos_12_pkgs.box" {
		t.Errorf("BundleFile() = %q", id.BundleFile())
	}
}

func TestMemberAndClusterDir(t *testing.T) {
	if got := Member(RoleController, 0); got != "controller0" {
		t.Errorf("Member() = %q, want controller0", got)
	}
	if got := Member(RoleCompute, 2); got != "compute2" {
		t.Errorf("Member() = %q, want compute2", got)
	}
	if got := ClusterDir("cluster", "centos", "12"); got != "cluster_centos_12" {
		t.Errorf("ClusterDir() = %q", got)
	}
}
