package virt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Dir  string
	Name string
	Args []string
}

type fakeRunner struct {
	calls  []call
	stdout map[string]string
	err    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, call{Dir: dir, Name: name, Args: args})
	key := strings.Join(args, " ")
	if err := f.err[key]; err != nil {
		return "", "vagrant exploded", err
	}
	return f.stdout[key], "", nil
}

func TestVagrantLifecycleCommands(t *testing.T) {
	runner := &fakeRunner{}
	v := NewVagrant(VagrantConfig{}, runner)
	m := Machine{Name: "centos_12_pkgs_vm", Dir: "/work/centos_12_pkgs_box"}
	ctx := context.Background()

	require.NoError(t, v.Start(ctx, m))
	_, err := v.GuestExec(ctx, m, "service network restart")
	require.NoError(t, err)
	require.NoError(t, v.Stop(ctx, m))
	require.NoError(t, v.RegisterImage(ctx, "centos_12_pkgs", "/work/centos_12_pkgs_box/centos_12_pkgs.box"))

	expected := []call{
		{Dir: m.Dir, Name: "vagrant", Args: []string{"up", "centos_12_pkgs_vm", "--provider=libvirt"}},
		{Dir: m.Dir, Name: "vagrant", Args: []string{"ssh", "centos_12_pkgs_vm", "-c", "service network restart"}},
		{Dir: m.Dir, Name: "vagrant", Args: []string{"halt", "centos_12_pkgs_vm"}},
		{Dir: m.Dir, Name: "vagrant", Args: []string{"box", "add", "centos_12_pkgs", "/work/centos_12_pkgs_box/centos_12_pkgs.box", "--provider", "libvirt"}},
	}
	if diff := cmp.Diff(expected, runner.calls); diff != "" {
		t.Errorf("vagrant calls mismatch (-want +got):\n%s", diff)
	}
}

func TestVagrantErrorCarriesStderr(t *testing.T) {
	runner := &fakeRunner{err: map[string]error{"up vm --provider=libvirt": errors.New("exit status 1")}}
	v := NewVagrant(VagrantConfig{}, runner)

	err := v.Start(context.Background(), Machine{Name: "vm", Dir: "/tmp/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vagrant exploded")
}

func TestVagrantDefine(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cluster_centos_12", "controller0")
	v := NewVagrant(VagrantConfig{}, &fakeRunner{})

	require.NoError(t, v.Define(context.Background(), Machine{Name: "controller0", Dir: dir}, "definition"))

	data, err := os.ReadFile(filepath.Join(dir, DefinitionFile))
	require.NoError(t, err)
	assert.Equal(t, "definition", string(data))
}

func TestVagrantExportDisk(t *testing.T) {
	imageDir := t.TempDir()
	workDir := t.TempDir()
	v := NewVagrant(VagrantConfig{ImageDir: imageDir}, &fakeRunner{})
	m := Machine{Name: "centos_12_compute_vm", Dir: filepath.Join(workDir, "centos_12_compute_box")}

	assert.Equal(t, filepath.Join(imageDir, "centos_12_compute_box_centos_12_compute_vm.img"), v.DiskPath(m))
	require.NoError(t, os.WriteFile(v.DiskPath(m), []byte("disk"), 0o600))

	dest := filepath.Join(workDir, "box.img")
	require.NoError(t, v.ExportDisk(context.Background(), m, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "disk", string(data))

	missing := Machine{Name: "other_vm", Dir: m.Dir}
	assert.Error(t, v.ExportDisk(context.Background(), missing, dest))
}

func TestVagrantHasImage(t *testing.T) {
	list := `centos64              (libvirt, 0)
centos_12_pkgs        (libvirt, 0)
centos_12_pkgs_old    (virtualbox, 0)
centos_12_compute     (virtualbox, 0)
`
	runner := &fakeRunner{stdout: map[string]string{"box list": list}}
	v := NewVagrant(VagrantConfig{}, runner)

	tests := []struct {
		name     string
		expected bool
	}{
		{"centos_12_pkgs", true},
		{"centos64", true},
		{"centos_12_compute", false},
		{"centos_12", false},
	}
	for _, tt := range tests {
		got, err := v.HasImage(context.Background(), tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got, tt.name)
	}
}

func TestBoxListedEmptyCatalog(t *testing.T) {
	assert.False(t, boxListed("There are no installed boxes! Use `vagrant box add` to add some.\n", "centos64", "libvirt"))
}
