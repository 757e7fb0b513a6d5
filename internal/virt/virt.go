// Package virt drives the virtualization provider that hosts build and
// cluster guests.
package virt

import "context"

// Machine is one guest, defined by the provider definition file in Dir.
type Machine struct {
	Name string
	Dir  string
}

// Provider defines the operations the builder and orchestrator need from the
// hypervisor layer
type Provider interface {
	// Define writes the guest definition into the machine directory.
	Define(ctx context.Context, m Machine, definition string) error
	// Start boots a defined guest.
	Start(ctx context.Context, m Machine) error
	// Stop powers a guest off.
	Stop(ctx context.Context, m Machine) error
	// GuestExec runs a command inside the guest through the provider's own
	// login, before the guest network is usable from the host.
	GuestExec(ctx context.Context, m Machine, command string) (string, error)
	// ExportDisk copies the stopped guest's disk image to dest.
	ExportDisk(ctx context.Context, m Machine, dest string) error
	// RegisterImage adds a bundle to the provider's image catalog.
	RegisterImage(ctx context.Context, name, bundlePath string) error
	// HasImage reports whether the catalog holds an image named name.
	HasImage(ctx context.Context, name string) (bool, error)
}
