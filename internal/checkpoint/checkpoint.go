// Package checkpoint marks the points of a build or cluster run where an
// operator may want to inspect the guest before the next step runs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"boxforge/internal/logging"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"
)

// Names of the checkpoints raised by the builder and the orchestrator.
const (
	PkgsSetup    = "pkgs-setup"
	RoleInstall  = "role-install"
	ClusterSetup = "cluster-setup"
)

// ErrAborted is returned when the operator declines to continue.
var ErrAborted = errors.New("aborted at checkpoint")

// Hook is called before the step a checkpoint guards.
type Hook interface {
	Reached(ctx context.Context, name string) error
}

// Logging records checkpoints and never blocks.
type Logging struct{}

// Reached logs the checkpoint.
func (Logging) Reached(_ context.Context, name string) error {
	logging.Logger().Info("checkpoint reached", zap.String("checkpoint", name))
	return nil
}

// ConfirmFunc asks the operator whether to continue past a checkpoint.
type ConfirmFunc func(ctx context.Context, name string) (bool, error)

// Interactive pauses at every checkpoint until the operator confirms.
type Interactive struct {
	confirm ConfirmFunc
}

// NewInteractive returns a hook that prompts on the terminal.
func NewInteractive(accessible bool) *Interactive {
	return &Interactive{confirm: terminalConfirm(accessible)}
}

// NewInteractiveWith returns a hook that uses confirm instead of the terminal.
func NewInteractiveWith(confirm ConfirmFunc) *Interactive {
	return &Interactive{confirm: confirm}
}

// Reached blocks until the operator answers.
func (i *Interactive) Reached(ctx context.Context, name string) error {
	logging.Logger().Info("waiting for operator at checkpoint", zap.String("checkpoint", name))

	ok, err := i.confirm(ctx, name)
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("%w %s", ErrAborted, name)
		}
		return fmt.Errorf("checkpoint %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w %s", ErrAborted, name)
	}

	logging.Logger().Info("operator continued past checkpoint", zap.String("checkpoint", name))
	return nil
}

func terminalConfirm(accessible bool) ConfirmFunc {
	return func(ctx context.Context, name string) (bool, error) {
		proceed := true
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Checkpoint %q reached", name)).
					Description("The guest is up and reachable. Inspect it, then continue.").
					Affirmative("Continue").
					Negative("Abort").
					Value(&proceed),
			),
		).WithAccessible(accessible).RunWithContext(ctx)
		return proceed, err
	}
}
