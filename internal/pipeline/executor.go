package pipeline

import (
	"context"
	"fmt"

	"boxforge/internal/checkpoint"
	"boxforge/internal/control"
	"boxforge/internal/logging"

	"go.uber.org/zap"
)

// Report collects what a recipe run did.
type Report struct {
	Results  []control.Result
	Warnings []Warning
}

// Warning is a best-effort step that failed.
type Warning struct {
	Stage  string
	Result control.Result
}

// StepError reports the essential step that stopped a recipe.
type StepError struct {
	Stage  string
	Step   int
	Result control.Result
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("stage %q step %d: %v", e.Stage, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Output returns what the failing command printed.
func (e *StepError) Output() string {
	return e.Result.Output()
}

// Execute runs every stage of recipe on the guest behind ctrl, in order. The
// first failing essential step aborts the run; hook is consulted before any
// stage that names a checkpoint.
func Execute(ctx context.Context, ctrl control.Controller, recipe Recipe, vars Vars, hook checkpoint.Hook) (Report, error) {
	var report Report

	logging.Logger().Info("starting recipe execution",
		zap.String("role", recipe.Role),
		zap.String("host", ctrl.Host()),
		zap.Int("stages_count", len(recipe.Stages)))

	for stageIndex, stage := range recipe.Stages {
		if name := stage.GetCheckpoint(); name != "" && hook != nil {
			if err := hook.Reached(ctx, name); err != nil {
				return report, err
			}
		}

		logging.Logger().Info("executing recipe stage",
			zap.Int("stage_index", stageIndex+1),
			zap.String("stage_name", stage.GetName()),
			zap.String("stage_type", stage.GetType()))

		if err := stage.Execute(ctx, ctrl, vars, &report); err != nil {
			return report, err
		}

		logging.Logger().Info("stage completed successfully", zap.String("stage_name", stage.GetName()))
	}

	failed := make([]string, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		failed = append(failed, w.Result.Command)
	}
	logging.Logger().Info("all recipe stages completed",
		zap.String("role", recipe.Role),
		zap.Int("warnings", len(report.Warnings)),
		zap.Strings("failed_best_effort", logging.TruncateSlice(failed, 5)))
	return report, nil
}
