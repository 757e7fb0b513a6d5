package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"boxforge/internal/control"
	"boxforge/internal/logging"

	"go.uber.org/zap"
)

// Stage is one named group of steps in a recipe.
type Stage interface {
	GetName() string
	GetType() string
	// GetCheckpoint names the checkpoint raised before the stage, if any.
	GetCheckpoint() string
	Execute(ctx context.Context, ctrl control.Controller, vars Vars, report *Report) error
}

// ExecStage runs shell commands on the guest
type ExecStage struct {
	Name       string
	Dir        string
	Checkpoint string
	// BestEffort stages log failures and carry on.
	BestEffort bool
	Steps      []string
}

// UploadStage copies a local file to the guest
type UploadStage struct {
	Name       string
	Checkpoint string
	Src        string
	Dest       string
}

// GetName returns the stage name
func (e *ExecStage) GetName() string {
	return e.Name
}

// GetType returns the stage type
func (e *ExecStage) GetType() string {
	return StageExec
}

// GetCheckpoint returns the checkpoint guarding the stage
func (e *ExecStage) GetCheckpoint() string {
	return e.Checkpoint
}

// GetName returns the stage name
func (u *UploadStage) GetName() string {
	return u.Name
}

// GetType returns the stage type
func (u *UploadStage) GetType() string {
	return StageUpload
}

// GetCheckpoint returns the checkpoint guarding the stage
func (u *UploadStage) GetCheckpoint() string {
	return u.Checkpoint
}

// Execute executes the exec stage
func (e *ExecStage) Execute(ctx context.Context, ctrl control.Controller, vars Vars, report *Report) error {
	logging.Logger().Debug("executing exec stage",
		zap.String("stage_name", e.Name),
		zap.Bool("best_effort", e.BestEffort))

	for stepIndex, stepTemplate := range e.Steps {
		logging.Logger().Debug("executing step",
			zap.Int("step_index", stepIndex+1),
			zap.String("template", logging.Truncate(stepTemplate)))

		renderedCommand, err := RenderTemplate(stepTemplate, vars)
		if err != nil {
			return &StepError{Stage: e.Name, Step: stepIndex + 1, Err: fmt.Errorf("failed to render template: %w", err)}
		}
		command := control.InDir(e.Dir, renderedCommand)

		if e.BestEffort {
			result := ctrl.RunBestEffort(ctx, command)
			report.Results = append(report.Results, result)
			if !result.Success() {
				report.Warnings = append(report.Warnings, Warning{Stage: e.Name, Result: result})
			}
			continue
		}

		result, err := ctrl.Run(ctx, command)
		report.Results = append(report.Results, result)
		if err != nil {
			return &StepError{Stage: e.Name, Step: stepIndex + 1, Result: result, Err: err}
		}

		logging.Logger().Debug("step completed successfully", zap.Int("step_index", stepIndex+1))
	}

	return nil
}

// Execute executes the upload stage
func (u *UploadStage) Execute(_ context.Context, ctrl control.Controller, vars Vars, _ *Report) error {
	logging.Logger().Debug("executing upload stage", zap.String("stage_name", u.Name))

	renderedSrc, err := RenderTemplate(u.Src, vars)
	if err != nil {
		return &StepError{Stage: u.Name, Step: 1, Err: fmt.Errorf("failed to render source path template: %w", err)}
	}

	renderedDest, err := RenderTemplate(u.Dest, vars)
	if err != nil {
		return &StepError{Stage: u.Name, Step: 1, Err: fmt.Errorf("failed to render destination path template: %w", err)}
	}

	logging.Logger().Debug("rendered upload paths",
		zap.String("src", renderedSrc),
		zap.String("dest", renderedDest))

	if err := ctrl.Upload(renderedSrc, renderedDest); err != nil {
		return &StepError{Stage: u.Name, Step: 1, Err: fmt.Errorf("failed to upload %s: %w", renderedSrc, err)}
	}

	return nil
}

// RenderTemplate renders a step template against vars. Referencing an
// unknown field is an error rather than an empty string.
func RenderTemplate(templateStr string, vars Vars) (string, error) {
	tmpl, err := template.New("command").Funcs(templateFuncs).Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

var templateFuncs = template.FuncMap{
	"sedReplacement": SedReplacement,
}

// SedReplacement escapes s for the replacement half of a single-quoted
// sed s/// expression.
func SedReplacement(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "/", `\/`, "&", `\&`, "\n", `\n`)
	return shellQuoteInner(r.Replace(s))
}

// SedPattern escapes s as a literal basic regular expression inside a
// single-quoted sed s/// expression.
func SedPattern(s string) string {
	var b strings.Builder
	for _, c := range s {
		if strings.ContainsRune(`\/.*[]^$`, c) {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return shellQuoteInner(b.String())
}

// shellQuoteInner closes and reopens a single-quoted shell string around
// each embedded quote.
func shellQuoteInner(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
