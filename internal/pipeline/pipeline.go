package pipeline

import (
	"fmt"

	"boxforge/internal/failure"
)

// Stage type names accepted in recipe files.
const (
	StageExec   = "exec"
	StageUpload = "upload"
)

// Recipe is the ordered provisioning sequence applied to one guest.
type Recipe struct {
	Role   string
	Stages []Stage
}

// RecipeRaw represents a recipe as written in the configuration file
type RecipeRaw struct {
	Stages []StageRaw `yaml:"stages"`
}

// StageRaw represents a raw stage for YAML deserialization
type StageRaw struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Dir        string   `yaml:"dir,omitempty"`
	Checkpoint string   `yaml:"checkpoint,omitempty"`
	BestEffort bool     `yaml:"best_effort,omitempty"`
	Steps      []string `yaml:"steps,omitempty"`
	Src        string   `yaml:"src,omitempty"`
	Dest       string   `yaml:"dest,omitempty"`
}

// ToRecipe converts RecipeRaw to Recipe. Unknown stage types are rejected.
func (rr *RecipeRaw) ToRecipe(role string) (Recipe, error) {
	r := Recipe{
		Role:   role,
		Stages: make([]Stage, 0, len(rr.Stages)),
	}

	for i, stageRaw := range rr.Stages {
		switch stageRaw.Type {
		case StageExec, "":
			r.Stages = append(r.Stages, &ExecStage{
				Name:       stageRaw.Name,
				Dir:        stageRaw.Dir,
				Checkpoint: stageRaw.Checkpoint,
				BestEffort: stageRaw.BestEffort,
				Steps:      stageRaw.Steps,
			})
		case StageUpload:
			if stageRaw.Src == "" || stageRaw.Dest == "" {
				return Recipe{}, failure.New(failure.InvalidInput, "load recipe",
					fmt.Errorf("role %s stage %d (%s): upload needs src and dest", role, i+1, stageRaw.Name))
			}
			r.Stages = append(r.Stages, &UploadStage{
				Name:       stageRaw.Name,
				Checkpoint: stageRaw.Checkpoint,
				Src:        stageRaw.Src,
				Dest:       stageRaw.Dest,
			})
		default:
			return Recipe{}, failure.New(failure.InvalidInput, "load recipe",
				fmt.Errorf("role %s stage %d (%s): unknown stage type %q", role, i+1, stageRaw.Name, stageRaw.Type))
		}
	}

	return r, nil
}

// Vars is the data a step template can reference, e.g. {{.Address}}.
type Vars struct {
	Distribution string
	Build        string
	Role         string
	// Address is the guest's own network address.
	Address  string
	Hostname string
	// Password is the provisioning credential written into topology files.
	Password     string
	PackagesURL  string
	PackagesFile string
	// Topology is the local path of the topology file pushed to a coordinator.
	Topology string
}
