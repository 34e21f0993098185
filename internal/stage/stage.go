package stage

import (
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
)

// Source image for stages that start from an empty filesystem.
const Scratch = "scratch"

// Name of the recipe file written by plan steps, relative to the workdir.
const RecipeFile = "recipe.json"

// Where a stage's filesystem comes from. Exactly one field is set.
type Source struct {
	Image   string `json:"image,omitempty"`   // Image reference, or [Scratch].
	Stage   string `json:"stage,omitempty"`   // Name of an earlier stage.
	Archive string `json:"archive,omitempty"` // Path to an OCI archive on the host.
}

// Returns the source in its textual form.
func (s Source) String() string {
	switch {
	case s.Stage != "":
		return "stage:" + s.Stage
	case s.Archive != "":
		return "archive:" + s.Archive
	default:
		return s.Image
	}
}

func (s Source) validate() error {
	set := 0
	for _, v := range []string{s.Image, s.Stage, s.Archive} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fault.Wrapf(ErrInvalidPipeline, "source must set exactly one of image, stage, archive")
	}
	return nil
}

// A single pipeline step.
//
// A step with Run, Copy, Plan or Cook set is an operation. A step with only
// Shell, Workdir or Env set is a modifier. A step with Steps is a group.
type Step struct {
	Run     string            `json:"run,omitempty"`     // Shell command.
	Copy    string            `json:"copy,omitempty"`    // "src dest" or "stage:src dest".
	Plan    bool              `json:"plan,omitempty"`    // Write the dependency recipe into the workdir.
	Cook    bool              `json:"cook,omitempty"`    // Materialize the recipe skeleton, then Run.
	Shell   string            `json:"shell,omitempty"`   // Shell for run operations.
	Workdir string            `json:"workdir,omitempty"` // Working directory.
	Env     map[string]string `json:"env,omitempty"`     // Environment variables.
	Mounts  []string          `json:"mounts,omitempty"`  // Persistent cache directories for this operation.
	Steps   []Step            `json:"steps,omitempty"`   // Nested steps.
}

// Reports whether the step is an operation.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != "" || s.Plan || s.Cook
}

func (s Step) validate() error {
	if len(s.Steps) > 0 {
		if s.IsOperation() {
			return fault.Wrapf(ErrInvalidStep, "group cannot also be an operation")
		}
		for _, child := range s.Steps {
			if err := child.validate(); err != nil {
				return err
			}
		}
		return nil
	}

	ops := 0
	if s.Copy != "" {
		ops++
	}
	if s.Plan {
		ops++
	}
	if s.Cook {
		ops++
	}
	if s.Run != "" && !s.Cook {
		ops++
	}
	if ops > 1 {
		return fault.Wrapf(ErrInvalidStep, "step sets more than one operation")
	}
	if len(s.Mounts) > 0 && s.Run == "" {
		return fault.Wrapf(ErrInvalidStep, "mounts require a run command")
	}
	if s.Copy != "" {
		if _, _, err := ParseCopy(s.Copy, "/"); err != nil {
			return err
		}
	}
	return nil
}

// A named build stage.
type Stage struct {
	Name      string `json:"name"`
	From      Source `json:"from"`
	Steps     []Step `json:"steps"`
	Transient bool   `json:"transient,omitempty"` // Only used as a source for other stages.
}

// Returns the names of the stages this stage reads from, in first-use order.
func (s Stage) Dependencies() []string {
	var deps []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			deps = append(deps, name)
		}
	}

	add(s.From.Stage)

	var walk func(steps []Step)
	walk = func(steps []Step) {
		for _, step := range steps {
			if step.Copy != "" {
				if src, _, err := ParseCopy(step.Copy, "/"); err == nil {
					if name, _, ok := ParseStageCopy(src); ok {
						add(name)
					}
				}
			}
			walk(step.Steps)
		}
	}
	walk(s.Steps)

	return deps
}

// An ordered set of stages producing one image.
type Pipeline struct {
	Profile    config.Profile `json:"profile"`
	Engine     config.Engine  `json:"engine"`
	Binary     string         `json:"binary"`
	Stages     []Stage        `json:"stages"`
	Entrypoint []string       `json:"entrypoint"` // Entrypoint of the final image.
}

// Returns the stage with the given name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Returns the last non-transient stage, which produces the image.
func (p *Pipeline) Final() (*Stage, error) {
	for i := len(p.Stages) - 1; i >= 0; i-- {
		if !p.Stages[i].Transient {
			return &p.Stages[i], nil
		}
	}
	return nil, ErrNoFinalStage
}

// Checks the pipeline for structural errors.
//
// Stage names must be unique and non-empty, every source and step must be
// well formed, and the dependency graph must be acyclic.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fault.Wrapf(ErrInvalidPipeline, "no stages")
	}

	for _, s := range p.Stages {
		if s.Name == "" {
			return fault.Wrapf(ErrInvalidPipeline, "stage without a name")
		}
		if err := s.From.validate(); err != nil {
			return fault.Wrapf(ErrInvalidPipeline, "stage %s: %w", s.Name, err)
		}
		for i, step := range s.Steps {
			if err := step.validate(); err != nil {
				return fault.Wrapf(ErrInvalidPipeline, "stage %s, step %d: %w", s.Name, i+1, err)
			}
		}
	}

	if _, err := p.Final(); err != nil {
		return err
	}

	_, err := Graph(p)
	return err
}
