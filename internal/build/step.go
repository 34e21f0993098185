package build

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/stage"
)

// An operation with its modifiers resolved.
type op struct {
	step  stage.Step // Resolved operation, also its cache identity.
	label string     // Position in the stage, e.g. "3" or "2.1".
}

// Flattens steps into the operations they run.
//
// Groups apply their modifiers and recurse, standalone modifiers persist
// in state, and operations are resolved against the current state.
func flatten(steps []stage.Step, state *stepState) []op {
	var ops []op

	var walk func(steps []stage.Step, prefix string)
	walk = func(steps []stage.Step, prefix string) {
		for i, step := range steps {
			label := prefix + strconv.Itoa(i+1)
			switch {
			case len(step.Steps) > 0:
				state.apply(step)
				walk(step.Steps, label+".")
			case step.IsOperation():
				ops = append(ops, op{step: state.operation(step), label: label})
			default:
				state.apply(step)
			}
		}
	}
	walk(steps, "")

	return ops
}

// Returns a one-line description of an operation.
func describe(s stage.Step) string {
	switch {
	case s.Plan:
		return "PLAN " + stage.RecipeFile
	case s.Cook && s.Run != "":
		return "COOK " + s.Run
	case s.Cook:
		return "COOK"
	case s.Copy != "":
		return "COPY " + s.Copy
	default:
		return "RUN " + s.Run
	}
}

// Returns the distinct mount targets used by ops.
func mountTargets(ops []op) []string {
	var targets []string
	seen := make(map[string]bool)
	for _, o := range ops {
		for _, m := range o.step.Mounts {
			if !seen[m] {
				seen[m] = true
				targets = append(targets, m)
			}
		}
	}
	return targets
}

// Executes one operation against a workspace.
func (p *platformRun) execute(ctx context.Context, ws Workspace, o op) error {
	s := o.step

	if s.Workdir != "" {
		if err := ws.MkdirAll(ctx, s.Workdir); err != nil {
			return err
		}
	}

	switch {
	case s.Plan:
		return p.plan(ctx, ws, s)
	case s.Cook:
		if err := p.cook(ctx, ws, s); err != nil {
			return err
		}
		if s.Run == "" {
			return nil
		}
		return run(ctx, ws, s)
	case s.Copy != "":
		return p.copy(ctx, ws, s)
	default:
		return run(ctx, ws, s)
	}
}

// Runs a shell command, failing on a non-zero exit code.
func run(ctx context.Context, ws Workspace, s stage.Step) error {
	slog.Debug("run", "command", s.Run, "shell", s.Shell, "workdir", s.Workdir)

	result, err := ws.Exec(ctx, s.Shell, s.Run, environ(s.Env), s.Workdir)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fault.Wrapf(ErrCommandFailed, "exit code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Writes the dependency recipe of the build context into the workdir.
func (p *platformRun) plan(ctx context.Context, ws Workspace, s stage.Step) error {
	r, _, err := p.run.recipe()
	if err != nil {
		return err
	}

	data, err := r.Bytes()
	if err != nil {
		return fault.Wrap(ErrPlan, err)
	}

	tr, err := tarFile(stage.RecipeFile, data)
	if err != nil {
		return fault.Wrap(ErrPlan, err)
	}

	slog.Debug("plan", "workdir", s.Workdir, "bytes", len(data))

	if err := ws.CopyTo(ctx, tr, workdirOf(s)); err != nil {
		return fault.Wrap(ErrPlan, err)
	}
	return nil
}

// Materializes the recipe found in the workdir over the workdir.
func (p *platformRun) cook(ctx context.Context, ws Workspace, s stage.Step) error {
	dir := workdirOf(s)

	var buf bytes.Buffer
	if err := ws.CopyFrom(ctx, &buf, path.Join(dir, stage.RecipeFile)); err != nil {
		return fault.Wrapf(ErrCook, "read %s: %w", stage.RecipeFile, err)
	}

	data, err := readTarFile(&buf)
	if err != nil {
		return fault.Wrap(ErrCook, err)
	}

	r, err := recipe.Parse(data)
	if err != nil {
		return fault.Wrap(ErrCook, err)
	}

	skeleton, err := os.MkdirTemp(p.tmp, "skeleton-")
	if err != nil {
		return fault.Wrap(ErrFileSystemOperation, err)
	}
	defer os.RemoveAll(skeleton)

	if err := r.Materialize(skeleton); err != nil {
		return fault.Wrap(ErrCook, err)
	}

	slog.Debug("cook", "workdir", dir, "manifests", len(r.Skeleton.Manifests), "targets", len(r.Skeleton.Targets))

	if err := copyHostTree(ctx, ws, skeleton, "", dir, nil); err != nil {
		return fault.Wrap(ErrCook, err)
	}
	return nil
}

// Returns the workdir of a resolved step, defaulting to the root.
func workdirOf(s stage.Step) string {
	if s.Workdir == "" {
		return "/"
	}
	return s.Workdir
}
