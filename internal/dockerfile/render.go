package dockerfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/stage"
)

// Build argument enabling the BuildKit inline cache.
const InlineCacheArg = "BUILDKIT_INLINE_CACHE"

// Frontend syntax directive written at the top of every file.
const syntax = "# syntax=docker/dockerfile:1"

// Renders p as a multi-stage Dockerfile.
//
// tool names the planner installed in the base stage, e.g. "cargo-chef".
// Archive sources cannot be expressed and are rejected.
func Render(w io.Writer, p *stage.Pipeline, tool string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	final, err := p.Final()
	if err != nil {
		return err
	}

	r := &renderer{w: bufio.NewWriter(w), tool: toolCommand(tool), profile: p.Profile}

	r.line(syntax)
	if p.Profile != "" {
		r.line("# Generated by kiln from the %s pipeline.", p.Profile)
	} else {
		r.line("# Generated by kiln.")
	}

	for _, s := range p.Stages {
		if err := r.stage(s); err != nil {
			return err
		}
		if s.Name == final.Name && len(p.Entrypoint) > 0 {
			entrypoint, err := json.Marshal(p.Entrypoint)
			if err != nil {
				return fault.Wrap(ErrWrite, err)
			}
			r.line("ENTRYPOINT %s", entrypoint)
		}
	}

	return r.w.Flush()
}

// Writes instructions, tracking the modifiers already in effect.
type renderer struct {
	w       *bufio.Writer
	tool    string
	profile config.Profile

	workdir string
	shell   string
	env     map[string]string
}

func (r *renderer) line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Renders one stage. Modifier state starts over with each FROM.
func (r *renderer) stage(s stage.Stage) error {
	r.workdir = ""
	r.shell = ""
	r.env = make(map[string]string)

	r.line("")
	switch {
	case s.From.Archive != "":
		return fault.Wrapf(ErrUnsupported, "stage %s: archive source %q", s.Name, s.From.Archive)
	case s.From.Stage != "":
		r.line("FROM %s AS %s", s.From.Stage, s.Name)
	default:
		r.line("FROM %s AS %s", s.From.Image, s.Name)
	}
	r.line("ARG %s", InlineCacheArg)

	return r.steps(s.Steps)
}

func (r *renderer) steps(steps []stage.Step) error {
	for _, step := range steps {
		switch {
		case len(step.Steps) > 0:
			r.modifiers(step)
			if err := r.steps(step.Steps); err != nil {
				return err
			}
		case step.IsOperation():
			if err := r.operation(step); err != nil {
				return err
			}
		default:
			r.modifiers(step)
		}
	}
	return nil
}

// Emits instructions for modifiers that persist.
func (r *renderer) modifiers(step stage.Step) {
	if step.Shell != "" && step.Shell != r.shell {
		r.line("SHELL [%q, \"-c\"]", step.Shell)
		r.shell = step.Shell
	}
	if step.Workdir != "" && step.Workdir != r.workdir {
		r.line("WORKDIR %s", step.Workdir)
		r.workdir = step.Workdir
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		if v, ok := r.env[k]; !ok || v != step.Env[k] {
			r.line("ENV %s=%s", k, quote(step.Env[k]))
			r.env[k] = step.Env[k]
		}
	}
}

// Emits an operation. Modifiers scoped to it are applied and then undone.
func (r *renderer) operation(step stage.Step) error {
	prevShell, prevWorkdir := r.shell, r.workdir

	if step.Shell != "" && step.Shell != r.shell {
		r.line("SHELL [%q, \"-c\"]", step.Shell)
	}
	if step.Workdir != "" && step.Workdir != r.workdir {
		r.line("WORKDIR %s", step.Workdir)
	}

	switch {
	case step.Plan:
		r.line("COPY . .")
		r.line("RUN %s prepare --recipe-path %s", r.tool, stage.RecipeFile)
	case step.Cook:
		r.run(step, fmt.Sprintf("%s cook%s --recipe-path %s", r.tool, releaseFlag(r.profile), stage.RecipeFile))
	case step.Copy != "":
		if err := r.copy(step.Copy); err != nil {
			return err
		}
	default:
		r.run(step, step.Run)
	}

	if step.Shell != "" && step.Shell != prevShell {
		r.line("SHELL [%q, \"-c\"]", shellOrDefault(prevShell))
	}
	if step.Workdir != "" && step.Workdir != prevWorkdir {
		r.line("WORKDIR %s", workdirOrRoot(prevWorkdir))
	}
	return nil
}

// Emits a RUN instruction with cache mounts and scoped environment.
func (r *renderer) run(step stage.Step, command string) {
	var b strings.Builder
	b.WriteString("RUN")
	for _, m := range step.Mounts {
		b.WriteString(" --mount=type=cache,target=")
		b.WriteString(m)
	}
	for _, k := range slices.Sorted(maps.Keys(step.Env)) {
		fmt.Fprintf(&b, " %s=%s", k, quote(step.Env[k]))
	}
	b.WriteString(" ")
	b.WriteString(command)
	r.line("%s", b.String())
}

// Emits a COPY instruction, reading from another stage when prefixed.
func (r *renderer) copy(s string) error {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return fault.Wrapf(stage.ErrInvalidCopy, "expected source and destination, got %q", s)
	}

	if name, src, ok := stage.ParseStageCopy(parts[0]); ok {
		r.line("COPY --from=%s %s %s", name, src, parts[1])
		return nil
	}
	r.line("COPY %s %s", parts[0], parts[1])
	return nil
}

// Returns the command that invokes a planner tool.
//
// Cargo subcommands installed as "cargo-<name>" are invoked as
// "cargo <name>".
func toolCommand(tool string) string {
	if name, ok := strings.CutPrefix(tool, "cargo-"); ok {
		return "cargo " + name
	}
	return tool
}

func releaseFlag(profile config.Profile) string {
	if profile == config.ProfileRelease {
		return " --release"
	}
	return ""
}

// Quotes a value when it contains characters the parser would split on.
func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$\\") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

func shellOrDefault(shell string) string {
	if shell == "" {
		return "/bin/sh"
	}
	return shell
}

func workdirOrRoot(dir string) string {
	if dir == "" {
		return "/"
	}
	return dir
}
