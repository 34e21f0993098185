package build

import (
	"maps"
	"slices"

	"github.com/kilnhq/kiln/internal/stage"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Tracks accumulated modifiers during step execution.
//
// State flows linearly through the step list. Standalone modifiers update
// the state permanently via apply. Operations read the effective values for
// a single step via resolve without modifying the persistent state.
type stepState struct {
	shell   string
	workdir string
	env     map[string]string
}

// Creates a new [stepState] starting with the given shell.
func newStepState(shell string) *stepState {
	if shell == "" {
		shell = defaultShell
	}
	return &stepState{
		shell: shell,
		env:   make(map[string]string),
	}
}

// Persists modifier fields from a step into the state.
func (s *stepState) apply(step stage.Step) {
	if step.Shell != "" {
		s.shell = step.Shell
	}
	if step.Workdir != "" {
		s.workdir = step.Workdir
	}
	maps.Copy(s.env, step.Env)
}

// Returns a new [stepState] with step-level modifiers overlaid on the
// persistent state. The receiver is not modified.
func (s *stepState) resolve(step stage.Step) *stepState {
	resolved := &stepState{
		shell:   s.shell,
		workdir: s.workdir,
		env:     make(map[string]string, len(s.env)+len(step.Env)),
	}
	maps.Copy(resolved.env, s.env)
	maps.Copy(resolved.env, step.Env)

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		resolved.workdir = step.Workdir
	}

	return resolved
}

// Formats the environment as a list of "key=value" strings suitable for
// passing to workspace exec.
func (s *stepState) environ() []string {
	return environ(s.env)
}

// Formats an environment map as sorted "key=value" strings.
func environ(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		env = append(env, k+"="+m[k])
	}
	return env
}

// Returns the operation of step with the resolved modifiers filled in.
//
// The result is what identifies the operation in the layer cache, so two
// operations that run the same way have equal forms regardless of where
// their modifiers were declared.
func (s *stepState) operation(step stage.Step) stage.Step {
	r := s.resolve(step)
	op := stage.Step{
		Run:     step.Run,
		Copy:    step.Copy,
		Plan:    step.Plan,
		Cook:    step.Cook,
		Shell:   r.shell,
		Workdir: r.workdir,
		Mounts:  step.Mounts,
	}
	if len(r.env) > 0 {
		op.Env = r.env
	}
	return op
}
