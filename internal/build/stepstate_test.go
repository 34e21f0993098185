package build

import (
	"reflect"
	"slices"
	"testing"

	"github.com/kilnhq/kiln/internal/stage"
)

func TestNewStepState(t *testing.T) {
	s := newStepState("")
	if s.shell != defaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, defaultShell)
	}
	if s.workdir != "" {
		t.Fatalf("workdir = %q, want empty", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestApply(t *testing.T) {
	s := newStepState("")

	s.apply(stage.Step{Shell: "/bin/bash"})
	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}

	s.apply(stage.Step{Workdir: "/app"})
	if s.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", s.workdir)
	}
	if s.shell != "/bin/bash" {
		t.Fatalf("shell changed to %q after workdir apply", s.shell)
	}

	s.apply(stage.Step{Env: map[string]string{"A": "1", "B": "2"}})
	if s.env["A"] != "1" || s.env["B"] != "2" {
		t.Fatalf("env = %v, want A=1 B=2", s.env)
	}

	s.apply(stage.Step{Env: map[string]string{"A": "override"}})
	if s.env["A"] != "override" {
		t.Fatalf("env[A] = %q, want override", s.env["A"])
	}
	if s.env["B"] != "2" {
		t.Fatalf("env[B] = %q, want 2 (preserved)", s.env["B"])
	}
}

func TestApplyEmptyFieldsNoOp(t *testing.T) {
	s := newStepState("")
	s.apply(stage.Step{Shell: "/bin/zsh", Workdir: "/opt"})
	s.apply(stage.Step{})
	if s.shell != "/bin/zsh" {
		t.Fatalf("shell = %q, want /bin/zsh", s.shell)
	}
	if s.workdir != "/opt" {
		t.Fatalf("workdir = %q, want /opt", s.workdir)
	}
}

func TestResolve(t *testing.T) {
	s := newStepState("")
	s.apply(stage.Step{
		Shell:   "/bin/bash",
		Workdir: "/app",
		Env:     map[string]string{"A": "1"},
	})

	resolved := s.resolve(stage.Step{
		Shell:   "/bin/zsh",
		Workdir: "/tmp",
		Env:     map[string]string{"B": "2"},
	})

	if resolved.shell != "/bin/zsh" {
		t.Fatalf("resolved.shell = %q, want /bin/zsh", resolved.shell)
	}
	if resolved.workdir != "/tmp" {
		t.Fatalf("resolved.workdir = %q, want /tmp", resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" {
		t.Fatalf("resolved.env = %v, want A=1 B=2", resolved.env)
	}

	// Original state is unchanged.
	if s.shell != "/bin/bash" {
		t.Fatalf("original shell mutated to %q", s.shell)
	}
	if s.workdir != "/app" {
		t.Fatalf("original workdir mutated to %q", s.workdir)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
}

func TestResolveInheritsState(t *testing.T) {
	s := newStepState("")
	s.apply(stage.Step{Shell: "/bin/bash", Workdir: "/app"})

	resolved := s.resolve(stage.Step{})
	if resolved.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", resolved.shell)
	}
	if resolved.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", resolved.workdir)
	}
}

func TestResolveEnvOverride(t *testing.T) {
	s := newStepState("")
	s.apply(stage.Step{Env: map[string]string{"K": "base"}})

	resolved := s.resolve(stage.Step{Env: map[string]string{"K": "override"}})
	if resolved.env["K"] != "override" {
		t.Fatalf("env[K] = %q, want override", resolved.env["K"])
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}
}

func TestNewStepStateShell(t *testing.T) {
	s := newStepState("/bin/bash")
	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState("")
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.apply(stage.Step{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root"}})
	env := s.environ()
	want := []string{"HOME=/root", "PATH=/usr/bin"}
	if !slices.Equal(env, want) {
		t.Fatalf("environ = %v, want %v", env, want)
	}
}

func TestOperationResolvesModifiers(t *testing.T) {
	s := newStepState("")
	s.apply(stage.Step{Workdir: "/app", Env: map[string]string{"A": "1"}})

	got := s.operation(stage.Step{Run: "make", Env: map[string]string{"B": "2"}})
	if got.Run != "make" || got.Shell != defaultShell || got.Workdir != "/app" {
		t.Fatalf("operation = %+v", got)
	}
	if len(got.Env) != 2 || got.Env["A"] != "1" || got.Env["B"] != "2" {
		t.Fatalf("env = %v, want A=1 B=2", got.Env)
	}
}

func TestOperationEqualAcrossDeclarations(t *testing.T) {
	grouped := newStepState("")
	grouped.apply(stage.Step{Workdir: "/app"})
	a := grouped.operation(stage.Step{Run: "make"})

	inline := newStepState("")
	b := inline.operation(stage.Step{Run: "make", Workdir: "/app"})

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("operations differ: %+v != %+v", a, b)
	}
	if a.Env != nil {
		t.Fatalf("env = %v, want nil", a.Env)
	}
}

func TestFlatten(t *testing.T) {
	steps := []stage.Step{
		{Workdir: "/app"},
		{Run: "one"},
		{Env: map[string]string{"X": "1"}, Steps: []stage.Step{
			{Run: "two"},
			{Copy: "a b"},
		}},
		{Run: "three"},
	}

	ops := flatten(steps, newStepState(""))

	labels := make([]string, len(ops))
	for i, o := range ops {
		labels[i] = o.label
	}
	if want := []string{"2", "3.1", "3.2", "4"}; !slices.Equal(labels, want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	if ops[1].step.Env["X"] != "1" || ops[1].step.Workdir != "/app" {
		t.Fatalf("group modifiers not applied: %+v", ops[1].step)
	}
	if ops[3].step.Env["X"] != "1" {
		t.Fatalf("group env should persist: %+v", ops[3].step)
	}
}
