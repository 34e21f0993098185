package dockerfile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRelease(t *testing.T) {
	b, err := Generate(config.Default(), config.ProfileRelease)
	require.NoError(t, err)
	out := string(b)

	for _, want := range []string{
		"# syntax=docker/dockerfile:1\n",
		"FROM rust:1-slim-bookworm AS base\nARG BUILDKIT_INLINE_CACHE\n",
		"RUN --mount=type=cache,target=/usr/local/cargo/registry --mount=type=cache,target=/usr/local/cargo/git cargo install cargo-chef --locked\n",
		"FROM base AS planner\nARG BUILDKIT_INLINE_CACHE\nWORKDIR /app\nCOPY . .\nRUN cargo chef prepare --recipe-path recipe.json\n",
		"COPY --from=planner /app/recipe.json recipe.json\n",
		"cargo chef cook --release --recipe-path recipe.json\n",
		"cargo build --release --bin cli\n",
		"FROM debian:bookworm-slim AS runtime\n",
		"COPY --from=builder /app/target/release/cli /usr/local/bin/cli\n",
	} {
		assert.Contains(t, out, want)
	}

	assert.True(t, strings.HasSuffix(out, "ENTRYPOINT [\"/usr/local/bin/cli\"]\n"), out)
	assert.Equal(t, 4, strings.Count(out, "ARG BUILDKIT_INLINE_CACHE"))
}

func TestGenerateDebug(t *testing.T) {
	b, err := Generate(config.Default(), config.ProfileDebug)
	require.NoError(t, err)
	out := string(b)

	assert.Contains(t, out, "cargo chef cook --recipe-path recipe.json\n")
	assert.Contains(t, out, "COPY --from=builder /app/target/debug/cli /usr/local/bin/cli\n")
	assert.NotContains(t, out, "--release")
}

func TestRenderModifiers(t *testing.T) {
	p := &stage.Pipeline{
		Stages: []stage.Stage{{
			Name: "app",
			From: stage.Source{Image: "alpine"},
			Steps: []stage.Step{
				{Env: map[string]string{"B": "two words", "A": "1"}},
				{Run: "make", Workdir: "/src", Env: map[string]string{"V": "1"}},
				{Shell: "/bin/bash", Steps: []stage.Step{{Run: "echo hi"}}},
			},
		}},
		Entrypoint: []string{"/bin/app"},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, p, "cargo-chef"))

	want := `# syntax=docker/dockerfile:1
# Generated by kiln.

FROM alpine AS app
ARG BUILDKIT_INLINE_CACHE
ENV A=1
ENV B="two words"
WORKDIR /src
RUN V=1 make
WORKDIR /
SHELL ["/bin/bash", "-c"]
RUN echo hi
ENTRYPOINT ["/bin/app"]
`
	assert.Equal(t, want, buf.String())
}

func TestRenderRejectsArchiveSource(t *testing.T) {
	p := &stage.Pipeline{Stages: []stage.Stage{{Name: "app", From: stage.Source{Archive: "base.tar"}}}}

	err := Render(&bytes.Buffer{}, p, "")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestToolCommand(t *testing.T) {
	assert.Equal(t, "cargo chef", toolCommand("cargo-chef"))
	assert.Equal(t, "planner", toolCommand("planner"))
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()

	files, err := Write(cfg, dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, ReleaseFile),
		filepath.Join(dir, DebugFile),
		filepath.Join(dir, IgnoreFile),
	}, files)

	ignore, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	require.NoError(t, err)
	assert.Equal(t, "target\n.git\n", string(ignore))

	_, err = Write(cfg, dir, false)
	assert.ErrorIs(t, err, ErrExists)

	_, err = Write(cfg, dir, true)
	assert.NoError(t, err)
}

type fakeRunner struct {
	cmds   []command.Command
	result command.Result
	files  map[string]string // Files next to the Dockerfile when docker ran.
}

func (f *fakeRunner) Run(ctx context.Context, cmd command.Command) (*command.Result, error) {
	f.cmds = append(f.cmds, cmd)
	f.files = make(map[string]string)
	for i, arg := range cmd.Args {
		if arg != "-f" || i+1 >= len(cmd.Args) {
			continue
		}
		dir := filepath.Dir(cmd.Args[i+1])
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			b, _ := os.ReadFile(filepath.Join(dir, e.Name()))
			f.files[e.Name()] = string(b)
		}
	}
	res := f.result
	return &res, nil
}

func TestBuilderBuild(t *testing.T) {
	cfg := config.Default()
	cfg.SetDir("/work")
	cfg.Build.Platforms = []string{"linux/amd64", "linux/arm64"}

	runner := &fakeRunner{}
	b := Builder{Runner: runner, Config: cfg}

	ref, err := b.Build(context.Background(), config.ProfileRelease, BuildOptions{InlineCache: true})
	require.NoError(t, err)
	assert.Equal(t, "app:latest", ref)

	require.Len(t, runner.cmds, 1)
	cmd := runner.cmds[0]
	assert.Equal(t, "docker", cmd.Name)
	assert.Equal(t, []string{"build", "-t", "app:latest", "-f"}, cmd.Args[:4])
	assert.Equal(t, ReleaseFile, filepath.Base(cmd.Args[4]))
	assert.Equal(t, []string{
		"--platform", "linux/amd64,linux/arm64",
		"--build-arg", "BUILDKIT_INLINE_CACHE=1",
		"--cache-from", "app:latest",
		"/work",
	}, cmd.Args[5:])
	assert.Contains(t, cmd.Env, "DOCKER_BUILDKIT=1")

	assert.Equal(t, "target\n.git\n", runner.files[ReleaseFile+IgnoreFile])
	assert.Contains(t, runner.files[ReleaseFile], "FROM ")
}

func TestBuilderMergesProjectIgnore(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFile), []byte("secrets/\n*.log\n\n"), 0644))

	cfg := config.Default()
	cfg.SetDir(root)

	runner := &fakeRunner{}
	b := Builder{Runner: runner, Config: cfg}

	_, err := b.Build(context.Background(), config.ProfileDebug, BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, "target\n.git\nsecrets/\n*.log\n", runner.files[DebugFile+IgnoreFile])
}

func TestBuilderFailure(t *testing.T) {
	runner := &fakeRunner{result: command.Result{ExitCode: 1, Stderr: "step 3 failed\n"}}
	b := Builder{Runner: runner, Config: config.Default()}

	_, err := b.Build(context.Background(), config.ProfileDebug, BuildOptions{Tag: "app:dev", NoCache: true})
	assert.ErrorIs(t, err, ErrBuild)
	assert.Contains(t, err.Error(), "step 3 failed")
	assert.Contains(t, runner.cmds[0].Args, "--no-cache")
}

func TestBuilderMissingDocker(t *testing.T) {
	b := Builder{Runner: command.Exec{}, Config: config.Default(), Docker: "kiln-missing-docker"}

	_, err := b.Build(context.Background(), config.ProfileDebug, BuildOptions{})
	assert.ErrorIs(t, err, fault.ErrEnvironment)
	assert.Equal(t, fault.ExitEnvironment, fault.ExitCode(err))
}
