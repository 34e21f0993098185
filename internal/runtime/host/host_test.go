package host

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/platforms"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/kilnhq/kiln/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hostPlatform = platforms.Format(platforms.Normalize(platforms.DefaultSpec()))

func start(t *testing.T, h *Host, opts runtime.StartOptions) *Workspace {
	t.Helper()
	if opts.Platform == "" {
		opts.Platform = hostPlatform
	}
	if opts.Image == "" && opts.Archive == "" {
		opts.Image = stage.Scratch
	}
	ws, err := h.Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Destroy(context.Background()) })
	return ws
}

func TestExecRebasesWorkdir(t *testing.T) {
	ctx := context.Background()
	h := New(t.TempDir(), command.Exec{})
	ws := start(t, h, runtime.StartOptions{ID: "builder"})

	res, err := ws.Exec(ctx, "/bin/sh", `echo "$GREETING" > out.txt; echo "$KILN_ROOT"`, []string{"GREETING=hi"}, "/app")
	require.NoError(t, err)
	require.Zero(t, res.ExitCode, res.Stderr)
	assert.Equal(t, ws.Root()+"\n", res.Stdout)

	b, err := os.ReadFile(filepath.Join(ws.Root(), "app", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(b))
}

func TestExecReportsExitCode(t *testing.T) {
	h := New(t.TempDir(), command.Exec{})
	ws := start(t, h, runtime.StartOptions{ID: "failing"})

	res, err := ws.Exec(context.Background(), "/bin/sh", "echo broken >&2; exit 101", nil, "/")
	require.NoError(t, err)
	assert.Equal(t, 101, res.ExitCode)
	assert.Equal(t, "broken\n", res.Stderr)
}

func TestCopyBetweenWorkspaces(t *testing.T) {
	ctx := context.Background()
	h := New(t.TempDir(), command.Exec{})
	src := start(t, h, runtime.StartOptions{ID: "planner"})
	dst := start(t, h, runtime.StartOptions{ID: "builder"})

	require.NoError(t, src.MkdirAll(ctx, "/app"))
	require.NoError(t, os.WriteFile(filepath.Join(src.Root(), "app", "recipe.json"), []byte(`{"manifests":[]}`), 0o644))

	var buf bytes.Buffer
	require.NoError(t, src.CopyFrom(ctx, &buf, "/app/recipe.json"))

	tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "recipe.json", hdr.Name)

	require.NoError(t, dst.CopyTo(ctx, bytes.NewReader(buf.Bytes()), "/app"))
	b, err := os.ReadFile(filepath.Join(dst.Root(), "app", "recipe.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"manifests":[]}`, string(b))
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	h := New(t.TempDir(), command.Exec{})
	ws := start(t, h, runtime.StartOptions{ID: "builder"})

	_, err := ws.Exec(ctx, "/bin/sh", "mkdir -p target/release && echo bin > target/release/cli", nil, "/app")
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, ws.Export(ctx, archivePath, "", &image.Config{WorkingDir: "/app", Env: []string{"CARGO_TERM_COLOR=never"}}))

	restored := start(t, h, runtime.StartOptions{ID: "builder-2", Archive: archivePath})
	b, err := os.ReadFile(filepath.Join(restored.Root(), "app", "target", "release", "cli"))
	require.NoError(t, err)
	assert.Equal(t, "bin\n", string(b))
	assert.Equal(t, "/app", restored.config.WorkingDir)

	res, err := restored.Exec(ctx, "/bin/sh", `printf %s "$CARGO_TERM_COLOR"`, nil, "/")
	require.NoError(t, err)
	assert.Equal(t, "never", res.Stdout)
}

func TestMountsPersist(t *testing.T) {
	ctx := context.Background()
	h := New(t.TempDir(), command.Exec{})
	cacheDir := filepath.Join(t.TempDir(), "registry")
	mounts := []runtime.Mount{{Source: cacheDir, Target: "/usr/local/cargo/registry"}}

	ws := start(t, h, runtime.StartOptions{ID: "a", Mounts: mounts})
	_, err := ws.Exec(ctx, "/bin/sh", `echo crate > "$KILN_ROOT/usr/local/cargo/registry/index"`, nil, "/")
	require.NoError(t, err)
	ws.Destroy(ctx)

	b, err := os.ReadFile(filepath.Join(cacheDir, "index"))
	require.NoError(t, err)
	assert.Equal(t, "crate\n", string(b))

	again := start(t, h, runtime.StartOptions{ID: "b", Mounts: mounts})
	b, err = os.ReadFile(filepath.Join(again.Root(), "usr", "local", "cargo", "registry", "index"))
	require.NoError(t, err)
	assert.Equal(t, "crate\n", string(b))
}

func TestResolve(t *testing.T) {
	h := New(t.TempDir(), command.Exec{})

	id, err := h.Resolve(context.Background(), stage.Scratch, hostPlatform)
	require.NoError(t, err)
	assert.Equal(t, stage.Scratch, id)

	_, err = h.Resolve(context.Background(), "debian:bookworm-slim", hostPlatform)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestStartRejectsForeignPlatform(t *testing.T) {
	h := New(t.TempDir(), command.Exec{})

	foreign := "linux/s390x"
	if platforms.Default().Match(platforms.MustParse(foreign)) {
		foreign = "linux/ppc64le"
	}

	_, err := h.Start(context.Background(), runtime.StartOptions{ID: "x", Platform: foreign, Image: stage.Scratch})
	assert.ErrorIs(t, err, ErrPlatform)

	_, err = h.Start(context.Background(), runtime.StartOptions{ID: "x", Platform: hostPlatform, Image: "alpine"})
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestRebase(t *testing.T) {
	assert.Equal(t, "/ws/app", rebase("/ws", "/app"))
	assert.Equal(t, "/ws/app", rebase("/ws", "app"))
	assert.Equal(t, "/ws", rebase("/ws", ""))
	assert.Equal(t, "/ws/etc", rebase("/ws", "/../../etc"))
}
