package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/dockerfile"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Parses args into a fresh RootCmd, runs the selected command, and returns
// what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	reflect.ValueOf(&RootCmd).Elem().SetZero()

	var out bytes.Buffer
	stdout = &out
	t.Cleanup(func() { stdout = os.Stdout })

	parser, err := newParser(context.Background(), kong.Exit(func(int) {
		t.Fatal("parser exited")
	}))
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	err = kctx.Run()
	return out.String(), err
}

// Writes a minimal binary crate and returns its root.
func writeCrate(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"Cargo.toml":  "[package]\nname = \"cli\"\nversion = \"0.1.0\"\nedition = \"2021\"\n",
		"src/main.rs": "fn main() { println!(\"real\"); }\n",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
	return root
}

// Initializes a default configuration in a new directory and returns its path.
func initConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	_, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)
	return path
}

func TestParseBuildFlags(t *testing.T) {
	reflect.ValueOf(&RootCmd).Elem().SetZero()
	parser, err := newParser(context.Background())
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{"build", "release", "-e", "docker", "--inline-cache", "--dry-run", "-t", "app:rc"})
	require.NoError(t, err)

	assert.Equal(t, "build <profile>", kctx.Command())
	assert.Equal(t, "release", RootCmd.Build.Profile)
	assert.Equal(t, "docker", RootCmd.Build.Engine)
	assert.True(t, RootCmd.Build.InlineCache)
	assert.True(t, RootCmd.Build.DryRun)
	assert.Equal(t, "app:rc", RootCmd.Build.Tag)
}

func TestParseRejectsUnknownProfile(t *testing.T) {
	_, err := run(t, "build", "staging")
	assert.Error(t, err)
}

func TestParseDefaultConfigPath(t *testing.T) {
	reflect.ValueOf(&RootCmd).Elem().SetZero()
	parser, err := newParser(context.Background())
	require.NoError(t, err)

	_, err = parser.Parse([]string{"version"})
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", filepath.Base(RootCmd.ConfigPath))
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, internal.VersionString()+"\n", out)
}

func TestConfigInitAndShow(t *testing.T) {
	path := initConfig(t)
	assert.FileExists(t, path)

	out, err := run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "engine: host")
	assert.Contains(t, out, "binary: cli")

	_, err = run(t, "--config", path, "config", "init")
	assert.ErrorIs(t, err, config.ErrConfigExists)

	_, err = run(t, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigShowMissingFile(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "config", "show")
	require.Error(t, err)
	assert.Equal(t, fault.ExitConfig, fault.ExitCode(err))
}

func TestPlanPrintsRecipe(t *testing.T) {
	root := writeCrate(t)

	out, err := run(t, "plan", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, `"skeleton"`)
	assert.Contains(t, out, "Cargo.toml")
}

func TestPlanSavesAndCooks(t *testing.T) {
	root := writeCrate(t)
	recipePath := filepath.Join(t.TempDir(), "recipe.json")

	out, err := run(t, "plan", "--root", root, "-o", recipePath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "sha256:"))
	assert.FileExists(t, recipePath)

	dir := t.TempDir()
	_, err = run(t, "cook", "-r", recipePath, dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "Cargo.toml"))
	b, err := os.ReadFile(filepath.Join(dir, "src", "main.rs"))
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}\n", string(b))
}

func TestDockerfileWritesFiles(t *testing.T) {
	path := initConfig(t)
	dir := t.TempDir()

	out, err := run(t, "--config", path, "dockerfile", "--dir", dir)
	require.NoError(t, err)

	for _, name := range []string{dockerfile.ReleaseFile, dockerfile.DebugFile, dockerfile.IgnoreFile} {
		assert.FileExists(t, filepath.Join(dir, name))
		assert.Contains(t, out, filepath.Join(dir, name))
	}

	_, err = run(t, "--config", path, "dockerfile", "--dir", dir)
	assert.ErrorIs(t, err, dockerfile.ErrExists)

	_, err = run(t, "--config", path, "dockerfile", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestBuildDockerDryRunPrintsDockerfile(t *testing.T) {
	path := initConfig(t)

	out, err := run(t, "--config", path, "build", "release", "-e", "docker", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "# syntax=docker/dockerfile:1")
	assert.Contains(t, out, "FROM rust:1-slim-bookworm AS base")
	assert.Contains(t, out, `ENTRYPOINT ["/usr/local/bin/cli"]`)
}

func TestBuildUnknownEngine(t *testing.T) {
	path := initConfig(t)

	_, err := run(t, "--config", path, "build", "debug", "-e", "podman")
	require.Error(t, err)
	assert.Equal(t, fault.ExitConfig, fault.ExitCode(err))
}

func TestGraphDockerEngine(t *testing.T) {
	path := initConfig(t)

	out, err := run(t, "--config", path, "graph", "release", "-e", "docker")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "planner")
	assert.Contains(t, out, "runtime")
}

func TestCacheListEmpty(t *testing.T) {
	out, err := run(t, "--cache-dir", t.TempDir(), "cache")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "0 layers, 0 B")
}

func TestCachePruneEmpty(t *testing.T) {
	out, err := run(t, "--cache-dir", t.TempDir(), "cache", "prune", "--all")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 layers, freed 0 B\n", out)
}

func TestImagesEmpty(t *testing.T) {
	out, err := run(t, "--data-dir", t.TempDir(), "images")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "REF")
}

func TestSelectEngine(t *testing.T) {
	cfg := config.Default()

	e, err := selectEngine(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, config.EngineHost, e)

	e, err = selectEngine(cfg, "containerd")
	require.NoError(t, err)
	assert.Equal(t, config.EngineContainerd, e)

	_, err = selectEngine(cfg, "podman")
	assert.ErrorIs(t, err, fault.ErrConfig)
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{-1, "0 B"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
		{12 << 30, "12 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.n))
	}
}

func TestShortDigest(t *testing.T) {
	d := "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.Equal(t, "0123456789ab", shortDigest(d))
	assert.Equal(t, "", shortDigest(""))
	assert.Equal(t, "sha256:abc", shortDigest("sha256:abc"))
}
