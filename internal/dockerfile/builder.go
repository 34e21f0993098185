package dockerfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/paths"
)

// Runs docker builds of the rendered pipeline.
type Builder struct {
	Runner command.Runner // Runs the docker client.
	Config *config.Config // Project configuration.
	Stream io.Writer      // Optional writer receiving build output.
	Docker string         // Docker client binary. Defaults to "docker".
}

// Controls a docker build.
type BuildOptions struct {
	Tag         string // Image reference. Defaults to the configured one.
	InlineCache bool   // Embed cache metadata and reuse it from Tag.
	NoCache     bool   // Ignore the build cache.
}

// Builds the image for a profile and returns its reference.
//
// The Dockerfile is rendered into a temporary directory, so the project's
// own files are never required or modified. It is accompanied by a
// Dockerfile-specific ignore file holding the configured exclusions and the
// project's own .dockerignore, which BuildKit reads in place of the one in
// the build context.
func (b *Builder) Build(ctx context.Context, profile config.Profile, opts BuildOptions) (string, error) {
	ref := opts.Tag
	if ref == "" {
		ref = b.Config.Image(profile)
	}

	contents, err := Generate(b.Config, profile)
	if err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp("", "kiln-docker-")
	if err != nil {
		return "", fault.Wrap(ErrWrite, err)
	}
	defer os.RemoveAll(tmp)

	file := filepath.Join(tmp, FileName(profile))
	if err := os.WriteFile(file, contents, paths.DefaultFileMode); err != nil {
		return "", fault.Wrap(ErrWrite, err)
	}

	ignore, err := contextIgnore(b.Config)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(file+IgnoreFile, ignore, paths.DefaultFileMode); err != nil {
		return "", fault.Wrap(ErrWrite, err)
	}

	cmd := command.Command{
		Name:   b.docker(),
		Args:   buildArgs(b.Config, ref, file, opts),
		Env:    append(os.Environ(), "DOCKER_BUILDKIT=1"),
		Stream: b.Stream,
	}

	slog.Info("running docker build", "ref", ref, "profile", profile, "inline_cache", opts.InlineCache)

	res, err := b.Runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fault.Wrapf(ErrBuild, "exit code %d: %s", res.ExitCode, lastLines(res.Stderr, 20))
	}

	return ref, nil
}

func (b *Builder) docker() string {
	if b.Docker != "" {
		return b.Docker
	}
	return "docker"
}

// Returns the arguments of a docker build invocation.
func buildArgs(cfg *config.Config, ref, file string, opts BuildOptions) []string {
	args := []string{"build", "-t", ref, "-f", file}

	if len(cfg.Build.Platforms) > 0 {
		args = append(args, "--platform", strings.Join(cfg.Build.Platforms, ","))
	}
	if opts.InlineCache {
		args = append(args, "--build-arg", InlineCacheArg+"=1", "--cache-from", ref)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	return append(args, cfg.ProjectRoot())
}

// Returns the ignore rules of the build context: the configured exclusions
// followed by the project's .dockerignore, if any.
func contextIgnore(cfg *config.Config) ([]byte, error) {
	rules := ignoreFile(cfg.Build.Exclude)

	own, err := os.ReadFile(filepath.Join(cfg.ProjectRoot(), IgnoreFile))
	if errors.Is(err, fs.ErrNotExist) {
		return rules, nil
	}
	if err != nil {
		return nil, fault.Wrap(ErrWrite, err)
	}

	own = bytes.TrimRight(own, "\n")
	if len(own) == 0 {
		return rules, nil
	}
	return append(append(rules, own...), '\n'), nil
}

// Returns the last n lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
