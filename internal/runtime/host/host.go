package host

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/platforms"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/kilnhq/kiln/internal/stage"
)

// Creates workspaces below a root directory.
type Host struct {
	root   string         // Directory holding one subdirectory per workspace.
	runner command.Runner // Runs workspace commands.
}

// Creates a host backend keeping workspaces below root.
func New(root string, runner command.Runner) *Host {
	return &Host{root: root, runner: runner}
}

// Returns the identity of a source image.
//
// Only [stage.Scratch] is available on the host.
func (h *Host) Resolve(ctx context.Context, ref, platform string) (string, error) {
	if err := checkPlatform(platform); err != nil {
		return "", err
	}
	if ref != stage.Scratch {
		return "", fault.Wrapf(ErrUnsupportedImage, "%q", ref)
	}
	return stage.Scratch, nil
}

// Creates a workspace directory and populates it from the source.
//
// An existing workspace with the same ID is removed first.
func (h *Host) Start(ctx context.Context, opts runtime.StartOptions) (*Workspace, error) {
	if err := checkPlatform(opts.Platform); err != nil {
		return nil, err
	}
	if opts.Archive == "" && opts.Image != stage.Scratch {
		return nil, fault.Wrapf(ErrUnsupportedImage, "%q", opts.Image)
	}

	dir := filepath.Join(h.root, opts.ID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fault.Wrap(ErrWorkspace, err)
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrWorkspace, err)
	}

	ws := &Workspace{
		root:     dir,
		platform: opts.Platform,
		runner:   h.runner,
		env:      os.Environ(),
	}

	if opts.Archive != "" {
		cfg, err := image.Unpack(opts.Archive, dir, opts.Platform)
		if err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		ws.config = image.Config{
			Entrypoint: cfg.Config.Entrypoint,
			Cmd:        cfg.Config.Cmd,
			Env:        cfg.Config.Env,
			WorkingDir: cfg.Config.WorkingDir,
			Labels:     cfg.Config.Labels,
		}
		ws.env = runtime.MergeEnv(ws.env, cfg.Config.Env)
	}

	for _, m := range opts.Mounts {
		if err := ws.mount(m); err != nil {
			os.RemoveAll(dir)
			return nil, fault.Wrap(ErrWorkspace, err)
		}
	}

	slog.Debug("workspace started", "id", opts.ID, "root", dir)

	return ws, nil
}

// Links a mount target inside the workspace to its host directory.
func (w *Workspace) mount(m runtime.Mount) error {
	if err := os.MkdirAll(m.Source, paths.DefaultDirMode); err != nil {
		return err
	}

	target := w.path(m.Target)
	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
		return err
	}

	// A restored snapshot may already carry the link.
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(m.Source, target)
}

// Reports an error unless platform runs natively on this host.
func checkPlatform(platform string) error {
	p, err := platforms.Parse(platform)
	if err != nil {
		return fault.Wrapf(ErrPlatform, "%s: %w", platform, err)
	}
	if !platforms.Default().Match(p) {
		return fault.Wrapf(ErrPlatform, "%s on %s", platform, platforms.DefaultString())
	}
	return nil
}

// Returns the host path for an absolute workspace path.
func rebase(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+p)))
}
