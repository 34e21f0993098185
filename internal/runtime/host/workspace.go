package host

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/archive"
	"github.com/kilnhq/kiln/internal/command"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/kilnhq/kiln/internal/stage"
)

// Environment variable holding the workspace root.
const RootEnv = stage.HostRootEnv

// A build workspace rooted at a host directory.
type Workspace struct {
	root     string         // Host directory standing in for "/".
	platform string         // Platform recorded in snapshots.
	runner   command.Runner // Runs commands.
	env      []string       // Base environment of commands.
	config   image.Config   // Image config inherited from the source archive.
}

// Returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Returns the host path for an absolute workspace path.
func (w *Workspace) path(p string) string {
	return rebase(w.root, p)
}

// Runs a command through shell with the rebased working directory.
//
// A non-zero exit code is reported in the result, not as an error.
func (w *Workspace) Exec(ctx context.Context, shell, cmd string, env []string, workdir string) (*runtime.ExecResult, error) {
	dir := w.path(workdir)
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return nil, fault.Wrap(ErrWorkspace, err)
	}

	overrides := append(append([]string{}, env...), RootEnv+"="+w.root)

	res, err := w.runner.Run(ctx, command.Command{
		Name: shell,
		Args: []string{"-c", cmd},
		Dir:  dir,
		Env:  runtime.MergeEnv(w.env, overrides),
	})
	if err != nil {
		return nil, err
	}

	return &runtime.ExecResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

// Creates a directory inside the workspace, including parents.
func (w *Workspace) MkdirAll(ctx context.Context, dir string) error {
	if err := os.MkdirAll(w.path(dir), paths.DefaultDirMode); err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}
	return nil
}

// Extracts a tar stream into destDir.
func (w *Workspace) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	if err := archive.Extract(r, w.path(destDir)); err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}
	return nil
}

// Writes the entry at p, under its base name, to w as a tar stream.
func (w *Workspace) CopyFrom(ctx context.Context, wr io.Writer, p string) error {
	src := w.path(p)
	name := path.Base(path.Clean("/" + p))

	info, err := os.Lstat(src)
	if err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}

	tw := tar.NewWriter(wr)
	if info.IsDir() {
		err = archive.WriteDir(tw, src, name, nil)
	} else {
		err = archive.WriteFile(tw, src, name)
	}
	if err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}
	return tw.Close()
}

// Writes the workspace filesystem to an OCI archive at p.
func (w *Workspace) Snapshot(ctx context.Context, p string) error {
	return w.Export(ctx, p, "", nil)
}

// Writes the workspace filesystem to an OCI archive at p.
//
// The non-empty fields of cfg replace those inherited from the source.
func (w *Workspace) Export(ctx context.Context, p, ref string, cfg *image.Config) error {
	merged := w.config
	if cfg != nil {
		if len(cfg.Entrypoint) > 0 {
			merged.Entrypoint = cfg.Entrypoint
			merged.Cmd = cfg.Cmd
		}
		if len(cfg.Env) > 0 {
			merged.Env = runtime.MergeEnv(merged.Env, cfg.Env)
		}
		if cfg.WorkingDir != "" {
			merged.WorkingDir = cfg.WorkingDir
		}
		if len(cfg.Labels) > 0 {
			merged.Labels = cfg.Labels
		}
	}

	if err := os.MkdirAll(filepath.Dir(p), paths.DefaultDirMode); err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}

	f, err := os.Create(p)
	if err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}

	if err := image.Write(f, ref, w.platform, merged, w.root); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fault.Wrap(ErrWorkspace, err)
	}

	slog.Debug("workspace exported", "root", w.root, "path", p)
	return nil
}

// Removes the workspace directory.
func (w *Workspace) Destroy(ctx context.Context) {
	if err := os.RemoveAll(w.root); err != nil {
		slog.Warn("failed to remove workspace", "root", w.root, "error", err)
	}
}
