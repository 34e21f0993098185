package build

import (
	"context"
	"io"

	"github.com/kilnhq/kiln/internal/image"
	"github.com/kilnhq/kiln/internal/runtime"
	"github.com/kilnhq/kiln/internal/runtime/host"
)

// Filesystem a stage is built in.
type Workspace interface {
	Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error)
	MkdirAll(ctx context.Context, dir string) error
	CopyTo(ctx context.Context, r io.Reader, destDir string) error
	CopyFrom(ctx context.Context, w io.Writer, path string) error
	Snapshot(ctx context.Context, path string) error
	Export(ctx context.Context, path, ref string, cfg *image.Config) error
	Destroy(ctx context.Context)
}

// Creates workspaces for a build engine.
type Backend interface {

	// Returns a content identity for a source image on a platform.
	Resolve(ctx context.Context, ref, platform string) (string, error)

	// Starts a workspace from an image or an archive.
	Start(ctx context.Context, opts runtime.StartOptions) (Workspace, error)
}

// Implemented by backends whose Resolve may fetch images. Dry runs use
// ResolveLocal instead and treat images that are not present as unknown.
type LocalResolver interface {
	ResolveLocal(ctx context.Context, ref, platform string) (string, bool, error)
}

// Implemented by backends that keep their own copy of built images.
type Promoter interface {
	Promote(ctx context.Context, path, ref, platform string) error
}

// Returns a backend running stages in containerd containers.
func Containerd(rt *runtime.Runtime) Backend {
	return containerdBackend{rt: rt}
}

type containerdBackend struct {
	rt *runtime.Runtime
}

func (b containerdBackend) Resolve(ctx context.Context, ref, platform string) (string, error) {
	return b.rt.Resolve(ctx, ref, platform)
}

func (b containerdBackend) ResolveLocal(ctx context.Context, ref, platform string) (string, bool, error) {
	return b.rt.ResolveLocal(ctx, ref, platform)
}

func (b containerdBackend) Start(ctx context.Context, opts runtime.StartOptions) (Workspace, error) {
	ctr, err := b.rt.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ctr, nil
}

// Imports the built image so it can be run by containerd clients.
func (b containerdBackend) Promote(ctx context.Context, path, ref, platform string) error {
	return b.rt.ImportImage(ctx, path, ref, platform)
}

// Returns a backend running stages in host directories.
func Host(h *host.Host) Backend {
	return hostBackend{h: h}
}

type hostBackend struct {
	h *host.Host
}

func (b hostBackend) Resolve(ctx context.Context, ref, platform string) (string, error) {
	return b.h.Resolve(ctx, ref, platform)
}

func (b hostBackend) Start(ctx context.Context, opts runtime.StartOptions) (Workspace, error) {
	ws, err := b.h.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return ws, nil
}
