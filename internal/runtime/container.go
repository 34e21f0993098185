package runtime

import (
	"context"
	"io"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// A stage workspace running as a containerd container.
//
// The container keeps a long-running task that every command attaches to
// as an additional process.
type Container struct {
	client      *containerd.Client // Client the container was created with.
	id          string             // Containerd container ID.
	platform    string             // OCI platform (e.g., "linux/amd64").
	snapshotter string             // Snapshotter holding the container filesystem.
	mounts      []Mount            // Cache directories bound into the container.
	stream      io.Writer          // Receives command output when non-nil.
}

// Removes the container, its task and its snapshot.
//
// A container that no longer exists is not an error. After destruction the
// handle is invalid.
func (c *Container) Destroy(ctx context.Context) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load container", "id", c.id, "error", err)
		}
		return
	}
	if err := discard(ctx, ctr); err != nil {
		slog.Warn("failed to remove container", "id", c.id, "error", err)
	}
}

// Creates the container from image and starts its idle task.
func (c *Container) start(ctx context.Context, image containerd.Image) error {
	ctr, err := c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(c.snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(c.spec(image)...),
	)
	if err != nil {
		return err
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err == nil {
		if err = task.Start(ctx); err != nil {
			task.Delete(ctx)
		}
	}
	if err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return err
	}
	return nil
}

// Returns the OCI spec options of a build container.
//
// Builds share the host network so that dependency fetches reach the
// registry without extra configuration.
func (c *Container) spec(image containerd.Image) []oci.SpecOpts {
	return []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(c.platform),
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithMounts(bindMounts(c.mounts)),
		oci.WithProcessArgs("sleep", "infinity"),
	}
}

// Converts cache mounts to OCI bind mounts.
func bindMounts(mounts []Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, specs.Mount{
			Destination: m.Target,
			Source:      m.Source,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}
	return out
}

// Kills the task of ctr, if any, and deletes ctr with its snapshot.
func discard(ctx context.Context, ctr containerd.Container) error {
	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}
