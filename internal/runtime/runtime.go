package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/kilnhq/kiln/internal/fault"
)

// OCI runtime shim for running containers.
const ociRuntime = "io.containerd.runc.v2"

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client      *containerd.Client // Containerd client for managing containers and images.
	snapshotter string             // Snapshotter for container filesystems.
	stream      io.Writer          // Receives command output of every container.

	mu       sync.Mutex
	imported map[string]bool // Tags created by archive imports, released on Close.
}

// Connection settings of a [Runtime].
type Options struct {
	Address     string    // Containerd socket.
	Namespace   string    // Namespace scoping every containerd operation.
	Snapshotter string    // Snapshotter for container filesystems.
	Stream      io.Writer // Optional writer receiving command output.
}

// Creates a runtime connected to containerd.
//
// The runtime must be closed when no longer needed. A daemon that cannot be
// reached is an environment error.
func New(opts Options) (*Runtime, error) {
	client, err := containerd.New(opts.Address, containerd.WithDefaultNamespace(opts.Namespace))
	if err != nil {
		return nil, fault.Wrap(fault.ErrEnvironment, fault.Wrapf(ErrRuntime, "containerd at %s: %w", opts.Address, err))
	}
	return &Runtime{
		client:      client,
		snapshotter: opts.Snapshotter,
		stream:      opts.Stream,
		imported:    make(map[string]bool),
	}, nil
}

// Releases imported archive images and closes the client connection.
func (rt *Runtime) Close() error {
	ctx := context.Background()

	rt.mu.Lock()
	tags := rt.imported
	rt.imported = make(map[string]bool)
	rt.mu.Unlock()

	for tag := range tags {
		if err := rt.DestroyImage(ctx, tag); err != nil {
			slog.Warn("failed to release imported image", "tag", tag, "error", err)
		}
	}

	return rt.client.Close()
}

// Ensures an image is present and unpacked for a platform.
//
// Short references are normalized to their fully qualified form
// ("rust:1" becomes "docker.io/library/rust:1"). Images already in the
// content store are not pulled again. Returns the normalized name.
func (rt *Runtime) Pull(ctx context.Context, ref, platform string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", fault.Wrapf(ErrRuntime, "invalid image reference %q: %w", ref, err)
	}
	name := named.String()

	if _, err := rt.client.ImageService().Get(ctx, name); err == nil {
		if err := rt.unpackImage(ctx, name, platform); err != nil {
			return "", fault.Wrap(ErrRuntime, err)
		}
		return name, nil
	} else if !errdefs.IsNotFound(err) {
		return "", fault.Wrap(ErrRuntime, err)
	}

	slog.Info("pulling image", "ref", name, "platform", platform)

	if _, err := rt.client.Pull(ctx, name,
		containerd.WithPlatform(platform),
		containerd.WithPullUnpack,
		containerd.WithPullSnapshotter(rt.snapshotter),
	); err != nil {
		return "", fault.Wrapf(ErrRuntime, "pull %s: %w", name, err)
	}

	return name, nil
}

// Returns the content digest of an image for a platform, pulling it if
// needed.
//
// The digest identifies the image contents independently of its tag, so
// that a retagged base image invalidates layers built on it.
func (rt *Runtime) Resolve(ctx context.Context, ref, platform string) (string, error) {
	name, err := rt.Pull(ctx, ref, platform)
	if err != nil {
		return "", err
	}

	img, err := rt.resolveImage(ctx, name, platform)
	if err != nil {
		return "", fault.Wrap(ErrRuntime, err)
	}
	return img.Target().Digest.String(), nil
}

// Returns the content digest of an image for a platform and whether it is
// already in the content store. Nothing is pulled.
func (rt *Runtime) ResolveLocal(ctx context.Context, ref, platform string) (string, bool, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", false, fault.Wrapf(ErrRuntime, "invalid image reference %q: %w", ref, err)
	}

	img, err := rt.resolveImage(ctx, named.String(), platform)
	if errdefs.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.Wrap(ErrRuntime, err)
	}
	return img.Target().Digest.String(), true, nil
}

// Starts a container from an image or an OCI archive.
//
// Archives are imported into containerd's content store and tagged with a
// deterministic name derived from the path. Images are pulled when
// missing. The layers for the target platform are unpacked into the
// snapshotter, a container is created with a fresh snapshot and the
// requested bind mounts, and a long-running task (sleep infinity) is
// started so that subsequent Exec calls have a running process to attach
// to. Any existing container with the same ID is removed first. Building
// for a platform other than the host requires QEMU / binfmt_misc support
// in the kernel.
func (rt *Runtime) Start(ctx context.Context, opts StartOptions) (*Container, error) {
	var tag string
	switch {
	case opts.Archive != "":
		tag = imageTag(opts.Archive)
		if err := rt.ImportImage(ctx, opts.Archive, tag, opts.Platform); err != nil {
			return nil, err
		}
		rt.mu.Lock()
		rt.imported[tag] = true
		rt.mu.Unlock()
	case opts.Image != "":
		name, err := rt.Pull(ctx, opts.Image, opts.Platform)
		if err != nil {
			return nil, err
		}
		tag = name
	default:
		return nil, ErrNoSource
	}

	c := &Container{
		client:      rt.client,
		id:          opts.ID,
		platform:    opts.Platform,
		snapshotter: rt.snapshotter,
		mounts:      opts.Mounts,
		stream:      rt.stream,
	}

	// A failed earlier build may have left a container under this ID.
	c.Destroy(ctx)

	image, err := rt.resolveImage(ctx, tag, opts.Platform)
	if err != nil {
		return nil, fault.Wrap(ErrRuntime, err)
	}

	if err := c.start(ctx, image); err != nil {
		return nil, fault.Wrap(ErrRuntime, err)
	}

	slog.Debug("container started", "id", opts.ID, "image", tag)

	return c, nil
}

// Imports an OCI archive, tags it under the given name, and unpacks it for
// a platform.
func (rt *Runtime) ImportImage(ctx context.Context, path, tag, platform string) error {
	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	slog.Debug("image imported", "tag", tag)
	return nil
}

// Imports an OCI archive into the content store.
//
// The archive must contain exactly one image. Multi-platform archives
// are supported (single OCI index with per-platform manifests).
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	if len(imported) == 0 {
		return images.Image{}, ErrEmptyArchive
	} else if len(imported) > 1 {
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Tags an imported image under a deterministic name.
//
// Updates the tag if it already exists. Removes the source record when
// its name differs from the tag to avoid duplicates.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	is := rt.client.ImageService()

	img := images.Image{
		Name:   tag,
		Target: source.Target,
	}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}

	if source.Name != tag {
		_ = is.Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, rt.snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := rt.client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(rt.client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed to produce a tag that is always valid for OCI references
// regardless of which characters the path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("import/%s:latest", hex.EncodeToString(h[:]))
}

// Removes an image and all containers created from it.
func (rt *Runtime) DestroyImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	for _, ctr := range ctrs {
		if err := discard(ctx, ctr); err != nil {
			return fault.Wrap(ErrRuntime, err)
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return fault.Wrap(ErrRuntime, err)
	}

	slog.Debug("image destroyed", "tag", tag)
	return nil
}
