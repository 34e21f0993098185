package runtime

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"os"
	"strconv"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/kilnhq/kiln/internal/fault"
	"github.com/kilnhq/kiln/internal/image"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Prefix of the containerd labels that keep child blobs reachable.
const gcRefLabel = "containerd.io/gc.ref.content."

// Writes the container filesystem to an OCI archive at path with the
// source image config.
func (c *Container) Snapshot(ctx context.Context, path string) error {
	return c.Export(ctx, path, "", nil)
}

// Commits the container's changes as one layer on top of its source image
// and writes the result to an OCI archive at path.
//
// The non-empty fields of cfg replace those of the source config. The
// archive entry is named ref, or after the source image when ref is empty.
// The source image record is left untouched: the edited manifest and config
// only exist as leased blobs until the archive is written.
func (c *Container) Export(ctx context.Context, path, ref string, cfg *image.Config) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}
	info, err := ctr.Info(ctx)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	layer, err := rootfs.CreateDiff(ctx, info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	// Unleased blobs may be collected before the archive is written.
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}
	defer done(context.WithoutCancel(ctx))

	src, err := c.client.ImageService().Get(ctx, info.Image)
	if err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	target, err := c.appendLayer(ctx, src.Target, layer, cfg)
	if err != nil {
		return err
	}

	if err := c.writeArchive(ctx, path, target, cmp.Or(ref, info.Image)); err != nil {
		return fault.Wrap(ErrRuntime, err)
	}

	slog.Debug("container exported", "id", c.id, "path", path)
	return nil
}

// Writes a new image root that adds layer to the manifest of root for the
// container's platform.
//
// An index root is replaced by a single-entry index, since only the layers
// of the container's platform are present in the content store.
func (c *Container) appendLayer(ctx context.Context, root, layer ocispec.Descriptor, cfg *image.Config) (ocispec.Descriptor, error) {
	cs := c.client.ContentStore()

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}

	manifest, err := images.Manifest(ctx, cs, root, platforms.OnlyStrict(p))
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrapf(ErrNoManifest, "%s: %w", c.platform, err)
	}

	config, err := readJSON[ocispec.Image](ctx, cs, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}

	diffID, err := images.GetDiffID(ctx, cs, layer)
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}

	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
	applyConfig(&config.Config, cfg)

	manifest.Config, err = writeJSON(ctx, cs, manifest.Config.MediaType, config, nil)
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}
	manifest.Layers = append(manifest.Layers, layer)

	desc, err := writeJSON(ctx, cs, cmp.Or(manifest.MediaType, ocispec.MediaTypeImageManifest), manifest, manifestLabels(manifest))
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}
	if !images.IsIndexType(root.MediaType) {
		return desc, nil
	}

	desc.Platform = &p
	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: root.MediaType,
		Manifests: []ocispec.Descriptor{desc},
	}
	desc, err = writeJSON(ctx, cs, root.MediaType, index, childLabels("m", index.Manifests))
	if err != nil {
		return ocispec.Descriptor{}, fault.Wrap(ErrRuntime, err)
	}
	return desc, nil
}

// Exports target to an OCI tar archive at path under name.
//
// The descriptor is exported directly, so the edited manifest never needs
// an image record of its own.
func (c *Container) writeArchive(ctx context.Context, path string, target ocispec.Descriptor, name string) error {
	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	err = c.client.Export(ctx, f,
		archive.WithManifest(target, name),
		archive.WithPlatform(platforms.Only(p)),
	)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Overlays the non-empty fields of cfg on an image config.
//
// A new entrypoint also replaces the inherited command, which was written
// for the old one.
func applyConfig(dst *ocispec.ImageConfig, cfg *image.Config) {
	if cfg == nil {
		return
	}
	if len(cfg.Entrypoint) > 0 {
		dst.Entrypoint = cfg.Entrypoint
		dst.Cmd = cfg.Cmd
	}
	if len(cfg.Env) > 0 {
		dst.Env = MergeEnv(dst.Env, cfg.Env)
	}
	if cfg.WorkingDir != "" {
		dst.WorkingDir = cfg.WorkingDir
	}
	if len(cfg.Labels) > 0 {
		if dst.Labels == nil {
			dst.Labels = make(map[string]string, len(cfg.Labels))
		}
		maps.Copy(dst.Labels, cfg.Labels)
	}
}

// Decodes the JSON blob desc from the content store.
func readJSON[T any](ctx context.Context, cs content.Provider, desc ocispec.Descriptor) (T, error) {
	var v T
	b, err := content.ReadBlob(ctx, cs, desc)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(b, &v)
	return v, err
}

// Encodes v as a JSON blob in the content store and returns its descriptor.
func writeJSON(ctx context.Context, cs content.Ingester, mediaType string, v any, labels map[string]string) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}

	var opts []content.Opt
	if len(labels) > 0 {
		opts = append(opts, content.WithLabels(labels))
	}

	ref := "kiln-export-" + desc.Digest.Encoded()
	if err := content.WriteBlob(ctx, cs, ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Returns the GC labels tying a manifest to its config and layers.
func manifestLabels(m ocispec.Manifest) map[string]string {
	labels := childLabels("l", m.Layers)
	labels[gcRefLabel+"config"] = m.Config.Digest.String()
	return labels
}

// Returns one GC label per child, keyed by kind and position.
func childLabels(kind string, children []ocispec.Descriptor) map[string]string {
	labels := make(map[string]string, len(children)+1)
	for i, d := range children {
		labels[gcRefLabel+kind+"."+strconv.Itoa(i)] = d.Digest.String()
	}
	return labels
}
